package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/sautiworks/linguana_backend/chain"
	"github.com/shopspring/decimal"
)

type fakeGateway struct {
	receipt *chain.Receipt
	err     error
}

func (g *fakeGateway) Transfer(ctx context.Context, to string, amount decimal.Decimal) (string, error) {
	return "", errors.New("not implemented")
}

func (g *fakeGateway) Receipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	return g.receipt, g.err
}

func (g *fakeGateway) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("not implemented")
}

func TestGatewayReceipt_NilGatewayNotConfigured(t *testing.T) {
	_, err := gatewayReceipt(context.Background(), nil, "0xabc")
	if !errors.Is(err, chain.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestGatewayReceipt_PendingReturnsNilNil(t *testing.T) {
	receipt, err := gatewayReceipt(context.Background(), &fakeGateway{}, "0xabc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt != nil {
		t.Fatalf("expected nil receipt while pending, got %+v", receipt)
	}
}

func TestGatewayReceipt_PassesThroughResult(t *testing.T) {
	want := &chain.Receipt{TxHash: "0xabc", Success: false, BlockNumber: 42}
	receipt, err := gatewayReceipt(context.Background(), &fakeGateway{receipt: want}, "0xabc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt != want {
		t.Fatalf("expected receipt passthrough, got %+v", receipt)
	}
}
