package chain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrNotConfigured is returned by gateway constructors when the chain env
// vars are missing. Payouts then fall back to ledger credits.
var ErrNotConfigured = errors.New("chain gateway not configured")

// Receipt is the settled outcome of a submitted transfer.
type Receipt struct {
	TxHash      string
	Success     bool
	BlockNumber uint64
	GasUsed     uint64
}

// Gateway abstracts the stablecoin contract. Implementations must be safe for
// concurrent use; calls are always made outside DB transactions and locks.
type Gateway interface {
	// Transfer submits an ERC-20 transfer and returns the transaction hash.
	// Submission is asynchronous; confirmation comes via Receipt.
	Transfer(ctx context.Context, to string, amount decimal.Decimal) (string, error)

	// Receipt returns nil with no error while the transaction is still
	// pending. Callers poll.
	Receipt(ctx context.Context, txHash string) (*Receipt, error)

	// Balance reports the token balance of an address in whole-token units.
	Balance(ctx context.Context, address string) (decimal.Decimal, error)
}
