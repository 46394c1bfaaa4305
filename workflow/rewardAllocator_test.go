package workflow

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestAllocateRewards_EvenSplit(t *testing.T) {
	alloc, err := AllocateRewards(dec("1.00"), dec("50"), dec("50"), 2)
	if err != nil {
		t.Fatalf("AllocateRewards: %v", err)
	}
	if !alloc.ContributorAmount.Equal(dec("0.50")) {
		t.Fatalf("contributor expected 0.50, got %s", alloc.ContributorAmount)
	}
	if !alloc.ValidatorAmount.Equal(dec("0.25")) {
		t.Fatalf("per-validator expected 0.25, got %s", alloc.ValidatorAmount)
	}
	if !alloc.TotalAllocated.Equal(dec("1.00")) {
		t.Fatalf("total expected 1.00, got %s", alloc.TotalAllocated)
	}
}

func TestAllocateRewards_NeverExceedsBudget(t *testing.T) {
	budgets := []string{"1.00", "0.01", "0.10", "3.33", "99.99", "0.07"}
	splits := []struct{ c, v string }{
		{"50", "50"}, {"60", "40"}, {"100", "0"}, {"0", "100"}, {"33", "33"},
	}
	for _, b := range budgets {
		for _, s := range splits {
			for validators := 1; validators <= 7; validators++ {
				alloc, err := AllocateRewards(dec(b), dec(s.c), dec(s.v), validators)
				if err != nil {
					t.Fatalf("AllocateRewards(%s, %s/%s, %d): %v", b, s.c, s.v, validators, err)
				}
				sum := alloc.ContributorAmount.Add(alloc.ValidatorAmount.Mul(decimal.NewFromInt(int64(validators))))
				if sum.GreaterThan(dec(b)) {
					t.Fatalf("AllocateRewards(%s, %s/%s, %d) allocated %s > budget", b, s.c, s.v, validators, sum)
				}
				if !sum.Equal(alloc.TotalAllocated) {
					t.Fatalf("TotalAllocated %s does not match recomputed sum %s", alloc.TotalAllocated, sum)
				}
				if alloc.ContributorAmount.IsNegative() || alloc.ValidatorAmount.IsNegative() {
					t.Fatalf("AllocateRewards(%s, %s/%s, %d) produced a negative share", b, s.c, s.v, validators)
				}
			}
		}
	}
}

func TestAllocateRewards_SubCentRemainderStaysInPool(t *testing.T) {
	// 0.50 validator share across 3 validators: 0.1666... floors to 0.16.
	alloc, err := AllocateRewards(dec("1.00"), dec("50"), dec("50"), 3)
	if err != nil {
		t.Fatalf("AllocateRewards: %v", err)
	}
	if !alloc.ValidatorAmount.Equal(dec("0.16")) {
		t.Fatalf("per-validator expected 0.16, got %s", alloc.ValidatorAmount)
	}
	if !alloc.TotalAllocated.Equal(dec("0.98")) {
		t.Fatalf("total expected 0.98, got %s", alloc.TotalAllocated)
	}
}

func TestAllocateRewards_NoValidators(t *testing.T) {
	_, err := AllocateRewards(dec("1.00"), dec("50"), dec("50"), 0)
	if !errors.Is(err, ErrNoValidators) {
		t.Fatalf("expected ErrNoValidators, got %v", err)
	}

	// A zero validator share needs nobody to receive it.
	alloc, err := AllocateRewards(dec("1.00"), dec("100"), dec("0"), 0)
	if err != nil {
		t.Fatalf("AllocateRewards with zero validator pct: %v", err)
	}
	if !alloc.ContributorAmount.Equal(dec("1.00")) {
		t.Fatalf("contributor expected 1.00, got %s", alloc.ContributorAmount)
	}
}

func TestRoutePayout(t *testing.T) {
	addr := "0x1111111111111111111111111111111111111111"
	empty := ""

	cases := []struct {
		name             string
		verified         bool
		address          *string
		gatewayAvailable bool
		want             PayoutPath
	}{
		{"verified wallet with gateway", true, &addr, true, PayoutPathChain},
		{"unverified wallet", false, &addr, true, PayoutPathLedger},
		{"no wallet address", true, nil, true, PayoutPathLedger},
		{"empty wallet address", true, &empty, true, PayoutPathLedger},
		{"no gateway", true, &addr, false, PayoutPathLedger},
	}
	for _, tc := range cases {
		if got := RoutePayout(tc.verified, tc.address, tc.gatewayAvailable); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}
