package workflow

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrNoValidators signals an allocation with a validator share but nobody to
// receive it.
var ErrNoValidators = errors.New("no validators to allocate rewards to")

// Allocation is the per-recipient split of one clip's reward budget.
type Allocation struct {
	ContributorAmount decimal.Decimal
	ValidatorAmount   decimal.Decimal
	TotalAllocated    decimal.Decimal
}

// AllocateRewards splits budget into one contributor share and equal
// per-validator shares. Percentages are whole numbers (50 means 50%). All
// amounts round half-up to 2 decimal places; sub-cent remainders stay in the
// pool, so TotalAllocated never exceeds budget.
func AllocateRewards(budget decimal.Decimal, contributorPct, validatorPct decimal.Decimal, validatorCount int) (Allocation, error) {
	if budget.IsNegative() {
		return Allocation{}, errors.New("reward budget must not be negative")
	}

	hundred := decimal.NewFromInt(100)
	contributorAmount := budget.Mul(contributorPct).Div(hundred).Round(2)

	validatorShare := budget.Mul(validatorPct).Div(hundred)
	var validatorAmount decimal.Decimal
	if validatorShare.IsPositive() {
		if validatorCount == 0 {
			return Allocation{}, ErrNoValidators
		}
		// Per-validator shares floor to the cent so equal splits never
		// overdraw; the sub-cent remainder stays in the pool.
		validatorAmount = validatorShare.Div(decimal.NewFromInt(int64(validatorCount))).RoundDown(2)
	}

	total := contributorAmount.Add(validatorAmount.Mul(decimal.NewFromInt(int64(validatorCount))))
	if total.GreaterThan(budget) {
		// Rounding pushed the sum over budget; shave the excess off the
		// contributor share.
		contributorAmount = contributorAmount.Sub(total.Sub(budget))
		total = budget
	}

	return Allocation{
		ContributorAmount: contributorAmount,
		ValidatorAmount:   validatorAmount,
		TotalAllocated:    total,
	}, nil
}
