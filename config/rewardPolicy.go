package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// RewardPolicy is the operator-owned configuration surface of the consensus
// and reward pipeline. Loaded once from env; ValidatePolicy runs at startup so
// a misconfigured split fails fast instead of silently over-allocating.
type RewardPolicy struct {
	// RequiredAnnotations is the minimum number of independent annotations
	// before consensus is evaluated. Must be >= 2.
	RequiredAnnotations int

	// ConsensusThreshold is the minimum average pairwise similarity (0-100)
	// required to mark a clip validated.
	ConsensusThreshold float64

	// DefaultRewardBudget is the total stablecoin budget per validated clip.
	DefaultRewardBudget decimal.Decimal

	// ContributorPct / ValidatorPct are whole percentages (e.g. 50 means 50%).
	// Their sum must not exceed 100.
	ContributorPct decimal.Decimal
	ValidatorPct   decimal.Decimal
}

var (
	policy     RewardPolicy
	policyOnce sync.Once
)

func GetRewardPolicy() RewardPolicy {
	policyOnce.Do(func() {
		policy = RewardPolicy{
			RequiredAnnotations: intFromEnv("REQUIRED_ANNOTATIONS", 3),
			ConsensusThreshold:  floatFromEnv("CONSENSUS_THRESHOLD", 70),
			DefaultRewardBudget: decimalFromEnv("DEFAULT_REWARD_BUDGET", "1.00"),
			ContributorPct:      decimalFromEnv("CONTRIBUTOR_REWARD_PERCENTAGE", "50"),
			ValidatorPct:        decimalFromEnv("VALIDATOR_REWARD_PERCENTAGE", "50"),
		}
	})
	return policy
}

// ValidatePolicy returns an error when the loaded policy cannot be used.
func ValidatePolicy(p RewardPolicy) error {
	if p.RequiredAnnotations < 2 {
		return fmt.Errorf("REQUIRED_ANNOTATIONS must be >= 2, got %d", p.RequiredAnnotations)
	}
	if p.ConsensusThreshold < 0 || p.ConsensusThreshold > 100 {
		return fmt.Errorf("CONSENSUS_THRESHOLD must be within 0-100, got %v", p.ConsensusThreshold)
	}
	if p.DefaultRewardBudget.IsNegative() {
		return fmt.Errorf("DEFAULT_REWARD_BUDGET must not be negative, got %s", p.DefaultRewardBudget)
	}
	hundred := decimal.NewFromInt(100)
	if p.ContributorPct.IsNegative() || p.ValidatorPct.IsNegative() {
		return fmt.Errorf("reward percentages must not be negative (contributor=%s validator=%s)", p.ContributorPct, p.ValidatorPct)
	}
	if p.ContributorPct.Add(p.ValidatorPct).GreaterThan(hundred) {
		return fmt.Errorf("reward percentages must sum to <= 100, got %s", p.ContributorPct.Add(p.ValidatorPct))
	}
	return nil
}

// RetryPolicy bounds worker-side processing retries for a task (settlement
// polls included). Backoff is base * 2^(attempt-1), capped.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func GetRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: intFromEnv("TASK_PROCESS_MAX_ATTEMPTS", 10),
		BaseBackoff: time.Duration(intFromEnv("TASK_PROCESS_BASE_BACKOFF_SECONDS", 5)) * time.Second,
		MaxBackoff:  time.Duration(intFromEnv("TASK_PROCESS_MAX_BACKOFF_SECONDS", 600)) * time.Second,
	}
}

func floatFromEnv(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func decimalFromEnv(key string, def string) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		v = def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		d, _ = decimal.NewFromString(def)
	}
	return d
}
