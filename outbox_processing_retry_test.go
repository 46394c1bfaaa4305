package main

import (
	"testing"
	"time"

	"github.com/sautiworks/linguana_backend/config"
)

func TestOutboxProcessBackoff_ExponentialAndCapped(t *testing.T) {
	cfg := config.RetryPolicy{
		MaxAttempts: 10,
		BaseBackoff: 5 * time.Second,
		MaxBackoff:  10 * time.Minute,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 80 * time.Second},
		{8, 640 * time.Second},
		{9, 10 * time.Minute},
		{20, 10 * time.Minute},
	}
	for _, tc := range cases {
		if got := outboxProcessBackoff(tc.attempt, cfg); got != tc.want {
			t.Fatalf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

func TestOutboxProcessBackoff_Monotonic(t *testing.T) {
	cfg := config.RetryPolicy{
		MaxAttempts: 10,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  5 * time.Minute,
	}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 15; attempt++ {
		got := outboxProcessBackoff(attempt, cfg)
		if got < prev {
			t.Fatalf("backoff must not shrink: attempt %d gave %v after %v", attempt, got, prev)
		}
		if got > cfg.MaxBackoff {
			t.Fatalf("attempt %d exceeded cap: %v", attempt, got)
		}
		prev = got
	}
}
