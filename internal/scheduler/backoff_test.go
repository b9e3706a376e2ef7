package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		InitialDelay:      0,
		PollInterval:      time.Millisecond,
		MaxAttempts:       10000,
		BackoffInitial:    30 * time.Second,
		BackoffMultiplier: 1.5,
		BackoffMax:        120 * time.Second,
	}
}

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(testConfig())

	want := []time.Duration{
		30 * time.Second,
		45 * time.Second,
		67500 * time.Millisecond,
	}
	for i, w := range want {
		if got := b.Next(0); got != w {
			t.Fatalf("delay %d = %s, want %s", i, got, w)
		}
	}
}

func TestBackoffCaps(t *testing.T) {
	b := NewBackoff(testConfig())
	var last time.Duration
	for i := 0; i < 10; i++ {
		d := b.Next(0)
		if d < last {
			t.Fatalf("delay decreased: %s after %s", d, last)
		}
		last = d
	}
	if last != 120*time.Second {
		t.Fatalf("capped delay = %s, want 120s", last)
	}
}

func TestBackoffHonorsLargerHint(t *testing.T) {
	b := NewBackoff(testConfig())
	if got := b.Next(50 * time.Second); got != 50*time.Second {
		t.Fatalf("hinted delay = %s, want 50s", got)
	}
	// The sequence continues from the hinted value.
	if got := b.Next(0); got != 75*time.Second {
		t.Fatalf("delay after hint = %s, want 75s", got)
	}
}

func TestBackoffIgnoresSmallerHint(t *testing.T) {
	b := NewBackoff(testConfig())
	if got := b.Next(time.Second); got != 30*time.Second {
		t.Fatalf("delay = %s, want 30s despite smaller hint", got)
	}
}

func TestBackoffHintNeverExceedsCap(t *testing.T) {
	b := NewBackoff(testConfig())
	if got := b.Next(10 * time.Minute); got != 120*time.Second {
		t.Fatalf("delay = %s, want cap 120s", got)
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(testConfig())
	b.Next(0)
	b.Next(0)
	b.Reset()
	if got := b.Next(0); got != 30*time.Second {
		t.Fatalf("delay after reset = %s, want 30s", got)
	}
}

func TestRunCompletesWhenDone(t *testing.T) {
	calls := 0
	outcome, err := Run(context.Background(), testConfig(), func(attempt int) (Result, error) {
		calls++
		if attempt != calls {
			t.Fatalf("attempt = %d, want %d", attempt, calls)
		}
		return Result{Done: calls >= 3}, nil
	}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if outcome != OutcomeDone {
		t.Fatalf("outcome = %v, want OutcomeDone", outcome)
	}
	if calls != 3 {
		t.Fatalf("check called %d times, want 3", calls)
	}
}

func TestRunRateLimitedRoundsAreNotAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.BackoffInitial = time.Millisecond
	cfg.BackoffMax = 4 * time.Millisecond
	cfg.MaxAttempts = 2

	var delays []time.Duration
	calls := 0
	lastAttempt := 0
	outcome, err := Run(context.Background(), cfg, func(attempt int) (Result, error) {
		calls++
		lastAttempt = attempt
		if calls <= 3 {
			return Result{RateLimited: true}, nil
		}
		return Result{Done: true}, nil
	}, func(round int, delay time.Duration) {
		if round != len(delays)+1 {
			t.Fatalf("backoff round = %d, want %d", round, len(delays)+1)
		}
		delays = append(delays, delay)
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if outcome != OutcomeDone {
		t.Fatalf("outcome = %v, want OutcomeDone after backoff recovery", outcome)
	}
	if len(delays) != 3 {
		t.Fatalf("got %d backoff rounds, want 3", len(delays))
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] < delays[i-1] {
			t.Fatalf("backoff delays decreased: %v", delays)
		}
	}
	// Three throttled rounds plus the final successful one, but only the
	// successful round counts as an attempt.
	if lastAttempt != 1 {
		t.Fatalf("final attempt number = %d, want 1", lastAttempt)
	}
}

func TestRunExhaustsAttemptCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 5

	calls := 0
	outcome, err := Run(context.Background(), cfg, func(int) (Result, error) {
		calls++
		return Result{}, nil
	}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if outcome != OutcomeExhausted {
		t.Fatalf("outcome = %v, want OutcomeExhausted", outcome)
	}
	if calls != 5 {
		t.Fatalf("check called %d times, want 5", calls)
	}
}

func TestRunPropagatesCheckError(t *testing.T) {
	wantErr := errors.New("credential rejected")
	_, err := Run(context.Background(), testConfig(), func(int) (Result, error) {
		return Result{}, wantErr
	}, nil)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Run error = %v, want %v", err, wantErr)
	}
}

func TestRunCancelledBetweenRounds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	outcome, err := Run(ctx, testConfig(), func(int) (Result, error) {
		calls++
		cancel()
		return Result{}, nil
	}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if outcome != OutcomeCancelled {
		t.Fatalf("outcome = %v, want OutcomeCancelled", outcome)
	}
	// The in-flight round completed; cancellation took effect at the next
	// checkpoint.
	if calls != 1 {
		t.Fatalf("check called %d times, want 1", calls)
	}
}

func TestRunCancelledDuringInitialDelay(t *testing.T) {
	cfg := testConfig()
	cfg.InitialDelay = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	outcome, err := Run(ctx, cfg, func(int) (Result, error) {
		t.Fatal("check should not run")
		return Result{}, nil
	}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if outcome != OutcomeCancelled {
		t.Fatalf("outcome = %v, want OutcomeCancelled", outcome)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("Run waited out the full initial delay despite cancellation")
	}
}
