package scheduler

import (
	"context"
	"time"
)

// Config controls the polling loop for one job.
type Config struct {
	// InitialDelay is the wait between submit and the first status check;
	// the provider needs processing time, so checking immediately wastes a
	// round-trip.
	InitialDelay time.Duration
	// PollInterval is the wait between normal status-check rounds.
	PollInterval time.Duration
	// MaxAttempts caps the number of counted check rounds before the job is
	// treated as timed out.
	MaxAttempts int
	// BackoffInitial seeds the rate-limit delay sequence.
	BackoffInitial time.Duration
	// BackoffMultiplier grows the delay on consecutive rate-limit responses.
	BackoffMultiplier float64
	// BackoffMax caps the rate-limit delay.
	BackoffMax time.Duration
}

// DefaultConfig returns the production polling parameters.
func DefaultConfig() Config {
	return Config{
		InitialDelay:      10 * time.Second,
		PollInterval:      3 * time.Second,
		MaxAttempts:       10000,
		BackoffInitial:    30 * time.Second,
		BackoffMultiplier: 1.5,
		BackoffMax:        120 * time.Second,
	}
}

// Backoff computes the rate-limit delay sequence. Successive rate-limited
// rounds grow the delay geometrically up to the cap; a successful round
// resets the sequence.
type Backoff struct {
	cfg  Config
	next time.Duration
}

// NewBackoff creates a backoff sequence for cfg.
func NewBackoff(cfg Config) *Backoff {
	return &Backoff{cfg: cfg}
}

// Next returns the delay for the current rate-limited round and advances the
// sequence. A provider hint larger than the computed delay takes precedence;
// either way the result never exceeds the cap.
func (b *Backoff) Next(hint time.Duration) time.Duration {
	if b.next == 0 {
		b.next = b.cfg.BackoffInitial
	}
	delay := b.next
	if hint > delay {
		delay = hint
	}
	if delay > b.cfg.BackoffMax {
		delay = b.cfg.BackoffMax
	}
	b.next = time.Duration(float64(delay) * b.cfg.BackoffMultiplier)
	if b.next > b.cfg.BackoffMax {
		b.next = b.cfg.BackoffMax
	}
	return delay
}

// Reset restarts the sequence after a successful round.
func (b *Backoff) Reset() {
	b.next = 0
}

// Result reports one status-check round.
type Result struct {
	// Done means every operation reached a terminal provider status.
	Done bool
	// RateLimited means the provider throttled the check; the round is not
	// counted against MaxAttempts.
	RateLimited bool
	// RetryAfter is the provider's delay hint, zero when absent.
	RetryAfter time.Duration
}

// CheckFunc performs one status-check round. The scheduler never interrupts
// a check in flight; cancellation is honoured only between rounds, so the
// function should carry its own context.
type CheckFunc func(attempt int) (Result, error)

// Outcome classifies how a polling loop ended.
type Outcome int

const (
	// OutcomeDone means every operation reached a terminal status.
	OutcomeDone Outcome = iota
	// OutcomeCancelled means ctx was cancelled at a checkpoint.
	OutcomeCancelled
	// OutcomeExhausted means the attempt ceiling was reached with
	// operations still pending.
	OutcomeExhausted
)

// Run drives status checks for one job until a terminal result, a hard
// error, cancellation, or the attempt ceiling. Rate-limited rounds wait out
// the backoff delay, report through onBackoff, and are never counted as
// attempts. ctx cancellation is cooperative: it takes effect at the next
// wait or round boundary.
func Run(ctx context.Context, cfg Config, check CheckFunc, onBackoff func(round int, delay time.Duration)) (Outcome, error) {
	if !wait(ctx, cfg.InitialDelay) {
		return OutcomeCancelled, nil
	}

	backoff := NewBackoff(cfg)
	attempts := 0
	backoffRound := 0

	for {
		select {
		case <-ctx.Done():
			return OutcomeCancelled, nil
		default:
		}

		res, err := check(attempts + 1)
		if err != nil {
			return OutcomeDone, err
		}

		if res.RateLimited {
			backoffRound++
			delay := backoff.Next(res.RetryAfter)
			if onBackoff != nil {
				onBackoff(backoffRound, delay)
			}
			if !wait(ctx, delay) {
				return OutcomeCancelled, nil
			}
			continue
		}

		backoff.Reset()
		backoffRound = 0
		attempts++

		if res.Done {
			return OutcomeDone, nil
		}
		if attempts >= cfg.MaxAttempts {
			return OutcomeExhausted, nil
		}
		if !wait(ctx, cfg.PollInterval) {
			return OutcomeCancelled, nil
		}
	}
}

// wait blocks for d or until ctx is cancelled; it reports false on cancel.
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
