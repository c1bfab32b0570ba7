package resilience

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// ErrPollBudgetExhausted is returned when a condition never became true
// within the attempt budget. Terminal: the caller surfaces a retry/reconnect
// prompt instead of continuing to poll.
var ErrPollBudgetExhausted = eris.New("resilience: poll budget exhausted")

// PollConfig controls condition polling (allowance checks, transaction
// confirmation waits). The backoff discipline is identical to RetryConfig;
// polling differs in that a non-error "not yet" answer also consumes budget.
type PollConfig struct {
	// MaxAttempts is the total number of condition checks. Default: 20.
	MaxAttempts int

	// InitialBackoff is the delay after the first unmet check. Default: 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between checks. Default: 15s.
	MaxBackoff time.Duration

	// Multiplier scales the delay after each check. Default: 1.5.
	Multiplier float64

	// SoftWarnAfter is the elapsed time past which OnSlow fires once with a
	// "taking longer than expected" signal. Zero disables the warning.
	SoftWarnAfter time.Duration

	// OnSlow is invoked at most once when SoftWarnAfter elapses.
	OnSlow func(elapsed time.Duration)
}

// DefaultPollConfig returns the polling policy used for on-chain
// confirmation and allowance checks.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		MaxAttempts:    20,
		InitialBackoff: time.Second,
		MaxBackoff:     15 * time.Second,
		Multiplier:     1.5,
		SoftWarnAfter:  30 * time.Second,
	}
}

// Poll evaluates fn until it reports done, the attempt budget is spent, or
// the context is canceled. A hard error from fn stops polling immediately;
// running out of attempts returns ErrPollBudgetExhausted.
func Poll(ctx context.Context, cfg PollConfig, fn func(ctx context.Context) (done bool, err error)) error {
	cfg = cfg.withDefaults()

	start := time.Now()
	warned := false

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if !warned && cfg.SoftWarnAfter > 0 && time.Since(start) >= cfg.SoftWarnAfter {
			warned = true
			if cfg.OnSlow != nil {
				cfg.OnSlow(time.Since(start))
			}
		}

		if attempt >= cfg.MaxAttempts-1 {
			break
		}

		delay := backoffDelay(attempt, RetryConfig{
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
			Multiplier:     cfg.Multiplier,
		})
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}

	return eris.Wrapf(ErrPollBudgetExhausted, "after %d attempts over %s", cfg.MaxAttempts, time.Since(start).Round(time.Millisecond))
}

func (cfg PollConfig) withDefaults() PollConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 20
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 15 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 1.5
	}
	return cfg
}
