package settle

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shieldpool/bounty-cli/internal/model"
	"github.com/shieldpool/bounty-cli/internal/store"
)

// DrainConfig controls a drain run.
type DrainConfig struct {
	// Concurrency bounds how many payments settle at once. Payments are for
	// distinct vulnerabilities, so attempts never contend on the same
	// idempotency guard. Default: 4.
	Concurrency int

	// IncludeFailed also retries payments in FAILED. Off by default so a
	// routine drain never re-submits something an operator is investigating.
	IncludeFailed bool

	// Limit caps how many payments one run picks up. 0 means no cap.
	Limit int
}

// DrainResult summarizes a drain run. Skipped counts payments that turned
// out to be completed already, settled elsewhere between listing and attempt.
type DrainResult struct {
	Attempted int
	Settled   int
	Failed    int
	Skipped   int
}

const (
	outcomeFailed = iota
	outcomeSettled
	outcomeSkipped
)

// Drain processes every eligible payment concurrently, each payment still
// sequential internally. Individual failures are recorded on their payments
// and do not stop the run.
func (o *Orchestrator) Drain(ctx context.Context, cfg DrainConfig) (*DrainResult, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	pending, err := o.store.ListPayments(ctx, store.PaymentFilter{
		Status: model.PaymentStatusPending,
		Limit:  cfg.Limit,
	})
	if err != nil {
		return nil, err
	}
	queue := pending

	if cfg.IncludeFailed {
		failed, err := o.store.ListPayments(ctx, store.PaymentFilter{
			Status: model.PaymentStatusFailed,
			Limit:  cfg.Limit,
		})
		if err != nil {
			return nil, err
		}
		queue = append(queue, failed...)
	}

	if len(queue) == 0 {
		return &DrainResult{}, nil
	}

	zap.L().Info("draining payments",
		zap.Int("count", len(queue)),
		zap.Int("concurrency", cfg.Concurrency),
		zap.Bool("include_failed", cfg.IncludeFailed))

	result := &DrainResult{Attempted: len(queue)}
	outcomes := make([]int, len(queue))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i, p := range queue {
		g.Go(func() error {
			_, err := o.ProcessPayment(gctx, p.ID)
			switch {
			case err == nil:
				outcomes[i] = outcomeSettled
			case eris.Is(err, ErrAlreadyCompleted):
				// Settled by a concurrent run between listing and attempt.
				outcomes[i] = outcomeSkipped
			default:
				// Recorded on the payment already; the run continues.
				outcomes[i] = outcomeFailed
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, outcome := range outcomes {
		switch outcome {
		case outcomeSettled:
			result.Settled++
		case outcomeSkipped:
			result.Skipped++
		default:
			result.Failed++
		}
	}
	return result, nil
}
