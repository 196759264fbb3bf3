package cart

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/meridianshop/checkout/internal/domain/stock"
)

// Reaper periodically reclaims expired cart holds, returning their stock to
// the ledger. It runs independently of request handling; the TTL on each
// line is the only cancellation mechanism a hold needs.
type Reaper struct {
	sweeper  Sweeper
	interval time.Duration
	lg       *zap.Logger
	now      func() time.Time
}

// NewReaper creates a Reaper sweeping at the given interval.
func NewReaper(sweeper Sweeper, interval time.Duration, lg *zap.Logger) *Reaper {
	return &Reaper{
		sweeper:  sweeper,
		interval: interval,
		lg:       lg,
		now:      time.Now,
	}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
// Sweep errors are logged and the loop continues; a transient storage outage
// must not kill the reaper.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// Sweep runs a single reclamation pass and returns the reclaimed lines.
func (r *Reaper) Sweep(ctx context.Context) ([]stock.Line, error) {
	reclaimed, err := r.sweeper.ReapExpired(ctx, r.now())
	if err != nil {
		return nil, err
	}
	return reclaimed, nil
}

func (r *Reaper) sweep(ctx context.Context) {
	reclaimed, err := r.Sweep(ctx)
	if err != nil {
		r.lg.Error("reaper sweep failed", zap.Error(err))
		return
	}
	if len(reclaimed) == 0 {
		return
	}

	total := 0
	for _, l := range reclaimed {
		total += l.Quantity
	}
	r.lg.Info("reclaimed expired cart holds",
		zap.Int("lines", len(reclaimed)),
		zap.Int("units", total),
	)
}
