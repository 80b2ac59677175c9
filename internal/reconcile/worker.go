// Package reconcile credits passive earners for the time elapsed since
// their last reconciliation. A tick walks the hot store in batches, runs one
// reconcile script per batch and hands the resulting activity to the item
// lottery without waiting for it.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/shopspring/decimal"

	"github.com/minerush/balance-engine/internal/hotstate"
	"github.com/minerush/balance-engine/internal/lottery"
	"github.com/minerush/balance-engine/internal/metrics"
)

// Dropper runs the item lottery for a user's activity.
type Dropper interface {
	DrawDrops(ctx context.Context, userID string, activityUnits int64) (map[string]int64, error)
}

// Stats summarises one tick.
type Stats struct {
	Batches  int
	Credited int
	Skipped  int
	Accrued  decimal.Decimal
	Duration time.Duration
}

// Worker reconciles passive earners.
type Worker struct {
	hot         *hotstate.Store
	drops       Dropper
	pool        pond.Pool
	batchSize   int
	drawTimeout time.Duration
	now         func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithClock overrides the clock used to stamp reconciliations.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// NewWorker creates a worker. drops may be nil to disable lottery draws.
func NewWorker(hot *hotstate.Store, drops Dropper, batchSize, lotteryWorkers int, opts ...Option) *Worker {
	if batchSize < 1 {
		batchSize = 1
	}
	if lotteryWorkers < 1 {
		lotteryWorkers = 1
	}
	w := &Worker{
		hot:         hot,
		drops:       drops,
		pool:        pond.NewPool(lotteryWorkers, pond.WithQueueSize(lotteryWorkers*batchSize)),
		batchSize:   batchSize,
		drawTimeout: 10 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ReconcileAll runs one tick. A store failure aborts the tick and is
// returned; batches already applied stay applied and the next tick resumes
// from each user's own timestamp, so nothing is credited twice.
func (w *Worker) ReconcileAll(ctx context.Context) (Stats, error) {
	start := time.Now()
	now := w.now()
	stats := Stats{Accrued: decimal.Zero}

	err := w.hot.ScanUserKeys(ctx, w.batchSize, func(keys []string) error {
		res, err := w.hot.ReconcileBatch(ctx, keys, now)
		if err != nil {
			return err
		}
		stats.Batches++

		for _, key := range res.Malformed {
			stats.Skipped++
			metrics.ReconcileSkipped.Inc()
			slog.Warn("skipping malformed hot record", "key", key)
		}
		for _, c := range res.Credited {
			stats.Credited++
			stats.Accrued = stats.Accrued.Add(c.Accrued)
			w.dispatch(c)
		}
		return nil
	})

	stats.Duration = time.Since(start)
	metrics.ReconcileDuration.Observe(stats.Duration.Seconds())
	metrics.ReconciledUsers.Add(float64(stats.Credited))
	metrics.CreditIssued.WithLabelValues("passive").Add(stats.Accrued.InexactFloat64())

	if err != nil {
		metrics.ReconcileFailures.Inc()
		return stats, fmt.Errorf("reconcile tick: %w", err)
	}

	slog.Debug("reconcile tick complete",
		"batches", stats.Batches,
		"credited", stats.Credited,
		"skipped", stats.Skipped,
		"accrued", stats.Accrued.String(),
		"duration", stats.Duration,
	)
	return stats, nil
}

// dispatch queues the lottery for a credited user.
func (w *Worker) dispatch(c hotstate.PassiveCredit) {
	units := lottery.ActivityUnits(c.Accrued, c.PerClickRate)
	if units <= 0 || w.drops == nil {
		return
	}
	w.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.drawTimeout)
		defer cancel()
		if _, err := w.drops.DrawDrops(ctx, c.UserID, units); err != nil {
			slog.Error("passive lottery draw failed", "user_id", c.UserID, "units", units, "err", err)
		}
	})
}

// Close waits for queued lottery draws.
func (w *Worker) Close() {
	w.pool.StopAndWait()
}
