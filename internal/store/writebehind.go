package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/minerush/balance-engine/internal/metrics"
	"github.com/minerush/balance-engine/internal/model"
)

// WriteBehind wraps a primary Store so item wins are persisted off the
// caller's path. The hot store already holds the authoritative counters, so
// a failed write is logged and counted rather than surfaced to the player.
// Everything else passes straight through to the primary.
type WriteBehind struct {
	primary Store
	pool    pond.Pool
	timeout time.Duration
}

// NewWriteBehind creates a write-behind wrapper with its own worker pool.
func NewWriteBehind(primary Store, workers, queueSize int, timeout time.Duration) *WriteBehind {
	return &WriteBehind{
		primary: primary,
		pool:    pond.NewPool(workers, pond.WithQueueSize(queueSize)),
		timeout: timeout,
	}
}

// --- Asynchronous ---

// RecordItemWin queues the write and returns immediately. The write keeps
// the caller's context values but not its cancellation.
func (s *WriteBehind) RecordItemWin(ctx context.Context, win model.ItemWin) error {
	detached := context.WithoutCancel(ctx)
	if s.pool.Stopped() {
		s.recordItemWin(detached, win)
		return nil
	}
	s.pool.Submit(func() {
		s.recordItemWin(detached, win)
	})
	return nil
}

func (s *WriteBehind) recordItemWin(ctx context.Context, win model.ItemWin) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.primary.RecordItemWin(ctx, win); err != nil {
		metrics.WriteBehindFailures.WithLabelValues("record_item_win").Inc()
		slog.Error("write-behind item win failed",
			"win_id", win.ID,
			"user_id", win.UserID,
			"item", win.ItemID,
			"count", win.Count,
			"err", err,
		)
	}
}

// Close drains queued writes.
func (s *WriteBehind) Close() {
	s.pool.StopAndWait()
}

// --- Passthrough ---

func (s *WriteBehind) LoadUser(ctx context.Context, id string) (model.UserRow, error) {
	return s.primary.LoadUser(ctx, id)
}

func (s *WriteBehind) SaveUserFinal(ctx context.Context, row model.UserRow) error {
	return s.primary.SaveUserFinal(ctx, row)
}

func (s *WriteBehind) ListUsers(ctx context.Context, offset, limit int) ([]model.UserRow, error) {
	return s.primary.ListUsers(ctx, offset, limit)
}

func (s *WriteBehind) ListPassiveUsers(ctx context.Context) ([]model.UserRow, error) {
	return s.primary.ListPassiveUsers(ctx)
}

func (s *WriteBehind) CountItemWins(ctx context.Context) (map[string]int64, error) {
	return s.primary.CountItemWins(ctx)
}
