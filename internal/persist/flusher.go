// Package persist moves state between the hot store and the durable store:
// periodic write-behind of final balances, leaderboard snapshots, and the
// startup warmup that rebuilds the hot layer from durable rows.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/minerush/balance-engine/internal/hotstate"
	"github.com/minerush/balance-engine/internal/metrics"
	"github.com/minerush/balance-engine/internal/model"
	"github.com/minerush/balance-engine/internal/store"
)

// Broadcaster publishes leaderboard snapshots to connected clients.
type Broadcaster interface {
	BroadcastLeaderboard(entries []model.LeaderboardEntry)
}

// Flusher copies hot balances to the durable store.
type Flusher struct {
	hot       *hotstate.Store
	durable   store.Store
	hub       Broadcaster // optional
	batchSize int
}

// NewFlusher creates a flusher. hub may be nil.
func NewFlusher(hot *hotstate.Store, durable store.Store, hub Broadcaster, batchSize int) *Flusher {
	if batchSize < 1 {
		batchSize = 100
	}
	return &Flusher{hot: hot, durable: durable, hub: hub, batchSize: batchSize}
}

// FlushAll saves every hot record. A failed row is logged and counted and
// does not stop the flush; the first such error is returned at the end.
// Hot store failures abort immediately.
func (f *Flusher) FlushAll(ctx context.Context) (int, error) {
	saved := 0
	var firstErr error

	err := f.hot.ScanUserKeys(ctx, f.batchSize, func(keys []string) error {
		records, malformed, err := f.hot.LoadMany(ctx, keys)
		if err != nil {
			return err
		}
		for _, key := range malformed {
			slog.Warn("flush skipped malformed hot record", "key", key)
		}
		for _, rec := range records {
			row := model.UserRow{
				ID:           rec.UserID,
				Balance:      rec.Balance,
				PassiveRate:  rec.PassiveRate,
				PerClickRate: rec.PerClickRate,
			}
			if err := f.durable.SaveUserFinal(ctx, row); err != nil {
				metrics.WriteBehindFailures.WithLabelValues("save_user_final").Inc()
				if errors.Is(err, store.ErrNotFound) {
					slog.Warn("hot user has no durable row", "user_id", rec.UserID)
					continue
				}
				slog.Error("flush user failed", "user_id", rec.UserID, "err", err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			saved++
		}
		return nil
	})
	if err != nil {
		return saved, fmt.Errorf("flush: %w", err)
	}
	if firstErr != nil {
		return saved, fmt.Errorf("flush: %w", firstErr)
	}
	slog.Debug("hot balances flushed", "saved", saved)
	return saved, nil
}

// SnapshotLeaderboard caches the top n balances and broadcasts them.
func (f *Flusher) SnapshotLeaderboard(ctx context.Context, n int) ([]model.LeaderboardEntry, error) {
	entries, err := f.hot.TopN(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("leaderboard snapshot: %w", err)
	}
	if err := f.hot.CacheLeaderboard(ctx, n, entries); err != nil {
		return nil, fmt.Errorf("leaderboard snapshot: %w", err)
	}
	if f.hub != nil {
		f.hub.BroadcastLeaderboard(entries)
	}
	return entries, nil
}
