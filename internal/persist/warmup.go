package persist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/minerush/balance-engine/internal/hotstate"
	"github.com/minerush/balance-engine/internal/store"
)

// Warmer rebuilds the hot layer from the durable store at startup.
type Warmer struct {
	hot      *hotstate.Store
	durable  store.Store
	pageSize int
}

// NewWarmer creates a warmer that reads users pageSize rows at a time.
func NewWarmer(hot *hotstate.Store, durable store.Store, pageSize int) *Warmer {
	if pageSize < 1 {
		pageSize = 1000
	}
	return &Warmer{hot: hot, durable: durable, pageSize: pageSize}
}

// Warm runs every warmup step in order. now stamps hydrated passive earners
// so downtime is not credited as passive income.
func (w *Warmer) Warm(ctx context.Context, now time.Time) error {
	if err := w.WarmIndex(ctx); err != nil {
		return err
	}
	if err := w.LoadPassive(ctx, now); err != nil {
		return err
	}
	return w.SeedItemQuantities(ctx)
}

// WarmIndex fills the balance index from durable rows when the index does
// not exist yet. An existing index is newer than the durable store and is
// left untouched.
func (w *Warmer) WarmIndex(ctx context.Context) error {
	exists, err := w.hot.IndexExists(ctx)
	if err != nil {
		return fmt.Errorf("warm index: %w", err)
	}
	if exists {
		slog.Info("balance index present, skipping warmup")
		return nil
	}

	total := 0
	for offset := 0; ; offset += w.pageSize {
		rows, err := w.durable.ListUsers(ctx, offset, w.pageSize)
		if err != nil {
			return fmt.Errorf("warm index: list users: %w", err)
		}
		if err := w.hot.IndexBalances(ctx, rows); err != nil {
			return fmt.Errorf("warm index: %w", err)
		}
		total += len(rows)
		if len(rows) < w.pageSize {
			break
		}
	}
	slog.Info("balance index warmed", "users", total)
	return nil
}

// LoadPassive hydrates every passive earner so the reconciliation worker
// sees them without waiting for their next request.
func (w *Warmer) LoadPassive(ctx context.Context, now time.Time) error {
	rows, err := w.durable.ListPassiveUsers(ctx)
	if err != nil {
		return fmt.Errorf("load passive users: %w", err)
	}
	loaded := 0
	for _, row := range rows {
		wrote, err := w.hot.Hydrate(ctx, row, now)
		if err != nil {
			return fmt.Errorf("load passive users: %w", err)
		}
		if wrote {
			loaded++
		}
	}
	slog.Info("passive earners loaded", "total", len(rows), "hydrated", loaded)
	return nil
}

// SeedItemQuantities raises the capacity counters to the durable counts.
func (w *Warmer) SeedItemQuantities(ctx context.Context) error {
	counts, err := w.durable.CountItemWins(ctx)
	if err != nil {
		return fmt.Errorf("seed item quantities: %w", err)
	}
	if err := w.hot.SeedItemQuantities(ctx, counts); err != nil {
		return fmt.Errorf("seed item quantities: %w", err)
	}
	slog.Info("item quantities seeded", "items", len(counts))
	return nil
}
