// Package supply derives the shared mining probability from how much of the
// fixed maximum supply has already been issued:
//
//	probability = round(1 - total_balance / max_supply, 4)
//
// The tracker is an explicitly owned object. Callers receive it by
// injection; reads are lock-free and see the last completed refresh.
package supply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/minerush/balance-engine/internal/metrics"
)

var (
	// ErrNotInitialized is returned until the first successful refresh.
	// It is retryable; callers must not substitute a guessed probability.
	ErrNotInitialized = errors.New("supply: probability not initialized")

	// ErrInvalidMaxSupply is returned for a non-positive supply cap.
	ErrInvalidMaxSupply = errors.New("supply: max supply must be positive")
)

// ProbabilityScale is the number of decimal places kept in the probability.
const ProbabilityScale int32 = 4

// TotalSource sums every balance in one consistent step.
type TotalSource interface {
	TotalBalance(ctx context.Context) (decimal.Decimal, error)
}

// Snapshot is the result of one refresh. Snapshots are immutable.
type Snapshot struct {
	Probability    decimal.Decimal `json:"probability"`     // clamped to [0,1]
	RawProbability decimal.Decimal `json:"raw_probability"` // unclamped, may be negative
	TotalBalance   decimal.Decimal `json:"total_balance"`
	MaxSupply      decimal.Decimal `json:"max_supply"`
	Exceeded       bool            `json:"exceeded"`
	RefreshedAt    time.Time       `json:"refreshed_at"`
}

// Tracker caches the current probability.
type Tracker struct {
	src       TotalSource
	maxSupply decimal.Decimal
	current   atomic.Pointer[Snapshot]
	now       func() time.Time
}

// NewTracker creates a tracker for the given supply cap.
func NewTracker(src TotalSource, maxSupply decimal.Decimal) (*Tracker, error) {
	if !maxSupply.IsPositive() {
		return nil, ErrInvalidMaxSupply
	}
	return &Tracker{src: src, maxSupply: maxSupply, now: time.Now}, nil
}

// Refresh recomputes the probability. On failure the previous snapshot is
// kept and the error is returned for the caller to log; the next scheduled
// refresh retries.
func (t *Tracker) Refresh(ctx context.Context) error {
	total, err := t.src.TotalBalance(ctx)
	if err != nil {
		return fmt.Errorf("supply refresh: %w", err)
	}

	snap := Compute(total, t.maxSupply)
	snap.RefreshedAt = t.now().UTC()
	t.current.Store(&snap)

	metrics.SupplyProbability.Set(snap.Probability.InexactFloat64())
	metrics.SupplyTotalBalance.Set(total.InexactFloat64())
	if snap.Exceeded {
		metrics.SupplyExceeded.Set(1)
		slog.Warn("total balance exceeds supply cap, probability clamped to zero",
			"total", total.String(),
			"max_supply", t.maxSupply.String(),
			"raw_probability", snap.RawProbability.String(),
		)
	} else {
		metrics.SupplyExceeded.Set(0)
	}

	slog.Info("mining probability refreshed",
		"probability", snap.Probability.String(),
		"total", total.String(),
	)
	return nil
}

// RefreshUntilReady refreshes every interval until the tracker holds a
// snapshot, either from its own refresh or from a scheduled one. It returns
// ctx's error if ctx ends first.
func (t *Tracker) RefreshUntilReady(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for attempt := 1; ; attempt++ {
		if t.current.Load() != nil {
			return nil
		}
		err := t.Refresh(ctx)
		if err == nil {
			return nil
		}
		slog.Warn("supply refresh failed, clicks unavailable until it succeeds",
			"attempt", attempt,
			"retry_in", interval,
			"err", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Probability returns the last computed probability.
func (t *Tracker) Probability() (decimal.Decimal, error) {
	snap := t.current.Load()
	if snap == nil {
		return decimal.Zero, ErrNotInitialized
	}
	return snap.Probability, nil
}

// Snapshot returns the last refresh result, if any.
func (t *Tracker) Snapshot() (Snapshot, bool) {
	snap := t.current.Load()
	if snap == nil {
		return Snapshot{}, false
	}
	return *snap, true
}

// Compute derives a snapshot from a total. A total above the cap would make
// the raw probability negative and turn every click into a debit, so the
// probability is clamped to [0,1] and the overflow is flagged instead.
func Compute(total, maxSupply decimal.Decimal) Snapshot {
	one := decimal.NewFromInt(1)
	raw := one.Sub(total.Div(maxSupply)).Round(ProbabilityScale)

	p := raw
	exceeded := false
	if p.IsNegative() {
		p = decimal.Zero
		exceeded = true
	}
	if p.GreaterThan(one) {
		p = one
	}
	return Snapshot{
		Probability:    p,
		RawProbability: raw,
		TotalBalance:   total,
		MaxSupply:      maxSupply,
		Exceeded:       exceeded,
	}
}
