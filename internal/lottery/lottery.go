// Package lottery runs the capped-supply item drop lottery. Every unit of
// earning activity is an independent trial per active item; the number of
// successes is a binomial draw. Capacity is enforced by the hot store's
// claim script, never in process.
package lottery

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/minerush/balance-engine/internal/catalog"
	"github.com/minerush/balance-engine/internal/hotstate"
	"github.com/minerush/balance-engine/internal/metrics"
	"github.com/minerush/balance-engine/internal/model"
)

// Claimer applies wins to the shared capacity counters.
type Claimer interface {
	ClaimItems(ctx context.Context, claims []hotstate.ItemClaim) ([]hotstate.ItemGrant, error)
	ItemQuantities(ctx context.Context) (map[string]int64, error)
}

// WinWriter persists granted items. Implementations are expected to return
// quickly; durable writes happen behind the caller.
type WinWriter interface {
	RecordItemWin(ctx context.Context, win model.ItemWin) error
}

// Option configures a Lottery.
type Option func(*Lottery)

// WithSource sets the random source used for draws.
func WithSource(src rand.Source) Option {
	return func(l *Lottery) { l.src = src }
}

// WithClock overrides the clock stamped on wins.
func WithClock(now func() time.Time) Option {
	return func(l *Lottery) { l.now = now }
}

// Lottery draws items for activity units.
type Lottery struct {
	hot     Claimer
	catalog *catalog.Catalog
	writer  WinWriter
	active  *xsync.Map[string, catalog.Item]

	mu  sync.Mutex // guards src
	src rand.Source

	now func() time.Time
}

// New creates a lottery over the given catalog. Call Init before drawing.
func New(hot Claimer, items *catalog.Catalog, writer WinWriter, opts ...Option) *Lottery {
	l := &Lottery{
		hot:     hot,
		catalog: items,
		writer:  writer,
		active:  xsync.NewMap[string, catalog.Item](),
		src:     rand.NewPCG(rand.Uint64(), rand.Uint64()),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Init activates every catalog item whose counter is below its maximum.
func (l *Lottery) Init(ctx context.Context) error {
	quantities, err := l.hot.ItemQuantities(ctx)
	if err != nil {
		return fmt.Errorf("lottery init: %w", err)
	}
	for _, it := range l.catalog.All() {
		if quantities[it.ID] >= it.MaxQuantity {
			slog.Info("item already at capacity", "item", it.ID, "max", it.MaxQuantity)
			continue
		}
		l.active.Store(it.ID, it)
	}
	slog.Info("lottery initialized", "active", l.active.Size(), "catalog", l.catalog.Len())
	return nil
}

// Item looks up a catalog item, active or retired.
func (l *Lottery) Item(id string) (catalog.Item, bool) {
	return l.catalog.Get(id)
}

// Active returns the ids of items still in the draw, sorted.
func (l *Lottery) Active() []string {
	ids := make([]string, 0, l.active.Size())
	l.active.Range(func(id string, _ catalog.Item) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}

// DrawDrops runs activityUnits trials against every active item and
// returns what was actually granted. Losing the race for the last units of
// an item is not an error: the grant is simply smaller.
func (l *Lottery) DrawDrops(ctx context.Context, userID string, activityUnits int64) (map[string]int64, error) {
	won := map[string]int64{}
	if activityUnits <= 0 {
		return won, nil
	}

	claims := l.draw(activityUnits)
	if len(claims) == 0 {
		return won, nil
	}

	grants, err := l.hot.ClaimItems(ctx, claims)
	if err != nil {
		return nil, fmt.Errorf("draw drops %s: %w", userID, err)
	}

	requested := make(map[string]hotstate.ItemClaim, len(claims))
	for _, c := range claims {
		requested[c.ItemID] = c
	}

	now := l.now().UTC()
	for _, g := range grants {
		c := requested[g.ItemID]
		if g.Granted < c.Won {
			metrics.ItemsTruncated.WithLabelValues(g.ItemID).Inc()
			slog.Warn("item draw truncated at capacity",
				"item", g.ItemID,
				"user_id", userID,
				"won", c.Won,
				"granted", g.Granted,
			)
		}
		if g.Granted > 0 {
			won[g.ItemID] = g.Granted
			metrics.ItemsWon.WithLabelValues(g.ItemID).Add(float64(g.Granted))
			win := model.ItemWin{
				ID:     uuid.New().String(),
				UserID: userID,
				ItemID: g.ItemID,
				Count:  g.Granted,
				WonAt:  now,
			}
			if err := l.writer.RecordItemWin(ctx, win); err != nil {
				slog.Error("failed to record item win", "item", g.ItemID, "user_id", userID, "err", err)
			}
		}
		if g.Exhausted(c.Max) {
			l.retire(g.ItemID, g.Current)
		}
	}
	return won, nil
}

// draw samples every active item once. Items that draw zero are omitted.
func (l *Lottery) draw(units int64) []hotstate.ItemClaim {
	var claims []hotstate.ItemClaim
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active.Range(func(id string, it catalog.Item) bool {
		if n := binomial(units, it.DropChance, l.src); n > 0 {
			claims = append(claims, hotstate.ItemClaim{ItemID: id, Max: it.MaxQuantity, Won: n})
		}
		return true
	})
	sort.Slice(claims, func(i, j int) bool { return claims[i].ItemID < claims[j].ItemID })
	return claims
}

func (l *Lottery) retire(id string, current int64) {
	if _, loaded := l.active.LoadAndDelete(id); !loaded {
		return
	}
	metrics.ItemsRetired.Inc()
	slog.Info("item reached capacity, removed from lottery", "item", id, "quantity", current)
}

// ActivityUnits converts earnings into the number of clicks that would have
// produced them at perClickRate. Passive income draws the lottery with it.
func ActivityUnits(earned, perClickRate decimal.Decimal) int64 {
	if !perClickRate.IsPositive() || !earned.IsPositive() {
		return 0
	}
	return earned.Div(perClickRate).Floor().IntPart()
}

// binomial returns the number of successes in n trials with probability p.
func binomial(n int64, p float64, src rand.Source) int64 {
	switch {
	case n <= 0 || p <= 0:
		return 0
	case p >= 1:
		return n
	}
	b := distuv.Binomial{N: float64(n), P: p, Src: src}
	return int64(b.Rand())
}
