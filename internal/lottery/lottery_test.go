package lottery

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minerush/balance-engine/internal/catalog"
	"github.com/minerush/balance-engine/internal/hotstate"
	"github.com/minerush/balance-engine/internal/model"
)

type recordingWriter struct {
	mu   sync.Mutex
	wins []model.ItemWin
}

func (w *recordingWriter) RecordItemWin(_ context.Context, win model.ItemWin) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wins = append(w.wins, win)
	return nil
}

func (w *recordingWriter) total(item string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var n int64
	for _, win := range w.wins {
		if win.ItemID == item {
			n += win.Count
		}
	}
	return n
}

func newTestLottery(t *testing.T, items []catalog.Item, seed map[string]int64) (*Lottery, *hotstate.Store, *recordingWriter) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	hot := hotstate.NewStore(rdb, time.Hour)

	ctx := context.Background()
	require.NoError(t, hot.SeedItemQuantities(ctx, seed))

	cat, err := catalog.New(items)
	require.NoError(t, err)

	w := &recordingWriter{}
	l := New(hot, cat, w,
		WithSource(rand.NewPCG(1, 2)),
		WithClock(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }),
	)
	require.NoError(t, l.Init(ctx))
	return l, hot, w
}

func TestDrawDrops_ClampsAtCapacityAndRetires(t *testing.T) {
	items := []catalog.Item{{ID: "gem", DropChance: 1.0, MaxQuantity: 5}}
	l, hot, w := newTestLottery(t, items, map[string]int64{"gem": 4})
	ctx := context.Background()

	won, err := l.DrawDrops(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"gem": 1}, won)

	q, err := hot.ItemQuantities(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), q["gem"])
	assert.Empty(t, l.Active())
	assert.Equal(t, int64(1), w.total("gem"))

	won, err = l.DrawDrops(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, won)
}

func TestInit_SkipsItemsAtCapacity(t *testing.T) {
	items := []catalog.Item{
		{ID: "full", DropChance: 0.5, MaxQuantity: 3},
		{ID: "open", DropChance: 0.5, MaxQuantity: 3},
	}
	l, _, _ := newTestLottery(t, items, map[string]int64{"full": 3, "open": 1})
	assert.Equal(t, []string{"open"}, l.Active())

	// Retired items still resolve for display.
	it, ok := l.Item("full")
	require.True(t, ok)
	assert.Equal(t, "full", it.Title("en"))
	_, ok = l.Item("missing")
	assert.False(t, ok)
}

func TestDrawDrops_ZeroChanceNeverWins(t *testing.T) {
	items := []catalog.Item{{ID: "never", DropChance: 0, MaxQuantity: 10}}
	l, _, w := newTestLottery(t, items, nil)

	won, err := l.DrawDrops(context.Background(), "u1", 1_000_000)
	require.NoError(t, err)
	assert.Empty(t, won)
	assert.Empty(t, w.wins)
	assert.Equal(t, []string{"never"}, l.Active())
}

func TestDrawDrops_NoActivityNoDraw(t *testing.T) {
	items := []catalog.Item{{ID: "gem", DropChance: 1, MaxQuantity: 10}}
	l, _, _ := newTestLottery(t, items, nil)

	for _, units := range []int64{0, -3} {
		won, err := l.DrawDrops(context.Background(), "u1", units)
		require.NoError(t, err)
		assert.Empty(t, won)
	}
}

func TestDrawDrops_ConcurrentNeverExceedsMax(t *testing.T) {
	items := []catalog.Item{{ID: "gem", DropChance: 1, MaxQuantity: 25}}
	l, hot, w := newTestLottery(t, items, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.DrawDrops(ctx, "u1", 3)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	q, err := hot.ItemQuantities(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(25), q["gem"])
	assert.Equal(t, int64(25), w.total("gem"))
	assert.Empty(t, l.Active())
}

func TestBinomial_Bounds(t *testing.T) {
	src := rand.NewPCG(7, 7)
	assert.Equal(t, int64(0), binomial(100, 0, src))
	assert.Equal(t, int64(100), binomial(100, 1, src))
	assert.Equal(t, int64(0), binomial(0, 0.5, src))
	for i := 0; i < 100; i++ {
		n := binomial(50, 0.3, src)
		assert.True(t, n >= 0 && n <= 50, "draw %d out of range", n)
	}
}

func TestActivityUnits(t *testing.T) {
	tests := []struct {
		earned, rate string
		want         int64
	}{
		{"10", "0.5", 20},
		{"1", "0.3", 3},
		{"5", "0", 0},
		{"0", "1", 0},
	}
	for _, tt := range tests {
		got := ActivityUnits(decimal.RequireFromString(tt.earned), decimal.RequireFromString(tt.rate))
		assert.Equal(t, tt.want, got, "ActivityUnits(%s, %s)", tt.earned, tt.rate)
	}
}
