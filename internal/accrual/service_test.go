package accrual_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minerush/balance-engine/internal/accrual"
	"github.com/minerush/balance-engine/internal/catalog"
	"github.com/minerush/balance-engine/internal/hotstate"
	"github.com/minerush/balance-engine/internal/lottery"
	"github.com/minerush/balance-engine/internal/model"
	"github.com/minerush/balance-engine/internal/store"
	"github.com/minerush/balance-engine/internal/supply"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testEnv struct {
	svc     *accrual.Service
	hot     *hotstate.Store
	durable *store.MemoryStore
	tracker *supply.Tracker
	mr      *miniredis.Miniredis
	router  chi.Router
}

// newTestEnv wires a service against miniredis and an in-memory durable
// store. The tracker is not refreshed; tests call refresh when they need a
// probability.
func newTestEnv(t *testing.T, items ...catalog.Item) *testEnv {
	t.Helper()
	return newTestEnvWithHub(t, nil, items...)
}

func newTestEnvWithHub(t *testing.T, hub *accrual.WSHub, items ...catalog.Item) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })

	hot := hotstate.NewStore(rdb, time.Hour)
	durable := store.NewMemoryStore()

	tracker, err := supply.NewTracker(hot, d("1000"))
	require.NoError(t, err)

	cat, err := catalog.New(items)
	require.NoError(t, err)
	drops := lottery.New(hot, cat, durable, lottery.WithSource(rand.NewPCG(1, 1)))
	require.NoError(t, drops.Init(context.Background()))

	svc := accrual.NewService(hot, durable, tracker, drops, hub, accrual.Limits{MaxClicksPerSecond: 20, ClickPeriodSeconds: 5})

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	return &testEnv{svc: svc, hot: hot, durable: durable, tracker: tracker, mr: mr, router: r}
}

func (e *testEnv) addUser(id, balance, passive, perClick string) {
	e.durable.PutUser(model.UserRow{ID: id, Balance: d(balance), PassiveRate: d(passive), PerClickRate: d(perClick)})
}

// hotUser puts a user in both stores so the balance index sees it.
func (e *testEnv) hotUser(t *testing.T, id, balance, passive, perClick string) {
	t.Helper()
	e.addUser(id, balance, passive, perClick)
	row, _ := e.durable.LoadUser(context.Background(), id)
	_, err := e.hot.Hydrate(context.Background(), row, time.Now())
	require.NoError(t, err)
}

func (e *testEnv) refresh(t *testing.T) {
	t.Helper()
	require.NoError(t, e.tracker.Refresh(context.Background()))
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(accrual.UserIDHeader, userID)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeClick(t *testing.T, w *httptest.ResponseRecorder) model.ClickResult {
	t.Helper()
	var res model.ClickResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	return res
}

// --- Click accrual ---

func TestPostClicks_CreditAtHalfProbability(t *testing.T) {
	env := newTestEnv(t)
	env.hotUser(t, "whale", "500", "0", "0.001")
	env.hotUser(t, "u1", "0", "0", "0.001")
	env.refresh(t)

	w := env.do(t, "POST", "/api/v1/clicks", "u1", `{"clicks":100}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	res := decodeClick(t, w)
	assert.True(t, res.Credit.Equal(d("0.05")), "credit %s", res.Credit)
	assert.True(t, res.Balance.Equal(d("0.05")), "balance %s", res.Balance)
	assert.Equal(t, int64(100), res.Clicks)
	assert.False(t, res.ItemsWon.Won)
}

func TestPostClicks_ClampsToPeriodMaximum(t *testing.T) {
	env := newTestEnv(t)
	env.hotUser(t, "u1", "0", "0", "0.001")
	env.refresh(t)

	res, err := env.svc.ApplyClicks(context.Background(), "u1", 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Clicks)
	assert.True(t, res.Credit.Equal(d("0.1")), "credit %s", res.Credit)
}

func TestPostClicks_ZeroClicksChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.hotUser(t, "u1", "7", "0", "0.001")

	// Works even before the first supply refresh: no credit is computed.
	res, err := env.svc.ApplyClicks(context.Background(), "u1", 0)
	require.NoError(t, err)
	assert.True(t, res.Credit.IsZero())
	assert.True(t, res.Balance.Equal(d("7")))
	assert.False(t, res.ItemsWon.Won)
}

func TestPostClicks_BadRequests(t *testing.T) {
	env := newTestEnv(t)
	env.hotUser(t, "u1", "0", "0", "0.001")
	env.refresh(t)

	tests := []struct {
		name string
		user string
		body string
	}{
		{"negative", "u1", `{"clicks":-1}`},
		{"missing field", "u1", `{}`},
		{"fractional", "u1", `{"clicks":1.5}`},
		{"string", "u1", `{"clicks":"ten"}`},
		{"not json", "u1", `clicks=3`},
		{"no user", "", `{"clicks":3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/clicks", tt.user, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}

	rec, err := env.hot.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, rec.Balance.IsZero())
}

func TestPostClicks_NotInitialized(t *testing.T) {
	env := newTestEnv(t)
	env.hotUser(t, "u1", "0", "0", "0.001")

	w := env.do(t, "POST", "/api/v1/clicks", "u1", `{"clicks":5}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	rec, _ := env.hot.Load(context.Background(), "u1")
	assert.True(t, rec.Balance.IsZero())
}

func TestPostClicks_HydratesFromDurableStore(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("cold", "10", "0", "0.01")
	env.refresh(t) // empty index: probability 1

	res, err := env.svc.ApplyClicks(context.Background(), "cold", 10)
	require.NoError(t, err)
	assert.True(t, res.Balance.Equal(d("10.1")), "balance %s", res.Balance)

	indexed, err := env.hot.IndexedBalance(context.Background(), "cold")
	require.NoError(t, err)
	assert.True(t, indexed.Equal(d("10.1")))
}

func TestPostClicks_UnknownUser(t *testing.T) {
	env := newTestEnv(t)
	env.refresh(t)

	w := env.do(t, "POST", "/api/v1/clicks", "nobody", `{"clicks":5}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPostClicks_StoreDown(t *testing.T) {
	env := newTestEnv(t)
	env.hotUser(t, "u1", "0", "0", "0.001")
	env.refresh(t)
	env.mr.Close()

	w := env.do(t, "POST", "/api/v1/clicks", "u1", `{"clicks":5}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
}

func TestPostClicks_WinsItems(t *testing.T) {
	env := newTestEnv(t, catalog.Item{ID: "gem", DropChance: 1, MaxQuantity: 3})
	env.hotUser(t, "u1", "0", "0", "0.001")
	env.refresh(t)

	res, err := env.svc.ApplyClicks(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.True(t, res.ItemsWon.Won)
	assert.Equal(t, map[string]int64{"gem": 3}, res.ItemsWon.Items)

	counts, _ := env.durable.CountItemWins(context.Background())
	assert.Equal(t, int64(3), counts["gem"])
}

// --- Upgrades ---

func TestPostUpgrade(t *testing.T) {
	env := newTestEnv(t)
	env.hotUser(t, "u1", "20", "0", "0.001")

	w := env.do(t, "POST", "/api/v1/upgrades", "u1", accrual.UpgradeRequest{
		Price: d("15"), PassiveRate: d("0.5"), PerClickRate: d("0.002"),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var rec model.UserBalanceRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rec))
	assert.True(t, rec.Balance.Equal(d("5")))
	assert.True(t, rec.PassiveRate.Equal(d("0.5")))

	row, _ := env.durable.LoadUser(context.Background(), "u1")
	assert.True(t, row.PerClickRate.Equal(d("0.002")), "durable row should be updated")
	assert.Equal(t, time.Duration(0), env.mr.TTL("user:{bal}:u1"), "passive users never expire")
}

// Passive income an upgrade settles draws the lottery just as a reconcile
// tick would have.
func TestPostUpgrade_DrawsForSettledPassiveIncome(t *testing.T) {
	env := newTestEnv(t, catalog.Item{ID: "gem", DropChance: 1, MaxQuantity: 100})
	env.hotUser(t, "u1", "0", "1", "5")
	tenSecondsAgo := strconv.FormatFloat(float64(time.Now().Add(-10*time.Second).UnixMilli())/1000, 'f', 3, 64)
	env.mr.HSet("user:{bal}:u1", "last_reconciled_at", tenSecondsAgo)

	w := env.do(t, "POST", "/api/v1/upgrades", "u1", accrual.UpgradeRequest{
		Price: d("0"), PassiveRate: d("0"), PerClickRate: d("0.001"),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// About 10 credits at 5 per click is 2 activity units.
	counts, err := env.durable.CountItemWins(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["gem"])

	rec, err := env.hot.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, rec.Balance.GreaterThanOrEqual(d("10")), "balance %s", rec.Balance)
}

func TestPostUpgrade_InsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	env.hotUser(t, "u1", "5", "0", "0.001")

	w := env.do(t, "POST", "/api/v1/upgrades", "u1", accrual.UpgradeRequest{
		Price: d("15"), PassiveRate: d("0.5"), PerClickRate: d("0.002"),
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	rec, _ := env.hot.Load(context.Background(), "u1")
	assert.True(t, rec.Balance.Equal(d("5")))
	assert.True(t, rec.PassiveRate.IsZero())
}

func TestPostUpgrade_NegativePrice(t *testing.T) {
	env := newTestEnv(t)
	env.hotUser(t, "u1", "5", "0", "0.001")

	w := env.do(t, "POST", "/api/v1/upgrades", "u1", accrual.UpgradeRequest{Price: d("-1")})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Reads ---

func TestGetBalance(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("u1", "3.5", "0", "0.001")

	w := env.do(t, "GET", "/api/v1/balance", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var rec model.UserBalanceRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rec))
	assert.True(t, rec.Balance.Equal(d("3.5")))
}

func TestGetLeaderboard(t *testing.T) {
	env := newTestEnv(t)
	env.hotUser(t, "a", "1", "0", "0.001")
	env.hotUser(t, "b", "3", "0", "0.001")
	env.hotUser(t, "c", "2", "0", "0.001")

	w := env.do(t, "GET", "/api/v1/leaderboard?limit=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var entries []model.LeaderboardEntry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].UserID)
	assert.Equal(t, "c", entries[1].UserID)
	assert.Equal(t, 2, entries[1].Rank)

	w = env.do(t, "GET", "/api/v1/leaderboard?limit=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetLeaderboard_UsesCachedSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.hotUser(t, "a", "1", "0", "0.001")
	require.NoError(t, env.hot.CacheLeaderboard(context.Background(), 1, []model.LeaderboardEntry{
		{Rank: 1, UserID: "cached", Balance: d("99")},
	}))

	entries, err := env.svc.Leaderboard(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cached", entries[0].UserID)
}

// A small game has fewer users than the requested size; a snapshot built
// for a larger size still answers it.
func TestGetLeaderboard_CachedSnapshotCoversSmallBoard(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.hotUser(t, "a", "1", "0", "0.001")
	require.NoError(t, env.hot.CacheLeaderboard(ctx, 100, []model.LeaderboardEntry{
		{Rank: 1, UserID: "cached", Balance: d("99")},
	}))

	entries, err := env.svc.Leaderboard(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cached", entries[0].UserID)

	// Built for 1 row, so a top-10 request goes to the index.
	require.NoError(t, env.hot.CacheLeaderboard(ctx, 1, []model.LeaderboardEntry{
		{Rank: 1, UserID: "cached", Balance: d("99")},
	}))
	entries, err = env.svc.Leaderboard(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].UserID)
}

func TestGetSupply(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/supply", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	env.hotUser(t, "whale", "250", "0", "0.001")
	env.refresh(t)

	w = env.do(t, "GET", "/api/v1/supply", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap supply.Snapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	assert.True(t, snap.Probability.Equal(d("0.75")))
	assert.False(t, snap.Exceeded)
}
