// Package accrual is the click accrual path: it turns a player's batch of
// clicks into currency at the shared mining probability, runs the item
// lottery for the activity, and serves the balance, upgrade, leaderboard
// and supply endpoints.
//
// All monetary values use shopspring/decimal, never float64.
package accrual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/minerush/balance-engine/internal/hotstate"
	"github.com/minerush/balance-engine/internal/lottery"
	"github.com/minerush/balance-engine/internal/metrics"
	"github.com/minerush/balance-engine/internal/model"
	"github.com/minerush/balance-engine/internal/store"
	"github.com/minerush/balance-engine/internal/supply"
)

// broadcastLang is the language of item titles in WebSocket announcements.
const broadcastLang = "en"

// ErrMalformedInput is returned for requests that can never succeed.
var ErrMalformedInput = errors.New("accrual: malformed input")

// Limits bounds how many clicks one request may carry.
type Limits struct {
	MaxClicksPerSecond int64
	ClickPeriodSeconds int64
}

// MaxClicks is the per-request click ceiling.
func (l Limits) MaxClicks() int64 {
	return l.MaxClicksPerSecond * l.ClickPeriodSeconds
}

// UpgradeRequest is the JSON body for POST /api/v1/upgrades.
type UpgradeRequest struct {
	Price        decimal.Decimal `json:"price"`
	PassiveRate  decimal.Decimal `json:"passive_rate"`
	PerClickRate decimal.Decimal `json:"per_click_rate"`
}

// Service handles balance operations. It holds no locks: every balance
// write is a single script on the hot store.
type Service struct {
	hot     *hotstate.Store
	durable store.Store
	tracker *supply.Tracker
	drops   *lottery.Lottery
	wsHub   *WSHub // optional, nil disables broadcasts
	limits  Limits
	now     func() time.Time
}

// NewService creates a new accrual service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(hot *hotstate.Store, durable store.Store, tracker *supply.Tracker, drops *lottery.Lottery, hub *WSHub, limits Limits) *Service {
	return &Service{
		hot:     hot,
		durable: durable,
		tracker: tracker,
		drops:   drops,
		wsHub:   hub,
		limits:  limits,
		now:     time.Now,
	}
}

// ApplyClicks credits a batch of clicks and draws the lottery for them.
//
// Once the credit script has run, the request succeeds: a lottery failure is
// logged rather than returned, because a client retry would credit the
// clicks twice.
func (s *Service) ApplyClicks(ctx context.Context, userID string, clicks int64) (model.ClickResult, error) {
	if userID == "" {
		return model.ClickResult{}, fmt.Errorf("%w: missing user id", ErrMalformedInput)
	}
	if clicks < 0 {
		return model.ClickResult{}, fmt.Errorf("%w: negative click count %d", ErrMalformedInput, clicks)
	}
	if max := s.limits.MaxClicks(); clicks > max {
		metrics.ClicksClamped.Inc()
		slog.Debug("click batch clamped", "user_id", userID, "requested", clicks, "max", max)
		clicks = max
	}

	res := model.ClickResult{UserID: userID, Clicks: clicks}
	if clicks == 0 {
		rec, err := s.Balance(ctx, userID)
		if err != nil {
			return model.ClickResult{}, err
		}
		res.Balance = rec.Balance
		return res, nil
	}

	p, err := s.tracker.Probability()
	if err != nil {
		return model.ClickResult{}, err
	}

	credit, balance, err := s.hot.ClickCredit(ctx, userID, clicks, p)
	if errors.Is(err, hotstate.ErrUserNotFound) {
		// Nothing was applied, so hydrating and retrying cannot double-credit.
		if err = s.hydrate(ctx, userID); err == nil {
			credit, balance, err = s.hot.ClickCredit(ctx, userID, clicks, p)
		}
	}
	if err != nil {
		return model.ClickResult{}, err
	}

	metrics.ClicksTotal.Add(float64(clicks))
	metrics.CreditIssued.WithLabelValues("click").Add(credit.InexactFloat64())
	res.Credit = credit
	res.Balance = balance

	res.ItemsWon = s.drawDrops(ctx, userID, clicks)
	return res, nil
}

// drawDrops runs the lottery for credited activity and announces any win.
// The credit is already committed, so a failed draw is logged and reported
// as no win.
func (s *Service) drawDrops(ctx context.Context, userID string, units int64) model.ItemsWonSummary {
	won, err := s.drops.DrawDrops(ctx, userID, units)
	if err != nil {
		slog.Error("lottery draw failed after credit", "user_id", userID, "units", units, "err", err)
		return model.ItemsWonSummary{}
	}
	if len(won) == 0 {
		return model.ItemsWonSummary{}
	}
	if s.wsHub != nil {
		titles := make(map[string]string, len(won))
		for id := range won {
			if it, ok := s.drops.Item(id); ok {
				titles[id] = it.Title(broadcastLang)
			}
		}
		s.wsHub.BroadcastItemsWon(userID, won, titles)
	}
	return model.ItemsWonSummary{Won: true, Items: won}
}

// ApplyUpgrade settles pending passive accrual, draws the lottery for it,
// debits the price and installs the new rates. The durable row is updated best-effort; the hot
// record is authoritative and is flushed again later.
func (s *Service) ApplyUpgrade(ctx context.Context, userID string, req UpgradeRequest) (model.UserBalanceRecord, error) {
	if userID == "" {
		return model.UserBalanceRecord{}, fmt.Errorf("%w: missing user id", ErrMalformedInput)
	}
	if req.Price.IsNegative() || req.PassiveRate.IsNegative() || req.PerClickRate.IsNegative() {
		return model.UserBalanceRecord{}, fmt.Errorf("%w: negative upgrade values", ErrMalformedInput)
	}

	u := hotstate.Upgrade{Price: req.Price, PassiveRate: req.PassiveRate, PerClickRate: req.PerClickRate}
	up, err := s.hot.ApplyUpgrade(ctx, userID, u, s.now())
	if errors.Is(err, hotstate.ErrUserNotFound) {
		if err = s.hydrate(ctx, userID); err == nil {
			up, err = s.hot.ApplyUpgrade(ctx, userID, u, s.now())
		}
	}
	if err != nil {
		return model.UserBalanceRecord{}, err
	}

	// Passive income settled by the upgrade never reaches a reconcile tick,
	// so its lottery draw happens here.
	if up.Settled.IsPositive() {
		metrics.CreditIssued.WithLabelValues("passive").Add(up.Settled.InexactFloat64())
		s.drawDrops(ctx, userID, lottery.ActivityUnits(up.Settled, up.SettledPerClickRate))
	}

	rec, err := s.hot.Load(ctx, userID)
	if err != nil {
		return model.UserBalanceRecord{}, err
	}

	row := model.UserRow{ID: rec.UserID, Balance: rec.Balance, PassiveRate: rec.PassiveRate, PerClickRate: rec.PerClickRate}
	if err := s.durable.SaveUserFinal(ctx, row); err != nil {
		slog.Warn("failed to persist upgrade, will retry on next flush", "user_id", userID, "err", err)
	}

	slog.Info("upgrade applied",
		"user_id", userID,
		"price", req.Price.String(),
		"passive_rate", rec.PassiveRate.String(),
		"per_click_rate", rec.PerClickRate.String(),
		"balance", rec.Balance.String(),
	)
	return rec, nil
}

// Balance returns a user's hot record, hydrating it on a miss.
func (s *Service) Balance(ctx context.Context, userID string) (model.UserBalanceRecord, error) {
	if userID == "" {
		return model.UserBalanceRecord{}, fmt.Errorf("%w: missing user id", ErrMalformedInput)
	}
	rec, err := s.hot.Load(ctx, userID)
	if errors.Is(err, hotstate.ErrUserNotFound) {
		if err = s.hydrate(ctx, userID); err == nil {
			rec, err = s.hot.Load(ctx, userID)
		}
	}
	return rec, err
}

// Leaderboard returns the n highest balances. The cached snapshot is used
// when it was built for at least n rows or already holds n.
func (s *Service) Leaderboard(ctx context.Context, n int) ([]model.LeaderboardEntry, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: leaderboard size %d", ErrMalformedInput, n)
	}
	cached, ok, err := s.hot.CachedLeaderboard(ctx)
	if err == nil && ok && cached.Covers(n) {
		return cached.Top(n), nil
	}
	return s.hot.TopN(ctx, n)
}

// hydrate copies a user's durable row into the hot store.
func (s *Service) hydrate(ctx context.Context, userID string) error {
	row, err := s.durable.LoadUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("user %s: %w", userID, hotstate.ErrUserNotFound)
	}
	if err != nil {
		return fmt.Errorf("hydrate %s: %w", userID, err)
	}
	if _, err := s.hot.Hydrate(ctx, row, s.now()); err != nil {
		return err
	}
	slog.Debug("user hydrated from durable store", "user_id", userID)
	return nil
}
