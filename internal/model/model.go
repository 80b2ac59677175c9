// Package model defines the core domain types shared across the balance engine.
// All currency values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserBalanceRecord is the hot, fast-changing part of a player's state.
// It lives in Redis; the durable store only receives write-behind copies.
type UserBalanceRecord struct {
	UserID           string          `json:"user_id"`
	Balance          decimal.Decimal `json:"balance"`
	PassiveRate      decimal.Decimal `json:"passive_rate"`   // credits per second; 0 = no passive earner
	PerClickRate     decimal.Decimal `json:"per_click_rate"` // credits per click
	LastReconciledAt time.Time       `json:"last_reconciled_at"`
}

// UserRow is the durable relational representation of a player.
type UserRow struct {
	ID           string          `json:"id" db:"id"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
	PassiveRate  decimal.Decimal `json:"passive_rate" db:"passive_rate"`
	PerClickRate decimal.Decimal `json:"per_click_rate" db:"per_click_rate"`
}

// ItemWin is an immutable record of items won in the drop lottery.
type ItemWin struct {
	ID     string    `json:"id" db:"id"`
	UserID string    `json:"user_id" db:"user_id"`
	ItemID string    `json:"item_id" db:"item_id"`
	Count  int64     `json:"count" db:"count"`
	WonAt  time.Time `json:"won_at" db:"won_at"`
}

// ItemsWonSummary is returned to a clicking player. Persistence of the
// items happens asynchronously and is not reflected here.
type ItemsWonSummary struct {
	Won   bool             `json:"won"`
	Items map[string]int64 `json:"items,omitempty"`
}

// ClickResult is the outcome of one accepted batch of clicks.
type ClickResult struct {
	UserID   string          `json:"user_id"`
	Clicks   int64           `json:"clicks"` // after server-side clamping
	Credit   decimal.Decimal `json:"credit"`
	Balance  decimal.Decimal `json:"balance"`
	ItemsWon ItemsWonSummary `json:"items_won"`
}

// LeaderboardEntry is one row of the balance ranking.
type LeaderboardEntry struct {
	Rank    int             `json:"rank"`
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}
