// Package store defines the durable persistence interface for the balance
// engine. The hot Redis state is authoritative while a user is active; this
// store holds the final copies written behind it. Implementations include
// PostgreSQL, an asynchronous write-behind wrapper, and in-memory (for
// testing).
package store

import (
	"context"
	"errors"

	"github.com/minerush/balance-engine/internal/model"
)

// ErrNotFound is returned when a user has no durable row.
var ErrNotFound = errors.New("store: not found")

// Store is the durable persistence interface.
type Store interface {
	// --- Users ---

	// LoadUser returns a user's durable row.
	LoadUser(ctx context.Context, id string) (model.UserRow, error)

	// SaveUserFinal writes a user's latest hot balance and rates.
	SaveUserFinal(ctx context.Context, row model.UserRow) error

	// ListUsers pages through every user ordered by id.
	ListUsers(ctx context.Context, offset, limit int) ([]model.UserRow, error)

	// ListPassiveUsers returns users with a positive passive rate.
	ListPassiveUsers(ctx context.Context) ([]model.UserRow, error)

	// --- Items ---

	// RecordItemWin persists items won in the lottery.
	RecordItemWin(ctx context.Context, win model.ItemWin) error

	// CountItemWins returns the number of units ever won per item.
	CountItemWins(ctx context.Context) (map[string]int64, error)
}
