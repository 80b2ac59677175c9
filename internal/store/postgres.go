package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/minerush/balance-engine/internal/model"
)

// schema is applied by EnsureSchema. Balances and rates are NUMERIC for
// exact decimal precision; one game_items row exists per unit won.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id             TEXT PRIMARY KEY,
	balance        NUMERIC NOT NULL DEFAULT 0,
	passive_rate   NUMERIC NOT NULL DEFAULT 0,
	per_click_rate NUMERIC NOT NULL DEFAULT 0.001
);
CREATE TABLE IF NOT EXISTS game_items (
	id      UUID PRIMARY KEY,
	win_id  UUID NOT NULL,
	user_id TEXT NOT NULL REFERENCES users (id),
	item_id TEXT NOT NULL,
	won_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS game_items_item_id_idx ON game_items (item_id);
`

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) LoadUser(ctx context.Context, id string) (model.UserRow, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, balance::TEXT, passive_rate::TEXT, per_click_rate::TEXT
		 FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.UserRow{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.UserRow{}, fmt.Errorf("load user %s: %w", id, err)
	}
	return u, nil
}

func (s *PostgresStore) SaveUserFinal(ctx context.Context, u model.UserRow) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users
		 SET balance = $2::NUMERIC, passive_rate = $3::NUMERIC, per_click_rate = $4::NUMERIC
		 WHERE id = $1`,
		u.ID, u.Balance.String(), u.PassiveRate.String(), u.PerClickRate.String(),
	)
	if err != nil {
		return fmt.Errorf("save user %s: %w", u.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", u.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListUsers(ctx context.Context, offset, limit int) ([]model.UserRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, balance::TEXT, passive_rate::TEXT, per_click_rate::TEXT
		 FROM users ORDER BY id OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (s *PostgresStore) ListPassiveUsers(ctx context.Context) ([]model.UserRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, balance::TEXT, passive_rate::TEXT, per_click_rate::TEXT
		 FROM users WHERE passive_rate > 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsers(rows)
}

// RecordItemWin inserts one game_items row per unit won.
func (s *PostgresStore) RecordItemWin(ctx context.Context, w model.ItemWin) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO game_items (id, win_id, user_id, item_id, won_at)
		 SELECT gen_random_uuid(), $1::UUID, $2::TEXT, $3::TEXT, $4::TIMESTAMPTZ
		 FROM generate_series(1, $5::INT)`,
		w.ID, w.UserID, w.ItemID, w.WonAt, w.Count,
	)
	if err != nil {
		return fmt.Errorf("record item win %s: %w", w.ID, err)
	}
	return nil
}

func (s *PostgresStore) CountItemWins(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT item_id, COUNT(*) FROM game_items GROUP BY item_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var item string
		var n int64
		if err := rows.Scan(&item, &n); err != nil {
			return nil, err
		}
		counts[item] = n
	}
	return counts, rows.Err()
}

func scanUser(row pgx.Row) (model.UserRow, error) {
	var u model.UserRow
	var balS, passiveS, perClickS string
	if err := row.Scan(&u.ID, &balS, &passiveS, &perClickS); err != nil {
		return model.UserRow{}, err
	}
	var err error
	if u.Balance, err = decimal.NewFromString(balS); err != nil {
		return model.UserRow{}, fmt.Errorf("user %s balance: %w", u.ID, err)
	}
	if u.PassiveRate, err = decimal.NewFromString(passiveS); err != nil {
		return model.UserRow{}, fmt.Errorf("user %s passive_rate: %w", u.ID, err)
	}
	if u.PerClickRate, err = decimal.NewFromString(perClickS); err != nil {
		return model.UserRow{}, fmt.Errorf("user %s per_click_rate: %w", u.ID, err)
	}
	return u, nil
}

func scanUsers(rows pgx.Rows) ([]model.UserRow, error) {
	var users []model.UserRow
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
