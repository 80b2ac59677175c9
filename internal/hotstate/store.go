// Package hotstate is the low-latency Redis layer holding every player's
// fast-changing balance fields plus the global balance index used for
// ranking and supply tracking.
//
// Writes that touch a balance are Lua scripts (see scripts.go): Redis is the
// serialization point, not the application. Plain reads go through regular
// commands.
package hotstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/minerush/balance-engine/internal/model"
)

var (
	// ErrStoreUnavailable wraps every failure to reach Redis. Callers treat it
	// as retryable; the operation it interrupted was not applied.
	ErrStoreUnavailable = errors.New("hotstate: store unavailable")

	// ErrUserNotFound is returned when the user has no hot record.
	ErrUserNotFound = errors.New("hotstate: user not in hot store")

	// ErrMalformedRecord is returned when a hot record cannot be parsed.
	ErrMalformedRecord = errors.New("hotstate: malformed user record")

	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("hotstate: insufficient balance")
)

// Redis hash field names of a user record.
const (
	fieldUserID       = "user_id"
	fieldBalance      = "balance"
	fieldPassiveRate  = "passive_rate"
	fieldPerClickRate = "per_click_rate"
	fieldLastRecon    = "last_reconciled_at"
)

// leaderboardTTL bounds how stale a cached leaderboard may be.
const leaderboardTTL = 10 * time.Second

// Store is the hot state store.
type Store struct {
	rdb    *redis.Client
	hotTTL time.Duration
}

// NewStore creates a hot store. hotTTL is the expiry applied to users
// without a passive rate.
func NewStore(rdb *redis.Client, hotTTL time.Duration) *Store {
	return &Store{rdb: rdb, hotTTL: hotTTL}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return classify("ping", s.rdb.Ping(ctx).Err())
}

// Hydrate seeds the hot record for a user loaded from the durable store.
// An existing hot record always wins. When the balance index already has
// the user (the hash expired but the index never does), the indexed balance
// wins over the durable one. Reports whether a record was written.
func (s *Store) Hydrate(ctx context.Context, row model.UserRow, now time.Time) (bool, error) {
	n, err := seedScript.Run(ctx, s.rdb,
		[]string{userKey(row.ID), indexKey},
		row.ID,
		row.Balance.StringFixed(3),
		row.PassiveRate.String(),
		row.PerClickRate.String(),
		formatUnix(now),
		s.ttlSeconds(),
	).Int64()
	if err != nil {
		return false, classify("hydrate "+row.ID, err)
	}
	return n == 1, nil
}

// Load reads a user's hot record.
func (s *Store) Load(ctx context.Context, userID string) (model.UserBalanceRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		return model.UserBalanceRecord{}, classify("load "+userID, err)
	}
	if len(fields) == 0 {
		return model.UserBalanceRecord{}, fmt.Errorf("load %s: %w", userID, ErrUserNotFound)
	}
	return parseRecord(fields)
}

// LoadMany reads several hot records in one pipeline. Keys that vanished
// between scan and read are omitted; unparsable records are returned in
// the second slice.
func (s *Store) LoadMany(ctx context.Context, keys []string) ([]model.UserBalanceRecord, []string, error) {
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		var rerr redis.Error
		if !errors.As(err, &rerr) {
			return nil, nil, classify("load many", err)
		}
	}

	records := make([]model.UserBalanceRecord, 0, len(keys))
	var malformed []string
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			if err != nil {
				malformed = append(malformed, keys[i])
			}
			continue
		}
		rec, err := parseRecord(fields)
		if err != nil {
			malformed = append(malformed, keys[i])
			continue
		}
		records = append(records, rec)
	}
	return records, malformed, nil
}

// ScanUserKeys walks every hot user key with SCAN and hands them to fn in
// batches of at most batchSize. Duplicates are dropped within a batch only;
// a key SCAN returns again in a later batch is delivered again, which the
// reconcile script absorbs because it never credits the same instant twice.
func (s *Store) ScanUserKeys(ctx context.Context, batchSize int, fn func(keys []string) error) error {
	if batchSize < 1 {
		batchSize = 1
	}
	seen := make(map[string]struct{}, batchSize)
	batch := make([]string, 0, batchSize)
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, userKeyPattern, int64(batchSize)).Result()
		if err != nil {
			return classify("scan user keys", err)
		}
		for _, k := range keys {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			batch = append(batch, k)
			if len(batch) == batchSize {
				if err := fn(batch); err != nil {
					return err
				}
				batch = make([]string, 0, batchSize)
				clear(seen)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

// IndexExists reports whether the global balance index has been created.
func (s *Store) IndexExists(ctx context.Context) (bool, error) {
	n, err := s.rdb.Exists(ctx, indexKey).Result()
	if err != nil {
		return false, classify("index exists", err)
	}
	return n == 1, nil
}

// IndexBalances adds durable balances to the index without overwriting
// members the hot layer already tracks.
func (s *Store) IndexBalances(ctx context.Context, rows []model.UserRow) error {
	if len(rows) == 0 {
		return nil
	}
	members := make([]redis.Z, len(rows))
	for i, r := range rows {
		members[i] = redis.Z{Score: r.Balance.InexactFloat64(), Member: r.ID}
	}
	return classify("index balances", s.rdb.ZAddNX(ctx, indexKey, members...).Err())
}

// IndexedBalance returns the user's balance as recorded in the index.
func (s *Store) IndexedBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	score, err := s.rdb.ZScore(ctx, indexKey, userID).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, fmt.Errorf("indexed balance %s: %w", userID, ErrUserNotFound)
	}
	if err != nil {
		return decimal.Zero, classify("indexed balance "+userID, err)
	}
	return decimal.NewFromFloat(score).Round(3), nil
}

// ItemQuantities returns the current counter of every item.
func (s *Store) ItemQuantities(ctx context.Context) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, quantityKey).Result()
	if err != nil {
		return nil, classify("item quantities", err)
	}
	out := make(map[string]int64, len(raw))
	for item, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("item quantity %s=%q: %w", item, v, err)
		}
		out[item] = n
	}
	return out, nil
}

// LeaderboardSnapshot is a cached top-N. Size is the N it was built for; a
// snapshot with fewer entries than Size holds every indexed user.
type LeaderboardSnapshot struct {
	Size    int                      `json:"size"`
	Entries []model.LeaderboardEntry `json:"entries"`
}

// Covers reports whether the snapshot can answer a top-n request.
func (l LeaderboardSnapshot) Covers(n int) bool {
	return l.Size >= n || len(l.Entries) >= n
}

// Top returns at most n entries.
func (l LeaderboardSnapshot) Top(n int) []model.LeaderboardEntry {
	if n < len(l.Entries) {
		return l.Entries[:n]
	}
	return l.Entries
}

// CacheLeaderboard stores a ranked snapshot built for size rows for a short
// time.
func (s *Store) CacheLeaderboard(ctx context.Context, size int, entries []model.LeaderboardEntry) error {
	data, err := json.Marshal(LeaderboardSnapshot{Size: size, Entries: entries})
	if err != nil {
		return err
	}
	return classify("cache leaderboard", s.rdb.Set(ctx, leaderboardKey, data, leaderboardTTL).Err())
}

// CachedLeaderboard returns the cached snapshot, if still alive.
func (s *Store) CachedLeaderboard(ctx context.Context) (LeaderboardSnapshot, bool, error) {
	data, err := s.rdb.Get(ctx, leaderboardKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return LeaderboardSnapshot{}, false, nil
	}
	if err != nil {
		return LeaderboardSnapshot{}, false, classify("cached leaderboard", err)
	}
	var snap LeaderboardSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return LeaderboardSnapshot{}, false, nil
	}
	return snap, true, nil
}

func (s *Store) ttlSeconds() int64 {
	secs := int64(s.hotTTL / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// classify maps Redis failures onto the package's error taxonomy. Script
// errors are replies from a reachable server; anything else means the
// store could not be reached and nothing was applied.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		msg := rerr.Error()
		switch {
		case strings.Contains(msg, "NOUSER"):
			return fmt.Errorf("%s: %w", op, ErrUserNotFound)
		case strings.Contains(msg, "INSUFFICIENT"):
			return fmt.Errorf("%s: %w", op, ErrInsufficientBalance)
		case strings.Contains(msg, "MALFORMED"):
			return fmt.Errorf("%s: %w", op, ErrMalformedRecord)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func parseRecord(fields map[string]string) (model.UserBalanceRecord, error) {
	var rec model.UserBalanceRecord
	rec.UserID = fields[fieldUserID]
	if rec.UserID == "" {
		return rec, fmt.Errorf("%w: missing %s", ErrMalformedRecord, fieldUserID)
	}

	var err error
	if rec.Balance, err = decimal.NewFromString(fields[fieldBalance]); err != nil {
		return rec, fmt.Errorf("%w: %s balance: %v", ErrMalformedRecord, rec.UserID, err)
	}
	if rec.PassiveRate, err = decimal.NewFromString(fields[fieldPassiveRate]); err != nil {
		return rec, fmt.Errorf("%w: %s passive_rate: %v", ErrMalformedRecord, rec.UserID, err)
	}
	if rec.PerClickRate, err = decimal.NewFromString(fields[fieldPerClickRate]); err != nil {
		return rec, fmt.Errorf("%w: %s per_click_rate: %v", ErrMalformedRecord, rec.UserID, err)
	}
	if v := fields[fieldLastRecon]; v != "" {
		if rec.LastReconciledAt, err = parseUnix(v); err != nil {
			return rec, fmt.Errorf("%w: %s last_reconciled_at: %v", ErrMalformedRecord, rec.UserID, err)
		}
	}
	return rec, nil
}

// formatUnix renders t as unix seconds with millisecond precision, the
// representation the scripts do arithmetic on.
func formatUnix(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMilli())/1000, 'f', 3, 64)
}

func parseUnix(s string) (time.Time, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(d.Shift(3).Round(0).IntPart()).UTC(), nil
}
