package hotstate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/minerush/balance-engine/internal/model"
)

// Upgrade describes a purchase that debits the balance and replaces the
// user's earning rates.
type Upgrade struct {
	Price        decimal.Decimal
	PassiveRate  decimal.Decimal
	PerClickRate decimal.Decimal
}

// PassiveCredit is one user's share of a reconciliation batch.
type PassiveCredit struct {
	UserID       string
	Accrued      decimal.Decimal
	Elapsed      time.Duration
	PerClickRate decimal.Decimal
}

// ReconcileResult is the outcome of one reconciliation script run.
type ReconcileResult struct {
	Credited  []PassiveCredit
	Malformed []string // keys skipped because they could not be parsed
}

// ItemClaim asks for Won units of an item capped at Max.
type ItemClaim struct {
	ItemID string
	Max    int64
	Won    int64
}

// ItemGrant is what the capacity counter actually allowed.
type ItemGrant struct {
	ItemID  string
	Granted int64
	Current int64
}

// Exhausted reports whether the item has reached its cap.
func (g ItemGrant) Exhausted(max int64) bool {
	return g.Current >= max
}

// ClickCredit atomically adds round(clicks * per_click_rate * probability, 3)
// to the user's balance and mirrors it into the index. It returns the credit
// and the new balance.
func (s *Store) ClickCredit(ctx context.Context, userID string, clicks int64, probability decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	vals, err := clickScript.Run(ctx, s.rdb,
		[]string{userKey(userID), indexKey},
		clicks, probability.String(), s.ttlSeconds(),
	).StringSlice()
	if err != nil {
		return decimal.Zero, decimal.Zero, classify("click credit "+userID, err)
	}
	if len(vals) != 2 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("click credit %s: unexpected reply %v", userID, vals)
	}
	credit, err := decimal.NewFromString(vals[0])
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("click credit %s: %w", userID, err)
	}
	balance, err := decimal.NewFromString(vals[1])
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("click credit %s: %w", userID, err)
	}
	return credit, balance, nil
}

// UpgradeResult is the outcome of an upgrade.
type UpgradeResult struct {
	Balance decimal.Decimal
	// Settled is the passive accrual paid out up to the upgrade instant at
	// the old passive rate. SettledPerClickRate is the per-click rate that
	// was in force while it accrued.
	Settled             decimal.Decimal
	SettledPerClickRate decimal.Decimal
}

// ApplyUpgrade settles any pending passive accrual up to now, debits the
// price and installs the new rates in one step. The TTL policy follows the
// new passive rate.
func (s *Store) ApplyUpgrade(ctx context.Context, userID string, u Upgrade, now time.Time) (UpgradeResult, error) {
	vals, err := upgradeScript.Run(ctx, s.rdb,
		[]string{userKey(userID), indexKey},
		u.Price.String(), u.PassiveRate.String(), u.PerClickRate.String(),
		formatUnix(now), s.ttlSeconds(),
	).StringSlice()
	if err != nil {
		return UpgradeResult{}, classify("upgrade "+userID, err)
	}
	if len(vals) != 3 {
		return UpgradeResult{}, fmt.Errorf("upgrade %s: unexpected reply %v", userID, vals)
	}
	balance, err1 := decimal.NewFromString(vals[0])
	settled, err2 := decimal.NewFromString(vals[1])
	pcr, err3 := decimal.NewFromString(vals[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return UpgradeResult{}, fmt.Errorf("upgrade %s: bad reply %v", userID, vals)
	}
	return UpgradeResult{Balance: balance, Settled: settled, SettledPerClickRate: pcr}, nil
}

// ReconcileBatch credits elapsed passive earnings for the given user keys.
// Keys without a passive rate or that no longer exist are ignored.
func (s *Store) ReconcileBatch(ctx context.Context, keys []string, now time.Time) (ReconcileResult, error) {
	var res ReconcileResult
	if len(keys) == 0 {
		return res, nil
	}
	scriptKeys := make([]string, 0, len(keys)+1)
	scriptKeys = append(scriptKeys, keys...)
	scriptKeys = append(scriptKeys, indexKey)

	reply, err := reconcileScript.Run(ctx, s.rdb, scriptKeys, formatUnix(now)).Slice()
	if err != nil {
		return res, classify("reconcile batch", err)
	}
	if len(reply) != 2 {
		return res, fmt.Errorf("reconcile batch: unexpected reply length %d", len(reply))
	}

	credited, _ := reply[0].([]interface{})
	for _, row := range credited {
		f, err := toStrings(row)
		if err != nil || len(f) != 4 {
			return res, fmt.Errorf("reconcile batch: bad credit row %v", row)
		}
		accrued, err1 := decimal.NewFromString(f[1])
		elapsed, err2 := decimal.NewFromString(f[2])
		pcr, err3 := decimal.NewFromString(f[3])
		if err1 != nil || err2 != nil || err3 != nil {
			return res, fmt.Errorf("reconcile batch: bad credit row %v", f)
		}
		res.Credited = append(res.Credited, PassiveCredit{
			UserID:       f[0],
			Accrued:      accrued,
			Elapsed:      time.Duration(elapsed.Shift(3).IntPart()) * time.Millisecond,
			PerClickRate: pcr,
		})
	}
	if malformed, err := toStrings(reply[1]); err == nil {
		res.Malformed = malformed
	}
	return res, nil
}

// TopN returns the n highest balances, best first.
func (s *Store) TopN(ctx context.Context, n int) ([]model.LeaderboardEntry, error) {
	if n < 1 {
		return nil, nil
	}
	reply, err := topScript.Run(ctx, s.rdb, []string{indexKey}, n).Slice()
	if err != nil {
		return nil, classify("top n", err)
	}
	entries := make([]model.LeaderboardEntry, 0, len(reply))
	for i, row := range reply {
		f, err := toStrings(row)
		if err != nil || len(f) != 2 {
			return nil, fmt.Errorf("top n: bad row %v", row)
		}
		bal, err := decimal.NewFromString(f[1])
		if err != nil {
			return nil, fmt.Errorf("top n: %w", err)
		}
		entries = append(entries, model.LeaderboardEntry{Rank: i + 1, UserID: f[0], Balance: bal.Round(3)})
	}
	return entries, nil
}

// TotalBalance sums the whole index inside one script, so concurrent
// writers cannot interleave with the scan.
func (s *Store) TotalBalance(ctx context.Context) (decimal.Decimal, error) {
	v, err := totalScript.Run(ctx, s.rdb, []string{indexKey}).Text()
	if err != nil {
		return decimal.Zero, classify("total balance", err)
	}
	return decimal.NewFromString(v)
}

// ClaimItems applies a batch of lottery wins to the capacity counters,
// never letting a counter pass its maximum.
func (s *Store) ClaimItems(ctx context.Context, claims []ItemClaim) ([]ItemGrant, error) {
	if len(claims) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(claims)*3)
	for _, c := range claims {
		args = append(args, c.ItemID, c.Max, c.Won)
	}
	reply, err := claimScript.Run(ctx, s.rdb, []string{quantityKey}, args...).Slice()
	if err != nil {
		return nil, classify("claim items", err)
	}
	grants := make([]ItemGrant, 0, len(reply))
	for _, row := range reply {
		f, err := toStrings(row)
		if err != nil || len(f) != 3 {
			return nil, fmt.Errorf("claim items: bad row %v", row)
		}
		granted, err1 := strconv.ParseInt(f[1], 10, 64)
		current, err2 := strconv.ParseInt(f[2], 10, 64)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("claim items: bad row %v", f)
		}
		grants = append(grants, ItemGrant{ItemID: f[0], Granted: granted, Current: current})
	}
	return grants, nil
}

// SeedItemQuantities raises each capacity counter to at least the given
// durable count. Counters already ahead of the durable store (write-behind
// lag) are left alone.
func (s *Store) SeedItemQuantities(ctx context.Context, counts map[string]int64) error {
	if len(counts) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(counts)*2)
	for item, n := range counts {
		args = append(args, item, n)
	}
	return classify("seed item quantities",
		seedQuantityScript.Run(ctx, s.rdb, []string{quantityKey}, args...).Err())
}

func toStrings(v interface{}) ([]string, error) {
	items, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", v)
	}
	out := make([]string, len(items))
	for i, it := range items {
		switch x := it.(type) {
		case string:
			out[i] = x
		case int64:
			out[i] = strconv.FormatInt(x, 10)
		default:
			return nil, fmt.Errorf("unexpected element %T", it)
		}
	}
	return out, nil
}
