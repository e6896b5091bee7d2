// Package matching implements the offsetting algorithms of the ledger: the
// grouping key that decides which trades may offset each other, the FIFO lot
// matcher used for per-contract metrics, the round-trip segmenter that backs
// persisted positions, and the option expiration resolver.
package matching

import (
	"strings"

	"github.com/eddiefleurent/trade_ledger/internal/models"
	"github.com/eddiefleurent/trade_ledger/internal/occ"
)

const keySep = "|"

// Key derives the grouping key for a trade.
//
// Options group on account, underlying, expiration, strike, and type rather
// than the raw symbol, so incidental formatting differences (weekly "W"
// suffixes and the like) still offset. Everything else groups on symbol,
// asset type, and account. The account is always part of the key: shares
// held at two different brokers must never merge into one position.
func Key(t models.Trade) string {
	if t.AssetType == models.AssetOption {
		if c, ok := occ.Decode(t.Symbol); ok {
			exp := c.Expiration
			if t.ExpirationDate != nil {
				exp = *t.ExpirationDate
			}
			return strings.Join([]string{
				t.AccountID,
				occ.DisplayUnderlying(c.Underlying),
				exp.UTC().Format("2006-01-02"),
				c.Strike.String(),
				string(c.Type),
			}, keySep)
		}
	}
	return strings.Join([]string{t.Symbol, string(t.AssetType), t.AccountID}, keySep)
}

// GroupByKey buckets trades by grouping key, preserving input order within
// each bucket.
func GroupByKey(trades []models.Trade) map[string][]models.Trade {
	groups := make(map[string][]models.Trade)
	for _, t := range trades {
		k := Key(t)
		groups[k] = append(groups[k], t)
	}
	return groups
}

// Keys returns the set of grouping keys touched by the given trades.
func Keys(trades []models.Trade) map[string]struct{} {
	keys := make(map[string]struct{}, len(trades))
	for _, t := range trades {
		keys[Key(t)] = struct{}{}
	}
	return keys
}
