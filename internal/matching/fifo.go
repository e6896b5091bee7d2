package matching

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/trade_ledger/internal/models"
)

// MatchLeg is one side of a closed FIFO match: a slice of a trade with its
// prorated share of that trade's total.
type MatchLeg struct {
	Trade    models.Trade
	Quantity decimal.Decimal
	Total    decimal.Decimal
}

// Match is a closed pairing of buy and sell quantity within one grouping
// key. Expired-worthless finalizations have a nil counterpart leg: a long
// that expired worthless has no Sell, a short kept its premium with no Buy.
type Match struct {
	Buy      *MatchLeg
	Sell     *MatchLeg
	Quantity decimal.Decimal
	PnL      decimal.Decimal
}

// OpenLot is unmatched quantity left after FIFO matching.
type OpenLot struct {
	Trade    models.Trade
	Side     models.Side
	Quantity decimal.Decimal
	Total    decimal.Decimal
	Status   models.PositionStatus // open or pending_expiry
}

// FIFOResult is the output of MatchFIFO for one grouping key.
type FIFOResult struct {
	Matches []Match
	Open    []OpenLot
}

// PnL sums realized profit across all closed matches.
func (r FIFOResult) PnL() decimal.Decimal {
	sum := decimal.Zero
	for _, m := range r.Matches {
		sum = sum.Add(m.PnL)
	}
	return sum
}

type fifoLot struct {
	trade     models.Trade
	remaining decimal.Decimal
}

// prorated returns qty/original x the trade's total.
func prorated(t models.Trade, qty decimal.Decimal) decimal.Decimal {
	if t.Quantity.IsZero() {
		return decimal.Zero
	}
	return t.Total.Mul(qty).Div(t.Quantity)
}

// MatchFIFO pairs buys against sells for one grouping key's trades, oldest
// lots first. Incoming buys close open short lots ("buy to close") before
// opening new long lots; sells are symmetric. Each consumption emits a
// closed match with both sides' totals prorated by matched quantity.
//
// Remaining open lots surface as open positions, reclassified to pending
// expiry when the contract is past its stored expiration. Lots whose trade
// is flagged expired-worthless are finalized instead: full loss for longs,
// full premium retained for shorts, with no counterpart trade.
//
// Trades with non-positive quantity are skipped; an empty input yields an
// empty result, not an error.
func MatchFIFO(trades []models.Trade, today time.Time) FIFOResult {
	ordered := make([]models.Trade, len(trades))
	copy(ordered, trades)
	models.SortTrades(ordered)

	var res FIFOResult
	var longs, shorts []*fifoLot

	for _, t := range ordered {
		if t.Quantity.Sign() <= 0 {
			continue
		}
		remaining := t.Quantity

		switch t.Side {
		case models.SideBuy:
			for remaining.Sign() > 0 && len(shorts) > 0 {
				lot := shorts[0]
				qty := decimal.Min(remaining, lot.remaining)
				buyTotal := prorated(t, qty)
				sellTotal := prorated(lot.trade, qty)
				res.Matches = append(res.Matches, Match{
					Buy:      &MatchLeg{Trade: t, Quantity: qty, Total: buyTotal},
					Sell:     &MatchLeg{Trade: lot.trade, Quantity: qty, Total: sellTotal},
					Quantity: qty,
					PnL:      sellTotal.Sub(buyTotal),
				})
				remaining = remaining.Sub(qty)
				lot.remaining = lot.remaining.Sub(qty)
				if lot.remaining.Sign() <= 0 {
					shorts = shorts[1:]
				}
			}
			if remaining.Sign() > 0 {
				longs = append(longs, &fifoLot{trade: t, remaining: remaining})
			}
		case models.SideSell:
			for remaining.Sign() > 0 && len(longs) > 0 {
				lot := longs[0]
				qty := decimal.Min(remaining, lot.remaining)
				buyTotal := prorated(lot.trade, qty)
				sellTotal := prorated(t, qty)
				res.Matches = append(res.Matches, Match{
					Buy:      &MatchLeg{Trade: lot.trade, Quantity: qty, Total: buyTotal},
					Sell:     &MatchLeg{Trade: t, Quantity: qty, Total: sellTotal},
					Quantity: qty,
					PnL:      sellTotal.Sub(buyTotal),
				})
				remaining = remaining.Sub(qty)
				lot.remaining = lot.remaining.Sub(qty)
				if lot.remaining.Sign() <= 0 {
					longs = longs[1:]
				}
			}
			if remaining.Sign() > 0 {
				shorts = append(shorts, &fifoLot{trade: t, remaining: remaining})
			}
		}
	}

	for _, lot := range longs {
		res.absorb(lot, models.SideBuy, today)
	}
	for _, lot := range shorts {
		res.absorb(lot, models.SideSell, today)
	}
	return res
}

// absorb turns a leftover lot into either a finalized expired match or an
// open lot with its expiry status resolved.
func (r *FIFOResult) absorb(lot *fifoLot, side models.Side, today time.Time) {
	t := lot.trade
	total := prorated(t, lot.remaining)

	if t.IsOption() && t.ExpiredWorthless {
		leg := &MatchLeg{Trade: t, Quantity: lot.remaining, Total: total}
		m := Match{Quantity: lot.remaining}
		if side == models.SideBuy {
			m.Buy = leg
			m.PnL = total.Neg() // premium paid, contract expired worthless
		} else {
			m.Sell = leg
			m.PnL = total // premium retained in full
		}
		r.Matches = append(r.Matches, m)
		return
	}

	r.Open = append(r.Open, OpenLot{
		Trade:    t,
		Side:     side,
		Quantity: lot.remaining,
		Total:    total,
		Status:   ResolveExpiry(t.AssetType, ExpirationOf(t), t.ExpiredWorthless, today),
	})
}
