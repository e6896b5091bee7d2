package matching

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/trade_ledger/internal/models"
)

// RoundTrip is a maximal run of trades within one grouping key whose
// cumulative bought and sold quantities balance, or the unbalanced trailing
// run at the end of the stream. Round trips are coarser than FIFO matches
// and are the unit persisted as simple positions.
type RoundTrip struct {
	Trades []models.Trade
	Bought decimal.Decimal
	Sold   decimal.Decimal
	Status models.PositionStatus
}

// Segment consumes one grouping key's trades in execution order and cuts the
// stream at every point where cumulative buys equal cumulative sells. Each
// balanced run is emitted as one round trip and the counters reset; whatever
// is left unbalanced at stream end is emitted as a final open, pending, or
// expired round trip. No trades yields no round trips.
func Segment(trades []models.Trade, today time.Time) []RoundTrip {
	ordered := make([]models.Trade, len(trades))
	copy(ordered, trades)
	models.SortTrades(ordered)

	var trips []RoundTrip
	var members []models.Trade
	bought, sold := decimal.Zero, decimal.Zero

	for _, t := range ordered {
		if t.Quantity.Sign() <= 0 {
			continue
		}
		members = append(members, t)
		if t.Side == models.SideBuy {
			bought = bought.Add(t.Quantity)
		} else {
			sold = sold.Add(t.Quantity)
		}

		if bought.Sign() > 0 && bought.Equal(sold) {
			trips = append(trips, RoundTrip{
				Trades: members,
				Bought: bought,
				Sold:   sold,
				Status: Status(members, today),
			})
			members = nil
			bought, sold = decimal.Zero, decimal.Zero
		}
	}

	if len(members) > 0 {
		trips = append(trips, RoundTrip{
			Trades: members,
			Bought: bought,
			Sold:   sold,
			Status: Status(members, today),
		})
	}
	return trips
}

// Status derives the lifecycle status of a set of trades treated as one
// position. Precedence: expired beats pending expiry beats closed beats
// open. Expired requires the manual worthless flag on a member; a mere
// calendar expiration only makes an unbalanced option group pending.
func Status(trades []models.Trade, today time.Time) models.PositionStatus {
	if len(trades) == 0 {
		return models.StatusEmpty
	}

	bought, sold := decimal.Zero, decimal.Zero
	for _, t := range trades {
		if t.ExpiredWorthless {
			return models.StatusExpired
		}
		if t.Side == models.SideBuy {
			bought = bought.Add(t.Quantity)
		} else {
			sold = sold.Add(t.Quantity)
		}
	}

	if !bought.Equal(sold) {
		for _, t := range trades {
			if ResolveExpiry(t.AssetType, ExpirationOf(t), t.ExpiredWorthless, today) == models.StatusPendingExpiry {
				return models.StatusPendingExpiry
			}
		}
		return models.StatusOpen
	}
	return models.StatusClosed
}
