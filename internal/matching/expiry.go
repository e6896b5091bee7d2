package matching

import (
	"time"

	"github.com/eddiefleurent/trade_ledger/internal/models"
	"github.com/eddiefleurent/trade_ledger/internal/occ"
)

// ResolveExpiry classifies an option leg as open, pending expiry, or
// expired. The comparison is calendar-date only; time of day is ignored.
//
// Expiry is never auto-finalized from the calendar: a leg past its
// expiration is pending until the user sets the expired-worthless flag,
// because broker settlement behavior is not guessable (assignment, cash
// settlement, exercise-by-exception all look identical from the ledger).
func ResolveExpiry(assetType models.AssetType, expiration *time.Time, expiredWorthless bool, today time.Time) models.PositionStatus {
	if assetType != models.AssetOption || expiration == nil {
		return models.StatusOpen
	}
	if expiredWorthless {
		return models.StatusExpired
	}
	if !calendarDate(today).Before(calendarDate(*expiration)) {
		return models.StatusPendingExpiry
	}
	return models.StatusOpen
}

// calendarDate truncates a timestamp to its UTC calendar date.
func calendarDate(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// ExpirationOf returns the option expiration for a trade, preferring the
// stored expiration date and falling back to the OCC-encoded one. Nil for
// non-options and undecodable symbols.
func ExpirationOf(t models.Trade) *time.Time {
	if t.AssetType != models.AssetOption {
		return nil
	}
	if t.ExpirationDate != nil {
		return t.ExpirationDate
	}
	if c, ok := occ.Decode(t.Symbol); ok {
		exp := c.Expiration
		return &exp
	}
	return nil
}
