package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionKind distinguishes reconciler-owned positions from user-curated
// ones. The reconciler may freely delete and recreate simple positions; a
// named position is mutated only through explicit user operations.
type PositionKind string

const (
	// KindSimple is a disposable position produced by round-trip
	// segmentation. It corresponds to exactly one round trip.
	KindSimple PositionKind = "simple"
	// KindNamed is a user-curated basket, possibly spanning multiple
	// grouping keys.
	KindNamed PositionKind = "named"
)

// Valid returns true if the PositionKind is one of the defined constants.
func (k PositionKind) Valid() bool {
	return k == KindSimple || k == KindNamed
}

// PositionStatus describes the lifecycle state of a position.
type PositionStatus string

const (
	// StatusOpen means the position holds unbalanced quantity.
	StatusOpen PositionStatus = "open"
	// StatusClosed means bought and sold quantities balance.
	StatusClosed PositionStatus = "closed"
	// StatusExpired means at least one member trade was manually marked
	// expired worthless.
	StatusExpired PositionStatus = "expired"
	// StatusPendingExpiry means an option leg is past its calendar
	// expiration but its outcome has not been manually finalized.
	StatusPendingExpiry PositionStatus = "pending_expiry"
	// StatusEmpty means the position currently owns no trades.
	StatusEmpty PositionStatus = "empty"
)

// Valid returns true if the PositionStatus is one of the defined constants.
func (s PositionStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusClosed, StatusExpired, StatusPendingExpiry, StatusEmpty:
		return true
	default:
		return false
	}
}

// Position groups trades that offset one another. Simple positions are the
// persisted form of one round trip; named positions are user baskets.
type Position struct {
	ID        string         `json:"id"`
	Kind      PositionKind   `json:"kind"`
	Name      string         `json:"name,omitempty"` // named positions only
	Notes     string         `json:"notes,omitempty"`
	Why       string         `json:"why,omitempty"` // user tag: reason for the trade
	Status    PositionStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	// TradeIDs are the member trades in execution order. Populated by
	// storage reads; the position_trades table is the source of truth.
	TradeIDs []string `json:"trade_ids"`
}

// IsNamed reports whether the position is user-curated. The reconciler must
// never delete or re-segment a named position.
func (p *Position) IsNamed() bool {
	return p.Kind == KindNamed
}

// PositionTrade links one trade to one position. trade_id is unique across
// the table: a trade belongs to at most one position at any time.
type PositionTrade struct {
	PositionID string `json:"position_id"`
	TradeID    string `json:"trade_id"`
}

// LegView describes a single option leg surfaced in position metrics.
type LegView struct {
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Expiration *time.Time      `json:"expiration,omitempty"`
}

// PositionView is a position with embedded trades and computed metrics, the
// shape handed to the API layer.
type PositionView struct {
	Position
	Trades            []Trade         `json:"trades"`
	TotalBuy          decimal.Decimal `json:"total_buy"`
	TotalSell         decimal.Decimal `json:"total_sell"`
	PnL               decimal.Decimal `json:"pnl"`
	PnLPercent        decimal.Decimal `json:"pnl_percent"`
	ExpiredLegs       []LegView       `json:"expired_legs"`
	PendingExpiryLegs []LegView       `json:"pending_expiry_legs"`
}
