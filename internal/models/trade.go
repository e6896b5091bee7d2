// Package models defines the core domain types for the trade ledger:
// immutable trade executions, positions, and the link records that tie
// trades to positions.
package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// AssetType identifies the instrument class of a trade.
type AssetType string

const (
	// AssetStock is a common equity execution.
	AssetStock AssetType = "stock"
	// AssetOption is a listed option contract execution.
	AssetOption AssetType = "option"
	// AssetFuture is a futures contract execution.
	AssetFuture AssetType = "future"
)

// Valid returns true if the AssetType is one of the defined constants.
func (a AssetType) Valid() bool {
	switch a {
	case AssetStock, AssetOption, AssetFuture:
		return true
	default:
		return false
	}
}

// Side identifies the direction of a trade execution.
type Side string

const (
	// SideBuy is a purchase (open long or close short).
	SideBuy Side = "buy"
	// SideSell is a sale (close long or open short).
	SideSell Side = "sell"
)

// Valid returns true if the Side is one of the defined constants.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// ReviewState tracks how far a user has gotten reviewing a trade.
type ReviewState int

const (
	// ReviewNone means the trade has not been looked at.
	ReviewNone ReviewState = 0
	// ReviewFlagged means the trade was marked for a second look.
	ReviewFlagged ReviewState = 1
	// ReviewDone means the trade review is complete.
	ReviewDone ReviewState = 2
)

// Valid returns true if the ReviewState is one of the defined constants.
func (r ReviewState) Valid() bool {
	return r >= ReviewNone && r <= ReviewDone
}

// Trade is an immutable brokerage execution record. Trades are created by
// import and never re-priced afterwards, with two exceptions: split
// adjustments ratio-scale quantity and price (total preserved), and the
// ExpiredWorthless / Review flags are flipped by explicit user action.
type Trade struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id"`
	BrokerTradeID string    `json:"broker_trade_id"` // dedup key within an account
	Symbol        string    `json:"symbol"`
	AssetType     AssetType `json:"asset_type"`
	Side          Side      `json:"side"`
	// Quantity is always positive; direction lives in Side.
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	// Total is the notional for the execution, already multiplier-adjusted
	// (x100 for options). Positive for both sides; Side carries direction.
	Total      decimal.Decimal `json:"total"`
	Fees       decimal.Decimal `json:"fees"`
	ExecutedAt time.Time       `json:"executed_at"`
	// ExpirationDate is set for options only.
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
	Review         ReviewState `json:"review"`
	// ExpiredWorthless is a manual flag: the engine never infers settlement
	// outcomes from the calendar alone.
	ExpiredWorthless bool `json:"expired_worthless"`
}

// IsOption reports whether the trade is an option execution.
func (t *Trade) IsOption() bool {
	return t.AssetType == AssetOption
}

// ApplySplit ratio-scales the trade for a forward stock split: quantity is
// multiplied and price divided by the ratio, so Total is preserved.
func (t *Trade) ApplySplit(ratio decimal.Decimal) {
	if ratio.Sign() <= 0 {
		return
	}
	t.Quantity = t.Quantity.Mul(ratio)
	t.Price = t.Price.DivRound(ratio, 8)
}

// SortTrades orders trades by execution time ascending, buys before sells on
// ties. Both the FIFO matcher and the round-trip segmenter rely on this
// ordering.
func SortTrades(trades []Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		if !trades[i].ExecutedAt.Equal(trades[j].ExecutedAt) {
			return trades[i].ExecutedAt.Before(trades[j].ExecutedAt)
		}
		return trades[i].Side == SideBuy && trades[j].Side == SideSell
	})
}
