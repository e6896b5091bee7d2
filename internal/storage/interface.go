// Package storage defines the persistence contract for trades, positions,
// and the position_trades links, plus two implementations: PostgreSQL
// (source of truth) and in-memory (tests and throwaway setups).
package storage

import (
	"context"

	"github.com/eddiefleurent/trade_ledger/internal/models"
)

// Querier is the read surface shared by Storage and Tx. Positions are
// returned with their member TradeIDs populated in execution order.
type Querier interface {
	GetTrade(ctx context.Context, id string) (models.Trade, error)
	ListTrades(ctx context.Context) ([]models.Trade, error)
	GetPosition(ctx context.Context, id string) (models.Position, error)
	ListPositions(ctx context.Context) ([]models.Position, error)
}

// Tx is the mutation surface, only reachable inside Storage.WithTx so that
// every multi-statement mutation is atomic.
//
// Uniqueness is absorbed, not raised: InsertTrade and ClaimTrade report a
// constraint conflict as false with a nil error, matching the "zero rows
// affected" discipline for duplicate imports and double-claimed trades.
type Tx interface {
	Querier

	// InsertTrade appends an execution record. Returns false when the
	// (account_id, broker_trade_id) pair already exists.
	InsertTrade(ctx context.Context, t models.Trade) (bool, error)
	UpdateTrade(ctx context.Context, t models.Trade) error
	// DeleteTrade removes a trade and its position link, if any.
	DeleteTrade(ctx context.Context, id string) error
	// DeleteAccountTrades removes every trade for an account and returns
	// the deleted records so the caller can reconcile the touched keys.
	DeleteAccountTrades(ctx context.Context, accountID string) ([]models.Trade, error)

	CreatePosition(ctx context.Context, p models.Position) error
	UpdatePosition(ctx context.Context, p models.Position) error
	// DeletePosition removes a position and its links; member trades
	// survive unclaimed.
	DeletePosition(ctx context.Context, id string) error

	// ClaimTrade links a trade to a position. Returns false when the trade
	// is already claimed by any position.
	ClaimTrade(ctx context.Context, positionID, tradeID string) (bool, error)
	// ReleaseTrade unlinks a trade from whatever position holds it.
	// Releasing an unclaimed trade is a no-effect success.
	ReleaseTrade(ctx context.Context, tradeID string) error

	// Reset deletes every row. Used by restore.
	Reset(ctx context.Context) error
}

// Storage is the persistence interface handed to the reconciler and the API
// layer. Reads outside WithTx observe the latest committed snapshot.
type Storage interface {
	Querier

	// WithTx runs fn inside one atomic transaction. Any error from fn
	// rolls back every statement; a partially reconciled state is never
	// observable outside the transaction.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Ping(ctx context.Context) error
	Close()
}

// Ensure both implementations satisfy the interface.
var (
	_ Storage = (*PostgresStorage)(nil)
	_ Storage = (*MemoryStorage)(nil)
)
