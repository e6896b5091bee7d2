package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/eddiefleurent/trade_ledger/internal/models"
)

// MemoryStorage is a mutex-guarded in-memory implementation of Storage with
// the same conflict-absorbing semantics as the PostgreSQL backend. WithTx
// stages all mutations on a copy of the state and swaps it in on success,
// so a failed transaction leaves nothing behind.
type MemoryStorage struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	trades    map[string]models.Trade
	positions map[string]models.Position
	links     map[string]string // trade id -> position id
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{state: newMemState()}
}

func newMemState() *memState {
	return &memState{
		trades:    make(map[string]models.Trade),
		positions: make(map[string]models.Position),
		links:     make(map[string]string),
	}
}

func (s *memState) clone() *memState {
	next := &memState{
		trades:    make(map[string]models.Trade, len(s.trades)),
		positions: make(map[string]models.Position, len(s.positions)),
		links:     make(map[string]string, len(s.links)),
	}
	for id, t := range s.trades {
		next.trades[id] = t
	}
	for id, p := range s.positions {
		p.TradeIDs = nil // links map is the source of truth
		next.positions[id] = p
	}
	for tid, pid := range s.links {
		next.links[tid] = pid
	}
	return next
}

// GetTrade implements Querier.
func (s *MemoryStorage) GetTrade(ctx context.Context, id string) (models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.getTrade(id)
}

// ListTrades implements Querier.
func (s *MemoryStorage) ListTrades(ctx context.Context) ([]models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.listTrades(), nil
}

// GetPosition implements Querier.
func (s *MemoryStorage) GetPosition(ctx context.Context, id string) (models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.getPosition(id)
}

// ListPositions implements Querier.
func (s *MemoryStorage) ListPositions(ctx context.Context) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.listPositions(), nil
}

// WithTx implements Storage. The write lock serializes transactions, which
// matches the single-writer execution model.
func (s *MemoryStorage) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	if err := fn(&memTx{state: staged}); err != nil {
		return err
	}
	s.state = staged
	return nil
}

// Ping implements Storage.
func (s *MemoryStorage) Ping(ctx context.Context) error { return nil }

// Close implements Storage.
func (s *MemoryStorage) Close() {}

// memTx mutates the staged state directly; the caller discards it on error.
type memTx struct {
	state *memState
}

func (tx *memTx) GetTrade(ctx context.Context, id string) (models.Trade, error) {
	return tx.state.getTrade(id)
}

func (tx *memTx) ListTrades(ctx context.Context) ([]models.Trade, error) {
	return tx.state.listTrades(), nil
}

func (tx *memTx) GetPosition(ctx context.Context, id string) (models.Position, error) {
	return tx.state.getPosition(id)
}

func (tx *memTx) ListPositions(ctx context.Context) ([]models.Position, error) {
	return tx.state.listPositions(), nil
}

func (tx *memTx) InsertTrade(ctx context.Context, t models.Trade) (bool, error) {
	for _, existing := range tx.state.trades {
		if existing.AccountID == t.AccountID && existing.BrokerTradeID == t.BrokerTradeID {
			return false, nil
		}
	}
	tx.state.trades[t.ID] = t
	return true, nil
}

func (tx *memTx) UpdateTrade(ctx context.Context, t models.Trade) error {
	if _, ok := tx.state.trades[t.ID]; !ok {
		return fmt.Errorf("update trade %s: %w", t.ID, ErrNotFound)
	}
	tx.state.trades[t.ID] = t
	return nil
}

func (tx *memTx) DeleteTrade(ctx context.Context, id string) error {
	if _, ok := tx.state.trades[id]; !ok {
		return fmt.Errorf("delete trade %s: %w", id, ErrNotFound)
	}
	delete(tx.state.trades, id)
	delete(tx.state.links, id)
	return nil
}

func (tx *memTx) DeleteAccountTrades(ctx context.Context, accountID string) ([]models.Trade, error) {
	var deleted []models.Trade
	for id, t := range tx.state.trades {
		if t.AccountID == accountID {
			deleted = append(deleted, t)
			delete(tx.state.trades, id)
			delete(tx.state.links, id)
		}
	}
	return deleted, nil
}

func (tx *memTx) CreatePosition(ctx context.Context, p models.Position) error {
	p.TradeIDs = nil
	tx.state.positions[p.ID] = p
	return nil
}

func (tx *memTx) UpdatePosition(ctx context.Context, p models.Position) error {
	if _, ok := tx.state.positions[p.ID]; !ok {
		return fmt.Errorf("update position %s: %w", p.ID, ErrNotFound)
	}
	p.TradeIDs = nil
	tx.state.positions[p.ID] = p
	return nil
}

func (tx *memTx) DeletePosition(ctx context.Context, id string) error {
	if _, ok := tx.state.positions[id]; !ok {
		return fmt.Errorf("delete position %s: %w", id, ErrNotFound)
	}
	delete(tx.state.positions, id)
	for tid, pid := range tx.state.links {
		if pid == id {
			delete(tx.state.links, tid)
		}
	}
	return nil
}

func (tx *memTx) ClaimTrade(ctx context.Context, positionID, tradeID string) (bool, error) {
	if _, ok := tx.state.positions[positionID]; !ok {
		return false, fmt.Errorf("claim into position %s: %w", positionID, ErrNotFound)
	}
	if _, ok := tx.state.trades[tradeID]; !ok {
		return false, fmt.Errorf("claim trade %s: %w", tradeID, ErrNotFound)
	}
	if _, claimed := tx.state.links[tradeID]; claimed {
		return false, nil
	}
	tx.state.links[tradeID] = positionID
	return true, nil
}

func (tx *memTx) ReleaseTrade(ctx context.Context, tradeID string) error {
	delete(tx.state.links, tradeID)
	return nil
}

func (tx *memTx) Reset(ctx context.Context) error {
	*tx.state = *newMemState()
	return nil
}

// --- shared read helpers ---

func (s *memState) getTrade(id string) (models.Trade, error) {
	t, ok := s.trades[id]
	if !ok {
		return models.Trade{}, fmt.Errorf("get trade %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func (s *memState) listTrades() []models.Trade {
	trades := make([]models.Trade, 0, len(s.trades))
	for _, t := range s.trades {
		trades = append(trades, t)
	}
	sort.Slice(trades, func(i, j int) bool {
		if !trades[i].ExecutedAt.Equal(trades[j].ExecutedAt) {
			return trades[i].ExecutedAt.Before(trades[j].ExecutedAt)
		}
		return trades[i].ID < trades[j].ID
	})
	return trades
}

func (s *memState) getPosition(id string) (models.Position, error) {
	p, ok := s.positions[id]
	if !ok {
		return models.Position{}, fmt.Errorf("get position %s: %w", id, ErrNotFound)
	}
	p.TradeIDs = s.memberTradeIDs(id)
	return p, nil
}

func (s *memState) listPositions() []models.Position {
	positions := make([]models.Position, 0, len(s.positions))
	for id, p := range s.positions {
		p.TradeIDs = s.memberTradeIDs(id)
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool {
		if !positions[i].CreatedAt.Equal(positions[j].CreatedAt) {
			return positions[i].CreatedAt.Before(positions[j].CreatedAt)
		}
		return positions[i].ID < positions[j].ID
	})
	return positions
}

func (s *memState) memberTradeIDs(positionID string) []string {
	var ids []string
	for tid, pid := range s.links {
		if pid == positionID {
			ids = append(ids, tid)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.trades[ids[i]], s.trades[ids[j]]
		if !a.ExecutedAt.Equal(b.ExecutedAt) {
			return a.ExecutedAt.Before(b.ExecutedAt)
		}
		return ids[i] < ids[j]
	})
	return ids
}
