// Package positions implements the position reconciler: it turns the
// append-only trade ledger into persisted positions via round-trip
// segmentation, applies user basket operations (create, add, remove, merge,
// ungroup), and computes FIFO-based metrics for the API layer.
package positions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/trade_ledger/internal/matching"
	"github.com/eddiefleurent/trade_ledger/internal/metrics"
	"github.com/eddiefleurent/trade_ledger/internal/models"
	"github.com/eddiefleurent/trade_ledger/internal/storage"
)

// ErrInvalid is returned for malformed operation arguments: an empty
// position name, a non-positive split ratio, an unknown review state.
var ErrInvalid = errors.New("invalid argument")

// Service owns all mutations of positions and their trade links. Callers are
// expected to serialize mutating calls (single-writer model); every
// multi-statement mutation runs inside one storage transaction.
type Service struct {
	store   storage.Storage
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates a reconciler service. metrics may be nil.
func NewService(store storage.Storage, logger *logrus.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		store:   store,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// TradeInput is the normalized execution record handed over by the import
// collaborator. Raw broker file formats never reach this package.
type TradeInput struct {
	AccountID      string          `json:"account_id"`
	BrokerTradeID  string          `json:"broker_trade_id"`
	Symbol         string          `json:"symbol"`
	AssetType      models.AssetType `json:"asset_type"`
	Side           models.Side     `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	Total          decimal.Decimal `json:"total"`
	Fees           decimal.Decimal `json:"fees"`
	ExecutedAt     time.Time       `json:"executed_at"`
	ExpirationDate *time.Time      `json:"expiration_date,omitempty"`
}

// valid filters out records the matchers must never see. Upstream data is
// inherently messy, so malformed rows are skipped silently rather than
// failing the batch.
func (in TradeInput) valid() bool {
	if in.AccountID == "" || in.BrokerTradeID == "" || in.Symbol == "" {
		return false
	}
	if !in.AssetType.Valid() || !in.Side.Valid() {
		return false
	}
	if in.Quantity.Sign() <= 0 || in.Price.Sign() < 0 {
		return false
	}
	return !in.ExecutedAt.IsZero()
}

// ImportResult summarizes one import batch.
type ImportResult struct {
	Imported   int `json:"imported"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
}

// ImportBatch appends normalized trades to the ledger, deduplicating on
// (account_id, broker_trade_id), then re-segments every grouping key touched
// by the new trades. Named positions are never disturbed; simple positions
// on touched keys are deleted and recreated from the reunited trade set.
func (s *Service) ImportBatch(ctx context.Context, inputs []TradeInput) (ImportResult, error) {
	var res ImportResult
	start := s.now()

	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var inserted []models.Trade
		for _, in := range inputs {
			if !in.valid() {
				res.Skipped++
				s.logger.WithFields(logrus.Fields{
					"broker_trade_id": in.BrokerTradeID,
					"symbol":          in.Symbol,
				}).Debug("skipping malformed trade record")
				continue
			}
			t := models.Trade{
				ID:             uuid.NewString(),
				AccountID:      in.AccountID,
				BrokerTradeID:  in.BrokerTradeID,
				Symbol:         in.Symbol,
				AssetType:      in.AssetType,
				Side:           in.Side,
				Quantity:       in.Quantity,
				Price:          in.Price,
				Total:          in.Total,
				Fees:           in.Fees,
				ExecutedAt:     in.ExecutedAt,
				ExpirationDate: in.ExpirationDate,
			}
			ok, err := tx.InsertTrade(ctx, t)
			if err != nil {
				return err
			}
			if !ok {
				res.Duplicates++
				continue
			}
			res.Imported++
			inserted = append(inserted, t)
		}
		if len(inserted) == 0 {
			return nil
		}
		return s.reconcileKeys(ctx, tx, matching.Keys(inserted))
	})
	if err != nil {
		return ImportResult{}, err
	}

	s.metrics.ObserveImport(res.Imported, s.now().Sub(start))
	s.logger.WithFields(logrus.Fields{
		"imported":   res.Imported,
		"duplicates": res.Duplicates,
		"skipped":    res.Skipped,
	}).Info("import batch reconciled")
	return res, nil
}

// reconcileKeys re-segments the touched grouping keys inside an open
// transaction. The new segmentation is staged fully before any old simple
// position is deleted, so trades are never observably unowned.
func (s *Service) reconcileKeys(ctx context.Context, tx storage.Tx, touched map[string]struct{}) error {
	if len(touched) == 0 {
		return nil
	}
	trades, err := tx.ListTrades(ctx)
	if err != nil {
		return err
	}
	positions, err := tx.ListPositions(ctx)
	if err != nil {
		return err
	}

	tradesByID := make(map[string]models.Trade, len(trades))
	for _, t := range trades {
		tradesByID[t.ID] = t
	}

	namedOwned := make(map[string]struct{})
	for _, p := range positions {
		if p.IsNamed() {
			for _, tid := range p.TradeIDs {
				namedOwned[tid] = struct{}{}
			}
		}
	}

	// Simple positions sharing a touched key get rebuilt. Their members can
	// drag additional keys into scope, so expand once before segmenting.
	var stale []models.Position
	for _, p := range positions {
		if p.IsNamed() {
			continue
		}
		hit := false
		for _, tid := range p.TradeIDs {
			t, ok := tradesByID[tid]
			if !ok {
				continue
			}
			if _, match := touched[matching.Key(t)]; match {
				hit = true
				break
			}
		}
		if hit {
			stale = append(stale, p)
			for _, tid := range p.TradeIDs {
				if t, ok := tradesByID[tid]; ok {
					touched[matching.Key(t)] = struct{}{}
				}
			}
		}
	}

	// Stage the new segmentation over the reunited key pools, excluding
	// anything a named position owns.
	today := s.now()
	var planned []models.Position
	plannedTrades := make(map[string][]string)
	for key := range touched {
		var pool []models.Trade
		for _, t := range trades {
			if matching.Key(t) != key {
				continue
			}
			if _, owned := namedOwned[t.ID]; owned {
				continue
			}
			pool = append(pool, t)
		}
		for _, trip := range matching.Segment(pool, today) {
			p := models.Position{
				ID:        uuid.NewString(),
				Kind:      models.KindSimple,
				Status:    trip.Status,
				CreatedAt: today,
			}
			planned = append(planned, p)
			for _, t := range trip.Trades {
				plannedTrades[p.ID] = append(plannedTrades[p.ID], t.ID)
			}
		}
	}

	for _, p := range stale {
		if err := tx.DeletePosition(ctx, p.ID); err != nil {
			return err
		}
	}
	for _, p := range planned {
		if err := tx.CreatePosition(ctx, p); err != nil {
			return err
		}
		for _, tid := range plannedTrades[p.ID] {
			claimed, err := tx.ClaimTrade(ctx, p.ID, tid)
			if err != nil {
				return err
			}
			if !claimed {
				// Absorbed by the uniqueness constraint: another position
				// already owns this trade, leave it there.
				s.logger.WithField("trade_id", tid).Warn("segmented trade already claimed")
			}
		}
	}

	s.metrics.AddRecomputed(len(planned))
	return nil
}

// newNamedPosition builds a user basket over the given member trades.
func (s *Service) newNamedPosition(name, notes, why string, members []models.Trade) models.Position {
	return models.Position{
		ID:        uuid.NewString(),
		Kind:      models.KindNamed,
		Name:      name,
		Notes:     notes,
		Why:       why,
		Status:    matching.Status(members, s.now()),
		CreatedAt: s.now(),
	}
}
