package positions

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/trade_ledger/internal/matching"
	"github.com/eddiefleurent/trade_ledger/internal/models"
	"github.com/eddiefleurent/trade_ledger/internal/storage"
)

// ApplySplit ratio-scales every stock trade for the account and symbol:
// quantity x ratio, price / ratio, total preserved. The touched grouping key
// is re-segmented afterwards so simple positions stay consistent.
func (s *Service) ApplySplit(ctx context.Context, accountID, symbol string, ratio decimal.Decimal) (int, error) {
	if ratio.Sign() <= 0 {
		return 0, fmt.Errorf("split ratio must be positive: %w", ErrInvalid)
	}

	adjusted := 0
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		trades, err := tx.ListTrades(ctx)
		if err != nil {
			return err
		}
		var touched []models.Trade
		for _, t := range trades {
			if t.AccountID != accountID || t.Symbol != symbol || t.AssetType != models.AssetStock {
				continue
			}
			t.ApplySplit(ratio)
			if err := tx.UpdateTrade(ctx, t); err != nil {
				return err
			}
			touched = append(touched, t)
			adjusted++
		}
		if len(touched) == 0 {
			return nil
		}
		return s.reconcileKeys(ctx, tx, matching.Keys(touched))
	})
	if err != nil {
		return 0, err
	}

	s.logger.WithFields(logrus.Fields{
		"account": accountID,
		"symbol":  symbol,
		"ratio":   ratio.String(),
		"trades":  adjusted,
	}).Info("applied split adjustment")
	return adjusted, nil
}

// MarkExpiredWorthless flips the manual expiration flag on an option trade.
// This is the only way a pending-expiry leg is ever finalized; the engine
// never infers settlement outcomes from the calendar.
func (s *Service) MarkExpiredWorthless(ctx context.Context, tradeID string, expired bool) error {
	return s.store.WithTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if !t.IsOption() {
			return fmt.Errorf("trade %s is not an option: %w", tradeID, ErrInvalid)
		}
		t.ExpiredWorthless = expired
		if err := tx.UpdateTrade(ctx, t); err != nil {
			return err
		}
		// Membership is untouched; only the owning position's derived
		// status changes.
		return s.refreshOwnerStatus(ctx, tx, tradeID)
	})
}

// SetReview records the user's review progress on a trade.
func (s *Service) SetReview(ctx context.Context, tradeID string, state models.ReviewState) error {
	if !state.Valid() {
		return fmt.Errorf("review state %d: %w", state, ErrInvalid)
	}
	return s.store.WithTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		t.Review = state
		return tx.UpdateTrade(ctx, t)
	})
}

// DeleteTrade removes a trade from the ledger and re-segments its grouping
// key. A position that held the trade keeps its other members; it is deleted
// when the trade was its last one, simple and named alike.
func (s *Service) DeleteTrade(ctx context.Context, tradeID string) error {
	return s.store.WithTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		positions, err := tx.ListPositions(ctx)
		if err != nil {
			return err
		}
		owner := ownerIndex(positions)[tradeID]

		if err := tx.DeleteTrade(ctx, tradeID); err != nil {
			return err
		}
		if owner != nil {
			// An emptied simple owner has no members left to drag it into
			// the re-segmentation below, so it is dropped here.
			if len(owner.TradeIDs) == 1 {
				if err := tx.DeletePosition(ctx, owner.ID); err != nil {
					return err
				}
			} else if owner.IsNamed() {
				if err := s.refreshStatus(ctx, tx, owner.ID); err != nil {
					return err
				}
			}
		}
		return s.reconcileKeys(ctx, tx, matching.Keys([]models.Trade{t}))
	})
}

// DeleteAccountTrades removes every trade for an account, cascading links
// and re-segmenting the touched keys. Returns the number of deleted trades.
func (s *Service) DeleteAccountTrades(ctx context.Context, accountID string) (int, error) {
	deleted := 0
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		trades, err := tx.DeleteAccountTrades(ctx, accountID)
		if err != nil {
			return err
		}
		deleted = len(trades)
		if deleted == 0 {
			return nil
		}
		if err := s.dropEmptiedPositions(ctx, tx); err != nil {
			return err
		}
		return s.reconcileKeys(ctx, tx, matching.Keys(trades))
	})
	if err != nil {
		return 0, err
	}

	s.logger.WithFields(logrus.Fields{
		"account": accountID,
		"trades":  deleted,
	}).Info("deleted account trades")
	return deleted, nil
}

// refreshOwnerStatus recomputes the stored status of whichever position owns
// the given trade, if any.
func (s *Service) refreshOwnerStatus(ctx context.Context, tx storage.Tx, tradeID string) error {
	positions, err := tx.ListPositions(ctx)
	if err != nil {
		return err
	}
	if owner := ownerIndex(positions)[tradeID]; owner != nil {
		return s.refreshStatus(ctx, tx, owner.ID)
	}
	return nil
}

// dropEmptiedPositions deletes positions whose members were all removed by a
// cascading trade deletion.
func (s *Service) dropEmptiedPositions(ctx context.Context, tx storage.Tx) error {
	positions, err := tx.ListPositions(ctx)
	if err != nil {
		return err
	}
	for _, p := range positions {
		if len(p.TradeIDs) == 0 {
			if err := tx.DeletePosition(ctx, p.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
