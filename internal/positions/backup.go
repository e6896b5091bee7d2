package positions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/eddiefleurent/trade_ledger/internal/models"
	"github.com/eddiefleurent/trade_ledger/internal/storage"
)

// Snapshot is the portable backup format: the full trade ledger plus every
// position with its member trade ids.
type Snapshot struct {
	CreatedAt time.Time         `json:"created_at"`
	Trades    []models.Trade    `json:"trades"`
	Positions []models.Position `json:"positions"`
}

// Backup writes a JSON snapshot of the entire ledger to w.
func (s *Service) Backup(ctx context.Context, w io.Writer) error {
	trades, err := s.store.ListTrades(ctx)
	if err != nil {
		return err
	}
	positions, err := s.store.ListPositions(ctx)
	if err != nil {
		return err
	}
	snap := Snapshot{CreatedAt: s.now(), Trades: trades, Positions: positions}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	return nil
}

// Restore replaces the entire ledger with the snapshot read from r, inside
// one transaction: a failed restore leaves the previous state intact.
func (s *Service) Restore(ctx context.Context, r io.Reader) error {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}

	return s.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.Reset(ctx); err != nil {
			return err
		}
		for _, t := range snap.Trades {
			ok, err := tx.InsertTrade(ctx, t)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("snapshot has duplicate trade %s/%s", t.AccountID, t.BrokerTradeID)
			}
		}
		for _, p := range snap.Positions {
			tradeIDs := p.TradeIDs
			if err := tx.CreatePosition(ctx, p); err != nil {
				return err
			}
			for _, tid := range tradeIDs {
				claimed, err := tx.ClaimTrade(ctx, p.ID, tid)
				if err != nil {
					return err
				}
				if !claimed {
					return fmt.Errorf("snapshot claims trade %s twice", tid)
				}
			}
		}
		s.logger.WithField("trades", len(snap.Trades)).Info("restored ledger from snapshot")
		return nil
	})
}
