package positions

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/trade_ledger/internal/matching"
	"github.com/eddiefleurent/trade_ledger/internal/models"
	"github.com/eddiefleurent/trade_ledger/internal/storage"
)

// ownerIndex maps trade id to the position currently holding it.
func ownerIndex(positions []models.Position) map[string]*models.Position {
	owners := make(map[string]*models.Position)
	for i := range positions {
		for _, tid := range positions[i].TradeIDs {
			owners[tid] = &positions[i]
		}
	}
	return owners
}

// detach releases the given trades from whatever positions hold them and
// deletes any position left empty, except keep (the operation's target).
// A trade owned elsewhere is expected, not exceptional: user baskets
// routinely re-own trades the reconciler grouped.
func (s *Service) detach(ctx context.Context, tx storage.Tx, tradeIDs []string, keep string) error {
	positions, err := tx.ListPositions(ctx)
	if err != nil {
		return err
	}
	owners := ownerIndex(positions)

	moving := make(map[string]struct{}, len(tradeIDs))
	for _, tid := range tradeIDs {
		moving[tid] = struct{}{}
	}

	affected := make(map[string]*models.Position)
	for _, tid := range tradeIDs {
		if owner, ok := owners[tid]; ok {
			affected[owner.ID] = owner
		}
		if err := tx.ReleaseTrade(ctx, tid); err != nil {
			return err
		}
	}

	for _, p := range affected {
		if p.ID == keep {
			continue
		}
		remaining := 0
		for _, tid := range p.TradeIDs {
			if _, gone := moving[tid]; !gone {
				remaining++
			}
		}
		if remaining == 0 {
			if err := tx.DeletePosition(ctx, p.ID); err != nil {
				return err
			}
			continue
		}
		if err := s.refreshStatus(ctx, tx, p.ID); err != nil {
			return err
		}
	}
	return nil
}

// refreshStatus recomputes and stores the derived status of a position from
// its current members.
func (s *Service) refreshStatus(ctx context.Context, tx storage.Tx, positionID string) error {
	p, err := tx.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	members, err := s.memberTrades(ctx, tx, p.TradeIDs)
	if err != nil {
		return err
	}
	p.Status = matching.Status(members, s.now())
	return tx.UpdatePosition(ctx, p)
}

func (s *Service) memberTrades(ctx context.Context, q storage.Querier, tradeIDs []string) ([]models.Trade, error) {
	members := make([]models.Trade, 0, len(tradeIDs))
	for _, tid := range tradeIDs {
		t, err := q.GetTrade(ctx, tid)
		if err != nil {
			return nil, err
		}
		members = append(members, t)
	}
	return members, nil
}

// CreatePosition detaches the given trades from wherever they live and
// creates one named position owning exactly them.
func (s *Service) CreatePosition(ctx context.Context, name string, tradeIDs []string, notes, why string) (models.Position, error) {
	if name == "" {
		return models.Position{}, fmt.Errorf("position name required: %w", ErrInvalid)
	}
	if len(tradeIDs) == 0 {
		return models.Position{}, fmt.Errorf("at least one trade required: %w", ErrInvalid)
	}

	var created models.Position
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		members, err := s.memberTrades(ctx, tx, tradeIDs)
		if err != nil {
			return err
		}
		if err := s.detach(ctx, tx, tradeIDs, ""); err != nil {
			return err
		}
		created = s.newNamedPosition(name, notes, why, members)
		if err := tx.CreatePosition(ctx, created); err != nil {
			return err
		}
		for _, tid := range tradeIDs {
			if _, err := tx.ClaimTrade(ctx, created.ID, tid); err != nil {
				return err
			}
		}
		created.TradeIDs = tradeIDs
		return nil
	})
	if err != nil {
		return models.Position{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"position": created.ID,
		"name":     name,
		"trades":   len(tradeIDs),
	}).Info("created named position")
	return created, nil
}

// AddTrades moves the given trades into an existing position, detaching them
// from their current owners first.
func (s *Service) AddTrades(ctx context.Context, positionID string, tradeIDs []string) error {
	if len(tradeIDs) == 0 {
		return fmt.Errorf("at least one trade required: %w", ErrInvalid)
	}
	return s.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetPosition(ctx, positionID); err != nil {
			return err
		}
		if _, err := s.memberTrades(ctx, tx, tradeIDs); err != nil {
			return err
		}
		if err := s.detach(ctx, tx, tradeIDs, positionID); err != nil {
			return err
		}
		for _, tid := range tradeIDs {
			if _, err := tx.ClaimTrade(ctx, positionID, tid); err != nil {
				return err
			}
		}
		return s.refreshStatus(ctx, tx, positionID)
	})
}

// RemoveTrades releases the given trades from a position. Removed trades
// stay unclaimed until the next recompute; a position left empty is deleted.
func (s *Service) RemoveTrades(ctx context.Context, positionID string, tradeIDs []string) error {
	if len(tradeIDs) == 0 {
		return fmt.Errorf("at least one trade required: %w", ErrInvalid)
	}
	return s.store.WithTx(ctx, func(tx storage.Tx) error {
		p, err := tx.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if _, err := s.memberTrades(ctx, tx, tradeIDs); err != nil {
			return err
		}

		member := make(map[string]struct{}, len(p.TradeIDs))
		for _, tid := range p.TradeIDs {
			member[tid] = struct{}{}
		}
		for _, tid := range tradeIDs {
			if _, ok := member[tid]; !ok {
				continue // not held here (or repeated in the request): no-effect success
			}
			delete(member, tid)
			if err := tx.ReleaseTrade(ctx, tid); err != nil {
				return err
			}
		}
		if len(member) == 0 {
			return tx.DeletePosition(ctx, positionID)
		}
		return s.refreshStatus(ctx, tx, positionID)
	})
}

// MergePositions replaces the given positions with one named position owning
// the union of their trades.
func (s *Service) MergePositions(ctx context.Context, ids []string, name string) (models.Position, error) {
	if name == "" {
		return models.Position{}, fmt.Errorf("position name required: %w", ErrInvalid)
	}
	if len(ids) < 2 {
		return models.Position{}, fmt.Errorf("merge requires at least two positions: %w", ErrInvalid)
	}

	var merged models.Position
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var unionIDs []string
		seen := make(map[string]struct{})
		for _, id := range ids {
			p, err := tx.GetPosition(ctx, id)
			if err != nil {
				return err
			}
			for _, tid := range p.TradeIDs {
				if _, dup := seen[tid]; !dup {
					seen[tid] = struct{}{}
					unionIDs = append(unionIDs, tid)
				}
			}
		}
		members, err := s.memberTrades(ctx, tx, unionIDs)
		if err != nil {
			return err
		}

		for _, id := range ids {
			if err := tx.DeletePosition(ctx, id); err != nil {
				return err
			}
		}
		merged = s.newNamedPosition(name, "", "", members)
		if err := tx.CreatePosition(ctx, merged); err != nil {
			return err
		}
		for _, tid := range unionIDs {
			if _, err := tx.ClaimTrade(ctx, merged.ID, tid); err != nil {
				return err
			}
		}
		merged.TradeIDs = unionIDs
		return nil
	})
	if err != nil {
		return models.Position{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"position": merged.ID,
		"name":     name,
		"sources":  len(ids),
	}).Info("merged positions")
	return merged, nil
}

// UngroupPosition deletes a position and re-segments exactly its former
// trades into one or more simple positions.
func (s *Service) UngroupPosition(ctx context.Context, id string) error {
	return s.store.WithTx(ctx, func(tx storage.Tx) error {
		p, err := tx.GetPosition(ctx, id)
		if err != nil {
			return err
		}
		members, err := s.memberTrades(ctx, tx, p.TradeIDs)
		if err != nil {
			return err
		}
		if err := tx.DeletePosition(ctx, id); err != nil {
			return err
		}
		return s.segmentInto(ctx, tx, members)
	})
}

// RecomputeAllPositions deletes every simple position and recomputes the
// segmentation from scratch over every trade not owned by a named position.
// Deterministic and idempotent: safe to re-invoke after any failure.
func (s *Service) RecomputeAllPositions(ctx context.Context) error {
	return s.store.WithTx(ctx, func(tx storage.Tx) error {
		positions, err := tx.ListPositions(ctx)
		if err != nil {
			return err
		}
		namedOwned := make(map[string]struct{})
		for _, p := range positions {
			if p.IsNamed() {
				for _, tid := range p.TradeIDs {
					namedOwned[tid] = struct{}{}
				}
				continue
			}
			if err := tx.DeletePosition(ctx, p.ID); err != nil {
				return err
			}
		}

		trades, err := tx.ListTrades(ctx)
		if err != nil {
			return err
		}
		pool := trades[:0:0]
		for _, t := range trades {
			if _, owned := namedOwned[t.ID]; !owned {
				pool = append(pool, t)
			}
		}
		return s.segmentInto(ctx, tx, pool)
	})
}

// segmentInto runs round-trip segmentation per grouping key over the given
// trades and persists the result as fresh simple positions.
func (s *Service) segmentInto(ctx context.Context, tx storage.Tx, trades []models.Trade) error {
	today := s.now()
	created := 0
	for _, pool := range matching.GroupByKey(trades) {
		for _, trip := range matching.Segment(pool, today) {
			p := models.Position{
				ID:        uuid.NewString(),
				Kind:      models.KindSimple,
				Status:    trip.Status,
				CreatedAt: today,
			}
			if err := tx.CreatePosition(ctx, p); err != nil {
				return err
			}
			for _, t := range trip.Trades {
				if _, err := tx.ClaimTrade(ctx, p.ID, t.ID); err != nil {
					return err
				}
			}
			created++
		}
	}
	s.metrics.AddRecomputed(created)
	return nil
}
