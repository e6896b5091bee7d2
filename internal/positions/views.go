package positions

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/trade_ledger/internal/matching"
	"github.com/eddiefleurent/trade_ledger/internal/models"
)

var hundred = decimal.NewFromInt(100)

// ListPositions returns every position with embedded trades and computed
// metrics. Reads observe the latest committed snapshot; no transaction is
// needed.
func (s *Service) ListPositions(ctx context.Context) ([]models.PositionView, error) {
	positions, err := s.store.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	trades, err := s.store.ListTrades(ctx)
	if err != nil {
		return nil, err
	}
	tradesByID := make(map[string]models.Trade, len(trades))
	for _, t := range trades {
		tradesByID[t.ID] = t
	}

	today := s.now()
	views := make([]models.PositionView, 0, len(positions))
	for _, p := range positions {
		members := make([]models.Trade, 0, len(p.TradeIDs))
		for _, tid := range p.TradeIDs {
			if t, ok := tradesByID[tid]; ok {
				members = append(members, t)
			}
		}
		views = append(views, buildView(p, members, today))
	}
	return views, nil
}

// ListTrades returns the full trade ledger in execution order.
func (s *Service) ListTrades(ctx context.Context) ([]models.Trade, error) {
	return s.store.ListTrades(ctx)
}

// GetPositionView returns one position with embedded trades and metrics.
func (s *Service) GetPositionView(ctx context.Context, id string) (models.PositionView, error) {
	p, err := s.store.GetPosition(ctx, id)
	if err != nil {
		return models.PositionView{}, err
	}
	members := make([]models.Trade, 0, len(p.TradeIDs))
	for _, tid := range p.TradeIDs {
		t, err := s.store.GetTrade(ctx, tid)
		if err != nil {
			return models.PositionView{}, err
		}
		members = append(members, t)
	}
	return buildView(p, members, s.now()), nil
}

// buildView computes position metrics with FIFO-style per-contract netting:
// members are bucketed into contract groups by grouping key and each group
// is matched independently. P&L is the sum of closed-match P&L, including
// expired-worthless finalizations.
func buildView(p models.Position, members []models.Trade, today time.Time) models.PositionView {
	view := models.PositionView{
		Position:   p,
		Trades:     members,
		TotalBuy:   decimal.Zero,
		TotalSell:  decimal.Zero,
		PnL:        decimal.Zero,
		PnLPercent: decimal.Zero,
	}
	models.SortTrades(view.Trades)

	for _, t := range members {
		if t.Side == models.SideBuy {
			view.TotalBuy = view.TotalBuy.Add(t.Total)
		} else {
			view.TotalSell = view.TotalSell.Add(t.Total)
		}
	}

	for _, group := range matching.GroupByKey(members) {
		res := matching.MatchFIFO(group, today)
		view.PnL = view.PnL.Add(res.PnL())

		for _, m := range res.Matches {
			// Single-sided matches are expired-worthless finalizations.
			if m.Buy != nil && m.Sell != nil {
				continue
			}
			leg := m.Buy
			side := models.SideBuy
			if leg == nil {
				leg = m.Sell
				side = models.SideSell
			}
			view.ExpiredLegs = append(view.ExpiredLegs, models.LegView{
				Symbol:     leg.Trade.Symbol,
				Side:       side,
				Quantity:   leg.Quantity,
				Expiration: matching.ExpirationOf(leg.Trade),
			})
		}
		for _, lot := range res.Open {
			if lot.Status != models.StatusPendingExpiry {
				continue
			}
			view.PendingExpiryLegs = append(view.PendingExpiryLegs, models.LegView{
				Symbol:     lot.Trade.Symbol,
				Side:       lot.Side,
				Quantity:   lot.Quantity,
				Expiration: matching.ExpirationOf(lot.Trade),
			})
		}
	}

	denom := view.TotalBuy.Abs()
	if denom.IsZero() {
		// short-only groups: premium received is the capital at risk proxy
		denom = view.TotalSell.Abs()
	}
	if !denom.IsZero() {
		view.PnLPercent = view.PnL.Div(denom).Mul(hundred).Round(4)
	}

	view.Status = matching.Status(members, today)
	return view
}
