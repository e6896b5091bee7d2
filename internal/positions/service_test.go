package positions

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/trade_ledger/internal/models"
	"github.com/eddiefleurent/trade_ledger/internal/storage"
)

var testToday = time.Date(2025, time.June, 2, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	svc := NewService(store, logger, nil)
	svc.now = func() time.Time { return testToday }
	return svc, store
}

var inputSeq int

func input(side models.Side, qty, total int64, minutes int) TradeInput {
	inputSeq++
	q := decimal.NewFromInt(qty)
	return TradeInput{
		AccountID:     "acct-1",
		BrokerTradeID: fmt.Sprintf("b%d", inputSeq),
		Symbol:        "AAPL",
		AssetType:     models.AssetStock,
		Side:          side,
		Quantity:      q,
		Price:         decimal.NewFromInt(total).Div(q),
		Total:         decimal.NewFromInt(total),
		ExecutedAt:    time.Date(2025, time.March, 3, 14, 30, 0, 0, time.UTC).Add(time.Duration(minutes) * time.Minute),
	}
}

func optionInput(symbol string, side models.Side, qty, total int64, minutes int, exp time.Time) TradeInput {
	in := input(side, qty, total, minutes)
	in.Symbol = symbol
	in.AssetType = models.AssetOption
	in.ExpirationDate = &exp
	return in
}

func TestImportBatchClosedRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	res, err := svc.ImportBatch(ctx, []TradeInput{
		input(models.SideBuy, 1, 100, 0),
		input(models.SideSell, 1, 120, 10),
	})
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Imported: 2}, res)

	views, err := svc.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)

	v := views[0]
	assert.Equal(t, models.KindSimple, v.Kind)
	assert.Equal(t, models.StatusClosed, v.Status)
	assert.True(t, v.TotalBuy.Equal(decimal.NewFromInt(100)), "TotalBuy = %s", v.TotalBuy)
	assert.True(t, v.TotalSell.Equal(decimal.NewFromInt(120)), "TotalSell = %s", v.TotalSell)
	assert.True(t, v.PnL.Equal(decimal.NewFromInt(20)), "PnL = %s", v.PnL)
	assert.True(t, v.PnLPercent.Equal(decimal.NewFromInt(20)), "PnLPercent = %s", v.PnLPercent)
	assert.Len(t, v.Trades, 2)
}

func TestImportBatchIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	batch := []TradeInput{
		input(models.SideBuy, 1, 100, 0),
		input(models.SideSell, 1, 120, 10),
	}
	_, err := svc.ImportBatch(ctx, batch)
	require.NoError(t, err)

	res, err := svc.ImportBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Duplicates: 2}, res)

	trades, err := svc.ListTrades(ctx)
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	views, err := svc.ListPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, views, 1)
}

func TestImportBatchSkipsMalformed(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	bad := input(models.SideBuy, 1, 100, 0)
	bad.Symbol = ""
	noQty := input(models.SideBuy, 1, 100, 1)
	noQty.Quantity = decimal.Zero
	badSide := input(models.SideBuy, 1, 100, 2)
	badSide.Side = "hold"

	res, err := svc.ImportBatch(ctx, []TradeInput{bad, noQty, badSide, input(models.SideBuy, 1, 100, 3)})
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Imported: 1, Skipped: 3}, res)
}

func TestImportBatchUnbalancedStaysOpen(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.ImportBatch(ctx, []TradeInput{
		input(models.SideBuy, 2, 200, 0),
		input(models.SideSell, 1, 120, 10),
	})
	require.NoError(t, err)

	views, err := svc.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, models.StatusOpen, views[0].Status)
	// Partial close realizes pnl on the matched quantity.
	assert.True(t, views[0].PnL.Equal(decimal.NewFromInt(20)), "PnL = %s", views[0].PnL)
}

func TestImportReSegmentsTouchedKeyOnly(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.ImportBatch(ctx, []TradeInput{
		input(models.SideBuy, 1, 100, 0),
		input(models.SideSell, 1, 120, 10),
	})
	require.NoError(t, err)

	msft := input(models.SideBuy, 1, 300, 20)
	msft.Symbol = "MSFT"
	_, err = svc.ImportBatch(ctx, []TradeInput{msft})
	require.NoError(t, err)

	views, err := svc.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, views, 2)
}

func TestImportNeverDisturbsNamedPositions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.ImportBatch(ctx, []TradeInput{
		input(models.SideBuy, 1, 100, 0),
		input(models.SideSell, 1, 120, 10),
	})
	require.NoError(t, err)
	trades, err := svc.ListTrades(ctx)
	require.NoError(t, err)
	require.Len(t, trades, 2)

	named, err := svc.CreatePosition(ctx, "my-basket", []string{trades[0].ID, trades[1].ID}, "", "")
	require.NoError(t, err)

	// A new trade on the same grouping key must not pull the named trades
	// back into the segmentation.
	_, err = svc.ImportBatch(ctx, []TradeInput{input(models.SideBuy, 1, 105, 20)})
	require.NoError(t, err)

	views, err := svc.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, views, 2)

	var namedView, simpleView *models.PositionView
	for i := range views {
		if views[i].ID == named.ID {
			namedView = &views[i]
		} else {
			simpleView = &views[i]
		}
	}
	require.NotNil(t, namedView)
	require.NotNil(t, simpleView)
	assert.Len(t, namedView.Trades, 2, "named membership must be untouched")
	assert.Equal(t, models.KindSimple, simpleView.Kind)
	assert.Len(t, simpleView.Trades, 1)
}

func TestCreatePositionValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.CreatePosition(ctx, "", []string{"t1"}, "", "")
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = svc.CreatePosition(ctx, "basket", nil, "", "")
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = svc.CreatePosition(ctx, "basket", []string{"missing"}, "", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreatePositionStealsFromSimple(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.ImportBatch(ctx, []TradeInput{input(models.SideBuy, 1, 100, 0)})
	require.NoError(t, err)
	trades, err := svc.ListTrades(ctx)
	require.NoError(t, err)

	created, err := svc.CreatePosition(ctx, "basket", []string{trades[0].ID}, "notes", "why")
	require.NoError(t, err)
	assert.Equal(t, models.KindNamed, created.Kind)

	// The emptied simple position is gone; only the basket remains.
	views, err := svc.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, created.ID, views[0].ID)
	assert.Equal(t, "basket", views[0].Name)
	assert.Equal(t, "notes", views[0].Notes)
	assert.Equal(t, "why", views[0].Why)
}

func TestAddAndRemoveTrades(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.ImportBatch(ctx, []TradeInput{
		input(models.SideBuy, 1, 100, 0),
		input(models.SideSell, 1, 120, 10),
	})
	require.NoError(t, err)
	trades, err := svc.ListTrades(ctx)
	require.NoError(t, err)

	created, err := svc.CreatePosition(ctx, "basket", []string{trades[0].ID}, "", "")
	require.NoError(t, err)

	require.NoError(t, svc.AddTrades(ctx, created.ID, []string{trades[1].ID}))
	v, err := svc.GetPositionView(ctx, created.ID)
	require.NoError(t, err)
	assert.Len(t, v.Trades, 2)
	assert.Equal(t, models.StatusClosed, v.Status)

	// Removing a non-member is a no-effect success.
	require.NoError(t, svc.RemoveTrades(ctx, created.ID, []string{trades[1].ID, "not-a-member"}))
	v, err = svc.GetPositionView(ctx, created.ID)
	require.NoError(t, err)
	assert.Len(t, v.Trades, 1)
	assert.Equal(t, models.StatusOpen, v.Status)

	// Removing the last member deletes the position.
	require.NoError(t, svc.RemoveTrades(ctx, created.ID, []string{trades[0].ID}))
	_, err = svc.GetPositionView(ctx, created.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRemoveTradesRepeatedIDs(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.ImportBatch(ctx, []TradeInput{
		input(models.SideBuy, 1, 100, 0),
		input(models.SideSell, 1, 120, 10),
	})
	require.NoError(t, err)
	trades, err := svc.ListTrades(ctx)
	require.NoError(t, err)

	created, err := svc.CreatePosition(ctx, "basket", []string{trades[0].ID, trades[1].ID}, "", "")
	require.NoError(t, err)

	// A repeated id counts once: one of two members removed keeps the
	// position alive.
	require.NoError(t, svc.RemoveTrades(ctx, created.ID, []string{trades[0].ID, trades[0].ID}))
	v, err := svc.GetPositionView(ctx, created.ID)
	require.NoError(t, err)
	assert.Len(t, v.Trades, 1)

	// Removing the actual last member deletes the position, repeats and all.
	require.NoError(t, svc.RemoveTrades(ctx, created.ID, []string{trades[1].ID, trades[1].ID}))
	_, err = svc.GetPositionView(ctx, created.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMergePositions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.ImportBatch(ctx, []TradeInput{
		input(models.SideBuy, 1, 100, 0),
		input(models.SideSell, 1, 120, 10),
	})
	require.NoError(t, err)
	trades, err := svc.ListTrades(ctx)
	require.NoError(t, err)

	a, err := svc.CreatePosition(ctx, "a", []string{trades[0].ID}, "", "")
	require.NoError(t, err)
	b, err := svc.CreatePosition(ctx, "b", []string{trades[1].ID}, "", "")
	require.NoError(t, err)

	_, err = svc.MergePositions(ctx, []string{a.ID}, "merged")
	assert.ErrorIs(t, err, ErrInvalid, "merge needs two positions")

	merged, err := svc.MergePositions(ctx, []string{a.ID, b.ID}, "merged")
	require.NoError(t, err)
	assert.Equal(t, models.KindNamed, merged.Kind)
	assert.Len(t, merged.TradeIDs, 2)

	views, err := svc.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, merged.ID, views[0].ID)
	assert.Equal(t, models.StatusClosed, views[0].Status)
}

func TestUngroupPosition(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.ImportBatch(ctx, []TradeInput{
		input(models.SideBuy, 1, 100, 0),
		input(models.SideSell, 1, 120, 10),
	})
	require.NoError(t, err)

	msft := input(models.SideBuy, 1, 300, 20)
	msft.Symbol = "MSFT"
	_, err = svc.ImportBatch(ctx, []TradeInput{msft})
	require.NoError(t, err)
	all, err := svc.ListTrades(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)

	// Cross-symbol basket: ungrouping must split it back per grouping key.
	var ids []string
	for _, tr := range all {
		ids = append(ids, tr.ID)
	}
	created, err := svc.CreatePosition(ctx, "mixed", ids, "", "")
	require.NoError(t, err)

	require.NoError(t, svc.UngroupPosition(ctx, created.ID))

	views, err := svc.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, views, 2)
	for _, v := range views {
		assert.Equal(t, models.KindSimple, v.Kind)
	}
}

func TestRecomputeAllPositions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.ImportBatch(ctx, []TradeInput{
		input(models.SideBuy, 1, 100, 0),
		input(models.SideSell, 1, 120, 10),
	})
	require.NoError(t, err)
	trades, err := svc.ListTrades(ctx)
	require.NoError(t, err)

	named, err := svc.CreatePosition(ctx, "keep-me", []string{trades[0].ID}, "", "")
	require.NoError(t, err)

	require.NoError(t, svc.RecomputeAllPositions(ctx))
	require.NoError(t, svc.RecomputeAllPositions(ctx), "recompute must be idempotent")

	views, err := svc.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, views, 2)

	var sawNamed, sawSimple bool
	for _, v := range views {
		switch v.Kind {
		case models.KindNamed:
			sawNamed = true
			assert.Equal(t, named.ID, v.ID)
			assert.Len(t, v.Trades, 1)
		case models.KindSimple:
			sawSimple = true
			assert.Len(t, v.Trades, 1, "only the unowned trade is segmented")
		}
	}
	assert.True(t, sawNamed, "named position must survive recompute")
	assert.True(t, sawSimple)
}

func TestApplySplit(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.ApplySplit(ctx, "acct-1", "AAPL", decimal.NewFromInt(-2))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = svc.ImportBatch(ctx, []TradeInput{input(models.SideBuy, 10, 1000, 0)})
	require.NoError(t, err)
	exp := time.Date(2026, time.April, 17, 0, 0, 0, 0, time.UTC)
	_, err = svc.ImportBatch(ctx, []TradeInput{optionInput("AAPL260417C00200000", models.SideBuy, 1, 200, 1, exp)})
	require.NoError(t, err)

	adjusted, err := svc.ApplySplit(ctx, "acct-1", "AAPL", decimal.NewFromInt(4))
	require.NoError(t, err)
	assert.Equal(t, 1, adjusted, "options are not split-adjusted")

	trades, err := svc.ListTrades(ctx)
	require.NoError(t, err)
	for _, tr := range trades {
		if tr.AssetType != models.AssetStock {
			continue
		}
		assert.True(t, tr.Quantity.Equal(decimal.NewFromInt(40)), "Quantity = %s", tr.Quantity)
		assert.True(t, tr.Price.Equal(decimal.NewFromInt(25)), "Price = %s", tr.Price)
		assert.True(t, tr.Total.Equal(decimal.NewFromInt(1000)), "Total preserved, got %s", tr.Total)
	}
}

func TestMarkExpiredWorthless(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.ImportBatch(ctx, []TradeInput{input(models.SideBuy, 1, 100, 0)})
	require.NoError(t, err)
	exp := time.Date(2025, time.April, 18, 0, 0, 0, 0, time.UTC)
	_, err = svc.ImportBatch(ctx, []TradeInput{optionInput("AAPL250418C00200000", models.SideBuy, 2, 400, 1, exp)})
	require.NoError(t, err)

	trades, err := svc.ListTrades(ctx)
	require.NoError(t, err)
	var stockID, optionID string
	for _, tr := range trades {
		if tr.IsOption() {
			optionID = tr.ID
		} else {
			stockID = tr.ID
		}
	}

	err = svc.MarkExpiredWorthless(ctx, stockID, true)
	assert.ErrorIs(t, err, ErrInvalid, "only options can expire worthless")

	// Before the flag, the past-expiry leg is pending.
	views, err := svc.ListPositions(ctx)
	require.NoError(t, err)
	for _, v := range views {
		if len(v.Trades) == 1 && v.Trades[0].ID == optionID {
			assert.Equal(t, models.StatusPendingExpiry, v.Status)
			require.Len(t, v.PendingExpiryLegs, 1)
		}
	}

	require.NoError(t, svc.MarkExpiredWorthless(ctx, optionID, true))

	views, err = svc.ListPositions(ctx)
	require.NoError(t, err)
	var found bool
	for _, v := range views {
		if len(v.Trades) != 1 || v.Trades[0].ID != optionID {
			continue
		}
		found = true
		assert.Equal(t, models.StatusExpired, v.Status)
		assert.True(t, v.PnL.Equal(decimal.NewFromInt(-400)), "PnL = %s, want full premium loss", v.PnL)
		require.Len(t, v.ExpiredLegs, 1)
		assert.Empty(t, v.PendingExpiryLegs)
	}
	assert.True(t, found, "option position missing from views")
}

func TestSetReview(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.ImportBatch(ctx, []TradeInput{input(models.SideBuy, 1, 100, 0)})
	require.NoError(t, err)
	trades, err := svc.ListTrades(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.SetReview(ctx, trades[0].ID, models.ReviewState(9)), ErrInvalid)
	assert.ErrorIs(t, svc.SetReview(ctx, "missing", models.ReviewDone), storage.ErrNotFound)

	require.NoError(t, svc.SetReview(ctx, trades[0].ID, models.ReviewDone))
	trades, err = svc.ListTrades(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewDone, trades[0].Review)
}

func TestDeleteTradeReconciles(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.ImportBatch(ctx, []TradeInput{
		input(models.SideBuy, 1, 100, 0),
		input(models.SideSell, 1, 120, 10),
	})
	require.NoError(t, err)
	trades, err := svc.ListTrades(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteTrade(ctx, trades[1].ID))

	views, err := svc.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, models.StatusOpen, views[0].Status, "closed trip reopens when the sell is deleted")
	assert.Len(t, views[0].Trades, 1)

	assert.ErrorIs(t, svc.DeleteTrade(ctx, "missing"), storage.ErrNotFound)
}

func TestDeleteTradeDropsEmptiedSimplePosition(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.ImportBatch(ctx, []TradeInput{input(models.SideBuy, 1, 100, 0)})
	require.NoError(t, err)
	trades, err := svc.ListTrades(ctx)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	require.NoError(t, svc.DeleteTrade(ctx, trades[0].ID))

	views, err := svc.ListPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, views, "a simple position loses its last trade and must go with it")
}

func TestDeleteTradeFromNamedPosition(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.ImportBatch(ctx, []TradeInput{
		input(models.SideBuy, 1, 100, 0),
		input(models.SideSell, 1, 120, 10),
	})
	require.NoError(t, err)
	trades, err := svc.ListTrades(ctx)
	require.NoError(t, err)

	named, err := svc.CreatePosition(ctx, "basket", []string{trades[0].ID, trades[1].ID}, "", "")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteTrade(ctx, trades[1].ID))
	v, err := svc.GetPositionView(ctx, named.ID)
	require.NoError(t, err)
	assert.Len(t, v.Trades, 1, "named position keeps its other members")

	// Deleting the last member deletes the basket itself.
	require.NoError(t, svc.DeleteTrade(ctx, trades[0].ID))
	_, err = svc.GetPositionView(ctx, named.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteAccountTrades(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.ImportBatch(ctx, []TradeInput{
		input(models.SideBuy, 1, 100, 0),
		input(models.SideSell, 1, 120, 10),
	})
	require.NoError(t, err)
	other := input(models.SideBuy, 1, 300, 20)
	other.AccountID = "acct-2"
	_, err = svc.ImportBatch(ctx, []TradeInput{other})
	require.NoError(t, err)

	deleted, err := svc.DeleteAccountTrades(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	trades, err := svc.ListTrades(ctx)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "acct-2", trades[0].AccountID)

	views, err := svc.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Len(t, views[0].Trades, 1)
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.ImportBatch(ctx, []TradeInput{
		input(models.SideBuy, 1, 100, 0),
		input(models.SideSell, 1, 120, 10),
	})
	require.NoError(t, err)
	trades, err := svc.ListTrades(ctx)
	require.NoError(t, err)
	named, err := svc.CreatePosition(ctx, "basket", []string{trades[0].ID}, "some notes", "")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, svc.Backup(ctx, &buf))

	restored, _ := newTestService(t)
	require.NoError(t, restored.Restore(ctx, &buf))

	gotTrades, err := restored.ListTrades(ctx)
	require.NoError(t, err)
	assert.Len(t, gotTrades, 2)

	v, err := restored.GetPositionView(ctx, named.ID)
	require.NoError(t, err)
	assert.Equal(t, "basket", v.Name)
	assert.Equal(t, "some notes", v.Notes)
	assert.Len(t, v.Trades, 1)
}

func TestRestoreRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	err := svc.Restore(ctx, bytes.NewBufferString("{not json"))
	assert.Error(t, err)

	// The previous state survives a failed restore.
	_, err = svc.ImportBatch(ctx, []TradeInput{input(models.SideBuy, 1, 100, 0)})
	require.NoError(t, err)
	err = svc.Restore(ctx, bytes.NewBufferString("{not json"))
	assert.Error(t, err)

	trades, err := svc.ListTrades(ctx)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}
