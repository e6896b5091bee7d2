package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/trade_ledger/internal/models"
)

// PostgresStorage implements Storage with PostgreSQL as the source of truth.
// Monetary values are stored as NUMERIC for exact decimal precision. The
// schema enforces the two central uniqueness rules: (account_id,
// broker_trade_id) for import idempotency and position_trades.trade_id for
// single ownership.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage connects, applies the schema, and returns the store.
func NewPostgresStorage(ctx context.Context, databaseURL string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	s := &PostgresStorage{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id                TEXT PRIMARY KEY,
	account_id        TEXT NOT NULL,
	broker_trade_id   TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	asset_type        TEXT NOT NULL,
	side              TEXT NOT NULL,
	quantity          NUMERIC NOT NULL,
	price             NUMERIC NOT NULL,
	total             NUMERIC NOT NULL,
	fees              NUMERIC NOT NULL DEFAULT 0,
	executed_at       TIMESTAMPTZ NOT NULL,
	expiration_date   TIMESTAMPTZ,
	review            SMALLINT NOT NULL DEFAULT 0,
	expired_worthless BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (account_id, broker_trade_id)
);

CREATE TABLE IF NOT EXISTS positions (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	notes      TEXT NOT NULL DEFAULT '',
	why        TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS position_trades (
	position_id TEXT NOT NULL REFERENCES positions(id) ON DELETE CASCADE,
	trade_id    TEXT PRIMARY KEY REFERENCES trades(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_trades_account ON trades(account_id);
CREATE INDEX IF NOT EXISTS idx_position_trades_position ON position_trades(position_id);
`

func (s *PostgresStorage) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting reads run
// inside and outside transactions through the same code.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// GetTrade implements Querier.
func (s *PostgresStorage) GetTrade(ctx context.Context, id string) (models.Trade, error) {
	return getTrade(ctx, s.pool, id)
}

// ListTrades implements Querier.
func (s *PostgresStorage) ListTrades(ctx context.Context) ([]models.Trade, error) {
	return listTrades(ctx, s.pool)
}

// GetPosition implements Querier.
func (s *PostgresStorage) GetPosition(ctx context.Context, id string) (models.Position, error) {
	return getPosition(ctx, s.pool, id)
}

// ListPositions implements Querier.
func (s *PostgresStorage) ListPositions(ctx context.Context) ([]models.Position, error) {
	return listPositions(ctx, s.pool)
}

// WithTx implements Storage.
func (s *PostgresStorage) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = pgtx.Rollback(ctx) }()

	if err := fn(&pgTx{q: pgtx}); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Ping implements Storage.
func (s *PostgresStorage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements Storage.
func (s *PostgresStorage) Close() {
	s.pool.Close()
}

type pgTx struct {
	q querier
}

func (tx *pgTx) GetTrade(ctx context.Context, id string) (models.Trade, error) {
	return getTrade(ctx, tx.q, id)
}

func (tx *pgTx) ListTrades(ctx context.Context) ([]models.Trade, error) {
	return listTrades(ctx, tx.q)
}

func (tx *pgTx) GetPosition(ctx context.Context, id string) (models.Position, error) {
	return getPosition(ctx, tx.q, id)
}

func (tx *pgTx) ListPositions(ctx context.Context) ([]models.Position, error) {
	return listPositions(ctx, tx.q)
}

func (tx *pgTx) InsertTrade(ctx context.Context, t models.Trade) (bool, error) {
	tag, err := tx.q.Exec(ctx,
		`INSERT INTO trades (id, account_id, broker_trade_id, symbol, asset_type, side,
		                     quantity, price, total, fees, executed_at, expiration_date,
		                     review, expired_worthless)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12, $13, $14)
		 ON CONFLICT (account_id, broker_trade_id) DO NOTHING`,
		t.ID, t.AccountID, t.BrokerTradeID, t.Symbol, t.AssetType, t.Side,
		t.Quantity.String(), t.Price.String(), t.Total.String(), t.Fees.String(),
		t.ExecutedAt, t.ExpirationDate, int16(t.Review), t.ExpiredWorthless,
	)
	if err != nil {
		return false, fmt.Errorf("insert trade %s: %w", t.BrokerTradeID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (tx *pgTx) UpdateTrade(ctx context.Context, t models.Trade) error {
	tag, err := tx.q.Exec(ctx,
		`UPDATE trades
		 SET symbol = $2, asset_type = $3, side = $4,
		     quantity = $5::NUMERIC, price = $6::NUMERIC, total = $7::NUMERIC, fees = $8::NUMERIC,
		     executed_at = $9, expiration_date = $10, review = $11, expired_worthless = $12
		 WHERE id = $1`,
		t.ID, t.Symbol, t.AssetType, t.Side,
		t.Quantity.String(), t.Price.String(), t.Total.String(), t.Fees.String(),
		t.ExecutedAt, t.ExpirationDate, int16(t.Review), t.ExpiredWorthless,
	)
	if err != nil {
		return fmt.Errorf("update trade %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update trade %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

func (tx *pgTx) DeleteTrade(ctx context.Context, id string) error {
	tag, err := tx.q.Exec(ctx, `DELETE FROM trades WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete trade %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete trade %s: %w", id, ErrNotFound)
	}
	return nil
}

func (tx *pgTx) DeleteAccountTrades(ctx context.Context, accountID string) ([]models.Trade, error) {
	rows, err := tx.q.Query(ctx,
		`DELETE FROM trades WHERE account_id = $1 RETURNING `+tradeColumns, accountID)
	if err != nil {
		return nil, fmt.Errorf("delete trades for account %s: %w", accountID, err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (tx *pgTx) CreatePosition(ctx context.Context, p models.Position) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO positions (id, kind, name, notes, why, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.Kind, p.Name, p.Notes, p.Why, p.Status, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create position %s: %w", p.ID, err)
	}
	return nil
}

func (tx *pgTx) UpdatePosition(ctx context.Context, p models.Position) error {
	tag, err := tx.q.Exec(ctx,
		`UPDATE positions SET name = $2, notes = $3, why = $4, status = $5 WHERE id = $1`,
		p.ID, p.Name, p.Notes, p.Why, p.Status,
	)
	if err != nil {
		return fmt.Errorf("update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update position %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (tx *pgTx) DeletePosition(ctx context.Context, id string) error {
	tag, err := tx.q.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete position %s: %w", id, ErrNotFound)
	}
	return nil
}

func (tx *pgTx) ClaimTrade(ctx context.Context, positionID, tradeID string) (bool, error) {
	tag, err := tx.q.Exec(ctx,
		`INSERT INTO position_trades (position_id, trade_id) VALUES ($1, $2)
		 ON CONFLICT (trade_id) DO NOTHING`,
		positionID, tradeID,
	)
	if err != nil {
		return false, fmt.Errorf("claim trade %s: %w", tradeID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (tx *pgTx) ReleaseTrade(ctx context.Context, tradeID string) error {
	if _, err := tx.q.Exec(ctx, `DELETE FROM position_trades WHERE trade_id = $1`, tradeID); err != nil {
		return fmt.Errorf("release trade %s: %w", tradeID, err)
	}
	return nil
}

func (tx *pgTx) Reset(ctx context.Context) error {
	if _, err := tx.q.Exec(ctx, `TRUNCATE position_trades, positions, trades`); err != nil {
		return fmt.Errorf("reset storage: %w", err)
	}
	return nil
}

// --- shared read helpers ---

const tradeColumns = `id, account_id, broker_trade_id, symbol, asset_type, side,
	quantity::TEXT, price::TEXT, total::TEXT, fees::TEXT,
	executed_at, expiration_date, review, expired_worthless`

func getTrade(ctx context.Context, q querier, id string) (models.Trade, error) {
	row := q.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Trade{}, fmt.Errorf("get trade %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Trade{}, fmt.Errorf("get trade %s: %w", id, err)
	}
	return t, nil
}

func listTrades(ctx context.Context, q querier) ([]models.Trade, error) {
	rows, err := q.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades ORDER BY executed_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (models.Trade, error) {
	var t models.Trade
	var quantity, price, total, fees string
	var expiration *time.Time
	var review int16

	err := row.Scan(&t.ID, &t.AccountID, &t.BrokerTradeID, &t.Symbol, &t.AssetType, &t.Side,
		&quantity, &price, &total, &fees,
		&t.ExecutedAt, &expiration, &review, &t.ExpiredWorthless)
	if err != nil {
		return models.Trade{}, err
	}

	t.Quantity, _ = decimal.NewFromString(quantity)
	t.Price, _ = decimal.NewFromString(price)
	t.Total, _ = decimal.NewFromString(total)
	t.Fees, _ = decimal.NewFromString(fees)
	t.ExpirationDate = expiration
	t.Review = models.ReviewState(review)
	return t, nil
}

func scanTrades(rows pgx.Rows) ([]models.Trade, error) {
	var trades []models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func getPosition(ctx context.Context, q querier, id string) (models.Position, error) {
	var p models.Position
	err := q.QueryRow(ctx,
		`SELECT id, kind, name, notes, why, status, created_at FROM positions WHERE id = $1`, id).
		Scan(&p.ID, &p.Kind, &p.Name, &p.Notes, &p.Why, &p.Status, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Position{}, fmt.Errorf("get position %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Position{}, fmt.Errorf("get position %s: %w", id, err)
	}

	rows, err := q.Query(ctx,
		`SELECT pt.trade_id
		 FROM position_trades pt JOIN trades t ON t.id = pt.trade_id
		 WHERE pt.position_id = $1
		 ORDER BY t.executed_at, t.id`, id)
	if err != nil {
		return models.Position{}, fmt.Errorf("get position %s trades: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var tid string
		if err := rows.Scan(&tid); err != nil {
			return models.Position{}, err
		}
		p.TradeIDs = append(p.TradeIDs, tid)
	}
	return p, rows.Err()
}

func listPositions(ctx context.Context, q querier) ([]models.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT id, kind, name, notes, why, status, created_at
		 FROM positions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	index := make(map[string]int)
	for rows.Next() {
		var p models.Position
		if err := rows.Scan(&p.ID, &p.Kind, &p.Name, &p.Notes, &p.Why, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		index[p.ID] = len(positions)
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	linkRows, err := q.Query(ctx,
		`SELECT pt.position_id, pt.trade_id
		 FROM position_trades pt JOIN trades t ON t.id = pt.trade_id
		 ORDER BY t.executed_at, t.id`)
	if err != nil {
		return nil, fmt.Errorf("list position trades: %w", err)
	}
	defer linkRows.Close()
	for linkRows.Next() {
		var pid, tid string
		if err := linkRows.Scan(&pid, &tid); err != nil {
			return nil, err
		}
		if i, ok := index[pid]; ok {
			positions[i].TradeIDs = append(positions[i].TradeIDs, tid)
		}
	}
	return positions, linkRows.Err()
}
