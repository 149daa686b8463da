package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lobx/lobx/pkg/lob"
)

// PgStore is the Postgres-backed Store. Balance reads inside a
// transaction take row locks so concurrent settlements on the same
// account serialize at the database as well as in the ledger.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore wraps an existing connection pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Schema is the DDL for the ledger tables.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id         UUID PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS balances (
    account_id UUID NOT NULL REFERENCES accounts(id),
    asset      TEXT NOT NULL,
    total      NUMERIC NOT NULL,
    available  NUMERIC NOT NULL,
    locked     NUMERIC NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (account_id, asset),
    CHECK (available >= 0),
    CHECK (locked >= 0),
    CHECK (total = available + locked)
);

CREATE TABLE IF NOT EXISTS markets (
    symbol       TEXT PRIMARY KEY,
    base_asset   TEXT NOT NULL,
    quote_asset  TEXT NOT NULL,
    tick_size    NUMERIC NOT NULL,
    step_size    NUMERIC NOT NULL,
    min_price    NUMERIC NOT NULL,
    max_price    NUMERIC NOT NULL,
    min_quantity NUMERIC NOT NULL,
    max_quantity NUMERIC NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
    id                 UUID PRIMARY KEY,
    account_id         UUID NOT NULL REFERENCES accounts(id),
    market             TEXT NOT NULL,
    side               TEXT NOT NULL,
    type               TEXT NOT NULL,
    price              NUMERIC,
    quantity           NUMERIC NOT NULL,
    filled_quantity    NUMERIC NOT NULL,
    remaining_quantity NUMERIC NOT NULL,
    avg_fill_price     NUMERIC NOT NULL,
    time_in_force      TEXT NOT NULL,
    status             TEXT NOT NULL,
    sequence           BIGINT NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL,
    updated_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
    id               UUID PRIMARY KEY,
    market           TEXT NOT NULL,
    price            NUMERIC NOT NULL,
    quantity         NUMERIC NOT NULL,
    amount           NUMERIC NOT NULL,
    maker_order_id   UUID NOT NULL,
    taker_order_id   UUID NOT NULL,
    maker_account_id UUID NOT NULL,
    taker_account_id UUID NOT NULL,
    taker_side       TEXT NOT NULL,
    sequence         BIGINT NOT NULL,
    executed_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_account ON orders(account_id, created_at);
CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(market, executed_at);
`

// Migrate creates the ledger tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return lob.Wrap(lob.Database, err, "migrate schema")
	}
	return nil
}

// Begin starts a database transaction.
func (s *PgStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, lob.Wrap(lob.Database, err, "begin transaction")
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Commit(ctx context.Context) error {
	err := t.tx.Commit(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return lob.Wrap(lob.Database, err, "commit")
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return lob.Wrap(lob.Database, err, "rollback")
	}
	return nil
}

func (t *pgTx) CreateAccount(ctx context.Context, a Account) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO accounts (id, created_at, updated_at) VALUES ($1, $2, $3)`,
		a.ID, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return lob.Wrap(lob.Database, err, "insert account")
	}
	return nil
}

func (t *pgTx) GetAccount(ctx context.Context, id uuid.UUID) (Account, error) {
	var a Account
	err := t.tx.QueryRow(ctx,
		`SELECT id, created_at, updated_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, lob.Ef(lob.NotFound, "account %s not found", id)
	}
	if err != nil {
		return Account{}, lob.Wrap(lob.Database, err, "select account")
	}
	return a, nil
}

func (t *pgTx) GetBalance(ctx context.Context, account uuid.UUID, asset string) (Balance, error) {
	var b Balance
	err := t.tx.QueryRow(ctx,
		`SELECT account_id, asset, total, available, locked, updated_at
		   FROM balances WHERE account_id = $1 AND asset = $2 FOR UPDATE`,
		account, asset).
		Scan(&b.AccountID, &b.Asset, &b.Total, &b.Available, &b.Locked, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, lob.Ef(lob.NotFound, "no %s balance for account %s", asset, account)
	}
	if err != nil {
		return Balance{}, lob.Wrap(lob.Database, err, "select balance")
	}
	return b, nil
}

func (t *pgTx) ListBalances(ctx context.Context, account uuid.UUID) ([]Balance, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT account_id, asset, total, available, locked, updated_at
		   FROM balances WHERE account_id = $1 ORDER BY asset`, account)
	if err != nil {
		return nil, lob.Wrap(lob.Database, err, "select balances")
	}
	defer rows.Close()

	var out []Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.AccountID, &b.Asset, &b.Total, &b.Available, &b.Locked, &b.UpdatedAt); err != nil {
			return nil, lob.Wrap(lob.Database, err, "scan balance")
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, lob.Wrap(lob.Database, err, "iterate balances")
	}
	return out, nil
}

func (t *pgTx) UpsertBalance(ctx context.Context, b Balance) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO balances (account_id, asset, total, available, locked, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (account_id, asset) DO UPDATE
		 SET total = $3, available = $4, locked = $5, updated_at = $6`,
		b.AccountID, b.Asset, b.Total, b.Available, b.Locked, b.UpdatedAt)
	if err != nil {
		return lob.Wrap(lob.Database, err, "upsert balance")
	}
	return nil
}

func (t *pgTx) SaveOrder(ctx context.Context, o lob.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, account_id, market, side, type, price, quantity,
		                     filled_quantity, remaining_quantity, avg_fill_price,
		                     time_in_force, status, sequence, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE
		 SET filled_quantity = $8, remaining_quantity = $9, avg_fill_price = $10,
		     status = $12, updated_at = $15`,
		o.ID, o.AccountID, o.Market, o.Side.String(), o.Type.String(), o.Price,
		o.Quantity, o.Filled, o.Remaining, o.AvgFillPrice,
		o.TimeInForce.String(), o.Status.String(), int64(o.Sequence), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return lob.Wrap(lob.Database, err, "upsert order")
	}
	return nil
}

func (t *pgTx) SaveMarket(ctx context.Context, m lob.Market) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO markets (symbol, base_asset, quote_asset, tick_size, step_size,
		                      min_price, max_price, min_quantity, max_quantity)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (symbol) DO UPDATE
		 SET tick_size = $4, step_size = $5, min_price = $6, max_price = $7,
		     min_quantity = $8, max_quantity = $9`,
		m.Symbol, m.BaseAsset, m.QuoteAsset, m.TickSize, m.StepSize,
		m.MinPrice, m.MaxPrice, m.MinQuantity, m.MaxQuantity)
	if err != nil {
		return lob.Wrap(lob.Database, err, "upsert market")
	}
	return nil
}

func (t *pgTx) ListMarkets(ctx context.Context) ([]lob.Market, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT symbol, base_asset, quote_asset, tick_size, step_size,
		        min_price, max_price, min_quantity, max_quantity
		   FROM markets ORDER BY symbol`)
	if err != nil {
		return nil, lob.Wrap(lob.Database, err, "select markets")
	}
	defer rows.Close()

	var out []lob.Market
	for rows.Next() {
		var m lob.Market
		if err := rows.Scan(&m.Symbol, &m.BaseAsset, &m.QuoteAsset, &m.TickSize,
			&m.StepSize, &m.MinPrice, &m.MaxPrice, &m.MinQuantity, &m.MaxQuantity); err != nil {
			return nil, lob.Wrap(lob.Database, err, "scan market")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, lob.Wrap(lob.Database, err, "iterate markets")
	}
	return out, nil
}

const orderColumns = `id, account_id, market, side, type, price, quantity,
	filled_quantity, remaining_quantity, avg_fill_price,
	time_in_force, status, sequence, created_at, updated_at`

func scanOrder(row pgx.Row) (lob.Order, error) {
	var o lob.Order
	var side, typ, tif, status string
	var seq int64
	err := row.Scan(&o.ID, &o.AccountID, &o.Market, &side, &typ, &o.Price,
		&o.Quantity, &o.Filled, &o.Remaining, &o.AvgFillPrice,
		&tif, &status, &seq, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return lob.Order{}, err
	}
	o.Sequence = uint64(seq)
	if err := unmarshalEnums(&o, side, typ, tif, status); err != nil {
		return lob.Order{}, err
	}
	return o, nil
}

func unmarshalEnums(o *lob.Order, side, typ, tif, status string) error {
	for _, step := range []struct {
		dst interface{ UnmarshalJSON([]byte) error }
		val string
	}{
		{&o.Side, side},
		{&o.Type, typ},
		{&o.TimeInForce, tif},
		{&o.Status, status},
	} {
		if err := step.dst.UnmarshalJSON([]byte(`"` + step.val + `"`)); err != nil {
			return lob.Wrap(lob.Database, err, "decode order enum")
		}
	}
	return nil
}

func (t *pgTx) GetOrder(ctx context.Context, id uuid.UUID) (lob.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return lob.Order{}, lob.Ef(lob.NotFound, "order %s not found", id)
	}
	if err != nil {
		return lob.Order{}, lob.Wrap(lob.Database, err, "select order")
	}
	return o, nil
}

func (t *pgTx) ListOrders(ctx context.Context, account uuid.UUID, market string, limit int) ([]lob.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		  WHERE account_id = $1 AND ($2 = '' OR market = $2)
		  ORDER BY created_at DESC LIMIT $3`,
		account, market, limit)
	if err != nil {
		return nil, lob.Wrap(lob.Database, err, "select orders")
	}
	defer rows.Close()

	var out []lob.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, lob.Wrap(lob.Database, err, "scan order")
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, lob.Wrap(lob.Database, err, "iterate orders")
	}
	return out, nil
}

func (t *pgTx) SaveTrade(ctx context.Context, tr lob.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, market, price, quantity, amount, maker_order_id,
		                     taker_order_id, maker_account_id, taker_account_id,
		                     taker_side, sequence, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO NOTHING`,
		tr.ID, tr.Market, tr.Price, tr.Quantity, tr.Amount, tr.MakerOrderID,
		tr.TakerOrderID, tr.MakerAccountID, tr.TakerAccountID,
		tr.TakerSide.String(), int64(tr.Sequence), tr.ExecutedAt)
	if err != nil {
		return lob.Wrap(lob.Database, err, "insert trade")
	}
	return nil
}

func (t *pgTx) ListTrades(ctx context.Context, market string, limit int) ([]lob.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.Query(ctx,
		`SELECT id, market, price, quantity, amount, maker_order_id, taker_order_id,
		        maker_account_id, taker_account_id, taker_side, sequence, executed_at
		   FROM trades
		  WHERE $1 = '' OR market = $1
		  ORDER BY executed_at DESC, sequence DESC LIMIT $2`,
		market, limit)
	if err != nil {
		return nil, lob.Wrap(lob.Database, err, "select trades")
	}
	defer rows.Close()

	var out []lob.Trade
	for rows.Next() {
		var tr lob.Trade
		var side string
		var seq int64
		if err := rows.Scan(&tr.ID, &tr.Market, &tr.Price, &tr.Quantity, &tr.Amount,
			&tr.MakerOrderID, &tr.TakerOrderID, &tr.MakerAccountID, &tr.TakerAccountID,
			&side, &seq, &tr.ExecutedAt); err != nil {
			return nil, lob.Wrap(lob.Database, err, "scan trade")
		}
		tr.Sequence = uint64(seq)
		if err := tr.TakerSide.UnmarshalJSON([]byte(`"` + side + `"`)); err != nil {
			return nil, lob.Wrap(lob.Database, err, "decode trade side")
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, lob.Wrap(lob.Database, err, "iterate trades")
	}
	return out, nil
}
