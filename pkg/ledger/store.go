// Package ledger owns multi-asset account balances and moves funds
// through reservation, release and trade settlement.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lobx/lobx/pkg/lob"
)

// Account is a fund-holding identity.
type Account struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Balance is the position of one account in one asset. The ledger
// maintains total == available + locked with both parts non-negative
// after every committed mutation.
type Balance struct {
	AccountID uuid.UUID       `json:"account_id"`
	Asset     string          `json:"asset"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is the storage port the ledger consumes. All mutations made
// between Begin and Commit are observed atomically by other
// transactions.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a single storage transaction. Implementations must make
// Rollback after Commit (and vice versa) a no-op so the usual
// defer-rollback pattern is safe.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	CreateAccount(ctx context.Context, a Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (Account, error)

	// GetBalance returns a NotFound error when the (account, asset)
	// pair has never been written.
	GetBalance(ctx context.Context, account uuid.UUID, asset string) (Balance, error)
	ListBalances(ctx context.Context, account uuid.UUID) ([]Balance, error)
	UpsertBalance(ctx context.Context, b Balance) error

	// SaveMarket records a market listing; saving an existing symbol
	// overwrites its spec.
	SaveMarket(ctx context.Context, m lob.Market) error
	ListMarkets(ctx context.Context) ([]lob.Market, error)

	SaveOrder(ctx context.Context, o lob.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (lob.Order, error)
	// ListOrders returns an account's order snapshots, newest first.
	// An empty market matches all markets.
	ListOrders(ctx context.Context, account uuid.UUID, market string, limit int) ([]lob.Order, error)

	SaveTrade(ctx context.Context, t lob.Trade) error
	// ListTrades returns a market's trades, newest first.
	ListTrades(ctx context.Context, market string, limit int) ([]lob.Trade, error)
}
