package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/lobx/lobx/pkg/lob"
)

type balanceKey struct {
	account uuid.UUID
	asset   string
}

// MemStore is an in-memory Store for tests and single-node operation.
// Transactions buffer their writes and apply them under the store
// mutex on commit, so a rolled-back transaction leaves no trace.
type MemStore struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]Account
	balances map[balanceKey]Balance
	markets  map[string]lob.Market
	orders   map[uuid.UUID]lob.Order
	trades   map[uuid.UUID]lob.Trade
	tradeSeq []uuid.UUID
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		accounts: make(map[uuid.UUID]Account),
		balances: make(map[balanceKey]Balance),
		markets:  make(map[string]lob.Market),
		orders:   make(map[uuid.UUID]lob.Order),
		trades:   make(map[uuid.UUID]lob.Trade),
	}
}

// Begin starts a buffered transaction.
func (s *MemStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memTx{store: s}, nil
}

type memTx struct {
	store *MemStore
	done  bool

	accounts map[uuid.UUID]Account
	balances map[balanceKey]Balance
	markets  map[string]lob.Market
	orders   map[uuid.UUID]lob.Order
	trades   []lob.Trade
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, a := range t.accounts {
		s.accounts[id] = a
	}
	for k, b := range t.balances {
		s.balances[k] = b
	}
	for sym, m := range t.markets {
		s.markets[sym] = m
	}
	for id, o := range t.orders {
		s.orders[id] = o
	}
	for _, tr := range t.trades {
		if _, ok := s.trades[tr.ID]; !ok {
			s.tradeSeq = append(s.tradeSeq, tr.ID)
		}
		s.trades[tr.ID] = tr
	}
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	t.done = true
	return nil
}

func (t *memTx) CreateAccount(ctx context.Context, a Account) error {
	t.store.mu.RLock()
	_, exists := t.store.accounts[a.ID]
	t.store.mu.RUnlock()
	if exists {
		return lob.Ef(lob.InvalidState, "account %s already exists", a.ID)
	}
	if t.accounts == nil {
		t.accounts = make(map[uuid.UUID]Account)
	}
	t.accounts[a.ID] = a
	return nil
}

func (t *memTx) GetAccount(ctx context.Context, id uuid.UUID) (Account, error) {
	if a, ok := t.accounts[id]; ok {
		return a, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	a, ok := t.store.accounts[id]
	if !ok {
		return Account{}, lob.Ef(lob.NotFound, "account %s not found", id)
	}
	return a, nil
}

func (t *memTx) GetBalance(ctx context.Context, account uuid.UUID, asset string) (Balance, error) {
	k := balanceKey{account: account, asset: asset}
	if b, ok := t.balances[k]; ok {
		return b, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	b, ok := t.store.balances[k]
	if !ok {
		return Balance{}, lob.Ef(lob.NotFound, "no %s balance for account %s", asset, account)
	}
	return b, nil
}

func (t *memTx) ListBalances(ctx context.Context, account uuid.UUID) ([]Balance, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	out := make([]Balance, 0)
	for k, b := range t.store.balances {
		if k.account != account {
			continue
		}
		if tb, ok := t.balances[k]; ok {
			b = tb
		}
		out = append(out, b)
	}
	for k, b := range t.balances {
		if k.account != account {
			continue
		}
		if _, ok := t.store.balances[k]; !ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (t *memTx) UpsertBalance(ctx context.Context, b Balance) error {
	if t.balances == nil {
		t.balances = make(map[balanceKey]Balance)
	}
	t.balances[balanceKey{account: b.AccountID, asset: b.Asset}] = b
	return nil
}

func (t *memTx) SaveOrder(ctx context.Context, o lob.Order) error {
	if t.orders == nil {
		t.orders = make(map[uuid.UUID]lob.Order)
	}
	t.orders[o.ID] = o
	return nil
}

func (t *memTx) SaveMarket(ctx context.Context, m lob.Market) error {
	if t.markets == nil {
		t.markets = make(map[string]lob.Market)
	}
	t.markets[m.Symbol] = m
	return nil
}

func (t *memTx) ListMarkets(ctx context.Context) ([]lob.Market, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	out := make([]lob.Market, 0, len(t.store.markets))
	for _, m := range t.store.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (t *memTx) GetOrder(ctx context.Context, id uuid.UUID) (lob.Order, error) {
	if o, ok := t.orders[id]; ok {
		return o, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	o, ok := t.store.orders[id]
	if !ok {
		return lob.Order{}, lob.Ef(lob.NotFound, "order %s not found", id)
	}
	return o, nil
}

func (t *memTx) ListOrders(ctx context.Context, account uuid.UUID, market string, limit int) ([]lob.Order, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	out := make([]lob.Order, 0)
	for _, o := range t.store.orders {
		if o.AccountID == account && (market == "" || o.Market == market) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) SaveTrade(ctx context.Context, tr lob.Trade) error {
	t.trades = append(t.trades, tr)
	return nil
}

func (t *memTx) ListTrades(ctx context.Context, market string, limit int) ([]lob.Trade, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	out := make([]lob.Trade, 0)
	for i := len(t.store.tradeSeq) - 1; i >= 0; i-- {
		tr := t.store.trades[t.store.tradeSeq[i]]
		if market == "" || tr.Market == market {
			out = append(out, tr)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
