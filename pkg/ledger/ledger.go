package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lobx/lobx/pkg/lob"
)

// reservation tracks the funds locked for one open order. consumed
// grows as trades settle so the final release is reserved - consumed.
type reservation struct {
	asset    string
	reserved decimal.Decimal
	consumed decimal.Decimal
}

// Ledger is the account and balance service. Per-account mutexes
// serialize mutations; multi-account operations acquire the locks in
// lexicographic account-id order so they never deadlock.
type Ledger struct {
	store  Store
	logger *zap.Logger

	locks        sync.Map // uuid.UUID -> *sync.Mutex
	mu           sync.Mutex
	reservations map[uuid.UUID]*reservation // order id -> live reservation
}

// New creates a ledger backed by the given store.
func New(store Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:        store,
		logger:       logger,
		reservations: make(map[uuid.UUID]*reservation),
	}
}

func (l *Ledger) lock(account uuid.UUID) *sync.Mutex {
	m, _ := l.locks.LoadOrStore(account, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// lockAccounts acquires the per-account mutexes for the given ids in
// lexicographic order, deduplicating so self-trades lock once. The
// returned func releases them in reverse order.
func (l *Ledger) lockAccounts(ids ...uuid.UUID) func() {
	seen := make(map[uuid.UUID]bool, len(ids))
	uniq := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	sort.Slice(uniq, func(i, j int) bool {
		return strings.Compare(uniq[i].String(), uniq[j].String()) < 0
	})
	for _, id := range uniq {
		l.lock(id).Lock()
	}
	return func() {
		for i := len(uniq) - 1; i >= 0; i-- {
			l.lock(uniq[i]).Unlock()
		}
	}
}

// CreateAccount registers a new empty account.
func (l *Ledger) CreateAccount(ctx context.Context) (Account, error) {
	now := time.Now().UTC()
	a := Account{ID: uuid.New(), CreatedAt: now, UpdatedAt: now}

	tx, err := l.store.Begin(ctx)
	if err != nil {
		return Account{}, lob.Wrap(lob.Database, err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := tx.CreateAccount(ctx, a); err != nil {
		return Account{}, lob.Wrap(lob.Database, err, "create account")
	}
	if err := tx.Commit(ctx); err != nil {
		return Account{}, lob.Wrap(lob.Database, err, "commit account")
	}

	l.logger.Info("account created", zap.String("account_id", a.ID.String()))
	return a, nil
}

// GetAccount returns an account by id.
func (l *Ledger) GetAccount(ctx context.Context, id uuid.UUID) (Account, error) {
	tx, err := l.store.Begin(ctx)
	if err != nil {
		return Account{}, lob.Wrap(lob.Database, err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	return tx.GetAccount(ctx, id)
}

// GetBalance returns one balance. An account that exists but has never
// touched the asset gets a zero balance, not an error.
func (l *Ledger) GetBalance(ctx context.Context, account uuid.UUID, asset string) (Balance, error) {
	tx, err := l.store.Begin(ctx)
	if err != nil {
		return Balance{}, lob.Wrap(lob.Database, err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.GetAccount(ctx, account); err != nil {
		return Balance{}, err
	}
	b, err := tx.GetBalance(ctx, account, asset)
	if lob.IsKind(err, lob.NotFound) {
		return Balance{AccountID: account, Asset: asset}, nil
	}
	return b, err
}

// GetBalances returns all non-zero balances of an account.
func (l *Ledger) GetBalances(ctx context.Context, account uuid.UUID) ([]Balance, error) {
	tx, err := l.store.Begin(ctx)
	if err != nil {
		return nil, lob.Wrap(lob.Database, err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.GetAccount(ctx, account); err != nil {
		return nil, err
	}
	return tx.ListBalances(ctx, account)
}

// Deposit credits available funds.
func (l *Ledger) Deposit(ctx context.Context, account uuid.UUID, asset string, amount decimal.Decimal) (Balance, error) {
	if !amount.IsPositive() {
		return Balance{}, lob.E(lob.InvalidOrder, "deposit amount must be positive")
	}

	unlock := l.lockAccounts(account)
	defer unlock()

	var out Balance
	err := l.inTx(ctx, func(tx Tx) error {
		b, err := l.balanceForUpdate(ctx, tx, account, asset)
		if err != nil {
			return err
		}
		b.Total = b.Total.Add(amount)
		b.Available = b.Available.Add(amount)
		b.UpdatedAt = time.Now().UTC()
		out = b
		return tx.UpsertBalance(ctx, b)
	})
	if err != nil {
		return Balance{}, err
	}

	l.logger.Debug("deposit",
		zap.String("account_id", account.String()),
		zap.String("asset", asset),
		zap.String("amount", amount.String()))
	return out, nil
}

// Withdraw debits available funds. Locked funds are not withdrawable.
func (l *Ledger) Withdraw(ctx context.Context, account uuid.UUID, asset string, amount decimal.Decimal) (Balance, error) {
	if !amount.IsPositive() {
		return Balance{}, lob.E(lob.InvalidOrder, "withdrawal amount must be positive")
	}

	unlock := l.lockAccounts(account)
	defer unlock()

	var out Balance
	err := l.inTx(ctx, func(tx Tx) error {
		b, err := l.balanceForUpdate(ctx, tx, account, asset)
		if err != nil {
			return err
		}
		if b.Available.LessThan(amount) {
			return lob.Ef(lob.InsufficientBalance,
				"withdraw %s %s: available %s", amount, asset, b.Available)
		}
		b.Total = b.Total.Sub(amount)
		b.Available = b.Available.Sub(amount)
		b.UpdatedAt = time.Now().UTC()
		out = b
		return tx.UpsertBalance(ctx, b)
	})
	if err != nil {
		return Balance{}, err
	}

	l.logger.Debug("withdrawal",
		zap.String("account_id", account.String()),
		zap.String("asset", asset),
		zap.String("amount", amount.String()))
	return out, nil
}

// ReserveForOrder locks the funds an order can spend: price x quantity
// of quote for a limit buy, quantity of base for any sell. Market buys
// have no price bound and must go through ReserveMarketBuy.
func (l *Ledger) ReserveForOrder(ctx context.Context, o lob.Order) error {
	base, quote, err := splitMarket(o.Market)
	if err != nil {
		return err
	}

	var asset string
	var amount decimal.Decimal
	switch {
	case o.Side == lob.Sell:
		asset, amount = base, o.Quantity
	case o.Type == lob.TypeLimit:
		asset, amount = quote, o.Price.Mul(o.Quantity)
	default:
		return lob.E(lob.InvalidOrder, "market buy requires an explicit cost cap")
	}
	return l.reserve(ctx, o.ID, o.AccountID, asset, amount)
}

// ReserveMarketBuy locks a caller-computed quote cost cap for a market
// buy order.
func (l *Ledger) ReserveMarketBuy(ctx context.Context, o lob.Order, cost decimal.Decimal) error {
	if o.Side != lob.Buy || o.Type != lob.TypeMarket {
		return lob.E(lob.InvalidOrder, "not a market buy order")
	}
	if !cost.IsPositive() {
		return lob.E(lob.InvalidOrder, "market buy cost cap must be positive")
	}
	_, quote, err := splitMarket(o.Market)
	if err != nil {
		return err
	}
	return l.reserve(ctx, o.ID, o.AccountID, quote, cost)
}

func (l *Ledger) reserve(ctx context.Context, order, account uuid.UUID, asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return lob.Ef(lob.InvalidOrder, "reservation amount %s must be positive", amount)
	}

	unlock := l.lockAccounts(account)
	defer unlock()

	l.mu.Lock()
	_, dup := l.reservations[order]
	l.mu.Unlock()
	if dup {
		return lob.Ef(lob.InvalidState, "order %s already has a reservation", order)
	}

	err := l.inTx(ctx, func(tx Tx) error {
		if _, err := tx.GetAccount(ctx, account); err != nil {
			return err
		}
		b, err := l.balanceForUpdate(ctx, tx, account, asset)
		if err != nil {
			return err
		}
		if b.Available.LessThan(amount) {
			return lob.Ef(lob.InsufficientBalance,
				"reserve %s %s: available %s", amount, asset, b.Available)
		}
		b.Available = b.Available.Sub(amount)
		b.Locked = b.Locked.Add(amount)
		b.UpdatedAt = time.Now().UTC()
		return tx.UpsertBalance(ctx, b)
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.reservations[order] = &reservation{asset: asset, reserved: amount}
	l.mu.Unlock()
	return nil
}

// ReleaseReserved unlocks the reservation's unconsumed remainder and
// retires it. The amount comes from the reservation record, not the
// order snapshot, so the release is exact no matter how many fills or
// compensations happened since the reserve: reserved minus what
// settlement consumed. For a limit buy filled below its price that
// includes the price-improvement residual. Releasing an order with no
// live reservation is a no-op so cancel and fill paths can both call
// it.
func (l *Ledger) ReleaseReserved(ctx context.Context, o lob.Order) error {
	l.mu.Lock()
	r, ok := l.reservations[o.ID]
	var amount decimal.Decimal
	if ok {
		amount = r.reserved.Sub(r.consumed)
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}

	if amount.IsPositive() {
		unlock := l.lockAccounts(o.AccountID)
		defer unlock()

		err := l.inTx(ctx, func(tx Tx) error {
			b, err := l.balanceForUpdate(ctx, tx, o.AccountID, r.asset)
			if err != nil {
				return err
			}
			if b.Locked.LessThan(amount) {
				return lob.Ef(lob.Internal,
					"release %s %s for order %s: locked %s", amount, r.asset, o.ID, b.Locked)
			}
			b.Locked = b.Locked.Sub(amount)
			b.Available = b.Available.Add(amount)
			b.UpdatedAt = time.Now().UTC()
			return tx.UpsertBalance(ctx, b)
		})
		if err != nil {
			return err
		}
	}

	l.mu.Lock()
	delete(l.reservations, o.ID)
	l.mu.Unlock()
	return nil
}

// SettleTrade moves funds for one execution: the buyer pays
// price x quantity of quote from locked funds and receives quantity of
// base; the seller pays quantity of base from locked funds and
// receives price x quantity of quote. All four deltas commit in one
// storage transaction together with the trade record.
func (l *Ledger) SettleTrade(ctx context.Context, t lob.Trade) error {
	base, quote, err := splitMarket(t.Market)
	if err != nil {
		return err
	}

	buyer, seller := t.MakerAccountID, t.TakerAccountID
	buyOrder, sellOrder := t.MakerOrderID, t.TakerOrderID
	if t.TakerSide == lob.Buy {
		buyer, seller = t.TakerAccountID, t.MakerAccountID
		buyOrder, sellOrder = t.TakerOrderID, t.MakerOrderID
	}
	cost := t.Amount

	unlock := l.lockAccounts(buyer, seller)
	defer unlock()

	err = l.inTx(ctx, func(tx Tx) error {
		bq, err := l.balanceForUpdate(ctx, tx, buyer, quote)
		if err != nil {
			return err
		}
		if bq.Locked.LessThan(cost) {
			return lob.Ef(lob.Internal,
				"settle trade %s: buyer locked %s %s, need %s", t.ID, bq.Locked, quote, cost)
		}
		sb, err := l.balanceForUpdate(ctx, tx, seller, base)
		if err != nil {
			return err
		}
		if sb.Locked.LessThan(t.Quantity) {
			return lob.Ef(lob.Internal,
				"settle trade %s: seller locked %s %s, need %s", t.ID, sb.Locked, base, t.Quantity)
		}
		bb, err := l.balanceForUpdate(ctx, tx, buyer, base)
		if err != nil {
			return err
		}
		sq, err := l.balanceForUpdate(ctx, tx, seller, quote)
		if err != nil {
			return err
		}

		now := time.Now().UTC()

		bq.Locked = bq.Locked.Sub(cost)
		bq.Total = bq.Total.Sub(cost)
		bq.UpdatedAt = now

		sb.Locked = sb.Locked.Sub(t.Quantity)
		sb.Total = sb.Total.Sub(t.Quantity)
		sb.UpdatedAt = now

		bb.Available = bb.Available.Add(t.Quantity)
		bb.Total = bb.Total.Add(t.Quantity)
		bb.UpdatedAt = now

		sq.Available = sq.Available.Add(cost)
		sq.Total = sq.Total.Add(cost)
		sq.UpdatedAt = now

		// Self-trade: both legs hit the same rows, so fold the deltas
		// into a single write per (account, asset).
		if buyer == seller {
			bq.Available = bq.Available.Add(cost)
			bq.Total = bq.Total.Add(cost)
			sq = bq
			bb.Locked = bb.Locked.Sub(t.Quantity)
			bb.Total = bb.Total.Sub(t.Quantity)
			sb = bb
		}

		for _, b := range []Balance{bq, sb, bb, sq} {
			if err := tx.UpsertBalance(ctx, b); err != nil {
				return err
			}
		}
		return tx.SaveTrade(ctx, t)
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	if r, ok := l.reservations[buyOrder]; ok {
		r.consumed = r.consumed.Add(cost)
	}
	if r, ok := l.reservations[sellOrder]; ok {
		r.consumed = r.consumed.Add(t.Quantity)
	}
	l.mu.Unlock()

	l.logger.Debug("trade settled",
		zap.String("trade_id", t.ID.String()),
		zap.String("market", t.Market),
		zap.String("price", t.Price.String()),
		zap.String("quantity", t.Quantity.String()))
	return nil
}

// UnsettleTrade reverses a previously settled trade. It exists for the
// settlement-failure unwind path, where earlier trades of a placement
// must be compensated after a later one fails.
func (l *Ledger) UnsettleTrade(ctx context.Context, t lob.Trade) error {
	base, quote, err := splitMarket(t.Market)
	if err != nil {
		return err
	}

	buyer, seller := t.MakerAccountID, t.TakerAccountID
	buyOrder, sellOrder := t.MakerOrderID, t.TakerOrderID
	if t.TakerSide == lob.Buy {
		buyer, seller = t.TakerAccountID, t.MakerAccountID
		buyOrder, sellOrder = t.TakerOrderID, t.MakerOrderID
	}
	cost := t.Amount

	unlock := l.lockAccounts(buyer, seller)
	defer unlock()

	err = l.inTx(ctx, func(tx Tx) error {
		bq, err := l.balanceForUpdate(ctx, tx, buyer, quote)
		if err != nil {
			return err
		}
		sb, err := l.balanceForUpdate(ctx, tx, seller, base)
		if err != nil {
			return err
		}
		bb, err := l.balanceForUpdate(ctx, tx, buyer, base)
		if err != nil {
			return err
		}
		sq, err := l.balanceForUpdate(ctx, tx, seller, quote)
		if err != nil {
			return err
		}

		now := time.Now().UTC()

		bq.Locked = bq.Locked.Add(cost)
		bq.Total = bq.Total.Add(cost)
		bq.UpdatedAt = now

		sb.Locked = sb.Locked.Add(t.Quantity)
		sb.Total = sb.Total.Add(t.Quantity)
		sb.UpdatedAt = now

		bb.Available = bb.Available.Sub(t.Quantity)
		bb.Total = bb.Total.Sub(t.Quantity)
		bb.UpdatedAt = now

		sq.Available = sq.Available.Sub(cost)
		sq.Total = sq.Total.Sub(cost)
		sq.UpdatedAt = now

		if buyer == seller {
			bq.Available = bq.Available.Sub(cost)
			bq.Total = bq.Total.Sub(cost)
			sq = bq
			bb.Locked = bb.Locked.Add(t.Quantity)
			bb.Total = bb.Total.Add(t.Quantity)
			sb = bb
		}

		for _, b := range []Balance{bq, sb, bb, sq} {
			if b.Available.IsNegative() || b.Locked.IsNegative() {
				return lob.Ef(lob.Internal, "unsettle trade %s: negative balance", t.ID)
			}
			if err := tx.UpsertBalance(ctx, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	if r, ok := l.reservations[buyOrder]; ok {
		r.consumed = r.consumed.Sub(cost)
	}
	if r, ok := l.reservations[sellOrder]; ok {
		r.consumed = r.consumed.Sub(t.Quantity)
	}
	l.mu.Unlock()
	return nil
}

// SaveOrder persists an order snapshot for history queries.
func (l *Ledger) SaveOrder(ctx context.Context, o lob.Order) error {
	return l.inTx(ctx, func(tx Tx) error {
		return tx.SaveOrder(ctx, o)
	})
}

// inTx runs fn inside a storage transaction, committing on success.
func (l *Ledger) inTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := l.store.Begin(ctx)
	if err != nil {
		return lob.Wrap(lob.Database, err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return lob.Wrap(lob.Database, err, "commit transaction")
	}
	return nil
}

// balanceForUpdate loads a balance inside tx, treating a missing row
// as a zero balance.
func (l *Ledger) balanceForUpdate(ctx context.Context, tx Tx, account uuid.UUID, asset string) (Balance, error) {
	b, err := tx.GetBalance(ctx, account, asset)
	if lob.IsKind(err, lob.NotFound) {
		return Balance{AccountID: account, Asset: asset}, nil
	}
	return b, err
}

// splitMarket derives the base and quote assets from a BASE/QUOTE
// symbol.
func splitMarket(symbol string) (base, quote string, err error) {
	i := strings.IndexByte(symbol, '/')
	if i <= 0 || i == len(symbol)-1 {
		return "", "", lob.Ef(lob.InvalidOrder, "malformed market symbol %q", symbol)
	}
	return symbol[:i], symbol[i+1:], nil
}
