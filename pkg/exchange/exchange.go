// Package exchange orchestrates order flow across the matching
// engine, the account ledger and the market data service.
package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lobx/lobx/pkg/ledger"
	"github.com/lobx/lobx/pkg/lob"
	"github.com/lobx/lobx/pkg/marketdata"
	"github.com/lobx/lobx/pkg/metrics"
)

// depthLevels is how many levels each published depth snapshot carries.
const depthLevels = 20

// marketBuySlippage pads the best-ask cost estimate when reserving for
// a market buy, so the order can sweep a few levels past the top.
var marketBuySlippage = decimal.NewFromFloat(1.05)

// Exchange is the trading facade. A placement reserves funds, matches,
// settles every resulting trade and publishes market data; if any
// settlement fails the book mutations are unwound so the ledger and
// the book never diverge.
type Exchange struct {
	engine  *lob.Engine
	ledger  *ledger.Ledger
	store   ledger.Store
	md      *marketdata.Service
	metrics *metrics.Metrics
	logger  *zap.Logger

	// Per-market mutexes covering the match-settle-release window of a
	// placement. No other placement or cancel may touch the book while
	// a settlement that could still unwind is in flight.
	placeLocks sync.Map // market -> *sync.Mutex
}

// New wires an exchange from its parts. metrics may be nil.
func New(engine *lob.Engine, led *ledger.Ledger, store ledger.Store, md *marketdata.Service, m *metrics.Metrics, logger *zap.Logger) *Exchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exchange{
		engine:  engine,
		ledger:  led,
		store:   store,
		md:      md,
		metrics: m,
		logger:  logger,
	}
}

// RegisterMarket lists a market on the engine and the market data
// service and persists the listing.
func (x *Exchange) RegisterMarket(ctx context.Context, m lob.Market) error {
	if err := x.engine.RegisterMarket(m); err != nil {
		return err
	}
	x.md.RegisterMarket(m.Symbol)

	tx, err := x.store.Begin(ctx)
	if err != nil {
		return lob.Wrap(lob.Database, err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	if err := tx.SaveMarket(ctx, m); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RestoreMarkets relists every persisted market, typically at boot.
func (x *Exchange) RestoreMarkets(ctx context.Context) error {
	tx, err := x.store.Begin(ctx)
	if err != nil {
		return lob.Wrap(lob.Database, err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	markets, err := tx.ListMarkets(ctx)
	if err != nil {
		return err
	}
	for _, m := range markets {
		if err := x.engine.RegisterMarket(m); err != nil {
			return err
		}
		x.md.RegisterMarket(m.Symbol)
	}
	return nil
}

// Markets returns the listed market specs.
func (x *Exchange) Markets() []lob.Market { return x.engine.Markets() }

// PlaceOrder runs the full placement pipeline: reserve, match, settle,
// release, publish. The returned MatchResult carries the final taker
// snapshot and every trade executed.
func (x *Exchange) PlaceOrder(ctx context.Context, o lob.Order) (lob.MatchResult, error) {
	start := time.Now()

	// Resolve the market before touching funds.
	if _, err := x.engine.Book(o.Market); err != nil {
		x.reject(o.Market, err)
		return lob.MatchResult{}, err
	}

	if err := x.reserve(ctx, o); err != nil {
		x.reject(o.Market, err)
		return lob.MatchResult{}, err
	}

	mu := x.marketLock(o.Market)
	mu.Lock()

	res, err := x.engine.PlaceOrder(o)
	if err != nil {
		mu.Unlock()
		// Validation failed after funds were locked; put them back.
		if rerr := x.ledger.ReleaseReserved(ctx, o); rerr != nil {
			x.logger.Error("release after rejected order failed",
				zap.String("order_id", o.ID.String()), zap.Error(rerr))
		}
		x.reject(o.Market, err)
		return lob.MatchResult{}, err
	}

	for i, t := range res.Trades {
		if err := x.ledger.SettleTrade(ctx, t); err != nil {
			x.unwind(ctx, o, res, i, err)
			mu.Unlock()
			return lob.MatchResult{}, lob.Wrap(lob.KindOf(err), err, "settlement failed, placement unwound")
		}
	}

	if res.Taker.Status.Terminal() {
		if err := x.ledger.ReleaseReserved(ctx, res.Taker); err != nil {
			x.logger.Error("release taker remainder failed",
				zap.String("order_id", res.Taker.ID.String()), zap.Error(err))
		}
	}
	for _, m := range res.Makers {
		if m.Status.Terminal() {
			if err := x.ledger.ReleaseReserved(ctx, m); err != nil {
				x.logger.Error("release filled maker failed",
					zap.String("order_id", m.ID.String()), zap.Error(err))
			}
		}
	}
	mu.Unlock()

	x.persistResult(ctx, res)
	x.publish(res)
	x.observePlacement(res, start)

	return res, nil
}

func (x *Exchange) marketLock(market string) *sync.Mutex {
	m, _ := x.placeLocks.LoadOrStore(market, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// reserve locks the funds the order can spend. Market buys are capped
// at the best-ask notional padded for slippage; an empty opposite book
// rejects the order outright.
func (x *Exchange) reserve(ctx context.Context, o lob.Order) error {
	if o.Type == lob.TypeMarket && o.Side == lob.Buy {
		book, err := x.engine.Book(o.Market)
		if err != nil {
			return err
		}
		bestAsk, ok := book.BestAsk()
		if !ok {
			return lob.Ef(lob.InvalidOrder, "market buy on %s: no asks to price against", o.Market)
		}
		cost := bestAsk.Mul(o.Quantity).Mul(marketBuySlippage)
		return x.ledger.ReserveMarketBuy(ctx, o, cost)
	}
	return x.ledger.ReserveForOrder(ctx, o)
}

// unwind reverses a partially settled placement: trades before the
// failed one are unsettled newest first, the book mutations are rolled
// back, and the taker's reservation is released in full.
func (x *Exchange) unwind(ctx context.Context, o lob.Order, res lob.MatchResult, failed int, cause error) {
	x.logger.Error("settlement failed, unwinding placement",
		zap.String("order_id", o.ID.String()),
		zap.String("market", o.Market),
		zap.Int("settled_trades", failed),
		zap.Error(cause))
	if x.metrics != nil {
		x.metrics.SettleFailures.Inc()
	}

	for i := failed - 1; i >= 0; i-- {
		if err := x.ledger.UnsettleTrade(ctx, res.Trades[i]); err != nil {
			x.logger.Error("compensating settlement failed",
				zap.String("trade_id", res.Trades[i].ID.String()), zap.Error(err))
		}
	}
	x.engine.Unwind(res)

	// The original order spent nothing after the unwind; release the
	// whole reservation.
	if err := x.ledger.ReleaseReserved(ctx, o); err != nil {
		x.logger.Error("release after unwind failed",
			zap.String("order_id", o.ID.String()), zap.Error(err))
	}
	if x.metrics != nil {
		x.trackResting(o.Market)
	}
}

// CancelOrder removes a resting order and releases its residual
// reservation.
func (x *Exchange) CancelOrder(ctx context.Context, id uuid.UUID) (lob.Order, error) {
	// Resolve the market first so the cancel can hold its placement
	// lock; a raced removal surfaces as NotFound either way.
	live, err := x.engine.GetOrder(id)
	if err != nil {
		return lob.Order{}, err
	}

	mu := x.marketLock(live.Market)
	mu.Lock()
	o, err := x.engine.CancelOrder(id)
	if err != nil {
		mu.Unlock()
		return lob.Order{}, err
	}
	if err := x.ledger.ReleaseReserved(ctx, o); err != nil {
		x.logger.Error("release on cancel failed",
			zap.String("order_id", o.ID.String()), zap.Error(err))
	}
	mu.Unlock()

	if err := x.ledger.SaveOrder(ctx, o); err != nil {
		x.logger.Warn("persist canceled order failed",
			zap.String("order_id", o.ID.String()), zap.Error(err))
	}

	if bids, asks, derr := x.engine.MarketDepth(o.Market, depthLevels); derr == nil {
		x.md.OnDepth(o.Market, bids, asks)
	}
	if x.metrics != nil {
		x.metrics.OrdersCanceled.WithLabelValues(o.Market).Inc()
		x.trackResting(o.Market)
	}
	return o, nil
}

// trackResting refreshes the resting-order gauge from the book.
func (x *Exchange) trackResting(market string) {
	book, err := x.engine.Book(market)
	if err != nil {
		return
	}
	x.metrics.RestingOrders.WithLabelValues(market).Set(float64(book.OpenOrders()))
}

// GetOrder returns a live snapshot of a resting order, falling back to
// the stored snapshot for terminal orders.
func (x *Exchange) GetOrder(ctx context.Context, id uuid.UUID) (lob.Order, error) {
	if o, err := x.engine.GetOrder(id); err == nil {
		return o, nil
	}

	tx, err := x.store.Begin(ctx)
	if err != nil {
		return lob.Order{}, lob.Wrap(lob.Database, err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	return tx.GetOrder(ctx, id)
}

// ListOrders returns an account's order history, newest first.
func (x *Exchange) ListOrders(ctx context.Context, account uuid.UUID, market string, limit int) ([]lob.Order, error) {
	tx, err := x.store.Begin(ctx)
	if err != nil {
		return nil, lob.Wrap(lob.Database, err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	return tx.ListOrders(ctx, account, market, limit)
}

// ListTrades returns a market's settled trade history, newest first.
func (x *Exchange) ListTrades(ctx context.Context, market string, limit int) ([]lob.Trade, error) {
	tx, err := x.store.Begin(ctx)
	if err != nil {
		return nil, lob.Wrap(lob.Database, err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	return tx.ListTrades(ctx, market, limit)
}

// persistResult stores the post-match snapshots of every touched order.
func (x *Exchange) persistResult(ctx context.Context, res lob.MatchResult) {
	if err := x.ledger.SaveOrder(ctx, res.Taker); err != nil {
		x.logger.Warn("persist taker failed",
			zap.String("order_id", res.Taker.ID.String()), zap.Error(err))
	}
	for _, m := range res.Makers {
		if err := x.ledger.SaveOrder(ctx, m); err != nil {
			x.logger.Warn("persist maker failed",
				zap.String("order_id", m.ID.String()), zap.Error(err))
		}
	}
}

// publish feeds the placement's trades and the fresh depth snapshot to
// the market data service.
func (x *Exchange) publish(res lob.MatchResult) {
	for _, t := range res.Trades {
		x.md.OnTrade(t)
	}
	if bids, asks, err := x.engine.MarketDepth(res.Taker.Market, depthLevels); err == nil {
		x.md.OnDepth(res.Taker.Market, bids, asks)
	}
}

func (x *Exchange) observePlacement(res lob.MatchResult, start time.Time) {
	if x.metrics == nil {
		return
	}
	market := res.Taker.Market
	x.metrics.OrdersPlaced.WithLabelValues(market, res.Taker.Side.String(), res.Taker.Type.String()).Inc()
	for _, t := range res.Trades {
		x.metrics.TradesExecuted.WithLabelValues(market).Inc()
		qty, _ := t.Quantity.Float64()
		x.metrics.TradeVolume.WithLabelValues(market).Add(qty)
	}
	x.metrics.MatchLatency.WithLabelValues(market).Observe(time.Since(start).Seconds())
	x.trackResting(market)
}

func (x *Exchange) reject(market string, err error) {
	if x.metrics == nil {
		return
	}
	x.metrics.OrdersRejected.WithLabelValues(market, lob.KindOf(err).String()).Inc()
}
