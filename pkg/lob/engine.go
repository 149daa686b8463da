package lob

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine routes orders to per-market books. Books never share state,
// so different markets match in parallel; the engine mutex only
// guards the market map itself.
type Engine struct {
	mu     sync.RWMutex
	books  map[string]*Book
	logger *zap.Logger

	// Resting order id -> market symbol, for cancel/get without a
	// market hint. Routing only: the authoritative index lives in the
	// book.
	orderMarkets sync.Map
}

// NewEngine creates an engine with no markets registered.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		books:  make(map[string]*Book),
		logger: logger,
	}
}

// RegisterMarket creates an empty book for the market. Registering an
// existing symbol again is a no-op; a malformed spec is rejected.
func (e *Engine) RegisterMarket(m Market) error {
	if err := m.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.books[m.Symbol]; ok {
		return nil
	}
	e.books[m.Symbol] = NewBook(m)
	e.logger.Info("market registered",
		zap.String("market", m.Symbol),
		zap.String("tick_size", m.TickSize.String()),
		zap.String("step_size", m.StepSize.String()))
	return nil
}

// Book returns the order book of a market.
func (e *Engine) Book(market string) (*Book, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	b, ok := e.books[market]
	if !ok {
		return nil, Ef(NotFound, "market %s not found", market)
	}
	return b, nil
}

// Markets returns the registered market specs, sorted by symbol.
func (e *Engine) Markets() []Market {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Market, 0, len(e.books))
	for _, b := range e.books {
		out = append(out, b.market)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// PlaceOrder submits an order for immediate matching and possible
// resting on its market's book.
func (e *Engine) PlaceOrder(o Order) (MatchResult, error) {
	b, err := e.Book(o.Market)
	if err != nil {
		return MatchResult{}, err
	}

	res, err := b.Place(o)
	if err != nil {
		return MatchResult{}, err
	}

	if !res.Taker.Status.Terminal() {
		e.orderMarkets.Store(res.Taker.ID, o.Market)
	}
	for _, m := range res.Makers {
		if m.Status.Terminal() {
			e.orderMarkets.Delete(m.ID)
		}
	}
	return res, nil
}

// CancelOrder removes a resting order from its book and returns its
// final snapshot.
func (e *Engine) CancelOrder(id uuid.UUID) (Order, error) {
	market, ok := e.orderMarkets.Load(id)
	if !ok {
		return Order{}, Ef(NotFound, "order %s not found", id)
	}
	b, err := e.Book(market.(string))
	if err != nil {
		return Order{}, err
	}

	o, err := b.Cancel(id)
	if err != nil {
		return Order{}, err
	}
	e.orderMarkets.Delete(id)
	return o, nil
}

// GetOrder returns a snapshot of a resting order.
func (e *Engine) GetOrder(id uuid.UUID) (Order, error) {
	market, ok := e.orderMarkets.Load(id)
	if !ok {
		return Order{}, Ef(NotFound, "order %s not found", id)
	}
	b, err := e.Book(market.(string))
	if err != nil {
		return Order{}, err
	}
	return b.Order(id)
}

// MarketDepth returns the top n aggregated levels of each side of a
// market's book.
func (e *Engine) MarketDepth(market string, n int) (bids, asks []Level, err error) {
	b, err := e.Book(market)
	if err != nil {
		return nil, nil, err
	}
	bids, asks = b.Depth(n)
	return bids, asks, nil
}

// Unwind reverses the book mutations of a previous placement on the
// order's market.
func (e *Engine) Unwind(res MatchResult) {
	b, err := e.Book(res.Taker.Market)
	if err != nil {
		return
	}
	b.Unwind(res)
	if !res.Taker.Status.Terminal() {
		e.orderMarkets.Delete(res.Taker.ID)
	}
	for _, m := range res.Makers {
		if m.Status.Terminal() {
			e.orderMarkets.Store(m.ID, res.Taker.Market)
		}
	}
}
