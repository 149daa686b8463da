package lob

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// priceLevel holds the resting orders at one price, FIFO by sequence
// number. A level is removed from its side the moment it empties.
type priceLevel struct {
	price  decimal.Decimal
	orders []*Order
	volume decimal.Decimal
}

// insert places the order at its sequence position. Orders arrive in
// sequence order so this is almost always an append; the scan only
// runs when an unwound maker is restored to the queue.
func (l *priceLevel) insert(o *Order) {
	n := len(l.orders)
	if n == 0 || l.orders[n-1].Sequence < o.Sequence {
		l.orders = append(l.orders, o)
	} else {
		i := sort.Search(n, func(i int) bool { return l.orders[i].Sequence > o.Sequence })
		l.orders = append(l.orders, nil)
		copy(l.orders[i+1:], l.orders[i:])
		l.orders[i] = o
	}
	l.volume = l.volume.Add(o.Remaining)
}

func (l *priceLevel) remove(id uuid.UUID) *Order {
	for i, o := range l.orders {
		if o.ID == id {
			l.orders = append(l.orders[:i], l.orders[i+1:]...)
			l.volume = l.volume.Sub(o.Remaining)
			return o
		}
	}
	return nil
}

// bookSide is one side of a book: a price-keyed level map plus a
// price slice kept sorted best-first (bids descending, asks
// ascending).
type bookSide struct {
	side   Side
	levels map[string]*priceLevel
	prices []decimal.Decimal
}

func newBookSide(side Side) *bookSide {
	return &bookSide{side: side, levels: make(map[string]*priceLevel)}
}

// better reports whether a ranks ahead of b on this side.
func (s *bookSide) better(a, b decimal.Decimal) bool {
	if s.side == Buy {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

func (s *bookSide) add(o *Order) {
	key := o.Price.String()
	lvl, ok := s.levels[key]
	if !ok {
		lvl = &priceLevel{price: o.Price}
		s.levels[key] = lvl
		i := sort.Search(len(s.prices), func(i int) bool { return !s.better(s.prices[i], o.Price) })
		s.prices = append(s.prices, decimal.Decimal{})
		copy(s.prices[i+1:], s.prices[i:])
		s.prices[i] = o.Price
	}
	lvl.insert(o)
}

// best returns the top level, or nil when the side is empty.
func (s *bookSide) best() *priceLevel {
	if len(s.prices) == 0 {
		return nil
	}
	return s.levels[s.prices[0].String()]
}

// remove takes the order out of its level and drops the level if it
// empties.
func (s *bookSide) remove(o *Order) *Order {
	key := o.Price.String()
	lvl, ok := s.levels[key]
	if !ok {
		return nil
	}
	removed := lvl.remove(o.ID)
	if removed != nil && len(lvl.orders) == 0 {
		delete(s.levels, key)
		for i, p := range s.prices {
			if p.Equal(o.Price) {
				s.prices = append(s.prices[:i], s.prices[i+1:]...)
				break
			}
		}
	}
	return removed
}

// addQuantity credits remaining quantity back to a resting order's
// level total. Used only when unwinding fills.
func (s *bookSide) addQuantity(o *Order, q decimal.Decimal) {
	if lvl, ok := s.levels[o.Price.String()]; ok {
		lvl.volume = lvl.volume.Add(q)
	}
}

func (s *bookSide) depth(n int) []Level {
	if n <= 0 || n > len(s.prices) {
		n = len(s.prices)
	}
	out := make([]Level, 0, n)
	for _, p := range s.prices[:n] {
		lvl := s.levels[p.String()]
		out = append(out, Level{Price: lvl.price, Quantity: lvl.volume})
	}
	return out
}

// Book is the limit order book of a single market. The book
// exclusively owns its resting orders; every mutating operation runs
// under the book mutex for its full duration, and every snapshot
// handed out is a value copy.
type Book struct {
	mu sync.RWMutex

	market Market
	bids   *bookSide
	asks   *bookSide

	// By-id index over resting orders. Removal from the index and
	// from the owning price level happens in the same critical
	// section.
	orders map[uuid.UUID]*Order

	lastPrice decimal.Decimal
	orderSeq  uint64
	tradeSeq  uint64
}

// NewBook creates an empty book for the market.
func NewBook(market Market) *Book {
	return &Book{
		market: market,
		bids:   newBookSide(Buy),
		asks:   newBookSide(Sell),
		orders: make(map[uuid.UUID]*Order),
	}
}

// Market returns the market spec the book was registered with.
func (b *Book) Market() Market { return b.market }

func (b *Book) sideOf(s Side) *bookSide {
	if s == Buy {
		return b.bids
	}
	return b.asks
}

// validate rejects orders that violate the market spec before any
// book state is touched.
func (b *Book) validate(o *Order) error {
	if o.Side != Buy && o.Side != Sell {
		return Ef(InvalidOrder, "order %s: invalid side", o.ID)
	}
	if o.Market != b.market.Symbol {
		return Ef(InvalidOrder, "order %s: market %q does not match book %q", o.ID, o.Market, b.market.Symbol)
	}
	if !o.Quantity.IsPositive() {
		return Ef(InvalidOrder, "order %s: quantity must be positive", o.ID)
	}
	if !o.Quantity.Mod(b.market.StepSize).IsZero() {
		return Ef(InvalidOrder, "order %s: quantity %s not a multiple of step size %s", o.ID, o.Quantity, b.market.StepSize)
	}
	if o.Quantity.LessThan(b.market.MinQuantity) || o.Quantity.GreaterThan(b.market.MaxQuantity) {
		return Ef(InvalidOrder, "order %s: quantity %s outside [%s, %s]", o.ID, o.Quantity, b.market.MinQuantity, b.market.MaxQuantity)
	}
	switch o.Type {
	case TypeLimit:
		if !o.Price.IsPositive() {
			return Ef(InvalidOrder, "order %s: limit price must be positive", o.ID)
		}
		if !o.Price.Mod(b.market.TickSize).IsZero() {
			return Ef(InvalidOrder, "order %s: price %s not a multiple of tick size %s", o.ID, o.Price, b.market.TickSize)
		}
		if o.Price.LessThan(b.market.MinPrice) || o.Price.GreaterThan(b.market.MaxPrice) {
			return Ef(InvalidOrder, "order %s: price %s outside [%s, %s]", o.ID, o.Price, b.market.MinPrice, b.market.MaxPrice)
		}
	case TypeMarket:
		if !o.Price.IsZero() {
			return Ef(InvalidOrder, "order %s: market order must not carry a price", o.ID)
		}
		if o.TimeInForce != IOC {
			return Ef(InvalidOrder, "order %s: market orders are immediate-or-cancel", o.ID)
		}
	default:
		return Ef(InvalidOrder, "order %s: invalid order type", o.ID)
	}
	return nil
}

// crosses reports whether the taker can trade against the given
// opposing price.
func crosses(o *Order, opposing decimal.Decimal) bool {
	if o.Type == TypeMarket {
		return true
	}
	if o.Side == Buy {
		return o.Price.GreaterThanOrEqual(opposing)
	}
	return o.Price.LessThanOrEqual(opposing)
}

// Place matches the order against the book and rests any GTC
// remainder. The returned result carries value snapshots of the taker,
// the touched makers and the trades, in execution order. On error the
// book is left untouched.
func (b *Book) Place(o Order) (MatchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.validate(&o); err != nil {
		return MatchResult{}, err
	}

	now := time.Now().UTC()
	b.orderSeq++
	o.Sequence = b.orderSeq
	o.UpdatedAt = now

	res := MatchResult{prevLast: b.lastPrice}
	opposite := b.sideOf(o.Side.Opposite())

	for o.Remaining.IsPositive() {
		lvl := opposite.best()
		if lvl == nil || !crosses(&o, lvl.price) {
			break
		}

		// Oldest resting order at the best level is first in line.
		maker := lvl.orders[0]
		q := decimal.Min(o.Remaining, maker.Remaining)
		p := maker.Price

		o.fill(p, q, now)
		maker.fill(p, q, now)
		lvl.volume = lvl.volume.Sub(q)

		b.tradeSeq++
		res.Trades = append(res.Trades, Trade{
			ID:             uuid.New(),
			Market:         b.market.Symbol,
			Price:          p,
			Quantity:       q,
			Amount:         p.Mul(q),
			MakerOrderID:   maker.ID,
			TakerOrderID:   o.ID,
			MakerAccountID: maker.AccountID,
			TakerAccountID: o.AccountID,
			TakerSide:      o.Side,
			Sequence:       b.tradeSeq,
			ExecutedAt:     now,
		})
		b.lastPrice = p

		if maker.IsFilled() {
			opposite.remove(maker)
			delete(b.orders, maker.ID)
		}
		res.Makers = append(res.Makers, *maker)
	}

	// Disposition of the taker remainder.
	switch {
	case o.IsFilled():
		o.Status = Filled
	case o.Type == TypeMarket || o.TimeInForce == IOC:
		o.Status = Canceled
		o.UpdatedAt = now
	default:
		// GTC limit remainder rests at its own price.
		rested := o
		b.sideOf(o.Side).add(&rested)
		b.orders[rested.ID] = &rested
	}

	res.Taker = o
	return res, nil
}

// Cancel removes a resting order, marking it Canceled with its
// current fill state. Orders the book does not hold (unknown or
// already terminal) yield NotFound.
func (b *Book) Cancel(id uuid.UUID) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[id]
	if !ok {
		return Order{}, Ef(NotFound, "order %s not found in book %s", id, b.market.Symbol)
	}

	b.sideOf(o.Side).remove(o)
	delete(b.orders, id)

	o.Status = Canceled
	o.UpdatedAt = time.Now().UTC()
	return *o, nil
}

// Order returns a snapshot of a resting order.
func (b *Book) Order(id uuid.UUID) (Order, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	o, ok := b.orders[id]
	if !ok {
		return Order{}, Ef(NotFound, "order %s not found in book %s", id, b.market.Symbol)
	}
	return *o, nil
}

// Depth returns the top n aggregated levels per side, bids
// price-descending and asks price-ascending. n <= 0 returns all
// levels.
func (b *Book) Depth(n int) (bids, asks []Level) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.depth(n), b.asks.depth(n)
}

// BestBid returns the highest bid price.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if lvl := b.bids.best(); lvl != nil {
		return lvl.price, true
	}
	return decimal.Decimal{}, false
}

// BestAsk returns the lowest ask price.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if lvl := b.asks.best(); lvl != nil {
		return lvl.price, true
	}
	return decimal.Decimal{}, false
}

// OpenOrders returns the number of orders resting on the book.
func (b *Book) OpenOrders() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.orders)
}

// LastPrice returns the most recent trade price, zero before the
// first trade.
func (b *Book) LastPrice() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastPrice
}

// Spread returns best ask minus best bid.
func (b *Book) Spread() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bid, ask := b.bids.best(), b.asks.best()
	if bid == nil || ask == nil {
		return decimal.Decimal{}, false
	}
	return ask.price.Sub(bid.price), true
}

// MidPrice returns the bid/ask midpoint, falling back to the last
// trade price when one side is empty.
func (b *Book) MidPrice() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bid, ask := b.bids.best(), b.asks.best()
	if bid != nil && ask != nil {
		return bid.price.Add(ask.price).Div(decimal.NewFromInt(2)), true
	}
	if !b.lastPrice.IsZero() {
		return b.lastPrice, true
	}
	return decimal.Decimal{}, false
}

// Unwind reverses every book mutation a Place call made: the rested
// taker is removed, filled quantity is credited back to the touched
// makers (re-resting fully filled ones at their original queue
// position) and the last price is restored. Used when trade
// settlement fails after matching, so that the ledger and the book
// never disagree on whether a trade happened.
func (b *Book) Unwind(res MatchResult) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if o, ok := b.orders[res.Taker.ID]; ok {
		b.sideOf(o.Side).remove(o)
		delete(b.orders, o.ID)
	}

	for i := len(res.Trades) - 1; i >= 0; i-- {
		t := res.Trades[i]
		if o, ok := b.orders[t.MakerOrderID]; ok {
			b.unfill(o, t)
			b.sideOf(o.Side).addQuantity(o, t.Quantity)
			continue
		}
		// Maker was fully filled and removed; restore it from its
		// snapshot. Its original sequence number puts it back at the
		// right queue position.
		for _, m := range res.Makers {
			if m.ID == t.MakerOrderID {
				restored := m
				b.unfill(&restored, t)
				b.sideOf(restored.Side).add(&restored)
				b.orders[restored.ID] = &restored
				break
			}
		}
	}

	b.lastPrice = res.prevLast
}

// unfill reverses one execution on an order.
func (b *Book) unfill(o *Order, t Trade) {
	o.Filled = o.Filled.Sub(t.Quantity)
	o.Remaining = o.Remaining.Add(t.Quantity)
	if o.Filled.IsZero() {
		o.AvgFillPrice = decimal.Decimal{}
		o.Status = New
	} else {
		o.AvgFillPrice = o.AvgFillPrice.Mul(o.Filled.Add(t.Quantity)).Sub(t.Price.Mul(t.Quantity)).Div(o.Filled)
		o.Status = PartiallyFilled
	}
}
