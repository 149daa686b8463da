package marketdata

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lobx/lobx/pkg/lob"
)

const (
	// recentTradeLimit bounds the per-market trade ring.
	recentTradeLimit = 1000
	// statsWindow is the rolling window behind ticker statistics.
	statsWindow = 24 * time.Hour
)

type windowEntry struct {
	at       time.Time
	price    decimal.Decimal
	quantity decimal.Decimal
	amount   decimal.Decimal
}

// marketState is everything the service tracks for one market. Each
// market has its own mutex, so busy markets do not contend.
type marketState struct {
	mu      sync.RWMutex
	ticker  Ticker
	depth   Depth
	trades  []lob.Trade // newest last, capped at recentTradeLimit
	window  []windowEntry
	candles map[Interval][]Candle

	// pub is acquired before mu is released, so hub publishes leave in
	// the same order their effects were applied to state. Queries only
	// take mu and never wait on delivery.
	pub sync.Mutex
}

// Service consumes the trade and depth streams and answers market
// data queries. Intake methods never block on slow consumers; fan-out
// goes through the hub's drop policy.
type Service struct {
	hub    *Hub
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	markets map[string]*marketState
}

// NewService creates a service publishing to hub.
func NewService(hub *Hub, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		hub:     hub,
		logger:  logger,
		now:     time.Now,
		markets: make(map[string]*marketState),
	}
}

// RegisterMarket initializes empty state so queries on a quiet market
// return zeros instead of not-found.
func (s *Service) RegisterMarket(market string) {
	s.state(market)
}

func (s *Service) state(market string) *marketState {
	s.mu.RLock()
	st, ok := s.markets[market]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.markets[market]; ok {
		return st
	}
	st = &marketState{
		ticker:  Ticker{Market: market},
		depth:   Depth{Market: market},
		candles: make(map[Interval][]Candle),
	}
	s.markets[market] = st
	return st
}

func (s *Service) lookup(market string) (*marketState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.markets[market]
	if !ok {
		return nil, lob.Ef(lob.NotFound, "market %s not found", market)
	}
	return st, nil
}

// OnTrade folds one execution into the ticker, candles and trade ring,
// then publishes the trade and updated ticker.
func (s *Service) OnTrade(t lob.Trade) {
	st := s.state(t.Market)

	st.mu.Lock()
	st.trades = append(st.trades, t)
	if len(st.trades) > recentTradeLimit {
		st.trades = st.trades[len(st.trades)-recentTradeLimit:]
	}

	st.window = append(st.window, windowEntry{
		at:       t.ExecutedAt,
		price:    t.Price,
		quantity: t.Quantity,
		amount:   t.Amount,
	})
	s.refreshTickerLocked(st, t)

	for _, iv := range AllIntervals() {
		s.updateCandleLocked(st, iv, t)
	}
	ticker := st.ticker
	st.pub.Lock()
	st.mu.Unlock()

	s.hub.Publish(TopicTrades(t.Market), tradeMessage(t))
	s.hub.Publish(TopicTicker(t.Market), tickerMessage(ticker))
	s.hub.Publish(TopicAllTickers, tickerMessage(ticker))
	st.pub.Unlock()
}

// OnDepth replaces the cached depth snapshot and publishes it.
func (s *Service) OnDepth(market string, bids, asks []lob.Level) {
	st := s.state(market)

	d := Depth{Market: market, Bids: bids, Asks: asks, UpdatedAt: s.now().UTC()}

	st.mu.Lock()
	st.depth = d
	if len(bids) > 0 {
		st.ticker.BestBid = bids[0].Price
	} else {
		st.ticker.BestBid = decimal.Zero
	}
	if len(asks) > 0 {
		st.ticker.BestAsk = asks[0].Price
	} else {
		st.ticker.BestAsk = decimal.Zero
	}
	st.pub.Lock()
	st.mu.Unlock()

	s.hub.Publish(TopicOrderBook(market), depthMessage(d))
	st.pub.Unlock()
}

// refreshTickerLocked prunes the rolling window and recomputes the
// 24h statistics. Caller holds st.mu.
func (s *Service) refreshTickerLocked(st *marketState, last lob.Trade) {
	cutoff := s.now().UTC().Add(-statsWindow)
	i := 0
	for i < len(st.window) && st.window[i].at.Before(cutoff) {
		i++
	}
	st.window = st.window[i:]

	tk := &st.ticker
	tk.LastPrice = last.Price
	tk.TradeCount24h = len(st.window)
	tk.Volume24h = decimal.Zero
	tk.QuoteVolume24h = decimal.Zero
	tk.High24h = decimal.Zero
	tk.Low24h = decimal.Zero

	for j, e := range st.window {
		tk.Volume24h = tk.Volume24h.Add(e.quantity)
		tk.QuoteVolume24h = tk.QuoteVolume24h.Add(e.amount)
		if j == 0 || e.price.GreaterThan(tk.High24h) {
			tk.High24h = e.price
		}
		if j == 0 || e.price.LessThan(tk.Low24h) {
			tk.Low24h = e.price
		}
	}

	if len(st.window) > 0 {
		open := st.window[0].price
		tk.PriceChange = tk.LastPrice.Sub(open)
		if open.IsPositive() {
			tk.PriceChangePercent = tk.PriceChange.Div(open).Mul(decimal.NewFromInt(100))
		} else {
			tk.PriceChangePercent = decimal.Zero
		}
	} else {
		tk.PriceChange = decimal.Zero
		tk.PriceChangePercent = decimal.Zero
	}
	tk.UpdatedAt = last.ExecutedAt
}

// updateCandleLocked folds a trade into the interval's active bucket,
// opening a new one when the trade falls past its close time. Buckets
// close lazily; no timer finalizes them. Caller holds st.mu.
func (s *Service) updateCandleLocked(st *marketState, iv Interval, t lob.Trade) {
	open := iv.bucketStart(t.ExecutedAt)
	series := st.candles[iv]

	if n := len(series); n > 0 && series[n-1].OpenTime.Equal(open) {
		c := &series[n-1]
		if t.Price.GreaterThan(c.High) {
			c.High = t.Price
		}
		if t.Price.LessThan(c.Low) {
			c.Low = t.Price
		}
		c.Close = t.Price
		c.Volume = c.Volume.Add(t.Quantity)
		c.Trades++
		return
	}

	st.candles[iv] = append(series, Candle{
		Market:    t.Market,
		Interval:  iv,
		OpenTime:  open,
		CloseTime: open.Add(iv.Duration()),
		Open:      t.Price,
		High:      t.Price,
		Low:       t.Price,
		Close:     t.Price,
		Volume:    t.Quantity,
		Trades:    1,
	})
}

// GetTicker returns the current ticker of a market.
func (s *Service) GetTicker(market string) (Ticker, error) {
	st, err := s.lookup(market)
	if err != nil {
		return Ticker{}, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.ticker, nil
}

// GetAllTickers returns every market's ticker, sorted by symbol.
func (s *Service) GetAllTickers() []Ticker {
	s.mu.RLock()
	states := make([]*marketState, 0, len(s.markets))
	for _, st := range s.markets {
		states = append(states, st)
	}
	s.mu.RUnlock()

	out := make([]Ticker, 0, len(states))
	for _, st := range states {
		st.mu.RLock()
		out = append(out, st.ticker)
		st.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}

// GetDepth returns the latest depth snapshot of a market.
func (s *Service) GetDepth(market string) (Depth, error) {
	st, err := s.lookup(market)
	if err != nil {
		return Depth{}, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.depth, nil
}

// GetRecentTrades returns up to limit most recent trades, newest
// first.
func (s *Service) GetRecentTrades(market string, limit int) ([]lob.Trade, error) {
	st, err := s.lookup(market)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > recentTradeLimit {
		limit = recentTradeLimit
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	n := len(st.trades)
	if limit > n {
		limit = n
	}
	out := make([]lob.Trade, limit)
	for i := 0; i < limit; i++ {
		out[i] = st.trades[n-1-i]
	}
	return out, nil
}

// GetCandles returns up to limit most recent buckets of an interval,
// oldest first. The last bucket may still be open.
func (s *Service) GetCandles(market string, iv Interval, limit int) ([]Candle, error) {
	if !iv.Valid() {
		return nil, lob.Ef(lob.InvalidOrder, "unknown candle interval %q", iv)
	}
	st, err := s.lookup(market)
	if err != nil {
		return nil, err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	series := st.candles[iv]
	if limit > 0 && len(series) > limit {
		series = series[len(series)-limit:]
	}
	out := make([]Candle, len(series))
	copy(out, series)
	return out, nil
}
