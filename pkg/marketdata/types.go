package marketdata

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lobx/lobx/pkg/lob"
)

// Interval is a candle bucket width.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// AllIntervals lists the supported candle intervals, shortest first.
func AllIntervals() []Interval {
	return []Interval{Interval1m, Interval5m, Interval15m, Interval1h, Interval4h, Interval1d}
}

// Duration returns the bucket width, or zero for an unknown interval.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval4h:
		return 4 * time.Hour
	case Interval1d:
		return 24 * time.Hour
	}
	return 0
}

// Valid reports whether the interval is one of the supported widths.
func (i Interval) Valid() bool { return i.Duration() > 0 }

// bucketStart floors t to the interval boundary in UTC.
func (i Interval) bucketStart(t time.Time) time.Time {
	return t.UTC().Truncate(i.Duration())
}

// Ticker is the rolling 24h statistics of one market.
type Ticker struct {
	Market             string          `json:"market"`
	LastPrice          decimal.Decimal `json:"last_price"`
	PriceChange        decimal.Decimal `json:"price_change"`
	PriceChangePercent decimal.Decimal `json:"price_change_percent"`
	High24h            decimal.Decimal `json:"high_24h"`
	Low24h             decimal.Decimal `json:"low_24h"`
	Volume24h          decimal.Decimal `json:"volume_24h"`
	QuoteVolume24h     decimal.Decimal `json:"quote_volume_24h"`
	BestBid            decimal.Decimal `json:"best_bid"`
	BestAsk            decimal.Decimal `json:"best_ask"`
	TradeCount24h      int             `json:"trade_count_24h"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Candle is one OHLCV bucket. The active bucket of each interval is
// updated in place until a later trade opens the next one.
type Candle struct {
	Market    string          `json:"market"`
	Interval  Interval        `json:"interval"`
	OpenTime  time.Time       `json:"open_time"`
	CloseTime time.Time       `json:"close_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Trades    int             `json:"trades"`
}

// Depth is the aggregated book snapshot published on the orderbook
// topic and served from the depth query.
type Depth struct {
	Market    string      `json:"market"`
	Bids      []lob.Level `json:"bids"`
	Asks      []lob.Level `json:"asks"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Message is the envelope delivered to hub subscribers and written to
// websocket clients.
type Message struct {
	Type   string `json:"type"`
	Market string `json:"market,omitempty"`
	Data   any    `json:"data"`
}

// TradeTick is the trade payload on the trades topic. Side is the
// taker side; internal order and account ids stay off the wire.
type TradeTick struct {
	ID        uuid.UUID       `json:"id"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Side      lob.Side        `json:"side"`
	Timestamp time.Time       `json:"timestamp"`
}

// TickerTick is the ticker payload on the ticker topics.
type TickerTick struct {
	Bid           decimal.Decimal `json:"bid"`
	Ask           decimal.Decimal `json:"ask"`
	Last          decimal.Decimal `json:"last"`
	Volume        decimal.Decimal `json:"volume"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Timestamp     time.Time       `json:"timestamp"`
}

// BookUpdate is the depth payload on the orderbook topic. Levels are
// [price, quantity] pairs, best first.
type BookUpdate struct {
	Bids      [][2]decimal.Decimal `json:"bids"`
	Asks      [][2]decimal.Decimal `json:"asks"`
	Timestamp time.Time            `json:"timestamp"`
}

func levelPairs(levels []lob.Level) [][2]decimal.Decimal {
	out := make([][2]decimal.Decimal, len(levels))
	for i, l := range levels {
		out[i] = [2]decimal.Decimal{l.Price, l.Quantity}
	}
	return out
}

func tradeMessage(t lob.Trade) Message {
	return Message{Type: "trade", Market: t.Market, Data: TradeTick{
		ID:        t.ID,
		Price:     t.Price,
		Quantity:  t.Quantity,
		Side:      t.TakerSide,
		Timestamp: t.ExecutedAt,
	}}
}

func tickerMessage(tk Ticker) Message {
	return Message{Type: "ticker", Market: tk.Market, Data: TickerTick{
		Bid:           tk.BestBid,
		Ask:           tk.BestAsk,
		Last:          tk.LastPrice,
		Volume:        tk.Volume24h,
		Change:        tk.PriceChange,
		ChangePercent: tk.PriceChangePercent,
		Timestamp:     tk.UpdatedAt,
	}}
}

func depthMessage(d Depth) Message {
	return Message{Type: "orderbook", Market: d.Market, Data: BookUpdate{
		Bids:      levelPairs(d.Bids),
		Asks:      levelPairs(d.Asks),
		Timestamp: d.UpdatedAt,
	}}
}
