package marketdata

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobx/lobx/pkg/lob"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func trade(market, price, qty string, at time.Time) lob.Trade {
	p, q := d(price), d(qty)
	return lob.Trade{
		ID: uuid.New(), Market: market,
		Price: p, Quantity: q, Amount: p.Mul(q),
		MakerOrderID: uuid.New(), TakerOrderID: uuid.New(),
		MakerAccountID: uuid.New(), TakerAccountID: uuid.New(),
		TakerSide: lob.Buy, ExecutedAt: at,
	}
}

func newTestService() (*Service, *Hub, time.Time) {
	hub := NewHub(16)
	s := NewService(hub, nil)
	base := time.Date(2026, 8, 24, 12, 30, 15, 0, time.UTC)
	s.now = func() time.Time { return base }
	return s, hub, base
}

func TestTickerStats(t *testing.T) {
	s, _, base := newTestService()

	s.OnTrade(trade("BTC/USD", "50000", "1", base.Add(-2*time.Hour)))
	s.OnTrade(trade("BTC/USD", "51000", "0.5", base.Add(-time.Hour)))
	s.OnTrade(trade("BTC/USD", "49500", "2", base))

	tk, err := s.GetTicker("BTC/USD")
	require.NoError(t, err)

	assert.True(t, tk.LastPrice.Equal(d("49500")))
	assert.True(t, tk.High24h.Equal(d("51000")))
	assert.True(t, tk.Low24h.Equal(d("49500")))
	assert.True(t, tk.Volume24h.Equal(d("3.5")))
	assert.True(t, tk.QuoteVolume24h.Equal(d("174500")))
	assert.Equal(t, 3, tk.TradeCount24h)
	assert.True(t, tk.PriceChange.Equal(d("-500")))
	assert.True(t, tk.PriceChangePercent.Equal(d("-1")))
}

func TestTickerWindowExpiresOldTrades(t *testing.T) {
	s, _, base := newTestService()

	s.OnTrade(trade("BTC/USD", "40000", "10", base.Add(-25*time.Hour)))
	s.OnTrade(trade("BTC/USD", "50000", "1", base))

	tk, err := s.GetTicker("BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, 1, tk.TradeCount24h)
	assert.True(t, tk.Volume24h.Equal(d("1")))
	assert.True(t, tk.High24h.Equal(d("50000")))
	assert.True(t, tk.PriceChange.IsZero())
}

func TestCandleBuckets(t *testing.T) {
	s, _, _ := newTestService()

	// 12:30:15 through 12:30:55 share the 1m bucket; 12:31:25 opens
	// the next one.
	t0 := time.Date(2026, 8, 24, 12, 30, 15, 0, time.UTC)
	s.OnTrade(trade("BTC/USD", "50000", "1", t0))
	s.OnTrade(trade("BTC/USD", "50500", "2", t0.Add(15*time.Second)))
	s.OnTrade(trade("BTC/USD", "49800", "1", t0.Add(30*time.Second)))
	s.OnTrade(trade("BTC/USD", "50100", "3", t0.Add(40*time.Second)))

	candles, err := s.GetCandles("BTC/USD", Interval1m, 0)
	require.NoError(t, err)
	require.Len(t, candles, 1)

	c := candles[0]
	assert.Equal(t, time.Date(2026, 8, 24, 12, 30, 0, 0, time.UTC), c.OpenTime)
	assert.Equal(t, time.Date(2026, 8, 24, 12, 31, 0, 0, time.UTC), c.CloseTime)
	assert.True(t, c.Open.Equal(d("50000")))
	assert.True(t, c.High.Equal(d("50500")))
	assert.True(t, c.Low.Equal(d("49800")))
	assert.True(t, c.Close.Equal(d("50100")))
	assert.True(t, c.Volume.Equal(d("7")))
	assert.Equal(t, 4, c.Trades)

	s.OnTrade(trade("BTC/USD", "50200", "1", t0.Add(70*time.Second)))
	candles, err = s.GetCandles("BTC/USD", Interval1m, 0)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	next := candles[1]
	assert.Equal(t, time.Date(2026, 8, 24, 12, 31, 0, 0, time.UTC), next.OpenTime)
	// First trade of a fresh bucket opens it at its own price.
	assert.True(t, next.Open.Equal(d("50200")))
	assert.True(t, next.High.Equal(next.Low))

	// The same trades landed in one 1h bucket.
	hourly, err := s.GetCandles("BTC/USD", Interval1h, 0)
	require.NoError(t, err)
	require.Len(t, hourly, 1)
	assert.True(t, hourly[0].Volume.Equal(d("8")))
}

func TestGetCandlesValidation(t *testing.T) {
	s, _, base := newTestService()
	s.OnTrade(trade("BTC/USD", "50000", "1", base))

	_, err := s.GetCandles("BTC/USD", Interval("7m"), 0)
	assert.True(t, lob.IsKind(err, lob.InvalidOrder))
	_, err = s.GetCandles("DOGE/USD", Interval1m, 0)
	assert.True(t, lob.IsKind(err, lob.NotFound))

	candles, err := s.GetCandles("BTC/USD", Interval1m, 1)
	require.NoError(t, err)
	assert.Len(t, candles, 1)
}

func TestRecentTradesRing(t *testing.T) {
	s, _, base := newTestService()

	for i := 0; i < recentTradeLimit+50; i++ {
		s.OnTrade(trade("BTC/USD", "50000", "0.001", base.Add(time.Duration(i)*time.Millisecond)))
	}

	trades, err := s.GetRecentTrades("BTC/USD", 0)
	require.NoError(t, err)
	assert.Len(t, trades, recentTradeLimit)

	trades, err = s.GetRecentTrades("BTC/USD", 10)
	require.NoError(t, err)
	require.Len(t, trades, 10)
	// Newest first.
	assert.True(t, trades[0].ExecutedAt.After(trades[9].ExecutedAt))
}

func TestDepthSnapshotUpdatesTicker(t *testing.T) {
	s, hub, _ := newTestService()
	_, ch := hub.Subscribe(TopicOrderBook("BTC/USD"))

	bids := []lob.Level{{Price: d("49900"), Quantity: d("1")}}
	asks := []lob.Level{{Price: d("50100"), Quantity: d("2")}}
	s.OnDepth("BTC/USD", bids, asks)

	depth, err := s.GetDepth("BTC/USD")
	require.NoError(t, err)
	assert.Len(t, depth.Bids, 1)
	assert.Len(t, depth.Asks, 1)

	tk, err := s.GetTicker("BTC/USD")
	require.NoError(t, err)
	assert.True(t, tk.BestBid.Equal(d("49900")))
	assert.True(t, tk.BestAsk.Equal(d("50100")))

	msg := <-ch
	assert.Equal(t, "orderbook", msg.Type)
	update, ok := msg.Data.(BookUpdate)
	require.True(t, ok)
	require.Len(t, update.Bids, 1)
	assert.True(t, update.Bids[0][0].Equal(d("49900")))
	assert.True(t, update.Bids[0][1].Equal(d("1")))
}

func TestOnTradePublishes(t *testing.T) {
	s, hub, base := newTestService()

	_, trades := hub.Subscribe(TopicTrades("BTC/USD"))
	_, ticker := hub.Subscribe(TopicTicker("BTC/USD"))
	_, all := hub.Subscribe(TopicAllTickers)

	s.OnTrade(trade("BTC/USD", "50000", "1", base))

	msg := <-trades
	assert.Equal(t, "trade", msg.Type)
	assert.Equal(t, "BTC/USD", msg.Market)
	msg = <-ticker
	assert.Equal(t, "ticker", msg.Type)
	msg = <-all
	tk, ok := msg.Data.(TickerTick)
	require.True(t, ok)
	assert.Equal(t, "BTC/USD", msg.Market)
	assert.True(t, tk.Last.Equal(d("50000")))
}

func TestWireEnvelopeShapes(t *testing.T) {
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	raw, err := json.Marshal(tradeMessage(trade("BTC/USD", "50000", "0.5", at)))
	require.NoError(t, err)
	var frame map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.JSONEq(t, `"trade"`, string(frame["type"]))

	var data map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(frame["data"], &data))
	for _, key := range []string{"id", "price", "quantity", "side", "timestamp"} {
		assert.Contains(t, data, key)
	}
	// Order and account ids never leave the process.
	assert.NotContains(t, data, "maker_order_id")
	assert.NotContains(t, data, "taker_account_id")

	raw, err = json.Marshal(depthMessage(Depth{
		Market:    "BTC/USD",
		Bids:      []lob.Level{{Price: d("49900"), Quantity: d("1")}},
		UpdatedAt: at,
	}))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.JSONEq(t, `"orderbook"`, string(frame["type"]))
	assert.Contains(t, string(frame["data"]), `"bids":[["49900","1"]]`)

	raw, err = json.Marshal(tickerMessage(Ticker{Market: "BTC/USD", LastPrice: d("50000"), UpdatedAt: at}))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.NoError(t, json.Unmarshal(frame["data"], &data))
	for _, key := range []string{"bid", "ask", "last", "volume", "change", "change_percent", "timestamp"} {
		assert.Contains(t, data, key)
	}
}

func TestPublishOrderMatchesIntakeOrder(t *testing.T) {
	hub := NewHub(256)
	s := NewService(hub, nil)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	_, ch := hub.Subscribe(TopicTicker("BTC/USD"))

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.OnTrade(trade("BTC/USD", "50000", "1", base))
		}()
	}
	wg.Wait()

	// Each intake grows the 24h volume by one, so delivery in apply
	// order means strictly increasing volumes on the topic.
	prev := decimal.Zero
	for i := 0; i < n; i++ {
		msg := <-ch
		tk, ok := msg.Data.(TickerTick)
		require.True(t, ok)
		assert.True(t, tk.Volume.GreaterThan(prev),
			"volume %s did not advance past %s", tk.Volume, prev)
		prev = tk.Volume
	}
}

func TestGetAllTickersSorted(t *testing.T) {
	s, _, base := newTestService()
	for i, market := range []string{"ETH/USD", "BTC/USD", "ETH/BTC"} {
		s.OnTrade(trade(market, fmt.Sprintf("%d", 100*(i+1)), "1", base))
	}

	tickers := s.GetAllTickers()
	require.Len(t, tickers, 3)
	assert.Equal(t, "BTC/USD", tickers[0].Market)
	assert.Equal(t, "ETH/BTC", tickers[1].Market)
	assert.Equal(t, "ETH/USD", tickers[2].Market)
}

func TestQuietMarketReturnsZeros(t *testing.T) {
	s, _, _ := newTestService()
	s.RegisterMarket("BTC/USD")

	tk, err := s.GetTicker("BTC/USD")
	require.NoError(t, err)
	assert.True(t, tk.LastPrice.IsZero())

	trades, err := s.GetRecentTrades("BTC/USD", 0)
	require.NoError(t, err)
	assert.Empty(t, trades)

	_, err = s.GetTicker("DOGE/USD")
	assert.True(t, lob.IsKind(err, lob.NotFound))
}
