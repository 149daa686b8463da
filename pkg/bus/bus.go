// Package bus mirrors market data onto NATS subjects so out-of-process
// consumers see the same stream as websocket clients.
package bus

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lobx/lobx/pkg/lob"
	"github.com/lobx/lobx/pkg/marketdata"
)

// Bridge republishes hub messages to NATS. One goroutine per bridged
// topic drains a hub subscription, so NATS backpressure never reaches
// the matching path.
type Bridge struct {
	nc     *nats.Conn
	hub    *marketdata.Hub
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]uuid.UUID
	wg   sync.WaitGroup
}

// Connect dials NATS and returns an idle bridge.
func Connect(url string, hub *marketdata.Hub, logger *zap.Logger) (*Bridge, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("lobx"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, lob.Wrap(lob.Internal, err, "connect to nats")
	}
	return &Bridge{
		nc:     nc,
		hub:    hub,
		logger: logger,
		subs:   make(map[string]uuid.UUID),
	}, nil
}

// BridgeMarket mirrors a market's orderbook, trade and ticker topics.
func (b *Bridge) BridgeMarket(market string) {
	b.bridge(marketdata.TopicOrderBook(market))
	b.bridge(marketdata.TopicTrades(market))
	b.bridge(marketdata.TopicTicker(market))
}

func (b *Bridge) bridge(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[topic]; ok {
		return
	}

	id, ch := b.hub.Subscribe(topic)
	b.subs[topic] = id
	subject := subjectFor(topic)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range ch {
			data, err := json.Marshal(msg)
			if err != nil {
				b.logger.Warn("marshal bus message failed",
					zap.String("topic", topic), zap.Error(err))
				continue
			}
			if err := b.nc.Publish(subject, data); err != nil {
				b.logger.Warn("publish to nats failed",
					zap.String("subject", subject), zap.Error(err))
			}
		}
	}()
}

// subjectFor maps "trades:BTC/USD" to "lobx.trades.BTC-USD".
func subjectFor(topic string) string {
	s := strings.ReplaceAll(topic, ":", ".")
	s = strings.ReplaceAll(s, "/", "-")
	return "lobx." + s
}

// Close detaches every hub subscription and drains the connection.
func (b *Bridge) Close() {
	b.mu.Lock()
	for topic, id := range b.subs {
		b.hub.Unsubscribe(topic, id)
	}
	b.subs = make(map[string]uuid.UUID)
	b.mu.Unlock()

	b.wg.Wait()
	if err := b.nc.Drain(); err != nil {
		b.logger.Warn("drain nats connection failed", zap.Error(err))
	}
}
