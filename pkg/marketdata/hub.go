// Package marketdata aggregates trades and depth changes into
// tickers, candles and recent-trade history, and fans updates out to
// subscribers over topics.
package marketdata

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Topic names follow "<channel>:<market>"; TopicAllTickers carries
// every market's ticker updates.
const TopicAllTickers = "tickers"

// TopicOrderBook is the depth channel for one market.
func TopicOrderBook(market string) string { return fmt.Sprintf("orderbook:%s", market) }

// TopicTrades is the trade channel for one market.
func TopicTrades(market string) string { return fmt.Sprintf("trades:%s", market) }

// TopicTicker is the ticker channel for one market.
func TopicTicker(market string) string { return fmt.Sprintf("ticker:%s", market) }

type subscriber struct {
	id    uuid.UUID
	topic string
	ch    chan Message
}

// DropHandler is invoked when a message to a subscriber is dropped
// because its buffer is full.
type DropHandler func(topic string)

// Hub is a topic-based fan-out of market data messages. Publishing
// never blocks: a subscriber whose buffer is full misses the message.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[uuid.UUID]*subscriber
	buffer int
	onDrop DropHandler
}

// NewHub creates a hub whose subscriber channels buffer the given
// number of messages.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		topics: make(map[string]map[uuid.UUID]*subscriber),
		buffer: buffer,
	}
}

// OnDrop registers a handler called for every dropped message. Set it
// before publishing begins.
func (h *Hub) OnDrop(fn DropHandler) { h.onDrop = fn }

// Subscribe registers interest in a topic and returns the subscription
// id and the receive channel. The channel is closed on Unsubscribe.
func (h *Hub) Subscribe(topic string) (uuid.UUID, <-chan Message) {
	sub := &subscriber{
		id:    uuid.New(),
		topic: topic,
		ch:    make(chan Message, h.buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[uuid.UUID]*subscriber)
		h.topics[topic] = subs
	}
	subs[sub.id] = sub
	return sub.id, sub.ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// ids are ignored.
func (h *Hub) Unsubscribe(topic string, id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	sub, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
	close(sub.ch)
}

// Publish delivers a message to every subscriber of the topic,
// dropping it for subscribers that cannot keep up.
func (h *Hub) Publish(topic string, msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.topics[topic] {
		select {
		case sub.ch <- msg:
		default:
			if h.onDrop != nil {
				h.onDrop(topic)
			}
		}
	}
}

// SubscriberCount returns the number of subscribers on a topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
