package marketdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversToSubscribers(t *testing.T) {
	h := NewHub(4)

	id1, ch1 := h.Subscribe(TopicTrades("BTC/USD"))
	_, ch2 := h.Subscribe(TopicTrades("BTC/USD"))
	_, other := h.Subscribe(TopicTrades("ETH/USD"))

	h.Publish(TopicTrades("BTC/USD"), Message{Type: "trade", Market: "BTC/USD"})

	msg := <-ch1
	assert.Equal(t, "BTC/USD", msg.Market)
	msg = <-ch2
	assert.Equal(t, "BTC/USD", msg.Market)
	select {
	case <-other:
		t.Fatal("message leaked across topics")
	default:
	}

	h.Unsubscribe(TopicTrades("BTC/USD"), id1)
	_, open := <-ch1
	assert.False(t, open, "channel should close on unsubscribe")
	assert.Equal(t, 1, h.SubscriberCount(TopicTrades("BTC/USD")))
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	h := NewHub(2)
	dropped := 0
	h.OnDrop(func(topic string) { dropped++ })

	_, ch := h.Subscribe(TopicAllTickers)
	for i := 0; i < 5; i++ {
		h.Publish(TopicAllTickers, Message{Type: "ticker", Data: i})
	}

	// Buffer holds the two oldest; the rest were dropped, never
	// blocking the publisher.
	assert.Equal(t, 3, dropped)
	first := <-ch
	assert.Equal(t, 0, first.Data)
	second := <-ch
	assert.Equal(t, 1, second.Data)
	select {
	case <-ch:
		t.Fatal("expected no more buffered messages")
	default:
	}
}

func TestHubUnsubscribeUnknownIsNoop(t *testing.T) {
	h := NewHub(1)
	id, _ := h.Subscribe("x")
	h.Unsubscribe("missing-topic", id)
	h.Unsubscribe("x", id)
	h.Unsubscribe("x", id)
	require.Equal(t, 0, h.SubscriberCount("x"))
}
