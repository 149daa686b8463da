package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lobx/lobx/pkg/lob"
	"github.com/lobx/lobx/pkg/marketdata"
)

const (
	wsMaxMessageSize = 4 * 1024
	wsPongTimeout    = 60 * time.Second
	wsPingPeriod     = 54 * time.Second // must be shorter than wsPongTimeout
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsRequest is a client control frame.
type wsRequest struct {
	Op      string `json:"op"` // "subscribe" | "unsubscribe"
	Channel string `json:"channel"`
	Market  string `json:"market,omitempty"`
}

// wsClient bridges one websocket connection and its hub subscriptions.
// The write pump is the only goroutine touching the connection for
// writes.
type wsClient struct {
	conn   *websocket.Conn
	hub    *marketdata.Hub
	logger *zap.Logger

	send         chan marketdata.Message
	writeTimeout time.Duration

	mu   sync.Mutex
	subs map[string]uuid.UUID // topic -> subscription id
	done chan struct{}
	once sync.Once
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		conn:         conn,
		hub:          s.hub,
		logger:       s.logger,
		send:         make(chan marketdata.Message, 256),
		writeTimeout: s.wsWriteTimeout,
		subs:         make(map[string]uuid.UUID),
		done:         make(chan struct{}),
	}

	go c.writePump()
	go c.readPump()
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		for topic, id := range c.subs {
			c.hub.Unsubscribe(topic, id)
		}
		c.subs = nil
		c.mu.Unlock()
		c.conn.Close()
	})
}

// readPump consumes control frames until the connection drops.
func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.reply(marketdata.Message{Type: "error", Data: "malformed request"})
			continue
		}
		c.handle(req)
	}
}

func (c *wsClient) handle(req wsRequest) {
	topic, err := topicFor(req.Channel, req.Market)
	if err != nil {
		c.reply(marketdata.Message{Type: "error", Data: err.Error()})
		return
	}

	switch req.Op {
	case "subscribe":
		c.subscribe(topic)
		c.reply(marketdata.Message{Type: "subscribed", Market: req.Market, Data: topic})
	case "unsubscribe":
		c.unsubscribe(topic)
		c.reply(marketdata.Message{Type: "unsubscribed", Market: req.Market, Data: topic})
	default:
		c.reply(marketdata.Message{Type: "error", Data: "unknown op"})
	}
}

func topicFor(channel, market string) (string, error) {
	switch channel {
	case "orderbook":
		if market == "" {
			return "", lob.E(lob.InvalidOrder, "orderbook channel requires a market")
		}
		return marketdata.TopicOrderBook(market), nil
	case "trades":
		if market == "" {
			return "", lob.E(lob.InvalidOrder, "trades channel requires a market")
		}
		return marketdata.TopicTrades(market), nil
	case "ticker":
		if market == "" {
			return "", lob.E(lob.InvalidOrder, "ticker channel requires a market")
		}
		return marketdata.TopicTicker(market), nil
	case "tickers":
		return marketdata.TopicAllTickers, nil
	}
	return "", lob.Ef(lob.InvalidOrder, "unknown channel %q", channel)
}

func (c *wsClient) subscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		return
	}
	if _, ok := c.subs[topic]; ok {
		return
	}

	id, ch := c.hub.Subscribe(topic)
	c.subs[topic] = id

	// Forward until the hub closes the channel on unsubscribe or the
	// client goes away.
	go func() {
		for msg := range ch {
			select {
			case c.send <- msg:
			case <-c.done:
				return
			}
		}
	}()
}

func (c *wsClient) unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.subs[topic]
	if !ok {
		return
	}
	delete(c.subs, topic)
	c.hub.Unsubscribe(topic, id)
}

func (c *wsClient) reply(msg marketdata.Message) {
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

// writePump serializes all connection writes, including pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
