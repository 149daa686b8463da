package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobx/lobx/pkg/marketdata"
)

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) marketdata.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg marketdata.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocketSubscribeReceivesTrades(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(wsRequest{Op: "subscribe", Channel: "trades", Market: "BTC/USD"}))
	ack := readMessage(t, conn)
	assert.Equal(t, "subscribed", ack.Type)

	seller := createFundedAccount(t, ts, "BTC", "1")
	buyer := createFundedAccount(t, ts, "USD", "100000")

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/orders", map[string]any{
		"account_id": seller, "market": "BTC/USD", "side": "sell",
		"type": "limit", "price": "50000", "quantity": "1", "time_in_force": "GTC",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/orders", map[string]any{
		"account_id": buyer, "market": "BTC/USD", "side": "buy",
		"type": "limit", "price": "50000", "quantity": "1", "time_in_force": "GTC",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	msg := readMessage(t, conn)
	assert.Equal(t, "trade", msg.Type)
	assert.Equal(t, "BTC/USD", msg.Market)

	raw, err := json.Marshal(msg.Data)
	require.NoError(t, err)
	var tick marketdata.TradeTick
	require.NoError(t, json.Unmarshal(raw, &tick))
	assert.True(t, tick.Price.Equal(d("50000")))
	assert.True(t, tick.Quantity.Equal(d("1")))
	assert.NotEqual(t, uuid.Nil, tick.ID)

	// Internal order and account ids stay off the wire.
	data, ok := msg.Data.(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, data, "maker_order_id")
	assert.NotContains(t, data, "taker_account_id")
}

func TestWebSocketUnknownChannelErrors(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(wsRequest{Op: "subscribe", Channel: "weather"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)

	require.NoError(t, conn.WriteJSON(wsRequest{Op: "subscribe", Channel: "trades"}))
	msg = readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)
}

func TestWebSocketUnsubscribeStopsDelivery(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(wsRequest{Op: "subscribe", Channel: "tickers"}))
	ack := readMessage(t, conn)
	require.Equal(t, "subscribed", ack.Type)

	require.NoError(t, conn.WriteJSON(wsRequest{Op: "unsubscribe", Channel: "tickers"}))
	ack = readMessage(t, conn)
	require.Equal(t, "unsubscribed", ack.Type)

	seller := createFundedAccount(t, ts, "BTC", "1")
	buyer := createFundedAccount(t, ts, "USD", "100000")
	for _, req := range []map[string]any{
		{"account_id": seller, "market": "BTC/USD", "side": "sell",
			"type": "limit", "price": "50000", "quantity": "1", "time_in_force": "GTC"},
		{"account_id": buyer, "market": "BTC/USD", "side": "buy",
			"type": "limit", "price": "50000", "quantity": "1", "time_in_force": "GTC"},
	} {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/orders", req)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var msg marketdata.Message
	err := conn.ReadJSON(&msg)
	assert.Error(t, err, "expected no delivery after unsubscribe, got %+v", msg)
}
