package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobx/lobx/pkg/exchange"
	"github.com/lobx/lobx/pkg/ledger"
	"github.com/lobx/lobx/pkg/lob"
	"github.com/lobx/lobx/pkg/marketdata"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestServer(t *testing.T) (*httptest.Server, *ledger.Ledger) {
	t.Helper()

	hub := marketdata.NewHub(64)
	md := marketdata.NewService(hub, nil)
	store := ledger.NewMemStore()
	led := ledger.New(store, nil)
	x := exchange.New(lob.NewEngine(nil), led, store, md, nil, nil)
	require.NoError(t, x.RegisterMarket(context.Background(), lob.Market{
		Symbol: "BTC/USD", BaseAsset: "BTC", QuoteAsset: "USD",
		TickSize: d("0.01"), StepSize: d("0.001"),
		MinPrice: d("0.01"), MaxPrice: d("1000000"),
		MinQuantity: d("0.001"), MaxQuantity: d("10000"),
	}))

	srv := NewServer(x, led, md, hub, nil, 0, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, led
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func createFundedAccount(t *testing.T, ts *httptest.Server, asset, amount string) uuid.UUID {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/accounts", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var a ledger.Account
	require.NoError(t, json.Unmarshal(body, &a))

	resp, _ = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/v1/accounts/%s/deposit", ts.URL, a.ID),
		map[string]string{"asset": asset, "amount": amount})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return a.ID
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)

	seller := createFundedAccount(t, ts, "BTC", "2")
	buyer := createFundedAccount(t, ts, "USD", "100000")

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/orders", map[string]any{
		"account_id": seller, "market": "BTC/USD", "side": "sell",
		"type": "limit", "price": "50000", "quantity": "1", "time_in_force": "GTC",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/orders", map[string]any{
		"account_id": buyer, "market": "BTC/USD", "side": "buy",
		"type": "limit", "price": "50000", "quantity": "0.4", "time_in_force": "GTC",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var res lob.MatchResult
	require.NoError(t, json.Unmarshal(body, &res))
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "filled", res.Taker.Status.String())

	// The partially filled maker is queryable and cancelable.
	makerID := res.Trades[0].MakerOrderID
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/orders/"+makerID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var maker lob.Order
	require.NoError(t, json.Unmarshal(body, &maker))
	assert.Equal(t, "partially_filled", maker.Status.String())

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/orders/"+makerID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Market data endpoints see the trade.
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/ticker?market=BTC/USD", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tk marketdata.Ticker
	require.NoError(t, json.Unmarshal(body, &tk))
	assert.True(t, tk.LastPrice.Equal(d("50000")))

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/trades?market=BTC/USD", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var trades []lob.Trade
	require.NoError(t, json.Unmarshal(body, &trades))
	assert.Len(t, trades, 1)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/candles?market=BTC/USD&interval=1m", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var candles []marketdata.Candle
	require.NoError(t, json.Unmarshal(body, &candles))
	assert.Len(t, candles, 1)
}

func TestErrorEnvelopeAndStatusMapping(t *testing.T) {
	ts, _ := newTestServer(t)

	buyer := createFundedAccount(t, ts, "USD", "100")

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{
			name: "unknown account", method: http.MethodGet,
			path:   "/api/v1/accounts/" + uuid.NewString(),
			status: http.StatusNotFound, code: "not_found",
		},
		{
			name: "unknown order", method: http.MethodDelete,
			path:   "/api/v1/orders/" + uuid.NewString(),
			status: http.StatusNotFound, code: "not_found",
		},
		{
			name: "unknown market ticker", method: http.MethodGet,
			path:   "/api/v1/ticker?market=DOGE/USD",
			status: http.StatusNotFound, code: "not_found",
		},
		{
			name: "insufficient balance", method: http.MethodPost,
			path: "/api/v1/orders",
			body: map[string]any{
				"account_id": buyer, "market": "BTC/USD", "side": "buy",
				"type": "limit", "price": "50000", "quantity": "1", "time_in_force": "GTC",
			},
			status: http.StatusBadRequest, code: "insufficient_balance",
		},
		{
			name: "malformed order id", method: http.MethodGet,
			path:   "/api/v1/orders/not-a-uuid",
			status: http.StatusBadRequest, code: "invalid_order",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := doJSON(t, tc.method, ts.URL+tc.path, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)

			var env errorEnvelope
			require.NoError(t, json.Unmarshal(body, &env))
			assert.Equal(t, tc.code, env.Error.Code)
			assert.NotEmpty(t, env.Error.Message)
			assert.NotEmpty(t, env.RequestID)
		})
	}
}

func TestRequestIDPropagated(t *testing.T) {
	ts, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/accounts/"+uuid.NewString(), nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))
	var env errorEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, "req-123", env.RequestID)
}

func TestBalancesEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	acct := createFundedAccount(t, ts, "USD", "500")

	resp, body := doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/v1/accounts/%s/balances", ts.URL, acct), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var balances []ledger.Balance
	require.NoError(t, json.Unmarshal(body, &balances))
	require.Len(t, balances, 1)
	assert.True(t, balances[0].Available.Equal(d("500")))

	// Untouched asset reads as a zero balance, not an error.
	resp, body = doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/v1/accounts/%s/balances?asset=BTC", ts.URL, acct), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var b ledger.Balance
	require.NoError(t, json.Unmarshal(body, &b))
	assert.True(t, b.Total.IsZero())
}
