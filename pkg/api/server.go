// Package api exposes the trading engine over REST and websocket.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lobx/lobx/pkg/exchange"
	"github.com/lobx/lobx/pkg/ledger"
	"github.com/lobx/lobx/pkg/lob"
	"github.com/lobx/lobx/pkg/marketdata"
)

// Server is the HTTP gateway. It owns no trading state; every request
// is delegated to the exchange, ledger or market data service.
type Server struct {
	exchange *exchange.Exchange
	ledger   *ledger.Ledger
	md       *marketdata.Service
	hub      *marketdata.Hub
	logger   *zap.Logger

	wsWriteTimeout time.Duration
	registry       *prometheus.Registry
}

// NewServer wires the gateway. registry may be nil to disable
// /metrics.
func NewServer(x *exchange.Exchange, led *ledger.Ledger, md *marketdata.Service, hub *marketdata.Hub, registry *prometheus.Registry, wsWriteTimeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if wsWriteTimeout <= 0 {
		wsWriteTimeout = 10 * time.Second
	}
	return &Server{
		exchange:       x,
		ledger:         led,
		md:             md,
		hub:            hub,
		logger:         logger,
		wsWriteTimeout: wsWriteTimeout,
		registry:       registry,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("POST /api/v1/accounts", s.handleCreateAccount)
	mux.HandleFunc("GET /api/v1/accounts/{id}", s.handleGetAccount)
	mux.HandleFunc("GET /api/v1/accounts/{id}/balances", s.handleGetBalances)
	mux.HandleFunc("GET /api/v1/accounts/{id}/orders", s.handleListOrders)
	mux.HandleFunc("POST /api/v1/accounts/{id}/deposit", s.handleDeposit)
	mux.HandleFunc("POST /api/v1/accounts/{id}/withdraw", s.handleWithdraw)

	mux.HandleFunc("GET /api/v1/markets", s.handleMarkets)
	mux.HandleFunc("POST /api/v1/orders", s.handlePlaceOrder)
	mux.HandleFunc("GET /api/v1/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("DELETE /api/v1/orders/{id}", s.handleCancelOrder)

	mux.HandleFunc("GET /api/v1/depth", s.handleDepth)
	mux.HandleFunc("GET /api/v1/trades", s.handleTrades)
	mux.HandleFunc("GET /api/v1/ticker", s.handleTicker)
	mux.HandleFunc("GET /api/v1/tickers", s.handleTickers)
	mux.HandleFunc("GET /api/v1/candles", s.handleCandles)

	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return s.withRequestID(mux)
}

type ctxKey int

const requestIDKey ctxKey = 0

// withRequestID tags every request with an id used in error envelopes
// and logs.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.ledger.CreateAccount(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, a)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.ledger.GetAccount(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, a)
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if asset := r.URL.Query().Get("asset"); asset != "" {
		b, err := s.ledger.GetBalance(r.Context(), id, asset)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, b)
		return
	}
	bs, err := s.ledger.GetBalances(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, bs)
}

type fundsRequest struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleFunds(w, r, s.ledger.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleFunds(w, r, s.ledger.Withdraw)
}

func (s *Server) handleFunds(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, account uuid.UUID, asset string, amount decimal.Decimal) (ledger.Balance, error)) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req fundsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, lob.Wrap(lob.InvalidOrder, err, "malformed request body"))
		return
	}
	if _, err := s.ledger.GetAccount(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := op(r.Context(), id, req.Asset, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, b)
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.exchange.Markets())
}

type placeOrderRequest struct {
	AccountID   uuid.UUID       `json:"account_id"`
	Market      string          `json:"market"`
	Side        lob.Side        `json:"side"`
	Type        lob.OrderType   `json:"type"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	TimeInForce lob.TimeInForce `json:"time_in_force"`
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, lob.Wrap(lob.InvalidOrder, err, "malformed request body"))
		return
	}

	var o lob.Order
	if req.Type == lob.TypeMarket {
		o = lob.NewMarketOrder(req.AccountID, req.Market, req.Side, req.Quantity)
	} else {
		o = lob.NewLimitOrder(req.AccountID, req.Market, req.Side, req.Price, req.Quantity, req.TimeInForce)
	}

	res, err := s.exchange.PlaceOrder(r.Context(), o)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, res)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	o, err := s.exchange.GetOrder(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	o, err := s.exchange.CancelOrder(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, o)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	orders, err := s.exchange.ListOrders(r.Context(), id, r.URL.Query().Get("market"), queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, orders)
}

func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	d, err := s.md.GetDepth(r.URL.Query().Get("market"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, d)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.md.GetRecentTrades(r.URL.Query().Get("market"), queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, trades)
}

func (s *Server) handleTicker(w http.ResponseWriter, r *http.Request) {
	t, err := s.md.GetTicker(r.URL.Query().Get("market"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, t)
}

func (s *Server) handleTickers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.md.GetAllTickers())
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	interval := marketdata.Interval(q.Get("interval"))
	if interval == "" {
		interval = marketdata.Interval1m
	}
	candles, err := s.md.GetCandles(q.Get("market"), interval, queryInt(r, "limit", 500))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, candles)
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, lob.Ef(lob.InvalidOrder, "malformed %s: %v", name, err)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
