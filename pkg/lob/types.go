// Package lob implements per-market limit order books with
// price-time priority matching.
package lob

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side represents order side (buy/sell)
type Side int

const (
	Buy Side = iota
	Sell
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// MarshalJSON encodes the side as "buy" or "sell".
func (s Side) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes "buy" or "sell".
func (s *Side) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case `"buy"`:
		*s = Buy
	case `"sell"`:
		*s = Sell
	default:
		return fmt.Errorf("invalid side %s", b)
	}
	return nil
}

// OrderType represents the type of order
type OrderType int

const (
	TypeLimit OrderType = iota
	TypeMarket
)

func (t OrderType) String() string {
	if t == TypeMarket {
		return "market"
	}
	return "limit"
}

// MarshalJSON encodes the order type as "limit" or "market".
func (t OrderType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON decodes "limit" or "market".
func (t *OrderType) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case `"limit"`:
		*t = TypeLimit
	case `"market"`:
		*t = TypeMarket
	default:
		return fmt.Errorf("invalid order type %s", b)
	}
	return nil
}

// TimeInForce controls how long an order stays eligible for matching.
type TimeInForce int

const (
	// GTC rests any unfilled remainder on the book.
	GTC TimeInForce = iota
	// IOC cancels any unfilled remainder immediately.
	IOC
)

func (f TimeInForce) String() string {
	if f == IOC {
		return "IOC"
	}
	return "GTC"
}

// MarshalJSON encodes the time in force as "GTC" or "IOC".
func (f TimeInForce) MarshalJSON() ([]byte, error) {
	return []byte(`"` + f.String() + `"`), nil
}

// UnmarshalJSON decodes "GTC" or "IOC".
func (f *TimeInForce) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case `"GTC"`:
		*f = GTC
	case `"IOC"`:
		*f = IOC
	default:
		return fmt.Errorf("invalid time in force %s", b)
	}
	return nil
}

// Status is the lifecycle state of an order. Filled and Canceled are
// terminal.
type Status int

const (
	New Status = iota
	PartiallyFilled
	Filled
	Canceled
)

func (s Status) String() string {
	switch s {
	case New:
		return "new"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Canceled:
		return "canceled"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == Filled || s == Canceled
}

// MarshalJSON encodes the status as its lowercase name.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes a lowercase status name.
func (s *Status) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case `"new"`:
		*s = New
	case `"partially_filled"`:
		*s = PartiallyFilled
	case `"filled"`:
		*s = Filled
	case `"canceled"`:
		*s = Canceled
	default:
		return fmt.Errorf("invalid status %s", b)
	}
	return nil
}

// Market describes a trading pair and its listing constraints. Markets
// are immutable after registration.
type Market struct {
	Symbol      string          `json:"symbol"`
	BaseAsset   string          `json:"base_asset"`
	QuoteAsset  string          `json:"quote_asset"`
	TickSize    decimal.Decimal `json:"tick_size"`
	StepSize    decimal.Decimal `json:"step_size"`
	MinPrice    decimal.Decimal `json:"min_price"`
	MaxPrice    decimal.Decimal `json:"max_price"`
	MinQuantity decimal.Decimal `json:"min_quantity"`
	MaxQuantity decimal.Decimal `json:"max_quantity"`
}

// Validate checks that the market spec is well formed.
func (m Market) Validate() error {
	if m.Symbol == "" || m.BaseAsset == "" || m.QuoteAsset == "" {
		return Ef(InvalidOrder, "market %q: symbol and assets are required", m.Symbol)
	}
	if m.Symbol != m.BaseAsset+"/"+m.QuoteAsset {
		return Ef(InvalidOrder, "market %q: symbol must be BASE/QUOTE", m.Symbol)
	}
	if !m.TickSize.IsPositive() || !m.StepSize.IsPositive() {
		return Ef(InvalidOrder, "market %q: tick and step sizes must be positive", m.Symbol)
	}
	if m.MinPrice.IsNegative() || m.MaxPrice.LessThan(m.MinPrice) {
		return Ef(InvalidOrder, "market %q: invalid price range", m.Symbol)
	}
	if m.MinQuantity.IsNegative() || m.MaxQuantity.LessThan(m.MinQuantity) {
		return Ef(InvalidOrder, "market %q: invalid quantity range", m.Symbol)
	}
	return nil
}

// Order is a request to trade on a market. Price is meaningful only
// for limit orders.
type Order struct {
	ID           uuid.UUID       `json:"id"`
	AccountID    uuid.UUID       `json:"account_id"`
	Market       string          `json:"market"`
	Side         Side            `json:"side"`
	Type         OrderType       `json:"type"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Filled       decimal.Decimal `json:"filled_quantity"`
	Remaining    decimal.Decimal `json:"remaining_quantity"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	TimeInForce  TimeInForce     `json:"time_in_force"`
	Status       Status          `json:"status"`
	Sequence     uint64          `json:"sequence"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewLimitOrder builds a limit order in state New.
func NewLimitOrder(account uuid.UUID, market string, side Side, price, quantity decimal.Decimal, tif TimeInForce) Order {
	now := time.Now().UTC()
	return Order{
		ID:          uuid.New(),
		AccountID:   account,
		Market:      market,
		Side:        side,
		Type:        TypeLimit,
		Price:       price,
		Quantity:    quantity,
		Remaining:   quantity,
		TimeInForce: tif,
		Status:      New,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// NewMarketOrder builds a market order in state New. Market orders are
// implicitly immediate-or-cancel.
func NewMarketOrder(account uuid.UUID, market string, side Side, quantity decimal.Decimal) Order {
	now := time.Now().UTC()
	return Order{
		ID:          uuid.New(),
		AccountID:   account,
		Market:      market,
		Side:        side,
		Type:        TypeMarket,
		Quantity:    quantity,
		Remaining:   quantity,
		TimeInForce: IOC,
		Status:      New,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsFilled reports whether the order has no remaining quantity.
func (o *Order) IsFilled() bool {
	return o.Remaining.IsZero()
}

// Active reports whether the order can still be matched.
func (o *Order) Active() bool {
	return o.Status == New || o.Status == PartiallyFilled
}

// fill applies a single execution of quantity at price, updating the
// fill counters, average price and status.
func (o *Order) fill(price, quantity decimal.Decimal, now time.Time) {
	notional := o.AvgFillPrice.Mul(o.Filled).Add(price.Mul(quantity))
	o.Filled = o.Filled.Add(quantity)
	o.Remaining = o.Remaining.Sub(quantity)
	o.AvgFillPrice = notional.Div(o.Filled)
	if o.Remaining.IsZero() {
		o.Status = Filled
	} else {
		o.Status = PartiallyFilled
	}
	o.UpdatedAt = now
}

// Trade is one execution between a resting maker order and an
// incoming taker order. Trades are immutable once emitted.
type Trade struct {
	ID             uuid.UUID       `json:"id"`
	Market         string          `json:"market"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	Amount         decimal.Decimal `json:"amount"`
	MakerOrderID   uuid.UUID       `json:"maker_order_id"`
	TakerOrderID   uuid.UUID       `json:"taker_order_id"`
	MakerAccountID uuid.UUID       `json:"maker_account_id"`
	TakerAccountID uuid.UUID       `json:"taker_account_id"`
	TakerSide      Side            `json:"taker_side"`
	Sequence       uint64          `json:"sequence"`
	ExecutedAt     time.Time       `json:"executed_at"`
}

// Level is one aggregated price level of a depth snapshot.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// MatchResult is the outcome of a single order placement. Taker and
// Makers are value snapshots, not live references into the book.
type MatchResult struct {
	Taker  Order   `json:"taker"`
	Makers []Order `json:"makers"`
	Trades []Trade `json:"trades"`

	// Book state needed to reverse the placement; see Book.Unwind.
	prevLast decimal.Decimal
}
