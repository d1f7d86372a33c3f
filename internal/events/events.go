package events

import (
	"time"

	"github.com/shopspring/decimal"

	"exchange-core/internal/core"
	"exchange-core/internal/fees"
)

type Kind string

const (
	KindBuyOrderCreated    Kind = "buy_order_created"
	KindSellOrderCreated   Kind = "sell_order_created"
	KindOrderFilled        Kind = "order_filled"
	KindBuyOrderCompleted  Kind = "buy_order_completed"
	KindSellOrderCompleted Kind = "sell_order_completed"
	KindOrderCancelled     Kind = "order_cancelled"
	KindOrderFailed        Kind = "order_failed"
)

// Kinds lists every event kind in a stable order.
var Kinds = []Kind{
	KindBuyOrderCreated,
	KindSellOrderCreated,
	KindOrderFilled,
	KindBuyOrderCompleted,
	KindSellOrderCompleted,
	KindOrderCancelled,
	KindOrderFailed,
}

// Event is the closed set of order lifecycle notifications. Only the types
// declared in this package implement it.
type Event interface {
	Kind() Kind
	OrderID() string
	At() time.Time
	sealed()
}

type OrderCreated struct {
	Timestamp       time.Time
	ClientOrderID   string
	ExchangeOrderID string
	Pair            string
	Side            core.Side
	Type            core.OrderType
	Amount          decimal.Decimal
	Price           decimal.Decimal
}

type OrderFilled struct {
	Timestamp       time.Time
	ClientOrderID   string
	ExchangeOrderID string
	TradeID         string
	Pair            string
	Side            core.Side
	Type            core.OrderType
	Amount          decimal.Decimal
	Price           decimal.Decimal
	Fee             fees.TradeFee
}

type OrderCompleted struct {
	Timestamp        time.Time
	ClientOrderID    string
	ExchangeOrderID  string
	Side             core.Side
	Type             core.OrderType
	BaseAsset        string
	QuoteAsset       string
	FeeAsset         string
	BaseAssetAmount  decimal.Decimal
	QuoteAssetAmount decimal.Decimal
	FeeAmount        decimal.Decimal
}

type OrderCancelled struct {
	Timestamp       time.Time
	ClientOrderID   string
	ExchangeOrderID string
}

type OrderFailed struct {
	Timestamp     time.Time
	ClientOrderID string
	Type          core.OrderType
	Reason        string
}

func (e OrderCreated) Kind() Kind {
	if e.Side == core.Sell {
		return KindSellOrderCreated
	}
	return KindBuyOrderCreated
}

func (e OrderCompleted) Kind() Kind {
	if e.Side == core.Sell {
		return KindSellOrderCompleted
	}
	return KindBuyOrderCompleted
}

func (OrderFilled) Kind() Kind    { return KindOrderFilled }
func (OrderCancelled) Kind() Kind { return KindOrderCancelled }
func (OrderFailed) Kind() Kind    { return KindOrderFailed }

func (e OrderCreated) OrderID() string   { return e.ClientOrderID }
func (e OrderFilled) OrderID() string    { return e.ClientOrderID }
func (e OrderCompleted) OrderID() string { return e.ClientOrderID }
func (e OrderCancelled) OrderID() string { return e.ClientOrderID }
func (e OrderFailed) OrderID() string    { return e.ClientOrderID }

func (e OrderCreated) At() time.Time   { return e.Timestamp }
func (e OrderFilled) At() time.Time    { return e.Timestamp }
func (e OrderCompleted) At() time.Time { return e.Timestamp }
func (e OrderCancelled) At() time.Time { return e.Timestamp }
func (e OrderFailed) At() time.Time    { return e.Timestamp }

func (OrderCreated) sealed()   {}
func (OrderFilled) sealed()    {}
func (OrderCompleted) sealed() {}
func (OrderCancelled) sealed() {}
func (OrderFailed) sealed()    {}
