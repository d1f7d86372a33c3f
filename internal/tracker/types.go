package tracker

import (
	"time"

	"github.com/shopspring/decimal"

	"exchange-core/internal/core"
	"exchange-core/internal/fees"
)

type Status int

const (
	PendingCreate Status = iota
	Open
	PartiallyFilled
	Completed
	Cancelled
	Failed
)

func (s Status) String() string {
	switch s {
	case PendingCreate:
		return "pending_create"
	case Open:
		return "open"
	case PartiallyFilled:
		return "partially_filled"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

// rank orders statuses for the fold rule; all terminal states share the top rank.
func (s Status) rank() int {
	if s.Terminal() {
		return 3
	}
	return int(s)
}

type Source string

const (
	SourceLocal  Source = "local"
	SourceREST   Source = "rest"
	SourceStream Source = "stream"
)

// FactStatus is the order state a venue message reports.
type FactStatus string

const (
	FactNone            FactStatus = ""
	FactOpen            FactStatus = "open"
	FactPartiallyFilled FactStatus = "partially_filled"
	FactFilled          FactStatus = "filled"
	FactCancelled       FactStatus = "cancelled"
	FactRejected        FactStatus = "rejected"
	FactExpired         FactStatus = "expired"
)

func (s FactStatus) terminal() bool {
	switch s {
	case FactFilled, FactCancelled, FactRejected, FactExpired:
		return true
	default:
		return false
	}
}

// Fill is one execution reported by the venue. Liquidity is empty when the
// venue does not say whether the fill was maker or taker.
type Fill struct {
	TradeID   string
	Amount    decimal.Decimal
	Price     decimal.Decimal
	Fee       decimal.Decimal
	FeeAsset  string
	Liquidity fees.Kind
	Time      time.Time
}

// Fact is one inbound observation about an order. Either ClientOrderID or
// ExchangeOrderID must be set.
type Fact struct {
	Source          Source
	ClientOrderID   string
	ExchangeOrderID string
	Pair            string
	Status          FactStatus
	Fill            *Fill
	// ExecutedAmount and ExecutedQuote are cumulative totals from a venue
	// snapshot; zero when the message does not carry them.
	ExecutedAmount decimal.Decimal
	ExecutedQuote  decimal.Decimal
	Reason         string
	Time           time.Time
}

func (f Fact) rank() int {
	switch {
	case f.Status.terminal():
		return 3
	case f.Status == FactPartiallyFilled || f.Fill != nil:
		return 2
	case f.Status == FactOpen:
		return 1
	default:
		return 0
	}
}

// Order is a snapshot of one tracked order.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	Pair            string
	Side            core.Side
	Type            core.OrderType
	Price           decimal.Decimal
	Amount          decimal.Decimal
	FilledAmount    decimal.Decimal
	FilledQuote     decimal.Decimal
	FeePaid         decimal.Decimal
	FeeAsset        string
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (o Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.FilledAmount)
}

// Ref identifies an order for a REST reconciliation pass.
type Ref struct {
	ClientOrderID   string
	ExchangeOrderID string
	Pair            string
}

func (o Order) Ref() Ref {
	return Ref{ClientOrderID: o.ClientOrderID, ExchangeOrderID: o.ExchangeOrderID, Pair: o.Pair}
}
