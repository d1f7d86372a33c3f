package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"exchange-core/internal/core"
	"exchange-core/internal/fees"
	"exchange-core/internal/tracker"
)

type OrderRequest struct {
	ClientOrderID string
	Pair          string
	Side          core.Side
	Type          core.OrderType
	Amount        decimal.Decimal
	Price         decimal.Decimal
}

// Placement is the venue's synchronous answer to an accepted order. Fills
// executed during placement carry the same trade ids the stream reports.
type Placement struct {
	ExchangeOrderID string
	Status          tracker.FactStatus
	ExecutedAmount  decimal.Decimal
	ExecutedQuote   decimal.Decimal
	Fills           []tracker.Fill
	Time            time.Time
}

// Facts renders a placement as the facts the tracker folds.
func (p Placement) Facts(req OrderRequest) []tracker.Fact {
	status := p.Status
	if status == tracker.FactNone {
		status = tracker.FactOpen
	}
	out := make([]tracker.Fact, 0, len(p.Fills)+1)
	for i := range p.Fills {
		fill := p.Fills[i]
		out = append(out, tracker.Fact{
			Source:          tracker.SourceLocal,
			ClientOrderID:   req.ClientOrderID,
			ExchangeOrderID: p.ExchangeOrderID,
			Pair:            req.Pair,
			Fill:            &fill,
			Time:            p.Time,
		})
	}
	out = append(out, tracker.Fact{
		Source:          tracker.SourceLocal,
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: p.ExchangeOrderID,
		Pair:            req.Pair,
		Status:          status,
		ExecutedAmount:  p.ExecutedAmount,
		ExecutedQuote:   p.ExecutedQuote,
		Time:            p.Time,
	})
	return out
}

// Adapter is the venue transport a connector drives. Errors are classified
// with the core sentinels: ErrRejectedByVenue for definitive refusals,
// ErrTransport for everything worth retrying.
type Adapter interface {
	Name() string
	TradingRules(ctx context.Context) (map[string]core.TradingRule, error)
	Balances(ctx context.Context) (map[string]core.Balance, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (Placement, error)
	CancelOrder(ctx context.Context, pair, exchangeOrderID string) error
	// PollOrders returns a REST snapshot for the given orders: open status,
	// trades with their ids and terminal states for orders no longer open.
	PollOrders(ctx context.Context, refs []tracker.Ref) ([]tracker.Fact, error)
	// StreamEvents delivers pushed facts until ctx is done, reconnecting as
	// needed.
	StreamEvents(ctx context.Context) <-chan tracker.Fact
	DefaultFee(pair string, kind fees.Kind) decimal.Decimal
	Price(ctx context.Context, pair string, isBuy bool) (decimal.Decimal, error)
}
