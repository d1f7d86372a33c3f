package fees

import (
	"github.com/shopspring/decimal"

	"exchange-core/internal/core"
)

type Kind string

const (
	Maker Kind = "maker"
	Taker Kind = "taker"
)

type FlatFee struct {
	Asset  string
	Amount decimal.Decimal
}

type TradeFee struct {
	Percent  decimal.Decimal
	FlatFees []FlatFee
}

// Amount returns the fee charged on a fill of amount at price, in quote
// units, ignoring flat fees.
func (f TradeFee) Amount(amount, price decimal.Decimal) decimal.Decimal {
	return amount.Mul(price).Mul(f.Percent)
}

type FeeRequest struct {
	Pair      string
	OrderType core.OrderType
	Side      core.Side
	Amount    decimal.Decimal
	Price     decimal.Decimal
	// CrossesBook is the adapter's hint that a LIMIT order executes
	// immediately against resting liquidity.
	CrossesBook bool
}

// DefaultSource publishes a venue's default fee schedule.
type DefaultSource interface {
	DefaultFee(pair string, kind Kind) decimal.Decimal
}

// Classify maps an order type to its fee class.
func Classify(orderType core.OrderType, crossesBook bool) Kind {
	switch orderType {
	case core.LimitMaker:
		return Maker
	case core.Limit:
		if crossesBook {
			return Taker
		}
		return Maker
	default:
		return Taker
	}
}

// Model resolves fees for one venue. It never caches: the override table is
// consulted on every call.
type Model struct {
	venue     string
	overrides *Overrides
	defaults  DefaultSource
}

func NewModel(venue string, overrides *Overrides, defaults DefaultSource) *Model {
	if overrides == nil {
		overrides = NewOverrides()
	}
	return &Model{venue: venue, overrides: overrides, defaults: defaults}
}

func (m *Model) Venue() string { return m.venue }

func (m *Model) Overrides() *Overrides { return m.overrides }

func (m *Model) Fee(req FeeRequest) TradeFee {
	kind := Classify(req.OrderType, req.CrossesBook)
	return TradeFee{Percent: m.Percent(req.Pair, kind)}
}

func (m *Model) Percent(pair string, kind Kind) decimal.Decimal {
	if pct, ok := m.overrides.Get(m.venue, kind); ok {
		return pct
	}
	if m.defaults == nil {
		return decimal.Zero
	}
	return m.defaults.DefaultFee(pair, kind)
}
