package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit      OrderType = "LIMIT"
	Market     OrderType = "MARKET"
	LimitMaker OrderType = "LIMIT_MAKER"
)

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

func (t OrderType) Valid() bool {
	switch t {
	case Limit, Market, LimitMaker:
		return true
	default:
		return false
	}
}

// TradingRule is the venue-mandated metadata for one trading pair. Zero
// values disable the corresponding check.
type TradingRule struct {
	Pair               string
	BaseAsset          string
	QuoteAsset         string
	MinPrice           decimal.Decimal
	MinPriceIncrement  decimal.Decimal
	MinAmountIncrement decimal.Decimal
	MinOrderSize       decimal.Decimal
	MinNotional        decimal.Decimal
}

// SplitPair splits a "BASE-QUOTE" trading pair.
func SplitPair(pair string) (base, quote string) {
	base, quote, ok := strings.Cut(pair, "-")
	if !ok {
		return pair, ""
	}
	return base, quote
}

// NormalizePair upper-cases and trims a pair name.
func NormalizePair(pair string) string {
	return strings.ToUpper(strings.TrimSpace(pair))
}

type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}
