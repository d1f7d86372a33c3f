package core

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Quantizer rounds order prices and amounts to the increments published by
// the venue. Rules are replaced wholesale by the connector when the adapter
// refreshes them and are otherwise read-only.
type Quantizer struct {
	mu    sync.RWMutex
	rules map[string]TradingRule
}

func NewQuantizer(rules map[string]TradingRule) *Quantizer {
	q := &Quantizer{}
	q.SetRules(rules)
	return q
}

func (q *Quantizer) SetRules(rules map[string]TradingRule) {
	copied := make(map[string]TradingRule, len(rules))
	for pair, rule := range rules {
		pair = NormalizePair(pair)
		rule.Pair = pair
		copied[pair] = rule
	}
	q.mu.Lock()
	q.rules = copied
	q.mu.Unlock()
}

func (q *Quantizer) Rule(pair string) (TradingRule, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	rule, ok := q.rules[NormalizePair(pair)]
	return rule, ok
}

func (q *Quantizer) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.rules)
}

func (q *Quantizer) QuantizePrice(pair string, raw decimal.Decimal) (decimal.Decimal, error) {
	rule, ok := q.Rule(pair)
	if !ok {
		return decimal.Zero, RuleViolation("no trading rule for %s", pair)
	}
	return QuantizePrice(rule, raw)
}

func (q *Quantizer) QuantizeAmount(pair string, raw decimal.Decimal) (decimal.Decimal, error) {
	rule, ok := q.Rule(pair)
	if !ok {
		return decimal.Zero, RuleViolation("no trading rule for %s", pair)
	}
	return QuantizeAmount(rule, raw)
}

// QuantizeOrder quantizes amount and price and checks the notional minimum.
// Market orders keep price as a reference only; a zero reference price
// skips the notional check.
func (q *Quantizer) QuantizeOrder(pair string, orderType OrderType, amount, price decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	rule, ok := q.Rule(pair)
	if !ok {
		return decimal.Zero, decimal.Zero, RuleViolation("no trading rule for %s", pair)
	}
	return QuantizeOrder(rule, orderType, amount, price)
}

func QuantizeOrder(rule TradingRule, orderType OrderType, amount, price decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if !orderType.Valid() {
		return decimal.Zero, decimal.Zero, RuleViolation("unsupported order type %q", orderType)
	}
	qty, err := QuantizeAmount(rule, amount)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if orderType == Market {
		if price.Cmp(decimal.Zero) <= 0 {
			return qty, decimal.Zero, nil
		}
		if err := checkNotional(rule, qty, price); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		return qty, price, nil
	}
	px, err := QuantizePrice(rule, price)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if err := checkNotional(rule, qty, px); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return qty, px, nil
}

func QuantizePrice(rule TradingRule, raw decimal.Decimal) (decimal.Decimal, error) {
	if raw.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, RuleViolation("price %s must be > 0", raw)
	}
	price := RoundNearest(raw, rule.MinPriceIncrement)
	minPrice := rule.MinPrice
	if minPrice.Cmp(decimal.Zero) <= 0 {
		minPrice = rule.MinPriceIncrement
	}
	if price.Cmp(decimal.Zero) <= 0 || price.Cmp(minPrice) < 0 {
		return decimal.Zero, RuleViolation("price %s below min price %s", price, minPrice)
	}
	return price, nil
}

func QuantizeAmount(rule TradingRule, raw decimal.Decimal) (decimal.Decimal, error) {
	if raw.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, RuleViolation("amount %s must be > 0", raw)
	}
	amount := RoundDown(raw, rule.MinAmountIncrement)
	if amount.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, RuleViolation("amount %s rounds to zero at increment %s", raw, rule.MinAmountIncrement)
	}
	if rule.MinOrderSize.Cmp(decimal.Zero) > 0 && amount.Cmp(rule.MinOrderSize) < 0 {
		return decimal.Zero, RuleViolation("amount %s below min order size %s", amount, rule.MinOrderSize)
	}
	return amount, nil
}

func checkNotional(rule TradingRule, amount, price decimal.Decimal) error {
	if rule.MinNotional.Cmp(decimal.Zero) <= 0 {
		return nil
	}
	notional := price.Mul(amount)
	if notional.Cmp(rule.MinNotional) < 0 {
		return RuleViolation("notional %s below min notional %s", notional, rule.MinNotional)
	}
	return nil
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// RoundNearest rounds to the closest multiple of step, halves away from zero.
func RoundNearest(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Round(0).Mul(step)
}
