package core

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func dashBTCRule() TradingRule {
	return TradingRule{
		Pair:               "DASH-BTC",
		BaseAsset:          "DASH",
		QuoteAsset:         "BTC",
		MinPriceIncrement:  decimal.RequireFromString("0.000001"),
		MinAmountIncrement: decimal.RequireFromString("0.001"),
		MinOrderSize:       decimal.RequireFromString("0.01"),
		MinNotional:        decimal.RequireFromString("0.0001"),
	}
}

func TestQuantizeOrderLimitRoundsPriceAndAmount(t *testing.T) {
	rule := TradingRule{
		MinOrderSize:       decimal.RequireFromString("0.01"),
		MinNotional:        decimal.RequireFromString("10"),
		MinPriceIncrement:  decimal.RequireFromString("0.01"),
		MinAmountIncrement: decimal.RequireFromString("0.001"),
	}

	qty, price, err := QuantizeOrder(rule, Limit, decimal.RequireFromString("0.123456"), decimal.RequireFromString("100.037"))
	if err != nil {
		t.Fatalf("QuantizeOrder() error = %v", err)
	}
	if !price.Equal(decimal.RequireFromString("100.04")) {
		t.Fatalf("unexpected rounded price: %s", price)
	}
	if !qty.Equal(decimal.RequireFromString("0.123")) {
		t.Fatalf("unexpected rounded qty: %s", qty)
	}
}

func TestQuantizePriceRoundsHalfAwayFromZero(t *testing.T) {
	rule := TradingRule{MinPriceIncrement: decimal.RequireFromString("0.5")}
	cases := map[string]string{
		"10.25": "10.5",
		"10.24": "10",
		"10.75": "11",
		"0.25":  "0.5",
	}
	for raw, want := range cases {
		got, err := QuantizePrice(rule, decimal.RequireFromString(raw))
		if err != nil {
			t.Fatalf("QuantizePrice(%s) error = %v", raw, err)
		}
		if !got.Equal(decimal.RequireFromString(want)) {
			t.Fatalf("QuantizePrice(%s) = %s, want %s", raw, got, want)
		}
	}
}

func TestQuantizePriceBelowMinPrice(t *testing.T) {
	rule := TradingRule{MinPriceIncrement: decimal.RequireFromString("0.5")}
	_, err := QuantizePrice(rule, decimal.RequireFromString("0.2"))
	if !errors.Is(err, ErrRuleViolation) {
		t.Fatalf("QuantizePrice() error = %v, want %v", err, ErrRuleViolation)
	}

	rule.MinPrice = decimal.RequireFromString("5")
	_, err = QuantizePrice(rule, decimal.RequireFromString("4.7"))
	if !errors.Is(err, ErrRuleViolation) {
		t.Fatalf("QuantizePrice() error = %v, want %v", err, ErrRuleViolation)
	}
}

func TestQuantizeAmountIsFlooredMultiple(t *testing.T) {
	rule := dashBTCRule()
	inputs := []string{"0.01", "0.0109", "0.123456", "1.9999", "7", "0.010000001"}
	for _, raw := range inputs {
		in := decimal.RequireFromString(raw)
		got, err := QuantizeAmount(rule, in)
		if err != nil {
			t.Fatalf("QuantizeAmount(%s) error = %v", raw, err)
		}
		if got.GreaterThan(in) {
			t.Fatalf("QuantizeAmount(%s) = %s exceeds input", raw, got)
		}
		if !got.Mod(rule.MinAmountIncrement).IsZero() {
			t.Fatalf("QuantizeAmount(%s) = %s is not a multiple of %s", raw, got, rule.MinAmountIncrement)
		}
	}
}

func TestQuantizeAmountBelowMinOrderSize(t *testing.T) {
	_, err := QuantizeAmount(dashBTCRule(), decimal.RequireFromString("0.0099"))
	if !errors.Is(err, ErrRuleViolation) {
		t.Fatalf("QuantizeAmount() error = %v, want %v", err, ErrRuleViolation)
	}
}

func TestQuantizeOrderBelowMinNotional(t *testing.T) {
	rule := TradingRule{MinNotional: decimal.RequireFromString("6")}
	_, _, err := QuantizeOrder(rule, Limit, decimal.RequireFromString("0.05"), decimal.RequireFromString("100"))
	if !errors.Is(err, ErrRuleViolation) {
		t.Fatalf("QuantizeOrder() error = %v, want %v", err, ErrRuleViolation)
	}
}

func TestQuantizeOrderMarketNotionalRules(t *testing.T) {
	rule := TradingRule{MinNotional: decimal.RequireFromString("60")}

	if _, _, err := QuantizeOrder(rule, Market, decimal.RequireFromString("1"), decimal.Zero); err != nil {
		t.Fatalf("QuantizeOrder() no-price market error = %v", err)
	}
	if _, _, err := QuantizeOrder(rule, Market, decimal.RequireFromString("1"), decimal.RequireFromString("50")); !errors.Is(err, ErrRuleViolation) {
		t.Fatalf("QuantizeOrder() market with price error = %v, want %v", err, ErrRuleViolation)
	}
}

func TestQuantizerUnknownPair(t *testing.T) {
	q := NewQuantizer(map[string]TradingRule{"dash-btc": dashBTCRule()})
	if _, err := q.QuantizeAmount("DASH-BTC", decimal.RequireFromString("0.01")); err != nil {
		t.Fatalf("QuantizeAmount(DASH-BTC) error = %v", err)
	}
	if _, err := q.QuantizeAmount("ETH-BTC", decimal.RequireFromString("1")); !errors.Is(err, ErrRuleViolation) {
		t.Fatalf("QuantizeAmount(ETH-BTC) error = %v, want %v", err, ErrRuleViolation)
	}
}

func TestSplitPair(t *testing.T) {
	base, quote := SplitPair("DASH-BTC")
	if base != "DASH" || quote != "BTC" {
		t.Fatalf("SplitPair() = %s/%s, want DASH/BTC", base, quote)
	}
}

func TestTransportKeepsVenueRejection(t *testing.T) {
	rejected := RejectedByVenue("post only would cross")
	if got := Transport(rejected); !errors.Is(got, ErrRejectedByVenue) || errors.Is(got, ErrTransport) {
		t.Fatalf("Transport(rejected) = %v", got)
	}
	if got := Transport(errors.New("connection reset")); !IsRetryable(got) {
		t.Fatalf("Transport(reset) should be retryable")
	}
}
