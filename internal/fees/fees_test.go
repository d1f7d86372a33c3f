package fees

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-core/internal/core"
)

type staticDefaults struct {
	maker decimal.Decimal
	taker decimal.Decimal
}

func (s staticDefaults) DefaultFee(_ string, kind Kind) decimal.Decimal {
	if kind == Maker {
		return s.maker
	}
	return s.taker
}

func beaxyDefaults() staticDefaults {
	return staticDefaults{
		maker: decimal.RequireFromString("0.0015"),
		taker: decimal.RequireFromString("0.0025"),
	}
}

func marketBuy() FeeRequest {
	return FeeRequest{
		Pair:      "BTC-ETH",
		OrderType: core.Market,
		Side:      core.Buy,
		Amount:    decimal.NewFromInt(1),
		Price:     decimal.RequireFromString("0.1"),
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Maker, Classify(core.LimitMaker, false))
	assert.Equal(t, Maker, Classify(core.LimitMaker, true))
	assert.Equal(t, Maker, Classify(core.Limit, false))
	assert.Equal(t, Taker, Classify(core.Limit, true))
	assert.Equal(t, Taker, Classify(core.Market, false))
}

func TestTakerOverrideTakesEffectOnNextCall(t *testing.T) {
	overrides := NewOverrides()
	model := NewModel("beaxy", overrides, beaxyDefaults())

	overrides.SetPercent("beaxy", Taker, nil)
	assert.True(t, decimal.RequireFromString("0.0025").Equal(model.Fee(marketBuy()).Percent))

	pct := decimal.RequireFromString("0.2")
	overrides.SetPercent("beaxy", Taker, &pct)
	assert.True(t, decimal.RequireFromString("0.002").Equal(model.Fee(marketBuy()).Percent))

	overrides.Clear("beaxy", Taker)
	assert.True(t, decimal.RequireFromString("0.0025").Equal(model.Fee(marketBuy()).Percent))
}

func TestOverrideDoesNotLeakAcrossKindsOrVenues(t *testing.T) {
	overrides := NewOverrides()
	beaxy := NewModel("beaxy", overrides, beaxyDefaults())
	other := NewModel("binance", overrides, beaxyDefaults())

	pct := decimal.RequireFromString("0.75")
	overrides.SetPercent("beaxy", Maker, &pct)

	limitBuy := marketBuy()
	limitBuy.OrderType = core.Limit
	assert.True(t, decimal.RequireFromString("0.0075").Equal(beaxy.Fee(limitBuy).Percent))
	assert.True(t, decimal.RequireFromString("0.0025").Equal(beaxy.Fee(marketBuy()).Percent))
	assert.True(t, decimal.RequireFromString("0.0015").Equal(other.Fee(limitBuy).Percent))

	overrides.Reset()
	assert.True(t, decimal.RequireFromString("0.0015").Equal(beaxy.Fee(limitBuy).Percent))
}

func TestDecodeOverrideFile(t *testing.T) {
	overrides := NewOverrides()
	err := overrides.Decode(strings.NewReader("beaxy_maker_fee: 0.1\nbeaxy_taker_fee:\nbinance_taker_fee: 0.075\n"))
	require.NoError(t, err)

	got, ok := overrides.Get("beaxy", Maker)
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("0.001").Equal(got))

	_, ok = overrides.Get("beaxy", Taker)
	assert.False(t, ok)

	got, ok = overrides.Get("BINANCE", Taker)
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("0.00075").Equal(got))
}

func TestDecodeOverrideFileRejectsBadKeys(t *testing.T) {
	overrides := NewOverrides()
	assert.Error(t, overrides.Decode(strings.NewReader("beaxy_fee: 0.1\n")))
	assert.Error(t, overrides.Decode(strings.NewReader("beaxy_taker_fee: abc\n")))
	assert.Error(t, overrides.Decode(strings.NewReader("beaxy_taker_fee: -1\n")))
}

func TestTradeFeeAmount(t *testing.T) {
	fee := TradeFee{Percent: decimal.RequireFromString("0.002")}
	got := fee.Amount(decimal.RequireFromString("0.01"), decimal.RequireFromString("0.5"))
	assert.True(t, decimal.RequireFromString("0.00001").Equal(got))
}
