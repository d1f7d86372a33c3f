package tracker

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-core/internal/core"
	"exchange-core/internal/events"
	"exchange-core/internal/fees"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestTracker(t *testing.T, opts Options) (*Tracker, *events.Logger, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	if opts.Now == nil {
		opts.Now = clk.Now
	}
	bus := events.NewBus()
	log := events.NewLogger()
	bus.SubscribeAll(log)
	return New(bus, opts), log, clk
}

func dashBuy(id string) Order {
	return Order{
		ClientOrderID: id,
		Pair:          "DASH-BTC",
		Side:          core.Buy,
		Type:          core.Limit,
		Price:         d("0.0105"),
		Amount:        d("0.01"),
	}
}

func kinds(evs []events.Event) []events.Kind {
	out := make([]events.Kind, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Kind())
	}
	return out
}

func TestLimitBuyLifecycle(t *testing.T) {
	tr, log, _ := newTestTracker(t, Options{})
	h, err := tr.Track(dashBuy("c1"))
	require.NoError(t, err)

	tr.Apply(Fact{Source: SourceLocal, ClientOrderID: "c1", ExchangeOrderID: "x1", Status: FactOpen})
	tr.Apply(Fact{
		Source:          SourceStream,
		ExchangeOrderID: "x1",
		Fill:            &Fill{TradeID: "t1", Amount: d("0.01"), Price: d("0.0105")},
	})

	assert.Equal(t, []events.Kind{
		events.KindBuyOrderCreated,
		events.KindOrderFilled,
		events.KindBuyOrderCompleted,
	}, kinds(log.Events()))

	filled := log.OfKind(events.KindOrderFilled)[0].(events.OrderFilled)
	assert.True(t, filled.Amount.Equal(d("0.01")))
	assert.Equal(t, "x1", filled.ExchangeOrderID)

	done := log.OfKind(events.KindBuyOrderCompleted)[0].(events.OrderCompleted)
	assert.Equal(t, "DASH", done.BaseAsset)
	assert.Equal(t, "BTC", done.QuoteAsset)
	assert.True(t, done.BaseAssetAmount.Equal(d("0.01")))
	assert.True(t, done.QuoteAssetAmount.Equal(d("0.000105")))

	select {
	case <-h.Done():
	default:
		t.Fatal("done channel not closed after completion")
	}
	assert.Equal(t, Completed, h.Snapshot().Status)
	assert.Equal(t, 0, tr.Len())
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestFoldIsOrderIndependent(t *testing.T) {
	facts := []Fact{
		{Source: SourceStream, ClientOrderID: "c1", ExchangeOrderID: "x1", Status: FactOpen},
		{Source: SourceStream, ExchangeOrderID: "x1", Fill: &Fill{TradeID: "t1", Amount: d("0.4"), Price: d("10")}},
		{Source: SourceREST, ExchangeOrderID: "x1", Fill: &Fill{TradeID: "t2", Amount: d("0.6"), Price: d("10")}},
		{Source: SourceREST, ClientOrderID: "c1", ExchangeOrderID: "x1", Status: FactFilled, ExecutedAmount: d("1"), ExecutedQuote: d("10")},
	}

	for _, perm := range permutations(len(facts)) {
		for _, batched := range []bool{false, true} {
			tr, log, _ := newTestTracker(t, Options{})
			_, err := tr.Track(Order{ClientOrderID: "c1", Pair: "ETH-USDT", Side: core.Sell, Type: core.Limit, Price: d("10"), Amount: d("1")})
			require.NoError(t, err)

			ordered := make([]Fact, 0, len(facts))
			for _, i := range perm {
				ordered = append(ordered, facts[i])
			}
			if batched {
				tr.Apply(ordered...)
			} else {
				for _, f := range ordered {
					tr.Apply(f)
				}
			}

			total := decimal.Zero
			for _, ev := range log.OfKind(events.KindOrderFilled) {
				total = total.Add(ev.(events.OrderFilled).Amount)
			}
			assert.True(t, total.Equal(d("1")), "perm %v batched=%v total=%s", perm, batched, total)
			assert.Len(t, log.OfKind(events.KindSellOrderCreated), 1, "perm %v", perm)
			require.Len(t, log.OfKind(events.KindSellOrderCompleted), 1, "perm %v", perm)
			done := log.OfKind(events.KindSellOrderCompleted)[0].(events.OrderCompleted)
			assert.True(t, done.BaseAssetAmount.Equal(d("1")))
			assert.True(t, done.QuoteAssetAmount.Equal(d("10")))
			assert.Equal(t, events.KindSellOrderCompleted, log.Events()[len(log.Events())-1].Kind())
		}
	}
}

func TestDuplicateTradeAppliedOnce(t *testing.T) {
	tr, log, _ := newTestTracker(t, Options{})
	_, err := tr.Track(dashBuy("c1"))
	require.NoError(t, err)

	fill := &Fill{TradeID: "t1", Amount: d("0.004"), Price: d("0.0105")}
	tr.Apply(Fact{Source: SourceStream, ClientOrderID: "c1", ExchangeOrderID: "x1", Fill: fill})
	tr.Apply(Fact{Source: SourceREST, ExchangeOrderID: "x1", Fill: fill})

	assert.Len(t, log.OfKind(events.KindOrderFilled), 1)
	o, ok := tr.Get("c1")
	require.True(t, ok)
	assert.True(t, o.FilledAmount.Equal(d("0.004")))
	assert.Equal(t, PartiallyFilled, o.Status)
}

func TestStatusNeverRegresses(t *testing.T) {
	tr, log, _ := newTestTracker(t, Options{})
	_, err := tr.Track(dashBuy("c1"))
	require.NoError(t, err)

	tr.Apply(Fact{ClientOrderID: "c1", ExchangeOrderID: "x1", Fill: &Fill{TradeID: "t1", Amount: d("0.002"), Price: d("0.0105")}})
	tr.Apply(Fact{ClientOrderID: "c1", Status: FactOpen})

	o, _ := tr.Get("c1")
	assert.Equal(t, PartiallyFilled, o.Status)
	assert.Len(t, log.OfKind(events.KindBuyOrderCreated), 1)
}

func TestFillClampedToRemaining(t *testing.T) {
	tr, log, _ := newTestTracker(t, Options{})
	_, err := tr.Track(dashBuy("c1"))
	require.NoError(t, err)

	tr.Apply(Fact{ClientOrderID: "c1", Fill: &Fill{TradeID: "t1", Amount: d("0.02"), Price: d("0.0105")}})

	filled := log.OfKind(events.KindOrderFilled)
	require.Len(t, filled, 1)
	assert.True(t, filled[0].(events.OrderFilled).Amount.Equal(d("0.01")))
	assert.Len(t, log.OfKind(events.KindBuyOrderCompleted), 1)
}

func TestRejectedOrderFailsWithoutCreated(t *testing.T) {
	tr, log, _ := newTestTracker(t, Options{})
	h, err := tr.Track(dashBuy("c1"))
	require.NoError(t, err)

	tr.Apply(Fact{Source: SourceLocal, ClientOrderID: "c1", Status: FactRejected, Reason: "insufficient balance"})

	assert.Equal(t, []events.Kind{events.KindOrderFailed}, kinds(log.Events()))
	failed := log.Events()[0].(events.OrderFailed)
	assert.Equal(t, "insufficient balance", failed.Reason)
	assert.Equal(t, core.Limit, failed.Type)
	<-h.Done()
	assert.Equal(t, Failed, h.Snapshot().Status)
}

func TestCancelWithPartialFillReconcilesGap(t *testing.T) {
	tr, log, _ := newTestTracker(t, Options{})
	_, err := tr.Track(Order{ClientOrderID: "c1", Pair: "ETH-USDT", Side: core.Buy, Type: core.Limit, Price: d("10"), Amount: d("1")})
	require.NoError(t, err)

	tr.Apply(Fact{Source: SourceREST, ClientOrderID: "c1", ExchangeOrderID: "x1", Status: FactCancelled, ExecutedAmount: d("0.25"), ExecutedQuote: d("2.4")})

	assert.Equal(t, []events.Kind{
		events.KindBuyOrderCreated,
		events.KindOrderFilled,
		events.KindOrderCancelled,
	}, kinds(log.Events()))
	fill := log.OfKind(events.KindOrderFilled)[0].(events.OrderFilled)
	assert.True(t, fill.Price.Equal(d("9.6")))
	assert.Equal(t, "reconcile-x1-0.25", fill.TradeID)
}

func TestLateFactForEvictedOrderIgnored(t *testing.T) {
	tr, log, _ := newTestTracker(t, Options{})
	_, err := tr.Track(dashBuy("c1"))
	require.NoError(t, err)
	tr.Apply(Fact{ClientOrderID: "c1", ExchangeOrderID: "x1", Status: FactCancelled})

	n := tr.Apply(Fact{ExchangeOrderID: "x1", Fill: &Fill{TradeID: "t9", Amount: d("0.01"), Price: d("0.0105")}})
	assert.Equal(t, 0, n)
	assert.Empty(t, log.OfKind(events.KindOrderFilled))
}

func TestDuplicateClientID(t *testing.T) {
	tr, _, _ := newTestTracker(t, Options{})
	_, err := tr.Track(dashBuy("c1"))
	require.NoError(t, err)
	_, err = tr.Track(dashBuy("c1"))
	assert.True(t, errors.Is(err, core.ErrDuplicateOrder))
}

func TestStaleWindow(t *testing.T) {
	tr, _, clk := newTestTracker(t, Options{})
	start := clk.now
	_, err := tr.Track(dashBuy("c1"))
	require.NoError(t, err)

	assert.Empty(t, tr.Stale(start.Add(29*time.Second), 30*time.Second))
	stale := tr.Stale(start.Add(30*time.Second), 30*time.Second)
	require.Len(t, stale, 1)
	assert.Equal(t, "c1", stale[0].ClientOrderID)

	tr.MarkChecked([]Ref{stale[0].Ref()}, start.Add(30*time.Second))
	assert.Empty(t, tr.Stale(start.Add(40*time.Second), 30*time.Second))
	assert.Len(t, tr.Stale(start.Add(60*time.Second), 30*time.Second), 1)

	clk.now = start.Add(70 * time.Second)
	tr.Apply(Fact{ClientOrderID: "c1", Status: FactOpen})
	assert.Empty(t, tr.Stale(start.Add(80*time.Second), 30*time.Second))
}

func TestDeferredCancelReleasedOnExchangeID(t *testing.T) {
	tr, _, _ := newTestTracker(t, Options{})
	_, err := tr.Track(dashBuy("c1"))
	require.NoError(t, err)

	_, issue, err := tr.RequestCancel("c1")
	require.NoError(t, err)
	assert.False(t, issue)
	assert.Empty(t, tr.DeferredCancels())

	tr.Apply(Fact{ClientOrderID: "c1", ExchangeOrderID: "x1", Status: FactOpen})
	deferred := tr.DeferredCancels()
	require.Len(t, deferred, 1)
	assert.Equal(t, "x1", deferred[0].ExchangeOrderID)
	assert.Empty(t, tr.DeferredCancels())

	tr.CancelFailed("c1")
	assert.Len(t, tr.DeferredCancels(), 1)

	_, _, err = tr.RequestCancel("missing")
	assert.True(t, errors.Is(err, core.ErrOrderNotFound))
}

func TestFeeFuncPricesFills(t *testing.T) {
	tr, log, _ := newTestTracker(t, Options{
		Fee: func(Order, Fill) fees.TradeFee { return fees.TradeFee{Percent: d("0.001")} },
	})
	_, err := tr.Track(Order{ClientOrderID: "c1", Pair: "ETH-USDT", Side: core.Sell, Type: core.Market, Amount: d("2")})
	require.NoError(t, err)

	tr.Apply(Fact{ClientOrderID: "c1", Fill: &Fill{TradeID: "t1", Amount: d("2"), Price: d("100")}})

	done := log.OfKind(events.KindSellOrderCompleted)
	require.Len(t, done, 1)
	ev := done[0].(events.OrderCompleted)
	assert.True(t, ev.FeeAmount.Equal(d("0.2")))
	assert.Equal(t, "USDT", ev.FeeAsset)
}

func TestListenerMayCallBackIntoTracker(t *testing.T) {
	clk := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	bus := events.NewBus()
	tr := New(bus, Options{Now: clk.Now})
	var seen int
	bus.Subscribe(events.KindBuyOrderCompleted, events.ListenerFunc(func(events.Event) {
		seen = tr.Len()
		_, err := tr.Track(dashBuy("c2"))
		require.NoError(t, err)
	}))
	_, err := tr.Track(dashBuy("c1"))
	require.NoError(t, err)

	tr.Apply(Fact{ClientOrderID: "c1", Status: FactFilled})

	assert.Equal(t, 1, seen)
	_, ok := tr.Get("c2")
	assert.True(t, ok)
	_, ok = tr.Get("c1")
	assert.False(t, ok)
}
