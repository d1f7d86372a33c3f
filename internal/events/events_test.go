package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-core/internal/core"
)

func TestCreatedAndCompletedKindsFollowSide(t *testing.T) {
	assert.Equal(t, KindBuyOrderCreated, OrderCreated{Side: core.Buy}.Kind())
	assert.Equal(t, KindSellOrderCreated, OrderCreated{Side: core.Sell}.Kind())
	assert.Equal(t, KindBuyOrderCompleted, OrderCompleted{Side: core.Buy}.Kind())
	assert.Equal(t, KindSellOrderCompleted, OrderCompleted{Side: core.Sell}.Kind())
}

func TestBusDeliversInOrderToEachListenerOnce(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.Subscribe(KindOrderCancelled, ListenerFunc(func(ev Event) {
		got = append(got, "a:"+ev.OrderID())
	}))
	bus.Subscribe(KindOrderCancelled, ListenerFunc(func(ev Event) {
		got = append(got, "b:"+ev.OrderID())
	}))
	bus.Subscribe(KindOrderFailed, ListenerFunc(func(ev Event) {
		got = append(got, "failed:"+ev.OrderID())
	}))

	bus.Publish(OrderCancelled{ClientOrderID: "1"})
	bus.Publish(OrderCancelled{ClientOrderID: "2"})

	assert.Equal(t, []string{"a:1", "b:1", "a:2", "b:2"}, got)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	calls := 0
	unsub := bus.Subscribe(KindOrderFilled, ListenerFunc(func(Event) { calls++ }))
	require.Equal(t, 1, bus.ListenerCount(KindOrderFilled))

	bus.Publish(OrderFilled{ClientOrderID: "x"})
	unsub()
	unsub()
	bus.Publish(OrderFilled{ClientOrderID: "x"})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.ListenerCount(KindOrderFilled))
}

func TestBusListenerMayUnsubscribeDuringDelivery(t *testing.T) {
	bus := NewBus()
	calls := 0
	var unsub func()
	unsub = bus.Subscribe(KindOrderFailed, ListenerFunc(func(Event) {
		calls++
		unsub()
	}))

	bus.Publish(OrderFailed{ClientOrderID: "1"})
	bus.Publish(OrderFailed{ClientOrderID: "2"})

	assert.Equal(t, 1, calls)
}

func TestSubscribeAllCoversEveryKind(t *testing.T) {
	bus := NewBus()
	log := NewLogger()
	unsub := bus.SubscribeAll(log)
	for _, kind := range Kinds {
		assert.Equal(t, 1, bus.ListenerCount(kind), string(kind))
	}

	bus.Publish(OrderCreated{ClientOrderID: "1", Side: core.Sell})
	bus.Publish(OrderCancelled{ClientOrderID: "1"})
	require.Len(t, log.Events(), 2)
	assert.Len(t, log.OfKind(KindSellOrderCreated), 1)

	unsub()
	for _, kind := range Kinds {
		assert.Equal(t, 0, bus.ListenerCount(kind))
	}
	log.Clear()
	assert.Empty(t, log.Events())
}

func TestLoggerWaitFor(t *testing.T) {
	log := NewLogger()
	done := make(chan Event, 1)
	go func() {
		ev, err := log.WaitFor(context.Background(), KindOrderCancelled)
		if err == nil {
			done <- ev
		}
		close(done)
	}()

	require.Eventually(t, func() bool {
		log.mu.Lock()
		defer log.mu.Unlock()
		return len(log.waiters) == 1
	}, time.Second, 5*time.Millisecond)

	log.OnEvent(OrderFailed{ClientOrderID: "other"})
	log.OnEvent(OrderCancelled{ClientOrderID: "42"})

	select {
	case ev, ok := <-done:
		require.True(t, ok)
		assert.Equal(t, "42", ev.OrderID())
	case <-time.After(time.Second):
		t.Fatal("WaitFor did not return")
	}
}

func TestLoggerWaitForTimeout(t *testing.T) {
	log := NewLogger()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ev, err := log.WaitFor(ctx, KindOrderFilled)
	assert.Nil(t, ev)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, log.waiters)
}
