package events

import (
	"sync"
)

type Listener interface {
	OnEvent(Event)
}

type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(ev Event) { f(ev) }

// Bus delivers events synchronously, in publish order, to the listeners
// registered for the event's kind. It is in-memory only.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Kind][]subscription
}

type subscription struct {
	id       uint64
	listener Listener
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Kind][]subscription)}
}

// Subscribe registers l for kind and returns a function that removes it.
func (b *Bus) Subscribe(kind Kind, l Listener) func() {
	if l == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, listener: l})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(kind, id) })
	}
}

// SubscribeAll registers l for every kind.
func (b *Bus) SubscribeAll(l Listener) func() {
	unsubs := make([]func(), 0, len(Kinds))
	for _, kind := range Kinds {
		unsubs = append(unsubs, b.Subscribe(kind, l))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (b *Bus) remove(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[kind]
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	b.subs[kind] = out
}

// Publish calls every listener of ev's kind before returning. Listeners may
// subscribe, unsubscribe or publish from inside OnEvent.
func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[ev.Kind()]...)
	b.mu.RUnlock()
	for _, s := range subs {
		s.listener.OnEvent(ev)
	}
}

func (b *Bus) ListenerCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
