package events

import (
	"context"
	"sync"
)

// Logger records every event it receives and lets callers block until an
// event of a given kind shows up.
type Logger struct {
	mu      sync.Mutex
	log     []Event
	waiters []waiter
}

type waiter struct {
	kind Kind
	ch   chan Event
}

func NewLogger() *Logger {
	return &Logger{}
}

func (l *Logger) OnEvent(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log = append(l.log, ev)
	kept := l.waiters[:0]
	for _, w := range l.waiters {
		if w.kind == ev.Kind() {
			w.ch <- ev
			continue
		}
		kept = append(kept, w)
	}
	l.waiters = kept
}

// Events returns a copy of the recorded log.
func (l *Logger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.log...)
}

func (l *Logger) OfKind(kind Kind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, 0)
	for _, ev := range l.log {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (l *Logger) Clear() {
	l.mu.Lock()
	l.log = nil
	l.mu.Unlock()
}

// WaitFor blocks until the next event of kind is recorded.
func (l *Logger) WaitFor(ctx context.Context, kind Kind) (Event, error) {
	ch := make(chan Event, 1)
	l.mu.Lock()
	l.waiters = append(l.waiters, waiter{kind: kind, ch: ch})
	l.mu.Unlock()

	select {
	case ev := <-ch:
		return ev, nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w.ch == ch {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
		select {
		case ev := <-ch:
			return ev, nil
		default:
		}
		return nil, ctx.Err()
	}
}
