package clock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"exchange-core/internal/core"
)

type Mode string

const (
	Realtime Mode = "realtime"
	Backtest Mode = "backtest"
)

const DefaultTickSize = time.Second

// TimeIterator is driven by a Clock. Advance must not block on the network
// and must tolerate a repeated or late timestamp.
type TimeIterator interface {
	Start(ctx context.Context, c *Clock) error
	Stop(ctx context.Context) error
	Advance(ctx context.Context, t time.Time)
}

// Options configures a Clock. Start is the synthetic first tick and is only
// used in backtest mode.
type Options struct {
	TickSize        time.Duration
	Start           time.Time
	IteratorTimeout time.Duration
	Logger          *zap.Logger
	Now             func() time.Time
	Sleep           func(ctx context.Context, d time.Duration) error
}

type Clock struct {
	mode    Mode
	tick    time.Duration
	timeout time.Duration
	logger  *zap.Logger
	wallNow func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	runMu   sync.Mutex
	mu      sync.Mutex
	iters   []TimeIterator
	started map[TimeIterator]bool
	current time.Time
	ticking bool
}

func New(mode Mode, opts Options) (*Clock, error) {
	if mode != Realtime && mode != Backtest {
		return nil, fmt.Errorf("%w: unknown mode %q", core.ErrClockState, mode)
	}
	if opts.TickSize <= 0 {
		opts.TickSize = DefaultTickSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	c := &Clock{
		mode:    mode,
		tick:    opts.TickSize,
		timeout: opts.IteratorTimeout,
		logger:  opts.Logger,
		wallNow: opts.Now,
		sleep:   opts.Sleep,
		started: make(map[TimeIterator]bool),
	}
	switch mode {
	case Backtest:
		if opts.Start.IsZero() {
			return nil, fmt.Errorf("%w: backtest mode needs a start time", core.ErrClockState)
		}
		c.current = opts.Start.UTC()
	case Realtime:
		c.current = c.wallNow().Truncate(c.tick)
	}
	return c, nil
}

func (c *Clock) Mode() Mode { return c.mode }

func (c *Clock) TickSize() time.Duration { return c.tick }

// Now is the last delivered tick, or the initial time before the first one.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Clock) AddIterator(it TimeIterator) error {
	if it == nil {
		return errors.New("nil iterator")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticking {
		return fmt.Errorf("%w: add iterator during tick", core.ErrClockState)
	}
	for _, existing := range c.iters {
		if existing == it {
			return nil
		}
	}
	c.iters = append(c.iters, it)
	return nil
}

func (c *Clock) RemoveIterator(it TimeIterator) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticking {
		return fmt.Errorf("%w: remove iterator during tick", core.ErrClockState)
	}
	for i, existing := range c.iters {
		if existing == it {
			c.iters = append(c.iters[:i], c.iters[i+1:]...)
			delete(c.started, it)
			return nil
		}
	}
	return nil
}

// Start starts every registered iterator not yet started, in registration
// order. The first failure aborts and is wrapped in ErrClockState.
func (c *Clock) Start(ctx context.Context) error {
	c.mu.Lock()
	pending := make([]TimeIterator, 0, len(c.iters))
	for _, it := range c.iters {
		if !c.started[it] {
			pending = append(pending, it)
		}
	}
	c.mu.Unlock()

	for _, it := range pending {
		if err := it.Start(ctx, c); err != nil {
			return errors.Join(core.ErrClockState, fmt.Errorf("start iterator: %w", err))
		}
		c.mu.Lock()
		c.started[it] = true
		c.mu.Unlock()
	}
	return nil
}

// Stop stops started iterators in reverse order and returns their errors
// joined.
func (c *Clock) Stop(ctx context.Context) error {
	c.mu.Lock()
	started := make([]TimeIterator, 0, len(c.iters))
	for _, it := range c.iters {
		if c.started[it] {
			started = append(started, it)
		}
	}
	c.started = make(map[TimeIterator]bool)
	c.mu.Unlock()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunUntil delivers ticks until target is reached. Backtest mode advances one
// tick per step as fast as iterators return; realtime mode sleeps until each
// whole tick boundary.
func (c *Clock) RunUntil(ctx context.Context, target time.Time) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if !target.After(c.Now()) {
		return fmt.Errorf("%w: target %s is not after current tick %s", core.ErrClockState, target.Format(time.RFC3339Nano), c.Now().Format(time.RFC3339Nano))
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next := c.Now().Add(c.tick)
		if next.After(target) {
			return nil
		}
		if c.mode == Realtime {
			next = c.nextBoundary()
			if next.After(target) {
				if err := c.sleep(ctx, target.Sub(c.wallNow())); err != nil {
					return err
				}
				return nil
			}
			if wait := next.Sub(c.wallNow()); wait > 0 {
				if err := c.sleep(ctx, wait); err != nil {
					return err
				}
			}
		}
		c.deliver(ctx, next)
	}
}

// nextBoundary is the first whole tick after both the last tick and wall time.
func (c *Clock) nextBoundary() time.Time {
	last := c.Now()
	next := c.wallNow().Truncate(c.tick).Add(c.tick)
	if !next.After(last) {
		next = last.Add(c.tick)
	}
	return next
}

func (c *Clock) deliver(ctx context.Context, t time.Time) {
	c.mu.Lock()
	c.current = t
	c.ticking = true
	iters := append([]TimeIterator(nil), c.iters...)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.ticking = false
		c.mu.Unlock()
	}()

	for _, it := range iters {
		c.advance(ctx, it, t)
	}
}

func (c *Clock) advance(ctx context.Context, it TimeIterator, t time.Time) {
	if c.timeout <= 0 {
		it.Advance(ctx, t)
		return
	}
	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	began := c.wallNow()
	it.Advance(tctx, t)
	if elapsed := c.wallNow().Sub(began); elapsed > c.timeout {
		c.logger.Warn("iterator_overran_tick",
			zap.Time("tick", t),
			zap.Duration("elapsed", elapsed),
			zap.Duration("timeout", c.timeout))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
