package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"exchange-core/internal/clock"
	"exchange-core/internal/core"
	"exchange-core/internal/events"
	"exchange-core/internal/exchange"
	"exchange-core/internal/fees"
	"exchange-core/internal/tracker"
)

const (
	defaultPollInterval   = 10 * time.Second
	defaultStaleAfter     = 30 * time.Second
	defaultQueueSize      = 1024
	defaultMaxConcurrent  = 8
	defaultRequestTimeout = 10 * time.Second
)

type Options struct {
	InstanceID            string
	PollInterval          time.Duration
	StaleAfter            time.Duration
	QueueSize             int
	MaxConcurrentRequests int64
	RequestTimeout        time.Duration
	FillEpsilon           decimal.Decimal
	Overrides             *fees.Overrides
	Logger                *zap.Logger
	Now                   func() time.Time
}

// Connector tracks orders on one venue. It is driven by a clock.Clock and
// never blocks a tick on the network: placements, cancels and REST polls run
// in background goroutines and report back through a bounded fact queue that
// Advance drains.
type Connector struct {
	adapter   exchange.Adapter
	opts      Options
	logger    *zap.Logger
	prefix    string
	bus       *events.Bus
	tracker   *tracker.Tracker
	quantizer *core.Quantizer
	fees      *fees.Model
	sem       *semaphore.Weighted
	queue     chan tracker.Fact

	lifeMu  sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	advanceMu sync.Mutex
	lastTick  time.Time
	lastPoll  time.Time
	polling   atomic.Bool
	loading   atomic.Bool
	dirty     atomic.Bool

	mu             sync.RWMutex
	balances       map[string]core.Balance
	placing        map[string]struct{}
	rulesLoaded    bool
	balancesLoaded bool
}

var _ clock.TimeIterator = (*Connector)(nil)

func New(adapter exchange.Adapter, opts Options) (*Connector, error) {
	if adapter == nil {
		return nil, errors.New("adapter is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.MaxConcurrentRequests <= 0 {
		opts.MaxConcurrentRequests = defaultMaxConcurrent
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Overrides == nil {
		opts.Overrides = fees.NewOverrides()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger.With(zap.String("venue", adapter.Name()))
	c := &Connector{
		adapter:   adapter,
		opts:      opts,
		logger:    logger,
		prefix:    normalizeClientOrderPrefix(opts.InstanceID),
		bus:       events.NewBus(),
		quantizer: core.NewQuantizer(nil),
		fees:      fees.NewModel(adapter.Name(), opts.Overrides, adapter),
		sem:       semaphore.NewWeighted(opts.MaxConcurrentRequests),
		queue:     make(chan tracker.Fact, opts.QueueSize),
		balances:  make(map[string]core.Balance),
		placing:   make(map[string]struct{}),
	}
	c.bus.SubscribeAll(events.ListenerFunc(c.markBalancesDirty))
	c.tracker = tracker.New(c.bus, tracker.Options{
		Epsilon: opts.FillEpsilon,
		Fee:     c.fillFee,
		Logger:  logger,
		Now:     opts.Now,
	})
	return c, nil
}

func (c *Connector) Name() string { return c.adapter.Name() }

// Start launches the stream pump and the initial rules and balances load.
// It returns without waiting for either.
func (c *Connector) Start(ctx context.Context, _ *clock.Clock) error {
	c.lifeMu.Lock()
	if c.started {
		c.lifeMu.Unlock()
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.started = true
	stream := c.adapter.StreamEvents(c.ctx)
	c.wg.Add(1)
	go c.pump(c.ctx, stream)
	c.lifeMu.Unlock()

	c.loadAsync()
	c.logger.Info("connector_started", zap.String("client_order_prefix", c.prefix))
	return nil
}

// Stop cancels background work and waits for it, bounded by ctx.
func (c *Connector) Stop(ctx context.Context) error {
	c.lifeMu.Lock()
	if !c.started {
		c.lifeMu.Unlock()
		return nil
	}
	c.started = false
	c.cancel()
	c.lifeMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("connector_stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop connector: %w", ctx.Err())
	}
}

func (c *Connector) lifecycle() (context.Context, bool) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	return c.ctx, c.started
}

// Advance folds everything observed since the previous tick. Repeated or
// older timestamps are ignored.
func (c *Connector) Advance(_ context.Context, t time.Time) {
	c.advanceMu.Lock()
	defer c.advanceMu.Unlock()
	if !t.After(c.lastTick) {
		return
	}
	c.lastTick = t
	if _, ok := c.lifecycle(); !ok {
		return
	}
	if !c.Ready() {
		c.loadAsync()
	}

	c.fold()
	if c.dirty.Swap(false) {
		c.goAsync("refresh_balances", c.refreshBalances)
	}
	c.maybePoll(c.opts.Now())
}

// fold applies queued facts and sends cancels that were waiting for an
// exchange id. Callers hold advanceMu.
func (c *Connector) fold() {
	if facts := c.drain(); len(facts) > 0 {
		c.tracker.Apply(facts...)
	}
	for _, o := range c.tracker.DeferredCancels() {
		c.sendCancel(o)
	}
}

// markBalancesDirty schedules a balance refresh after anything that moves
// funds.
func (c *Connector) markBalancesDirty(ev events.Event) {
	switch ev.(type) {
	case events.OrderFilled, events.OrderCancelled, events.OrderFailed:
		c.dirty.Store(true)
	}
}

func (c *Connector) pump(ctx context.Context, stream <-chan tracker.Fact) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-stream:
			if !ok {
				return
			}
			if f.Source == "" {
				f.Source = tracker.SourceStream
			}
			c.enqueue(ctx, f)
		}
	}
}

func (c *Connector) enqueue(ctx context.Context, facts ...tracker.Fact) {
	for _, f := range facts {
		select {
		case c.queue <- f:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connector) drain() []tracker.Fact {
	var facts []tracker.Fact
	for {
		select {
		case f := <-c.queue:
			facts = append(facts, f)
		default:
			return facts
		}
	}
}

// spawn runs fn on the connector's wait group. It refuses once Stop began so
// the group is never grown while Stop waits on it.
func (c *Connector) spawn(fn func(ctx context.Context)) bool {
	c.lifeMu.Lock()
	if !c.started {
		c.lifeMu.Unlock()
		return false
	}
	ctx := c.ctx
	c.wg.Add(1)
	c.lifeMu.Unlock()
	go func() {
		defer c.wg.Done()
		fn(ctx)
	}()
	return true
}

// goAsync runs fn in the background holding one request slot.
func (c *Connector) goAsync(name string, fn func(ctx context.Context)) bool {
	return c.spawn(func(ctx context.Context) {
		c.withSlot(ctx, name, fn)
	})
}

// withSlot calls fn with a request timeout once a request slot is free. fn is
// skipped when ctx ends first.
func (c *Connector) withSlot(ctx context.Context, name string, fn func(ctx context.Context)) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.logger.Debug("request_abandoned", zap.String("request", name), zap.Error(err))
		return
	}
	defer c.sem.Release(1)
	rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	fn(rctx)
}

func (c *Connector) loadAsync() {
	if !c.loading.CompareAndSwap(false, true) {
		return
	}
	started := c.goAsync("load_rules_and_balances", func(ctx context.Context) {
		defer c.loading.Store(false)
		if !c.rulesReady() {
			rules, err := c.adapter.TradingRules(ctx)
			if err != nil {
				c.logger.Warn("trading_rules_fetch_failed", zap.Error(core.Transport(err)))
				return
			}
			c.quantizer.SetRules(rules)
			c.mu.Lock()
			c.rulesLoaded = true
			c.mu.Unlock()
			c.logger.Info("trading_rules_loaded", zap.Int("pairs", len(rules)))
		}
		c.refreshBalances(ctx)
	})
	if !started {
		c.loading.Store(false)
	}
}

func (c *Connector) refreshBalances(ctx context.Context) {
	balances, err := c.adapter.Balances(ctx)
	if err != nil {
		c.logger.Warn("balances_fetch_failed", zap.Error(core.Transport(err)))
		return
	}
	c.mu.Lock()
	c.balances = balances
	c.balancesLoaded = true
	c.mu.Unlock()
}

func (c *Connector) rulesReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rulesLoaded
}

// Ready reports whether trading rules and balances have been loaded.
func (c *Connector) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rulesLoaded && c.balancesLoaded
}

// maybePoll launches a REST reconciliation pass when the poll interval has
// elapsed or some order went stale. At most one pass is in flight. Orders
// whose placement request has not returned yet are left out: the venue may
// not know them so a miss would wrongly fail them.
func (c *Connector) maybePoll(now time.Time) {
	stale := c.withoutPlacing(c.tracker.Stale(now, c.opts.StaleAfter))
	if now.Sub(c.lastPoll) < c.opts.PollInterval && len(stale) == 0 {
		return
	}
	if !c.polling.CompareAndSwap(false, true) {
		return
	}
	for _, o := range stale {
		c.logger.Warn("stale_state_detected",
			zap.String("client_order_id", o.ClientOrderID),
			zap.String("exchange_order_id", o.ExchangeOrderID),
			zap.String("status", o.Status.String()),
			zap.Error(core.ErrStaleState))
	}
	orders := c.withoutPlacing(c.tracker.Orders())
	refs := make([]tracker.Ref, 0, len(orders))
	for _, o := range orders {
		refs = append(refs, o.Ref())
	}
	c.tracker.MarkChecked(refs, now)
	c.lastPoll = now

	started := c.goAsync("poll_orders", func(ctx context.Context) {
		defer c.polling.Store(false)
		if len(refs) > 0 {
			facts, err := c.adapter.PollOrders(ctx, refs)
			if err != nil {
				c.logger.Warn("poll_orders_failed", zap.Int("orders", len(refs)), zap.Error(core.Transport(err)))
			}
			for i := range facts {
				if facts[i].Source == "" {
					facts[i].Source = tracker.SourceREST
				}
			}
			lifeCtx, _ := c.lifecycle()
			c.enqueue(lifeCtx, facts...)
		}
		c.refreshBalances(ctx)
	})
	if !started {
		c.polling.Store(false)
	}
}

func (c *Connector) markPlacing(clientOrderID string) {
	c.mu.Lock()
	c.placing[clientOrderID] = struct{}{}
	c.mu.Unlock()
}

func (c *Connector) placed(clientOrderID string) {
	c.mu.Lock()
	delete(c.placing, clientOrderID)
	c.mu.Unlock()
}

func (c *Connector) withoutPlacing(orders []tracker.Order) []tracker.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.placing) == 0 {
		return orders
	}
	out := orders[:0]
	for _, o := range orders {
		if _, ok := c.placing[o.ClientOrderID]; !ok {
			out = append(out, o)
		}
	}
	return out
}

// Buy submits a buy order and returns its client order id. Rule violations
// are returned immediately; everything else surfaces as events.
func (c *Connector) Buy(pair string, amount decimal.Decimal, orderType core.OrderType, price decimal.Decimal) (string, error) {
	return c.placeOrder(core.Buy, pair, amount, orderType, price)
}

func (c *Connector) Sell(pair string, amount decimal.Decimal, orderType core.OrderType, price decimal.Decimal) (string, error) {
	return c.placeOrder(core.Sell, pair, amount, orderType, price)
}

func (c *Connector) placeOrder(side core.Side, pair string, amount decimal.Decimal, orderType core.OrderType, price decimal.Decimal) (string, error) {
	if _, ok := c.lifecycle(); !ok || !c.rulesReady() {
		return "", core.ErrNotReady
	}
	if !orderType.Valid() {
		return "", core.RuleViolation("unsupported order type %q", orderType)
	}
	pair = core.NormalizePair(pair)
	qty, px, err := c.quantizer.QuantizeOrder(pair, orderType, amount, price)
	if err != nil {
		return "", err
	}
	req := exchange.OrderRequest{
		ClientOrderID: c.newClientOrderID(),
		Pair:          pair,
		Side:          side,
		Type:          orderType,
		Amount:        qty,
		Price:         px,
	}
	c.markPlacing(req.ClientOrderID)
	if _, err := c.tracker.Track(tracker.Order{
		ClientOrderID: req.ClientOrderID,
		Pair:          pair,
		Side:          side,
		Type:          orderType,
		Price:         px,
		Amount:        qty,
	}); err != nil {
		c.placed(req.ClientOrderID)
		return "", err
	}
	started := c.spawn(func(ctx context.Context) {
		defer c.placed(req.ClientOrderID)
		c.withSlot(ctx, "place_order", func(rctx context.Context) {
			c.submit(rctx, req)
		})
	})
	if !started {
		c.placed(req.ClientOrderID)
	}
	return req.ClientOrderID, nil
}

func (c *Connector) submit(ctx context.Context, req exchange.OrderRequest) {
	placed, err := c.adapter.PlaceOrder(ctx, req)
	lifeCtx, _ := c.lifecycle()
	if err != nil {
		if errors.Is(err, core.ErrRejectedByVenue) {
			c.logger.Warn("order_rejected",
				zap.String("client_order_id", req.ClientOrderID),
				zap.String("pair", req.Pair),
				zap.Error(err))
			c.enqueue(lifeCtx, tracker.Fact{
				Source:        tracker.SourceLocal,
				ClientOrderID: req.ClientOrderID,
				Pair:          req.Pair,
				Status:        tracker.FactRejected,
				Reason:        err.Error(),
			})
			return
		}
		// Outcome unknown: the order stays PendingCreate until a REST pass
		// finds it or reports it missing.
		c.logger.Warn("place_order_failed",
			zap.String("client_order_id", req.ClientOrderID),
			zap.String("pair", req.Pair),
			zap.Bool("timeout", core.IsTimeout(err)),
			zap.Error(core.Transport(err)))
		return
	}
	c.enqueue(lifeCtx, placed.Facts(req)...)
}

// Cancel asks the venue to cancel an order. The tracked state only changes
// once the venue confirms.
func (c *Connector) Cancel(pair, clientOrderID string) error {
	if o, ok := c.tracker.Get(clientOrderID); ok && pair != "" && core.NormalizePair(pair) != o.Pair {
		return fmt.Errorf("%w: %s on %s", core.ErrOrderNotFound, clientOrderID, pair)
	}
	o, issue, err := c.tracker.RequestCancel(clientOrderID)
	if err != nil {
		return err
	}
	if issue {
		c.sendCancel(o)
	}
	return nil
}

func (c *Connector) sendCancel(o tracker.Order) {
	started := c.goAsync("cancel_order", func(ctx context.Context) {
		_ = c.doCancel(ctx, o)
	})
	if !started {
		c.tracker.CancelFailed(o.ClientOrderID)
	}
}

// doCancel calls the venue. Transport failures re-arm the cancel so the next
// tick retries it and are returned; definitive refusals are left to
// reconciliation.
func (c *Connector) doCancel(ctx context.Context, o tracker.Order) error {
	err := c.adapter.CancelOrder(ctx, o.Pair, o.ExchangeOrderID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrOrderNotFound), errors.Is(err, core.ErrRejectedByVenue):
		c.logger.Info("cancel_not_applied",
			zap.String("client_order_id", o.ClientOrderID),
			zap.String("exchange_order_id", o.ExchangeOrderID),
			zap.Error(err))
		return nil
	default:
		err = core.Transport(err)
		c.logger.Warn("cancel_order_failed",
			zap.String("client_order_id", o.ClientOrderID),
			zap.String("exchange_order_id", o.ExchangeOrderID),
			zap.Error(err))
		c.tracker.CancelFailed(o.ClientOrderID)
		return err
	}
}

func (c *Connector) Subscribe(kind events.Kind, l events.Listener) func() {
	return c.bus.Subscribe(kind, l)
}

func (c *Connector) SubscribeAll(l events.Listener) func() {
	return c.bus.SubscribeAll(l)
}

func (c *Connector) TrackedOrders() []tracker.Order {
	return c.tracker.Orders()
}

func (c *Connector) QuantizePrice(pair string, raw decimal.Decimal) (decimal.Decimal, error) {
	return c.quantizer.QuantizePrice(pair, raw)
}

func (c *Connector) QuantizeAmount(pair string, raw decimal.Decimal) (decimal.Decimal, error) {
	return c.quantizer.QuantizeAmount(pair, raw)
}

func (c *Connector) TradingRule(pair string) (core.TradingRule, bool) {
	return c.quantizer.Rule(pair)
}

// Fee is the fee a fill matching req would pay, with overrides applied.
func (c *Connector) Fee(req fees.FeeRequest) fees.TradeFee {
	return c.fees.Fee(req)
}

func (c *Connector) fillFee(o tracker.Order, fill tracker.Fill) fees.TradeFee {
	kind := fill.Liquidity
	if kind == "" {
		kind = fees.Classify(o.Type, false)
	}
	return fees.TradeFee{Percent: c.fees.Percent(o.Pair, kind)}
}

// Balance is the total (free plus locked) holding of asset.
func (c *Connector) Balance(asset string) decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balances[strings.ToUpper(asset)].Total()
}

func (c *Connector) AvailableBalance(asset string) decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balances[strings.ToUpper(asset)].Free
}

func (c *Connector) Balances() map[string]core.Balance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]core.Balance, len(c.balances))
	for k, v := range c.balances {
		out[k] = v
	}
	return out
}

// Price is the best ask for buys and the best bid for sells.
func (c *Connector) Price(ctx context.Context, pair string, isBuy bool) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	px, err := c.adapter.Price(ctx, core.NormalizePair(pair), isBuy)
	if err != nil {
		return decimal.Zero, core.Transport(err)
	}
	return px, nil
}

func (c *Connector) newClientOrderID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if room := maxClientOrderIDLen - len(c.prefix) - 1; len(id) > room {
		id = id[:room]
	}
	return c.prefix + "-" + id
}

const maxClientOrderIDLen = 36

func normalizeClientOrderPrefix(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	b := strings.Builder{}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return "xc"
	}
	if len(out) > 20 {
		out = out[:20]
	}
	return out
}
