package tracker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"exchange-core/internal/core"
	"exchange-core/internal/events"
	"exchange-core/internal/fees"
)

const (
	defaultRecentMax = 4096
	defaultRecentTTL = time.Hour
)

var defaultEpsilon = decimal.New(1, -8)

type Publisher interface {
	Publish(events.Event)
}

// FeeFunc prices a fill at the moment it is applied.
type FeeFunc func(o Order, fill Fill) fees.TradeFee

// Options tunes a Tracker. Epsilon is the remaining amount under which an
// order counts as fully filled.
type Options struct {
	Epsilon   decimal.Decimal
	Fee       FeeFunc
	Logger    *zap.Logger
	Now       func() time.Time
	RecentMax int
	RecentTTL time.Duration
}

type trackedOrder struct {
	Order
	trades          map[string]struct{}
	lastFactAt      time.Time
	lastCheckAt     time.Time
	cancelRequested bool
	cancelIssued    bool
	done            chan struct{}
}

// Tracker owns every in-flight order and folds venue facts into it. Events are
// published after the internal lock is released, so listeners may call back
// into the tracker.
type Tracker struct {
	mu         sync.Mutex
	pub        Publisher
	fee        FeeFunc
	eps        decimal.Decimal
	logger     *zap.Logger
	now        func() time.Time
	orders     map[string]*trackedOrder
	byExchange map[string]*trackedOrder
	recent     *recentSet
	pending    []events.Event
	finished   []*trackedOrder
	flushing   bool
}

func New(pub Publisher, opts Options) *Tracker {
	if opts.Epsilon.IsNegative() || opts.Epsilon.IsZero() {
		opts.Epsilon = defaultEpsilon
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.RecentMax <= 0 {
		opts.RecentMax = defaultRecentMax
	}
	if opts.RecentTTL <= 0 {
		opts.RecentTTL = defaultRecentTTL
	}
	return &Tracker{
		pub:        pub,
		fee:        opts.Fee,
		eps:        opts.Epsilon,
		logger:     opts.Logger,
		now:        opts.Now,
		orders:     make(map[string]*trackedOrder),
		byExchange: make(map[string]*trackedOrder),
		recent:     newRecentSet(opts.RecentMax, opts.RecentTTL),
	}
}

// Handle follows one tracked order until it leaves the tracker.
type Handle struct {
	t *Tracker
	o *trackedOrder
}

// Done is closed once the order reached a terminal status and its events
// were delivered.
func (h Handle) Done() <-chan struct{} {
	return h.o.done
}

func (h Handle) Snapshot() Order {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	return h.o.Order
}

// Track registers a new order in PendingCreate.
func (t *Tracker) Track(o Order) (Handle, error) {
	if o.ClientOrderID == "" {
		return Handle{}, errors.New("client order id is required")
	}
	if !o.Amount.IsPositive() {
		return Handle{}, fmt.Errorf("order %s: amount must be > 0", o.ClientOrderID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.orders[o.ClientOrderID]; ok {
		return Handle{}, fmt.Errorf("%w: %s", core.ErrDuplicateOrder, o.ClientOrderID)
	}
	now := t.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = o.CreatedAt
	o.Pair = core.NormalizePair(o.Pair)
	o.Status = PendingCreate
	o.FilledAmount = decimal.Zero
	o.FilledQuote = decimal.Zero
	o.FeePaid = decimal.Zero
	to := &trackedOrder{
		Order:      o,
		trades:     make(map[string]struct{}),
		lastFactAt: now,
		done:       make(chan struct{}),
	}
	t.orders[o.ClientOrderID] = to
	if o.ExchangeOrderID != "" {
		t.byExchange[o.ExchangeOrderID] = to
	}
	return Handle{t: t, o: to}, nil
}

func (t *Tracker) Handle(clientOrderID string) (Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[clientOrderID]
	if !ok {
		return Handle{}, false
	}
	return Handle{t: t, o: o}, true
}

func (t *Tracker) Get(clientOrderID string) (Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[clientOrderID]
	if !ok {
		return Order{}, false
	}
	return o.Order, true
}

// Orders returns snapshots of every tracked order, oldest first.
func (t *Tracker) Orders() []Order {
	t.mu.Lock()
	out := make([]Order, 0, len(t.orders))
	for _, o := range t.orders {
		out = append(out, o.Order)
	}
	t.mu.Unlock()
	sortOrders(out)
	return out
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.orders)
}

// Apply folds a batch of facts into tracked orders and publishes the
// resulting events. Facts are applied in rank order so fills always precede
// the terminal status they lead to. It returns the number of facts that
// matched a live order.
func (t *Tracker) Apply(facts ...Fact) int {
	if len(facts) == 0 {
		return 0
	}
	batch := append([]Fact(nil), facts...)
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].rank() < batch[j].rank()
	})
	applied := 0
	t.mu.Lock()
	now := t.now()
	for _, f := range batch {
		if t.fold(f, now) {
			applied++
		}
	}
	t.mu.Unlock()
	t.flush()
	return applied
}

func (t *Tracker) lookup(f Fact) *trackedOrder {
	if f.ClientOrderID != "" {
		if o, ok := t.orders[f.ClientOrderID]; ok {
			return o
		}
	}
	if f.ExchangeOrderID != "" {
		if o, ok := t.byExchange[f.ExchangeOrderID]; ok {
			return o
		}
	}
	return nil
}

func (t *Tracker) fold(f Fact, now time.Time) bool {
	o := t.lookup(f)
	if o == nil {
		if !t.recent.Contains(f.ClientOrderID, now) && !t.recent.Contains(f.ExchangeOrderID, now) {
			t.logger.Debug("fact_for_unknown_order",
				zap.String("client_order_id", f.ClientOrderID),
				zap.String("exchange_order_id", f.ExchangeOrderID),
				zap.String("source", string(f.Source)),
				zap.String("status", string(f.Status)))
		}
		return false
	}
	o.lastFactAt = now
	if f.ExchangeOrderID != "" && o.ExchangeOrderID == "" {
		o.ExchangeOrderID = f.ExchangeOrderID
		t.byExchange[f.ExchangeOrderID] = o
	}
	if o.Status.Terminal() {
		return false
	}
	ts := f.Time
	if ts.IsZero() {
		ts = now
	}
	if ts.After(o.UpdatedAt) {
		o.UpdatedAt = ts
	}

	if f.Fill != nil {
		t.applyFill(o, *f.Fill, ts)
	}
	switch f.Status {
	case FactOpen:
		t.promote(o, Open, ts)
	case FactPartiallyFilled:
		t.promote(o, PartiallyFilled, ts)
	case FactFilled:
		executed := f.ExecutedAmount
		if !executed.IsPositive() {
			executed = o.Amount
		}
		t.closeGap(o, executed, f.ExecutedQuote, ts)
		if !o.Status.Terminal() {
			t.complete(o, ts)
		}
	case FactCancelled:
		t.closeGap(o, f.ExecutedAmount, f.ExecutedQuote, ts)
		if !o.Status.Terminal() {
			t.finish(o, Cancelled, f.Reason, ts)
		}
	case FactRejected, FactExpired:
		t.closeGap(o, f.ExecutedAmount, f.ExecutedQuote, ts)
		if !o.Status.Terminal() {
			reason := f.Reason
			if reason == "" {
				reason = string(f.Status)
			}
			t.finish(o, Failed, reason, ts)
		}
	}
	return true
}

// promote moves o forward to target; lower or equal ranks are ignored.
func (t *Tracker) promote(o *trackedOrder, target Status, ts time.Time) {
	if target.rank() <= o.Status.rank() {
		return
	}
	if o.Status == PendingCreate {
		t.emitCreated(o, ts)
	}
	o.Status = target
}

func (t *Tracker) emitCreated(o *trackedOrder, ts time.Time) {
	t.pending = append(t.pending, events.OrderCreated{
		Timestamp:       ts,
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		Pair:            o.Pair,
		Side:            o.Side,
		Type:            o.Type,
		Amount:          o.Amount,
		Price:           o.Price,
	})
}

func (t *Tracker) applyFill(o *trackedOrder, fill Fill, ts time.Time) {
	if fill.TradeID != "" {
		if _, ok := o.trades[fill.TradeID]; ok {
			return
		}
		o.trades[fill.TradeID] = struct{}{}
	}
	if !fill.Amount.IsPositive() {
		return
	}
	remaining := o.Remaining()
	if !remaining.IsPositive() {
		t.logger.Warn("fill_after_fully_filled",
			zap.String("client_order_id", o.ClientOrderID),
			zap.String("trade_id", fill.TradeID))
		return
	}
	amount := fill.Amount
	if amount.GreaterThan(remaining) {
		t.logger.Warn("fill_exceeds_remaining",
			zap.String("client_order_id", o.ClientOrderID),
			zap.String("trade_id", fill.TradeID),
			zap.String("fill_amount", fill.Amount.String()),
			zap.String("remaining", remaining.String()))
		amount = remaining
	}
	if !fill.Time.IsZero() {
		ts = fill.Time
	}
	t.promote(o, PartiallyFilled, ts)

	var tradeFee fees.TradeFee
	if t.fee != nil {
		tradeFee = t.fee(o.Order, fill)
	}
	_, quote := core.SplitPair(o.Pair)
	feeAmount, feeAsset := fill.Fee, fill.FeeAsset
	if !feeAmount.IsPositive() {
		feeAmount = tradeFee.Amount(amount, fill.Price)
		feeAsset = quote
	}
	o.FilledAmount = o.FilledAmount.Add(amount)
	o.FilledQuote = o.FilledQuote.Add(amount.Mul(fill.Price))
	o.FeePaid = o.FeePaid.Add(feeAmount)
	if o.FeeAsset == "" {
		o.FeeAsset = feeAsset
	}
	t.pending = append(t.pending, events.OrderFilled{
		Timestamp:       ts,
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		TradeID:         fill.TradeID,
		Pair:            o.Pair,
		Side:            o.Side,
		Type:            o.Type,
		Amount:          amount,
		Price:           fill.Price,
		Fee:             tradeFee,
	})
	if o.Remaining().LessThanOrEqual(t.eps) {
		t.complete(o, ts)
	}
}

// closeGap synthesizes a fill when a snapshot reports more executed quantity
// than the fills seen so far.
func (t *Tracker) closeGap(o *trackedOrder, executed, executedQuote decimal.Decimal, ts time.Time) {
	if !executed.GreaterThan(o.FilledAmount) {
		return
	}
	gap := executed.Sub(o.FilledAmount)
	price := o.Price
	if executedQuote.GreaterThan(o.FilledQuote) {
		price = executedQuote.Sub(o.FilledQuote).Div(gap)
	}
	id := o.ExchangeOrderID
	if id == "" {
		id = o.ClientOrderID
	}
	t.applyFill(o, Fill{
		TradeID: "reconcile-" + id + "-" + executed.String(),
		Amount:  gap,
		Price:   price,
		Time:    ts,
	}, ts)
}

func (t *Tracker) complete(o *trackedOrder, ts time.Time) {
	if o.Status == PendingCreate {
		t.emitCreated(o, ts)
	}
	o.Status = Completed
	base, quote := core.SplitPair(o.Pair)
	feeAsset := o.FeeAsset
	if feeAsset == "" {
		feeAsset = quote
	}
	t.pending = append(t.pending, events.OrderCompleted{
		Timestamp:        ts,
		ClientOrderID:    o.ClientOrderID,
		ExchangeOrderID:  o.ExchangeOrderID,
		Side:             o.Side,
		Type:             o.Type,
		BaseAsset:        base,
		QuoteAsset:       quote,
		FeeAsset:         feeAsset,
		BaseAssetAmount:  o.FilledAmount,
		QuoteAssetAmount: o.FilledQuote,
		FeeAmount:        o.FeePaid,
	})
	t.finished = append(t.finished, o)
}

func (t *Tracker) finish(o *trackedOrder, status Status, reason string, ts time.Time) {
	o.Status = status
	switch status {
	case Cancelled:
		t.pending = append(t.pending, events.OrderCancelled{
			Timestamp:       ts,
			ClientOrderID:   o.ClientOrderID,
			ExchangeOrderID: o.ExchangeOrderID,
		})
	case Failed:
		t.pending = append(t.pending, events.OrderFailed{
			Timestamp:     ts,
			ClientOrderID: o.ClientOrderID,
			Type:          o.Type,
			Reason:        reason,
		})
	}
	t.finished = append(t.finished, o)
}

// flush delivers pending events in order, then evicts finished orders. A
// nested Apply from inside a listener only queues; the outer flush drains it.
func (t *Tracker) flush() {
	t.mu.Lock()
	if t.flushing {
		t.mu.Unlock()
		return
	}
	t.flushing = true
	for {
		evs, done := t.pending, t.finished
		t.pending, t.finished = nil, nil
		if len(evs) == 0 && len(done) == 0 {
			t.flushing = false
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()
		if t.pub != nil {
			for _, ev := range evs {
				t.pub.Publish(ev)
			}
		}
		t.mu.Lock()
		now := t.now()
		for _, o := range done {
			delete(t.orders, o.ClientOrderID)
			t.recent.Add(o.ClientOrderID, now)
			if o.ExchangeOrderID != "" {
				delete(t.byExchange, o.ExchangeOrderID)
				t.recent.Add(o.ExchangeOrderID, now)
			}
			close(o.done)
		}
	}
}

// Stale returns live orders with neither a fact nor a REST check inside
// window.
func (t *Tracker) Stale(now time.Time, window time.Duration) []Order {
	if window <= 0 {
		return nil
	}
	t.mu.Lock()
	var out []Order
	for _, o := range t.orders {
		if o.Status.Terminal() {
			continue
		}
		last := o.lastFactAt
		if o.lastCheckAt.After(last) {
			last = o.lastCheckAt
		}
		if now.Sub(last) >= window {
			out = append(out, o.Order)
		}
	}
	t.mu.Unlock()
	sortOrders(out)
	return out
}

func (t *Tracker) MarkChecked(refs []Ref, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ref := range refs {
		if o := t.lookup(Fact{ClientOrderID: ref.ClientOrderID, ExchangeOrderID: ref.ExchangeOrderID}); o != nil {
			o.lastCheckAt = now
		}
	}
}

// RequestCancel flags an order for cancellation. issue reports whether the
// caller should send the venue cancel now; when the exchange id is not known
// yet the request is parked until DeferredCancels releases it.
func (t *Tracker) RequestCancel(clientOrderID string) (o Order, issue bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	to, ok := t.orders[clientOrderID]
	if !ok || to.Status.Terminal() {
		return Order{}, false, fmt.Errorf("%w: %s", core.ErrOrderNotFound, clientOrderID)
	}
	to.cancelRequested = true
	if to.ExchangeOrderID == "" || to.cancelIssued {
		return to.Order, false, nil
	}
	to.cancelIssued = true
	return to.Order, true, nil
}

// DeferredCancels returns parked cancels whose exchange id is now known.
func (t *Tracker) DeferredCancels() []Order {
	t.mu.Lock()
	var out []Order
	for _, o := range t.orders {
		if !o.cancelRequested || o.cancelIssued || o.ExchangeOrderID == "" || o.Status.Terminal() {
			continue
		}
		o.cancelIssued = true
		out = append(out, o.Order)
	}
	t.mu.Unlock()
	sortOrders(out)
	return out
}

// CancelFailed re-arms a cancel whose venue request did not go through.
func (t *Tracker) CancelFailed(clientOrderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o, ok := t.orders[clientOrderID]; ok {
		o.cancelIssued = false
	}
}

func sortOrders(out []Order) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ClientOrderID < out[j].ClientOrderID
	})
}
