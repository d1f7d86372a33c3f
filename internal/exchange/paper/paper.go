package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"exchange-core/internal/core"
	"exchange-core/internal/exchange"
	"exchange-core/internal/fees"
	"exchange-core/internal/tracker"
)

const defaultStreamBuffer = 1024

type Book struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

type Config struct {
	Name         string
	Rules        map[string]core.TradingRule
	Balances     map[string]decimal.Decimal
	Books        map[string]Book
	MakerFee     decimal.Decimal
	TakerFee     decimal.Decimal
	StreamBuffer int
	Logger       *zap.Logger
	Now          func() time.Time
}

type order struct {
	req           exchange.OrderRequest
	id            string
	status        tracker.FactStatus
	executed      decimal.Decimal
	executedQuote decimal.Decimal
	locked        decimal.Decimal
	fills         []tracker.Fill
	ignoreCancel  bool
}

// Exchange is an in-memory spot venue. Resting limit orders fill as maker
// when a book update crosses them; market and crossing limit orders fill as
// taker on placement. Every state change is pushed on the stream.
type Exchange struct {
	mu       sync.Mutex
	name     string
	rules    map[string]core.TradingRule
	balances map[string]*core.Balance
	books    map[string]Book
	orders   map[string]*order
	byClient map[string]string
	ignore   map[string]bool
	seq      int
	tradeSeq int
	makerFee decimal.Decimal
	takerFee decimal.Decimal
	stream   chan tracker.Fact
	dropped  int
	logger   *zap.Logger
	now      func() time.Time
}

var _ exchange.Adapter = (*Exchange)(nil)

func New(cfg Config) (*Exchange, error) {
	if cfg.MakerFee.IsNegative() || cfg.TakerFee.IsNegative() {
		return nil, errors.New("fee rate must be >= 0")
	}
	if cfg.Name == "" {
		cfg.Name = "paper"
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaultStreamBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	e := &Exchange{
		name:     cfg.Name,
		rules:    make(map[string]core.TradingRule, len(cfg.Rules)),
		balances: make(map[string]*core.Balance, len(cfg.Balances)),
		books:    make(map[string]Book, len(cfg.Books)),
		orders:   make(map[string]*order),
		byClient: make(map[string]string),
		ignore:   make(map[string]bool),
		makerFee: cfg.MakerFee,
		takerFee: cfg.TakerFee,
		stream:   make(chan tracker.Fact, cfg.StreamBuffer),
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	for pair, rule := range cfg.Rules {
		pair = core.NormalizePair(pair)
		rule.Pair = pair
		if rule.BaseAsset == "" || rule.QuoteAsset == "" {
			rule.BaseAsset, rule.QuoteAsset = core.SplitPair(pair)
		}
		e.rules[pair] = rule
	}
	for asset, amount := range cfg.Balances {
		asset = strings.ToUpper(asset)
		e.balances[asset] = &core.Balance{Asset: asset, Free: amount, Locked: decimal.Zero}
	}
	for pair, book := range cfg.Books {
		e.books[core.NormalizePair(pair)] = book
	}
	return e, nil
}

func (e *Exchange) Name() string { return e.name }

func (e *Exchange) TradingRules(context.Context) (map[string]core.TradingRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]core.TradingRule, len(e.rules))
	for k, v := range e.rules {
		out[k] = v
	}
	return out, nil
}

func (e *Exchange) Balances(context.Context) (map[string]core.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]core.Balance, len(e.balances))
	for k, v := range e.balances {
		out[k] = *v
	}
	return out, nil
}

func (e *Exchange) DefaultFee(_ string, kind fees.Kind) decimal.Decimal {
	if kind == fees.Maker {
		return e.makerFee
	}
	return e.takerFee
}

func (e *Exchange) Price(_ context.Context, pair string, isBuy bool) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	book, ok := e.books[core.NormalizePair(pair)]
	if !ok {
		return decimal.Zero, fmt.Errorf("no book for %s", pair)
	}
	if isBuy {
		return book.Ask, nil
	}
	return book.Bid, nil
}

func (e *Exchange) StreamEvents(context.Context) <-chan tracker.Fact {
	return e.stream
}

// Dropped is the number of stream facts lost to a full buffer.
func (e *Exchange) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// IgnoreCancel makes the venue accept cancel requests for the order without
// ever applying them, as if the acknowledgement was lost.
func (e *Exchange) IgnoreCancel(clientOrderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ignore[clientOrderID] = true
	if id, ok := e.byClient[clientOrderID]; ok {
		e.orders[id].ignoreCancel = true
	}
}

func (e *Exchange) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.Placement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pair := core.NormalizePair(req.Pair)
	rule, ok := e.rules[pair]
	if !ok {
		return exchange.Placement{}, core.RejectedByVenue("unknown pair " + req.Pair)
	}
	if _, dup := e.byClient[req.ClientOrderID]; dup {
		return exchange.Placement{}, errors.Join(core.RejectedByVenue("duplicate order sent"), core.ErrDuplicateOrder)
	}
	if !req.Amount.IsPositive() {
		return exchange.Placement{}, core.RejectedByVenue("invalid quantity")
	}
	book := e.books[pair]
	crosses := e.crosses(req, book)
	if req.Type == core.LimitMaker && crosses {
		return exchange.Placement{}, core.RejectedByVenue("order would immediately match and take")
	}
	execPrice := req.Price
	if req.Type == core.Market || crosses {
		execPrice = book.Ask
		if req.Side == core.Sell {
			execPrice = book.Bid
		}
		if !execPrice.IsPositive() {
			return exchange.Placement{}, core.RejectedByVenue("no liquidity for " + pair)
		}
	}

	lockAsset, lockAmount := rule.QuoteAsset, req.Amount.Mul(execPrice)
	if req.Side == core.Sell {
		lockAsset, lockAmount = rule.BaseAsset, req.Amount
	}
	bal := e.balance(lockAsset)
	if bal.Free.LessThan(lockAmount) {
		return exchange.Placement{}, errors.Join(core.RejectedByVenue("account has insufficient balance for requested action"), core.ErrInsufficientBalance)
	}
	bal.Free = bal.Free.Sub(lockAmount)
	bal.Locked = bal.Locked.Add(lockAmount)

	e.seq++
	o := &order{
		req:           req,
		id:            "paper-" + strconv.Itoa(e.seq),
		status:        tracker.FactOpen,
		executed:      decimal.Zero,
		executedQuote: decimal.Zero,
		locked:        lockAmount,
		ignoreCancel:  e.ignore[req.ClientOrderID],
	}
	o.req.Pair = pair
	e.orders[o.id] = o
	e.byClient[req.ClientOrderID] = o.id
	now := e.now()

	placement := exchange.Placement{ExchangeOrderID: o.id, Status: tracker.FactOpen, Time: now}
	e.emit(tracker.Fact{ClientOrderID: req.ClientOrderID, ExchangeOrderID: o.id, Pair: pair, Status: tracker.FactOpen, Time: now})
	if req.Type == core.Market || crosses {
		fill := e.fill(o, rule, o.req.Amount, execPrice, fees.Taker, now)
		placement.Status = o.status
		placement.Fills = []tracker.Fill{fill}
		placement.ExecutedAmount = o.executed
		placement.ExecutedQuote = o.executedQuote
	}
	return placement, nil
}

func (e *Exchange) crosses(req exchange.OrderRequest, book Book) bool {
	if req.Type == core.Market {
		return true
	}
	switch req.Side {
	case core.Buy:
		return book.Ask.IsPositive() && req.Price.GreaterThanOrEqual(book.Ask)
	case core.Sell:
		return book.Bid.IsPositive() && req.Price.LessThanOrEqual(book.Bid)
	}
	return false
}

func (e *Exchange) CancelOrder(_ context.Context, pair, exchangeOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[exchangeOrderID]
	if !ok || o.req.Pair != core.NormalizePair(pair) {
		return fmt.Errorf("%w: %s", core.ErrOrderNotFound, exchangeOrderID)
	}
	if o.status != tracker.FactOpen && o.status != tracker.FactPartiallyFilled {
		return fmt.Errorf("%w: order %s is %s", core.ErrOrderNotFound, exchangeOrderID, o.status)
	}
	if o.ignoreCancel {
		e.logger.Debug("paper_cancel_ignored", zap.String("exchange_order_id", exchangeOrderID))
		return nil
	}
	e.release(o)
	o.status = tracker.FactCancelled
	e.emit(e.statusFact(o, e.now()))
	return nil
}

func (e *Exchange) PollOrders(_ context.Context, refs []tracker.Ref) ([]tracker.Fact, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	var out []tracker.Fact
	for _, ref := range refs {
		id := ref.ExchangeOrderID
		if id == "" {
			id = e.byClient[ref.ClientOrderID]
		}
		o, ok := e.orders[id]
		if !ok {
			out = append(out, tracker.Fact{
				ClientOrderID:   ref.ClientOrderID,
				ExchangeOrderID: ref.ExchangeOrderID,
				Pair:            ref.Pair,
				Status:          tracker.FactRejected,
				Reason:          "order does not exist",
				Time:            now,
			})
			continue
		}
		for i := range o.fills {
			fill := o.fills[i]
			out = append(out, tracker.Fact{
				ClientOrderID:   o.req.ClientOrderID,
				ExchangeOrderID: o.id,
				Pair:            o.req.Pair,
				Fill:            &fill,
				Time:            fill.Time,
			})
		}
		out = append(out, e.statusFact(o, now))
	}
	return out, nil
}

// SetBook moves the top of book for pair and fills every resting order the
// new prices cross. It returns the fills it produced.
func (e *Exchange) SetBook(pair string, bid, ask decimal.Decimal) []tracker.Fill {
	e.mu.Lock()
	defer e.mu.Unlock()
	pair = core.NormalizePair(pair)
	e.books[pair] = Book{Bid: bid, Ask: ask}
	rule := e.rules[pair]
	now := e.now()

	resting := make([]*order, 0)
	for _, o := range e.orders {
		if o.req.Pair != pair || (o.status != tracker.FactOpen && o.status != tracker.FactPartiallyFilled) {
			continue
		}
		if shouldFill(o.req, bid, ask) {
			resting = append(resting, o)
		}
	}
	sort.Slice(resting, func(i, j int) bool { return resting[i].id < resting[j].id })
	out := make([]tracker.Fill, 0, len(resting))
	for _, o := range resting {
		out = append(out, e.fill(o, rule, o.req.Amount.Sub(o.executed), o.req.Price, fees.Maker, now))
	}
	return out
}

// FillPartially executes amount of a resting order at its limit price.
func (e *Exchange) FillPartially(clientOrderID string, amount decimal.Decimal) (tracker.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[e.byClient[clientOrderID]]
	if !ok {
		return tracker.Fill{}, fmt.Errorf("%w: %s", core.ErrOrderNotFound, clientOrderID)
	}
	if o.status != tracker.FactOpen && o.status != tracker.FactPartiallyFilled {
		return tracker.Fill{}, fmt.Errorf("order %s is %s", clientOrderID, o.status)
	}
	remaining := o.req.Amount.Sub(o.executed)
	if amount.GreaterThan(remaining) {
		amount = remaining
	}
	return e.fill(o, e.rules[o.req.Pair], amount, o.req.Price, fees.Maker, e.now()), nil
}

func shouldFill(req exchange.OrderRequest, bid, ask decimal.Decimal) bool {
	switch req.Side {
	case core.Buy:
		return ask.IsPositive() && ask.LessThanOrEqual(req.Price)
	case core.Sell:
		return bid.IsPositive() && bid.GreaterThanOrEqual(req.Price)
	default:
		return false
	}
}

func (e *Exchange) fill(o *order, rule core.TradingRule, amount, price decimal.Decimal, liquidity fees.Kind, now time.Time) tracker.Fill {
	rate := e.takerFee
	if liquidity == fees.Maker {
		rate = e.makerFee
	}
	notional := amount.Mul(price)
	fee := notional.Mul(rate)
	base, quote := e.balance(rule.BaseAsset), e.balance(rule.QuoteAsset)

	switch o.req.Side {
	case core.Buy:
		quote.Locked = quote.Locked.Sub(notional)
		o.locked = o.locked.Sub(notional)
		quote.Free = quote.Free.Sub(fee)
		base.Free = base.Free.Add(amount)
	case core.Sell:
		base.Locked = base.Locked.Sub(amount)
		o.locked = o.locked.Sub(amount)
		quote.Free = quote.Free.Add(notional).Sub(fee)
	}

	e.tradeSeq++
	fill := tracker.Fill{
		TradeID:   strconv.Itoa(e.tradeSeq),
		Amount:    amount,
		Price:     price,
		Fee:       fee,
		FeeAsset:  rule.QuoteAsset,
		Liquidity: liquidity,
		Time:      now,
	}
	o.fills = append(o.fills, fill)
	o.executed = o.executed.Add(amount)
	o.executedQuote = o.executedQuote.Add(notional)
	o.status = tracker.FactPartiallyFilled
	if o.executed.GreaterThanOrEqual(o.req.Amount) {
		o.status = tracker.FactFilled
		e.release(o)
	}

	e.emit(tracker.Fact{
		ClientOrderID:   o.req.ClientOrderID,
		ExchangeOrderID: o.id,
		Pair:            o.req.Pair,
		Fill:            &fill,
		Time:            now,
	})
	e.emit(e.statusFact(o, now))
	return fill
}

// release returns whatever the order still holds to the free balance.
func (e *Exchange) release(o *order) {
	if !o.locked.IsPositive() {
		return
	}
	rule := e.rules[o.req.Pair]
	asset := rule.QuoteAsset
	if o.req.Side == core.Sell {
		asset = rule.BaseAsset
	}
	bal := e.balance(asset)
	bal.Locked = bal.Locked.Sub(o.locked)
	bal.Free = bal.Free.Add(o.locked)
	o.locked = decimal.Zero
}

func (e *Exchange) statusFact(o *order, now time.Time) tracker.Fact {
	return tracker.Fact{
		ClientOrderID:   o.req.ClientOrderID,
		ExchangeOrderID: o.id,
		Pair:            o.req.Pair,
		Status:          o.status,
		ExecutedAmount:  o.executed,
		ExecutedQuote:   o.executedQuote,
		Time:            now,
	}
}

func (e *Exchange) balance(asset string) *core.Balance {
	b, ok := e.balances[asset]
	if !ok {
		b = &core.Balance{Asset: asset, Free: decimal.Zero, Locked: decimal.Zero}
		e.balances[asset] = b
	}
	return b
}

func (e *Exchange) emit(f tracker.Fact) {
	f.Source = tracker.SourceStream
	select {
	case e.stream <- f:
	default:
		e.dropped++
		e.logger.Warn("paper_stream_fact_dropped",
			zap.String("client_order_id", f.ClientOrderID),
			zap.String("status", string(f.Status)))
	}
}
