package binance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"exchange-core/internal/core"
	"exchange-core/internal/fees"
	"exchange-core/internal/tracker"
)

const pollConcurrency = 4

// PollOrders snapshots refs over REST. Facts gathered before a failure are
// returned together with the joined errors.
func (c *Client) PollOrders(ctx context.Context, refs []tracker.Ref) ([]tracker.Fact, error) {
	byPair := make(map[string][]tracker.Ref)
	for _, ref := range refs {
		pair := core.NormalizePair(ref.Pair)
		byPair[pair] = append(byPair[pair], ref)
	}

	var (
		mu    sync.Mutex
		facts []tracker.Fact
		errs  []error
	)
	collect := func(out []tracker.Fact, err error) {
		mu.Lock()
		defer mu.Unlock()
		facts = append(facts, out...)
		if err != nil {
			errs = append(errs, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pollConcurrency)
	for pair, pairRefs := range byPair {
		g.Go(func() error {
			out, err := c.pollPair(gctx, pair, pairRefs)
			collect(out, err)
			return nil
		})
	}
	_ = g.Wait()
	return facts, errors.Join(errs...)
}

func (c *Client) pollPair(ctx context.Context, pair string, refs []tracker.Ref) ([]tracker.Fact, error) {
	symbol := symbolOf(pair)
	open, err := c.openOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]orderQueryResponse, len(open))
	byClient := make(map[string]orderQueryResponse, len(open))
	for _, o := range open {
		byID[o.OrderID] = o
		byClient[o.ClientOrderID] = o
	}

	var (
		facts []tracker.Fact
		errs  []error
	)
	for _, ref := range refs {
		q, ok := lookupOpen(ref, byID, byClient)
		if !ok {
			q, err = c.queryOrder(ctx, symbol, ref.ExchangeOrderID, ref.ClientOrderID)
			if err != nil {
				if errors.Is(err, core.ErrOrderNotFound) && ref.ExchangeOrderID == "" {
					// The placement never reached the book.
					facts = append(facts, tracker.Fact{
						Source:        tracker.SourceREST,
						ClientOrderID: ref.ClientOrderID,
						Pair:          pair,
						Status:        tracker.FactRejected,
						Reason:        "order does not exist",
						Time:          c.now(),
					})
					continue
				}
				c.logger.Warn("order_query_failed",
					zap.String("client_order_id", ref.ClientOrderID),
					zap.String("exchange_order_id", ref.ExchangeOrderID),
					zap.Error(err),
				)
				errs = append(errs, err)
				continue
			}
		}
		if decimalOrZero(q.ExecutedQty).IsPositive() {
			fills, err := c.orderTrades(ctx, symbol, q, pair)
			if err != nil {
				c.logger.Warn("order_trades_failed",
					zap.String("client_order_id", q.ClientOrderID),
					zap.Int64("exchange_order_id", q.OrderID),
					zap.Error(err),
				)
				errs = append(errs, err)
			}
			facts = append(facts, fills...)
		}
		facts = append(facts, statusFact(q, pair))
	}
	return facts, errors.Join(errs...)
}

func lookupOpen(ref tracker.Ref, byID map[int64]orderQueryResponse, byClient map[string]orderQueryResponse) (orderQueryResponse, bool) {
	if ref.ExchangeOrderID != "" {
		if id, err := strconv.ParseInt(ref.ExchangeOrderID, 10, 64); err == nil {
			if o, ok := byID[id]; ok {
				return o, true
			}
		}
	}
	if ref.ClientOrderID != "" {
		if o, ok := byClient[ref.ClientOrderID]; ok {
			return o, true
		}
	}
	return orderQueryResponse{}, false
}

func (c *Client) openOrders(ctx context.Context, symbol string) ([]orderQueryResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/openOrders", params, AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp []orderQueryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, core.Transport(err)
	}
	return resp, nil
}

func (c *Client) orderTrades(ctx context.Context, symbol string, q orderQueryResponse, pair string) ([]tracker.Fact, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(q.OrderID, 10))
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/myTrades", params, AuthSigned)
	if err != nil {
		return nil, err
	}
	var trades []tradeResponse
	if err := json.Unmarshal(body, &trades); err != nil {
		return nil, core.Transport(err)
	}
	out := make([]tracker.Fact, 0, len(trades))
	for _, t := range trades {
		at := time.UnixMilli(t.Time)
		out = append(out, tracker.Fact{
			Source:          tracker.SourceREST,
			ClientOrderID:   q.ClientOrderID,
			ExchangeOrderID: strconv.FormatInt(q.OrderID, 10),
			Pair:            pair,
			Fill: &tracker.Fill{
				TradeID:   strconv.FormatInt(t.ID, 10),
				Amount:    decimalOrZero(t.Qty),
				Price:     decimalOrZero(t.Price),
				Fee:       decimalOrZero(t.Commission),
				FeeAsset:  t.CommissionAsset,
				Liquidity: liquidity(t.IsMaker),
				Time:      at,
			},
			Time: at,
		})
	}
	return out, nil
}

func statusFact(q orderQueryResponse, pair string) tracker.Fact {
	return tracker.Fact{
		Source:          tracker.SourceREST,
		ClientOrderID:   q.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(q.OrderID, 10),
		Pair:            pair,
		Status:          factStatus(q.Status),
		ExecutedAmount:  decimalOrZero(q.ExecutedQty),
		ExecutedQuote:   decimalOrZero(q.CumulativeQuoteQty),
		Time:            queryTime(q),
	}
}

func liquidity(isMaker bool) fees.Kind {
	if isMaker {
		return fees.Maker
	}
	return fees.Taker
}
