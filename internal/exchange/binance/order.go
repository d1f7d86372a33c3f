package binance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"exchange-core/internal/core"
	"exchange-core/internal/exchange"
	"exchange-core/internal/fees"
	"exchange-core/internal/tracker"
)

// PlaceOrder submits req over REST with a FULL response so fills executed
// on placement carry their trade ids. A duplicate client id resolves to the
// order already on the book.
func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Placement, error) {
	if req.ClientOrderID == "" {
		return exchange.Placement{}, errors.New("client order id required")
	}
	symbol := symbolOf(req.Pair)
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Amount.String())
	params.Set("newClientOrderId", req.ClientOrderID)
	params.Set("newOrderRespType", "FULL")
	switch req.Type {
	case core.Limit:
		params.Set("timeInForce", "GTC")
		params.Set("price", req.Price.String())
	case core.LimitMaker:
		params.Set("price", req.Price.String())
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/api/v3/order", params, AuthSigned)
	if err != nil {
		if errors.Is(err, core.ErrDuplicateOrder) {
			existing, qerr := c.queryOrder(ctx, symbol, "", req.ClientOrderID)
			if qerr == nil {
				c.logger.Info("duplicate_order_resolved",
					zap.String("client_order_id", req.ClientOrderID),
					zap.Int64("exchange_order_id", existing.OrderID),
				)
				return placementFromQuery(existing), nil
			}
			c.logger.Warn("duplicate_order_lookup_failed", zap.String("client_order_id", req.ClientOrderID), zap.Error(qerr))
		}
		if errors.Is(err, core.ErrRejectedByVenue) {
			fields := map[string]string{
				"pair":            req.Pair,
				"side":            string(req.Side),
				"type":            string(req.Type),
				"client_order_id": req.ClientOrderID,
				"error":           err.Error(),
			}
			if apiErr, ok := AsAPIError(err); ok {
				fields["error_code"] = strconv.Itoa(apiErr.Code)
			}
			c.alertImportant("order_rejected", fields)
		}
		return exchange.Placement{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.Placement{}, core.Transport(err)
	}
	return placementFromResponse(resp), nil
}

func placementFromResponse(resp orderResponse) exchange.Placement {
	at := time.UnixMilli(resp.TransactTime)
	p := exchange.Placement{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:          factStatus(resp.Status),
		ExecutedAmount:  decimalOrZero(resp.ExecutedQty),
		ExecutedQuote:   decimalOrZero(resp.CumulativeQuoteQty),
		Time:            at,
	}
	for _, f := range resp.Fills {
		// Fills returned on placement matched resting liquidity.
		p.Fills = append(p.Fills, tracker.Fill{
			TradeID:   strconv.FormatInt(f.TradeID, 10),
			Amount:    decimalOrZero(f.Qty),
			Price:     decimalOrZero(f.Price),
			Fee:       decimalOrZero(f.Commission),
			FeeAsset:  f.CommissionAsset,
			Liquidity: fees.Taker,
			Time:      at,
		})
	}
	return p
}

func placementFromQuery(q orderQueryResponse) exchange.Placement {
	return exchange.Placement{
		ExchangeOrderID: strconv.FormatInt(q.OrderID, 10),
		Status:          factStatus(q.Status),
		ExecutedAmount:  decimalOrZero(q.ExecutedQty),
		ExecutedQuote:   decimalOrZero(q.CumulativeQuoteQty),
		Time:            queryTime(q),
	}
}

func (c *Client) CancelOrder(ctx context.Context, pair, exchangeOrderID string) error {
	if exchangeOrderID == "" {
		return errors.New("exchange order id required")
	}
	params := url.Values{}
	params.Set("symbol", symbolOf(pair))
	params.Set("orderId", exchangeOrderID)
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/v3/order", params, AuthSigned)
	return err
}

func (c *Client) queryOrder(ctx context.Context, symbol, orderID, clientID string) (orderQueryResponse, error) {
	if symbol == "" {
		return orderQueryResponse{}, errors.New("symbol required")
	}
	if orderID == "" && clientID == "" {
		return orderQueryResponse{}, errors.New("orderID or clientID required")
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	if orderID != "" {
		params.Set("orderId", orderID)
	} else {
		params.Set("origClientOrderId", clientID)
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/order", params, AuthSigned)
	if err != nil {
		return orderQueryResponse{}, err
	}
	var resp orderQueryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return orderQueryResponse{}, core.Transport(err)
	}
	return resp, nil
}

func queryTime(q orderQueryResponse) time.Time {
	switch {
	case q.UpdateTime > 0:
		return time.UnixMilli(q.UpdateTime)
	case q.Time > 0:
		return time.UnixMilli(q.Time)
	default:
		return time.Time{}
	}
}

// factStatus maps a venue order status; statuses with no tracker meaning
// map to FactNone.
func factStatus(s string) tracker.FactStatus {
	switch s {
	case "NEW":
		return tracker.FactOpen
	case "PARTIALLY_FILLED":
		return tracker.FactPartiallyFilled
	case "FILLED":
		return tracker.FactFilled
	case "CANCELED":
		return tracker.FactCancelled
	case "REJECTED":
		return tracker.FactRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return tracker.FactExpired
	default:
		return tracker.FactNone
	}
}
