package binance

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"exchange-core/internal/core"
	"exchange-core/internal/safety"
	"exchange-core/internal/tracker"
)

type executionReport struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	ClientOrderID   string `json:"c"`
	OrigClientID    string `json:"C"`
	OrderID         int64  `json:"i"`
	ExecutionType   string `json:"x"`
	OrderStatus     string `json:"X"`
	RejectReason    string `json:"r"`
	LastExecQty     string `json:"l"`
	LastExecPrice   string `json:"L"`
	CumulativeQty   string `json:"z"`
	CumulativeQuote string `json:"Z"`
	Commission      string `json:"n"`
	CommissionAsset string `json:"N"`
	TransactionTime int64  `json:"T"`
	TradeID         int64  `json:"t"`
	IsMaker         bool   `json:"m"`
}

// streamEnvelope wraps events delivered on a websocket API subscription.
type streamEnvelope struct {
	SubscriptionID *int            `json:"subscriptionId"`
	Event          json.RawMessage `json:"event"`
}

// StreamEvents runs the user-data stream until ctx is done, reconnecting
// with exponential backoff. The returned channel is closed on exit.
func (c *Client) StreamEvents(ctx context.Context) <-chan tracker.Fact {
	out := make(chan tracker.Fact, c.streamBuffer)
	go func() {
		defer close(out)
		c.runUserStream(ctx, out)
	}()
	return out
}

func (c *Client) runUserStream(ctx context.Context, out chan<- tracker.Fact) {
	backoff := time.Second
	attempts := 0
	var disconnectedAt time.Time
	for {
		if ctx.Err() != nil {
			return
		}
		if c.breaker != nil {
			if err := c.breaker.Allow(); err != nil {
				wait := time.Second
				if rem := c.breaker.CooldownRemaining(); rem > wait {
					wait = rem
				}
				if !sleepCtx(ctx, wait) {
					return
				}
				continue
			}
		}

		conn, err := c.dialUserStream(ctx)
		if err == nil {
			if !disconnectedAt.IsZero() {
				down := c.now().Sub(disconnectedAt).Round(time.Second)
				c.logger.Info("user_stream_recovered",
					zap.Int("reconnect_attempts", attempts),
					zap.Duration("down", down),
				)
				c.alertImportant("user_stream_recovered", map[string]string{
					"reconnect_attempts": strconv.Itoa(attempts),
					"down_duration":      down.String(),
				})
				disconnectedAt = time.Time{}
			}
			attempts = 0
			backoff = time.Second
			c.recordStream(nil)
			err = c.readUserStream(ctx, conn, out)
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("user stream closed")
		}
		attempts++
		if disconnectedAt.IsZero() {
			disconnectedAt = c.now()
			c.logger.Warn("user_stream_disconnected", zap.Error(err))
			c.alertImportant("user_stream_disconnected", map[string]string{
				"reason": err.Error(),
			})
		} else {
			c.logger.Warn("user_stream_reconnect_failed", zap.Int("attempt", attempts), zap.Error(err))
		}
		wait := backoff
		if trip := c.recordStream(err); trip != nil && c.breaker != nil {
			if rem := c.breaker.CooldownRemaining(); rem > wait {
				wait = rem
			}
		}
		if !sleepCtx(ctx, wait) {
			return
		}
		if backoff < c.maxBackoff {
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
		}
	}
}

func (c *Client) recordStream(err error) error {
	if c.breaker == nil {
		return nil
	}
	trip := c.breaker.Record(err)
	if trip != nil && !errors.Is(trip, safety.ErrCircuitOpen) {
		c.logger.Error("user_stream_breaker_error", zap.Error(trip))
	}
	return trip
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) dialUserStream(ctx context.Context) (*websocket.Conn, error) {
	if c.wsBaseURL == "" {
		return nil, errors.New("ws base url required")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsBaseURL, nil)
	if err != nil {
		return nil, core.Transport(err)
	}
	if _, err := sendWSRequest(ctx, conn, "userDataStream.subscribe.signature", c.userStreamParams()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) userStreamParams() map[string]interface{} {
	ts := c.now().UnixMilli()
	values := url.Values{}
	values.Set("apiKey", c.apiKey)
	values.Set("timestamp", strconv.FormatInt(ts, 10))
	if c.recvWindow > 0 {
		values.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
	}
	params := map[string]interface{}{
		"apiKey":    c.apiKey,
		"timestamp": ts,
		"signature": sign(c.apiSecret, values.Encode()),
	}
	if c.recvWindow > 0 {
		params["recvWindow"] = c.recvWindow.Milliseconds()
	}
	return params
}

// readUserStream forwards execution reports from conn until it fails or ctx
// is done. conn is closed on return.
func (c *Client) readUserStream(ctx context.Context, conn *websocket.Conn, out chan<- tracker.Fact) error {
	done := make(chan struct{})
	defer func() {
		close(done)
		_ = conn.Close()
	}()

	readTimeout := 45 * time.Second
	if c.keepalive > 0 {
		readTimeout = c.keepalive * 3
		if readTimeout < 30*time.Second {
			readTimeout = 30 * time.Second
		}
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go func() {
		var ticks <-chan time.Time
		if c.keepalive > 0 {
			ticker := time.NewTicker(c.keepalive)
			defer ticker.Stop()
			ticks = ticker.C
		}
		for {
			select {
			case <-ticks:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					_ = conn.Close()
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return core.Transport(err)
		}
		if len(data) == 0 || isWSResponse(data) {
			continue
		}
		report, ok := decodeExecutionReport(data)
		if !ok {
			continue
		}
		pair := c.pairOf(report.Symbol)
		if pair == "" {
			c.logger.Debug("user_stream_foreign_symbol", zap.String("symbol", report.Symbol))
			continue
		}
		for _, fact := range reportFacts(report, pair) {
			select {
			case out <- fact:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func decodeExecutionReport(data []byte) (executionReport, bool) {
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.SubscriptionID != nil && len(env.Event) > 0 {
		data = env.Event
	}
	var report executionReport
	if err := json.Unmarshal(data, &report); err != nil {
		return executionReport{}, false
	}
	if report.EventType != "executionReport" {
		return executionReport{}, false
	}
	return report, true
}

// reportFacts maps one execution report to tracker facts: a trade yields
// its fill followed by the cumulative status.
func reportFacts(r executionReport, pair string) []tracker.Fact {
	ts := r.TransactionTime
	if ts == 0 {
		ts = r.EventTime
	}
	at := time.UnixMilli(ts)
	base := tracker.Fact{
		Source:          tracker.SourceStream,
		ClientOrderID:   r.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		Pair:            pair,
		Time:            at,
	}

	switch r.ExecutionType {
	case "NEW":
		base.Status = tracker.FactOpen
		return []tracker.Fact{base}
	case "TRADE":
		fill := base
		fill.Fill = &tracker.Fill{
			TradeID:   strconv.FormatInt(r.TradeID, 10),
			Amount:    decimalOrZero(r.LastExecQty),
			Price:     decimalOrZero(r.LastExecPrice),
			Fee:       decimalOrZero(r.Commission),
			FeeAsset:  r.CommissionAsset,
			Liquidity: liquidity(r.IsMaker),
			Time:      at,
		}
		status := base
		status.Status = factStatus(r.OrderStatus)
		status.ExecutedAmount = decimalOrZero(r.CumulativeQty)
		status.ExecutedQuote = decimalOrZero(r.CumulativeQuote)
		return []tracker.Fact{fill, status}
	case "CANCELED":
		// Cancels report the cancel request's id in c and the order's in C.
		if r.OrigClientID != "" {
			base.ClientOrderID = r.OrigClientID
		}
		base.Status = tracker.FactCancelled
		base.ExecutedAmount = decimalOrZero(r.CumulativeQty)
		base.ExecutedQuote = decimalOrZero(r.CumulativeQuote)
		return []tracker.Fact{base}
	case "REJECTED":
		base.Status = tracker.FactRejected
		base.Reason = r.RejectReason
		return []tracker.Fact{base}
	case "EXPIRED", "TRADE_PREVENTION":
		base.Status = tracker.FactExpired
		base.ExecutedAmount = decimalOrZero(r.CumulativeQty)
		base.ExecutedQuote = decimalOrZero(r.CumulativeQuote)
		return []tracker.Fact{base}
	default:
		status := factStatus(r.OrderStatus)
		if status == tracker.FactNone {
			return nil
		}
		base.Status = status
		return []tracker.Fact{base}
	}
}
