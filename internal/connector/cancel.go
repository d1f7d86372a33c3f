package connector

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"exchange-core/internal/tracker"
)

const cancelAllFoldInterval = 10 * time.Millisecond

type CancellationResult struct {
	ClientOrderID string
	Success       bool
}

// CancelAll requests cancellation of every live order and waits up to timeout
// for the venue to confirm. An order counts as cancelled only once its
// cancellation was observed; anything else reports false.
//
// While waiting it folds queued facts itself whenever no tick is in
// progress, so it may be called from a TimeIterator's Advance. Calling it from
// an event listener of this connector cannot observe confirmations and
// reports false for every order.
func (c *Connector) CancelAll(ctx context.Context, timeout time.Duration) []CancellationResult {
	orders := c.tracker.Orders()
	if len(orders) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	handles := make([]tracker.Handle, 0, len(orders))
	ids := make([]string, 0, len(orders))
	g := new(errgroup.Group)
	g.SetLimit(int(c.opts.MaxConcurrentRequests))
	for _, o := range orders {
		h, ok := c.tracker.Handle(o.ClientOrderID)
		if !ok {
			continue
		}
		handles = append(handles, h)
		ids = append(ids, o.ClientOrderID)
		g.Go(func() error {
			return c.cancelNow(ctx, o.ClientOrderID)
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("cancel_all_request_failed", zap.Error(err))
	}

	c.awaitTerminal(ctx, handles)

	results := make([]CancellationResult, len(handles))
	for i, h := range handles {
		success := false
		select {
		case <-h.Done():
			success = h.Snapshot().Status == tracker.Cancelled
		default:
		}
		results[i] = CancellationResult{ClientOrderID: ids[i], Success: success}
		if !success {
			c.logger.Warn("cancel_all_order_not_cancelled", zap.String("client_order_id", ids[i]))
		}
	}
	return results
}

// awaitTerminal waits until every handle is done or ctx ends, folding the
// fact queue between checks when Advance is not running.
func (c *Connector) awaitTerminal(ctx context.Context, handles []tracker.Handle) {
	ticker := time.NewTicker(cancelAllFoldInterval)
	defer ticker.Stop()
	for {
		if c.advanceMu.TryLock() {
			c.fold()
			c.advanceMu.Unlock()
		}
		if allDone(handles) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func allDone(handles []tracker.Handle) bool {
	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			return false
		}
	}
	return true
}

// cancelNow sends a cancel inline; orders without an exchange id are parked
// until their placement ack is folded.
func (c *Connector) cancelNow(ctx context.Context, clientOrderID string) error {
	o, issue, err := c.tracker.RequestCancel(clientOrderID)
	if err != nil || !issue {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	return c.doCancel(rctx, o)
}
