package alert

import (
	"time"

	"exchange-core/internal/events"
)

// OrderFailures returns a listener that raises an order_failed alert for
// every OrderFailed event. Other kinds are ignored.
func OrderFailures(a Alerter) events.Listener {
	return events.ListenerFunc(func(ev events.Event) {
		failed, ok := ev.(events.OrderFailed)
		if !ok || a == nil {
			return
		}
		a.Important("order_failed", map[string]string{
			"client_order_id": failed.ClientOrderID,
			"order_type":      string(failed.Type),
			"reason":          failed.Reason,
			"at":              failed.Timestamp.UTC().Format(time.RFC3339),
		})
	})
}
