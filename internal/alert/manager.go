package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter receives operator-facing notifications about the connector:
// failed orders, venue rejections, user stream outages and breaker trips.
// Implementations must not block.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
	notifyTimeout             = 20 * time.Second
)

type ManagerOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
	Logger             *zap.Logger
	Now                func() time.Time
}

// Manager formats alerts for one connector instance and hands them to a
// Notifier from a background goroutine. Alerts that find the queue full are
// counted and reported in the log instead of delivered.
type Manager struct {
	source     string
	instanceID string
	venueName  string
	notifier   Notifier
	queue      chan notice
	logger     *zap.Logger
	now        func() time.Time
	report     time.Duration

	dropped    atomic.Uint64
	unreported atomic.Uint64
	closed     atomic.Bool
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
}

type notice struct {
	event  string
	fields map[string]string
	at     time.Time
}

func NewManager(instanceID, venue string, notifier Notifier) *Manager {
	return NewManagerWithOptions(instanceID, venue, notifier, ManagerOptions{})
}

// NewManagerWithOptions returns nil when notifier is nil; a nil *Manager
// accepts and discards alerts.
func NewManagerWithOptions(instanceID, venue string, notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.DropReportInterval == 0 {
		opts.DropReportInterval = defaultDropReportInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		source:     "[exchange-core] " + venue + "/" + instanceID,
		notifier:   notifier,
		queue:      make(chan notice, opts.QueueSize),
		logger:     opts.Logger.Named("alert"),
		now:        opts.Now,
		report:     opts.DropReportInterval,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		instanceID: instanceID,
		venueName:  venue,
	}
	go m.run()
	return m
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil || m.closed.Load() {
		return
	}
	n := notice{event: event, at: m.now().UTC()}
	if len(fields) > 0 {
		n.fields = make(map[string]string, len(fields))
		for k, v := range fields {
			n.fields[k] = v
		}
	}
	select {
	case m.queue <- n:
		return
	default:
	}
	total := m.dropped.Add(1)
	if m.unreported.Add(1) == 1 {
		m.logger.Warn("alert_queue_dropped",
			zap.String("target_event", event),
			zap.Uint64("dropped_total", total),
			zap.Int("queue_cap", cap(m.queue)),
		)
	}
}

// Close stops accepting alerts, delivers what is queued and waits for the
// delivery goroutine, bounded by ctx.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.closed.Store(true)
	m.stopOnce.Do(func() { close(m.stop) })
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run() {
	defer close(m.done)
	var ticks <-chan time.Time
	if m.report > 0 {
		ticker := time.NewTicker(m.report)
		defer ticker.Stop()
		ticks = ticker.C
	}
	for {
		select {
		case n := <-m.queue:
			m.deliver(n)
		case <-ticks:
			m.reportDrops()
		case <-m.stop:
			for {
				select {
				case n := <-m.queue:
					m.deliver(n)
				default:
					m.reportDrops()
					return
				}
			}
		}
	}
}

func (m *Manager) reportDrops() {
	n := m.unreported.Swap(0)
	if n == 0 {
		return
	}
	m.logger.Warn("alert_queue_dropped_report",
		zap.Uint64("dropped_since_last", n),
		zap.Uint64("dropped_total", m.dropped.Load()),
		zap.Duration("report_interval", m.report),
	)
}

func (m *Manager) droppedStats() (total, unreported uint64) {
	if m == nil {
		return 0, 0
	}
	return m.dropped.Load(), m.unreported.Load()
}

func (m *Manager) deliver(n notice) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.format(n)); err != nil {
		m.logger.Error("alert_notify_failed", zap.String("target_event", n.event), zap.Error(err))
	}
}

// format renders one alert as "key: value" lines, fields sorted by key.
func (m *Manager) format(n notice) string {
	var b strings.Builder
	b.WriteString(m.source)
	b.WriteString("\nevent: " + n.event)
	b.WriteString("\ntime: " + n.at.Format(time.RFC3339))
	b.WriteString("\ninstance: " + m.instanceID)
	b.WriteString("\nvenue: " + m.venueName)
	keys := make([]string, 0, len(n.fields))
	for k := range n.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n" + k + ": " + n.fields[k])
	}
	return b.String()
}
