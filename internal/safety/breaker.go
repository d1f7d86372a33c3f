package safety

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"exchange-core/internal/alert"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	defaultCooldown          = 30 * time.Second
	defaultHalfOpenSuccesses = 1
)

type Options struct {
	Enabled     bool
	MaxFailures int
	Cooldown    time.Duration
	// ProbePasses is the number of successes needed in half-open state
	// before the circuit closes.
	ProbePasses int
	Alerter     alert.Alerter
	Logger      *zap.Logger
	Now         func() time.Time
}

// Breaker guards a reconnect loop. After MaxFailures consecutive failures it
// opens for Cooldown, then lets probes through in half-open state.
type Breaker struct {
	name    string
	enabled bool

	mu              sync.Mutex
	maxFailures     int
	failures        int
	state           circuitState
	openedAt        time.Time
	openErr         error
	halfOpenSuccess int

	cooldown          time.Duration
	halfOpenSuccesses int

	alerter alert.Alerter
	logger  *zap.Logger
	now     func() time.Time
}

func NewBreaker(name string, opts Options) *Breaker {
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	probes := opts.ProbePasses
	if probes < 1 {
		probes = defaultHalfOpenSuccesses
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		name:              name,
		enabled:           opts.Enabled,
		maxFailures:       opts.MaxFailures,
		state:             circuitClosed,
		cooldown:          cooldown,
		halfOpenSuccesses: probes,
		alerter:           opts.Alerter,
		logger:            logger.Named("breaker").With(zap.String("circuit", name)),
		now:               now,
	}
}

// Allow reports whether an attempt may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and allows the probe.
func (b *Breaker) Allow() error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	if b.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cooldown {
		err := b.openErr
		if err == nil {
			err = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, b.name)
		}
		b.mu.Unlock()
		return err
	}
	b.state = circuitHalfOpen
	b.halfOpenSuccess = 0
	b.failures = 0
	b.openErr = nil
	b.mu.Unlock()
	b.logger.Info("circuit_breaker_half_open", zap.Duration("cooldown", b.cooldown))
	b.alert("circuit_breaker_half_open", map[string]string{
		"cooldown_sec": strconv.FormatInt(int64(b.cooldown/time.Second), 10),
	})
	return nil
}

// CooldownRemaining is zero unless the circuit is open.
func (b *Breaker) CooldownRemaining() time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != circuitOpen {
		return 0
	}
	elapsed := b.now().Sub(b.openedAt)
	if elapsed >= b.cooldown {
		return 0
	}
	return b.cooldown - elapsed
}

// Record feeds one attempt outcome. It returns an ErrCircuitOpen error when
// this failure trips the circuit or the circuit is already open.
func (b *Breaker) Record(err error) error {
	if b == nil || !b.enabled || b.maxFailures < 1 {
		return nil
	}
	b.mu.Lock()
	if err == nil {
		prevFailures := b.failures
		prevState := b.state
		recovered := false
		switch b.state {
		case circuitHalfOpen:
			b.halfOpenSuccess++
			if b.halfOpenSuccess >= b.halfOpenSuccesses {
				recovered = true
				b.state = circuitClosed
				b.failures = 0
				b.openErr = nil
				b.openedAt = time.Time{}
				b.halfOpenSuccess = 0
			}
		case circuitClosed:
			if b.failures > 0 {
				recovered = true
				b.failures = 0
			}
		}
		b.mu.Unlock()
		if recovered {
			b.logger.Info("circuit_breaker_recovered",
				zap.Int("previous_consecutive_failures", prevFailures),
				zap.String("from_state", string(prevState)),
			)
			if prevState != circuitClosed {
				b.alert("circuit_breaker_recovered", map[string]string{
					"previous_consecutive_failures": strconv.Itoa(prevFailures),
					"from_state":                    string(prevState),
				})
			}
		}
		return nil
	}

	switch b.state {
	case circuitOpen:
		openErr := b.openErr
		b.mu.Unlock()
		return openErr
	case circuitHalfOpen:
		openErr := b.tripLocked(err, 1, "half_open_probe_failed")
		b.mu.Unlock()
		b.logger.Error("circuit_breaker_trip", zap.String("phase", "half_open"), zap.Error(err))
		b.alert("circuit_breaker_trip", map[string]string{
			"phase":      "half_open",
			"last_error": err.Error(),
		})
		return openErr
	}

	b.failures++
	failures := b.failures
	if failures < b.maxFailures {
		b.mu.Unlock()
		return nil
	}
	openErr := b.tripLocked(err, failures, "consecutive_failures")
	b.mu.Unlock()
	b.logger.Error("circuit_breaker_trip",
		zap.Int("consecutive_failures", failures),
		zap.Int("threshold", b.maxFailures),
		zap.Error(err),
	)
	b.alert("circuit_breaker_trip", map[string]string{
		"consecutive_failures": strconv.Itoa(failures),
		"threshold":            strconv.Itoa(b.maxFailures),
		"last_error":           err.Error(),
	})
	return openErr
}

func (b *Breaker) tripLocked(err error, failures int, reason string) error {
	b.state = circuitOpen
	b.openedAt = b.now()
	b.halfOpenSuccess = 0
	b.failures = failures
	b.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v",
		ErrCircuitOpen, b.name, failures, b.cooldown, reason, err)
	return b.openErr
}

func (b *Breaker) alert(event string, fields map[string]string) {
	if b.alerter == nil {
		return
	}
	fields["circuit"] = b.name
	b.alerter.Important(event, fields)
}
