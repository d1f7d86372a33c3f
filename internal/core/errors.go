package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrRuleViolation indicates a quantized order breaks the pair's trading rules.
	// It is raised before any network call and is recoverable by adjusting inputs.
	ErrRuleViolation = errors.New("trading rule violation")
	// ErrRejectedByVenue indicates the venue declined the order. Terminal for that order.
	ErrRejectedByVenue = errors.New("rejected by venue")
	// ErrTransport indicates a retryable REST or stream failure.
	ErrTransport = errors.New("transport error")
	// ErrStaleState indicates no facts were observed for an order within the staleness window.
	ErrStaleState = errors.New("stale state detected")
	// ErrClockState indicates a scheduling programming error.
	ErrClockState = errors.New("clock state error")

	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateOrder      = errors.New("duplicate order")
	ErrOrderNotFound       = errors.New("order not found")
	ErrNotReady            = errors.New("connector not ready")
)

func RuleViolation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRuleViolation, fmt.Sprintf(format, args...))
}

func RejectedByVenue(reason string) error {
	return fmt.Errorf("%w: %s", ErrRejectedByVenue, reason)
}

// Transport wraps err as a retryable transport failure unless it is
// already classified as a venue rejection.
func Transport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRejectedByVenue) || errors.Is(err, ErrTransport) {
		return err
	}
	return errors.Join(ErrTransport, err)
}

func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) || IsTimeout(err)
}
