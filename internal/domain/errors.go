package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")
	ErrUnknownVenue  = errors.New("unknown venue")
	ErrKillSwitch    = errors.New("kill switch engaged")

	ErrFeed                = errors.New("feed error")
	ErrStaleData           = errors.New("stale data")
	ErrLimitExceeded       = errors.New("position limit exceeded")
	ErrDuplicateSubmission = errors.New("duplicate submission")
	ErrExecutionTimeout    = errors.New("execution timeout")
	ErrPartialFillMismatch = errors.New("partial fill mismatch")
)

// FeedError is a transient failure of a venue feed. Runners reconnect with
// backoff; it is never fatal to the process.
type FeedError struct {
	Venue string
	Err   error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("feed %s: %v", e.Venue, e.Err)
}

func (e *FeedError) Unwrap() []error { return []error{ErrFeed, e.Err} }

// StaleDataError reports a quote older than the allowed window.
type StaleDataError struct {
	Leg    QuoteKey
	Age    time.Duration
	MaxAge time.Duration
	Reason string
}

func (e *StaleDataError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("stale data %s: %s", e.Leg, e.Reason)
	}
	return fmt.Sprintf("stale data %s: age %s exceeds %s", e.Leg, e.Age, e.MaxAge)
}

func (e *StaleDataError) Unwrap() error { return ErrStaleData }

// LimitExceededError reports a trade that would push a position past its limit.
type LimitExceededError struct {
	Leg       QuoteKey
	Projected decimal.Decimal
	Limit     decimal.Decimal
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("position limit %s: projected %s exceeds %s", e.Leg, e.Projected, e.Limit)
}

func (e *LimitExceededError) Unwrap() error { return ErrLimitExceeded }

// DuplicateSubmissionError is returned when an idempotency key is already
// registered, or when a leg overlaps one still awaiting fills.
type DuplicateSubmissionError struct {
	IdempotencyKey string
	Leg            QuoteKey
}

func (e *DuplicateSubmissionError) Error() string {
	if e.IdempotencyKey != "" {
		return fmt.Sprintf("duplicate submission: key %s already in flight", e.IdempotencyKey)
	}
	return fmt.Sprintf("duplicate submission: leg %s already in flight", e.Leg)
}

func (e *DuplicateSubmissionError) Unwrap() error { return ErrDuplicateSubmission }

// ExecutionTimeoutError is returned once an intent exhausts its submission
// retries or its fill deadline.
type ExecutionTimeoutError struct {
	IdempotencyKey string
	Attempts       int
	Err            error
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("execution timeout: key %s after %d attempts: %v", e.IdempotencyKey, e.Attempts, e.Err)
}

func (e *ExecutionTimeoutError) Unwrap() []error { return []error{ErrExecutionTimeout, e.Err} }

// PartialFillMismatch describes a finished pair whose legs filled unequal
// quantities, leaving net exposure that must be unwound.
type PartialFillMismatch struct {
	CorrelationID string
	Instrument    string
	BuyFilled     decimal.Decimal
	SellFilled    decimal.Decimal
}

func (e *PartialFillMismatch) Error() string {
	return fmt.Sprintf("partial fill mismatch %s on %s: bought %s sold %s",
		e.CorrelationID, e.Instrument, e.BuyFilled, e.SellFilled)
}

func (e *PartialFillMismatch) Unwrap() error { return ErrPartialFillMismatch }

// Excess is the net exposure: positive when long, negative when short.
func (e *PartialFillMismatch) Excess() decimal.Decimal {
	return e.BuyFilled.Sub(e.SellFilled)
}

// RejectReason is the short label recorded when the gate discards an opportunity.
type RejectReason string

const (
	RejectStale         RejectReason = "stale"
	RejectLimitExceeded RejectReason = "limit_exceeded"
	RejectDuplicate     RejectReason = "duplicate"
	RejectKillSwitch    RejectReason = "kill_switch"
	RejectOther         RejectReason = "other"
)

// ReasonOf maps a gate error onto its reject label.
func ReasonOf(err error) RejectReason {
	switch {
	case errors.Is(err, ErrStaleData):
		return RejectStale
	case errors.Is(err, ErrLimitExceeded):
		return RejectLimitExceeded
	case errors.Is(err, ErrDuplicateSubmission):
		return RejectDuplicate
	case errors.Is(err, ErrKillSwitch):
		return RejectKillSwitch
	}
	return RejectOther
}
