package chat

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Connection-level: the transport is closed before any event is handled.
	ErrAuthRequired = errors.New("authentication required")
	ErrAuthInvalid  = errors.New("invalid token")

	// ErrStoreUnavailable wraps every failure coming out of the persistence layer.
	ErrStoreUnavailable = errors.New("message store unavailable")

	errSessionClosed = errors.New("session closed")
	errQueueFull     = errors.New("send queue full")
)

type RejectReason string

const (
	ReasonRateLimited       RejectReason = "rate_limited"
	ReasonSpamDetected      RejectReason = "spam_detected"
	ReasonPersistenceFailed RejectReason = "persistence_failed"
	ReasonInvalidMessage    RejectReason = "invalid_message"
	ReasonUnknownRoom       RejectReason = "unknown_room"
	ReasonBadRequest        RejectReason = "bad_request"
)

// RejectError is a send-level failure. It is reported to the sender only and
// leaves the connection usable.
type RejectError struct {
	Reason     RejectReason
	Detail     string
	RetryAfter time.Duration
	Err        error
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func (e *RejectError) Unwrap() error {
	return e.Err
}

func reject(reason RejectReason, detail string) *RejectError {
	return &RejectError{Reason: reason, Detail: detail}
}

// AsReject extracts the reason of a send-level error.
func AsReject(err error) (*RejectError, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
