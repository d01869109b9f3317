package exchange

import (
	"errors"
	"fmt"
)

// ConnectivityError is transient: retried with backoff by the caller.
type ConnectivityError struct {
	Exchange string
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: connectivity: %v", e.Exchange, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// AuthenticationError is fatal for the exchange until credentials are fixed
// externally.
type AuthenticationError struct {
	Exchange string
	Err      error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication: %v", e.Exchange, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// RateLimitError is transient: the request is deferred and retried within the
// exchange's budget.
type RateLimitError struct {
	Exchange string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited", e.Exchange)
}

// SequenceGapError triggers a resync; it is never surfaced as a failure.
type SequenceGapError struct {
	Exchange string
	Pair     string
	Expected int64
	Got      int64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("%s %s: sequence gap: expected offset %d, got %d",
		e.Exchange, e.Pair, e.Expected, e.Got)
}

// ValidationError marks a malformed request. Not retried, surfaced to the
// caller.
type ValidationError struct {
	Exchange string
	Message  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: validation: %s", e.Exchange, e.Message)
}

func IsAuthentication(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

func IsSequenceGap(err error) bool {
	var se *SequenceGapError
	return errors.As(err, &se)
}

func IsRetryable(err error) bool {
	var ce *ConnectivityError
	var re *RateLimitError
	return errors.As(err, &ce) || errors.As(err, &re)
}
