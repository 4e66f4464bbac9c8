package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Error type labels, used as the error_type metric label.
const (
	TypeTransient         = "transient"
	TypeValidation        = "validation"
	TypeCircuitOpen       = "circuit_open"
	TypeBrokerUnavailable = "broker_unavailable"
	TypeExpired           = "expired"
	TypeUnknown           = "unknown"
)

// TransientChannelError is a network or 5xx-class failure of a downstream
// transport. It is retried according to the backoff policy.
type TransientChannelError struct {
	Channel    string
	StatusCode int
	Err        error
}

func (e *TransientChannelError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient failure (status %d): %v", e.Channel, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Channel, e.Err)
}

func (e *TransientChannelError) Unwrap() error { return e.Err }

// PermanentValidationError marks a delivery that can never succeed. It is
// never retried and consumes no attempts.
type PermanentValidationError struct {
	Field   string
	Message string
}

func (e *PermanentValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// CircuitOpenError is returned without calling the transport while a breaker
// is open.
type CircuitOpenError struct {
	Breaker    string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry after %s)", e.Breaker, e.RetryAfter)
}

// BrokerUnavailableError is returned by queue-backed channels when the
// message broker cannot accept a publish.
type BrokerUnavailableError struct {
	Err error
}

func (e *BrokerUnavailableError) Error() string {
	return fmt.Sprintf("broker unavailable: %v", e.Err)
}

func (e *BrokerUnavailableError) Unwrap() error { return e.Err }

// ExpiredError marks a payload that outlived its queue TTL before it could
// be delivered. Like validation errors it is never retried.
type ExpiredError struct {
	What string
	Age  time.Duration
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("%s expired after %s", e.What, e.Age.Round(time.Millisecond))
}

func Transient(channel string, err error) error {
	return &TransientChannelError{Channel: channel, Err: err}
}

func TransientStatus(channel string, status int, err error) error {
	return &TransientChannelError{Channel: channel, StatusCode: status, Err: err}
}

func Validation(field, message string) error {
	return &PermanentValidationError{Field: field, Message: message}
}

func BrokerUnavailable(err error) error {
	return &BrokerUnavailableError{Err: err}
}

func Expired(what string, age time.Duration) error {
	return &ExpiredError{What: what, Age: age}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var (
		v *PermanentValidationError
		x *ExpiredError
	)
	return stderrors.As(err, &v) || stderrors.As(err, &x)
}

func IsExpired(err error) bool {
	var x *ExpiredError
	return stderrors.As(err, &x)
}

// IsRetryable reports whether a failed attempt may be rescheduled.
// Unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err)
}

func IsCircuitOpen(err error) bool {
	var c *CircuitOpenError
	return stderrors.As(err, &c)
}

func IsBrokerUnavailable(err error) bool {
	var b *BrokerUnavailableError
	return stderrors.As(err, &b)
}

// Type classifies err into one of the Type* labels.
func Type(err error) string {
	var (
		transient *TransientChannelError
		invalid   *PermanentValidationError
		open      *CircuitOpenError
		broker    *BrokerUnavailableError
		expired   *ExpiredError
	)
	switch {
	case err == nil:
		return ""
	case stderrors.As(err, &invalid):
		return TypeValidation
	case stderrors.As(err, &expired):
		return TypeExpired
	case stderrors.As(err, &open):
		return TypeCircuitOpen
	case stderrors.As(err, &broker):
		return TypeBrokerUnavailable
	case stderrors.As(err, &transient):
		return TypeTransient
	default:
		return TypeUnknown
	}
}
