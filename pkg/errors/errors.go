// Package errors defines the connector error taxonomy shared by the transport,
// the trading-rule table and the order lifecycle.
package errors

import (
	"errors"
	"fmt"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Sentinel conditions.
var (
	// ErrExchangeIDPending is returned when an order is still waiting for the
	// exchange to assign its id. It is retryable.
	ErrExchangeIDPending = errors.New("exchange order id still pending")
	// ErrOrderNotFound is returned for client order ids that are not tracked.
	ErrOrderNotFound = errors.New("order not found")
	// ErrUnknownTradingPair is returned when no trading rule exists for a pair.
	ErrUnknownTradingPair = errors.New("unknown trading pair")
	// ErrUnsupportedOrderType is returned for order types outside the limit family.
	ErrUnsupportedOrderType = errors.New("unsupported order type")
)

// ErrorKind classifies an error for logging and metrics.
type ErrorKind string

const (
	KindTransport   ErrorKind = "transport"
	KindApplication ErrorKind = "application"
	KindValidation  ErrorKind = "validation"
	KindAnomaly     ErrorKind = "anomaly"
	KindUnknown     ErrorKind = "unknown"
)

// TransportError covers network, HTTP status and decoding failures.
type TransportError struct {
	Method string
	Path   string
	Status int
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("%s %s: http status %d: %v", e.Method, e.Path, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
	default:
		return fmt.Sprintf("%s %s: http status %d: %s", e.Method, e.Path, e.Status, e.Body)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// ApplicationError is returned when the exchange answered with a rejecting code.
type ApplicationError struct {
	Path string
	Code int
	Body map[string]any
}

func (e *ApplicationError) Error() string {
	msg, _ := e.Body["info"].(string)
	if msg == "" {
		msg, _ = e.Body["msg"].(string)
	}
	return fmt.Sprintf("%s: exchange rejected request with code %d: %s", e.Path, e.Code, msg)
}

// ValidationError rejects a request before anything is sent to the exchange.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError builds a ValidationError wrapping an optional sentinel.
func NewValidationError(field, reason string, cause error) *ValidationError {
	return &ValidationError{Field: field, Reason: reason, Err: cause}
}

// AnomalyError describes a remote record that references something not known locally.
type AnomalyError struct {
	Kind string
	ID   string
}

func (e *AnomalyError) Error() string {
	return fmt.Sprintf("reconciliation anomaly: %s %q not tracked locally", e.Kind, e.ID)
}

// Kind classifies err by walking its chain.
func Kind(err error) ErrorKind {
	var (
		transport   *TransportError
		application *ApplicationError
		validation  *ValidationError
		anomaly     *AnomalyError
	)
	switch {
	case err == nil:
		return ""
	case As(err, &validation), Is(err, ErrUnknownTradingPair), Is(err, ErrUnsupportedOrderType):
		return KindValidation
	case As(err, &application):
		return KindApplication
	case As(err, &transport):
		return KindTransport
	case As(err, &anomaly):
		return KindAnomaly
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether the operation that produced err may simply be retried.
func IsRetryable(err error) bool {
	return Kind(err) == KindTransport || Is(err, ErrExchangeIDPending)
}
