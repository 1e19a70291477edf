package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrTeamNotFound        = errors.New("team not found")
	ErrInvalidAPIKey       = errors.New("invalid API key")
	ErrKeyRevoked          = errors.New("API key revoked")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrEndpointUnsupported = errors.New("endpoint not supported by provider")
	ErrPriceCardNotFound   = errors.New("price card not found")
	ErrJobNotFound         = errors.New("async job not found")
	ErrJobAlreadyBilled    = errors.New("async job already billed")
)

// DecodeError reports a malformed or unsupported shape in a native payload.
// Decoders return it alongside a best-effort partial result.
type DecodeError struct {
	Protocol string
	Issues   []string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.Protocol, strings.Join(e.Issues, "; "))
}

// Add records an issue. A nil receiver is allowed so decoders can collect lazily.
func (e *DecodeError) Add(format string, args ...any) *DecodeError {
	if e == nil {
		e = &DecodeError{}
	}
	e.Issues = append(e.Issues, fmt.Sprintf(format, args...))
	return e
}

// Err returns nil when no issues were recorded.
func (e *DecodeError) Err() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// ProviderTransportError is a network failure or timeout reaching an upstream.
type ProviderTransportError struct {
	Provider string
	Timeout  bool
	Err      error
}

func (e *ProviderTransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("provider %s: timeout: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("provider %s: transport: %v", e.Provider, e.Err)
}

func (e *ProviderTransportError) Unwrap() error { return e.Err }

// ProviderRejectionError is a structured error response returned by an upstream.
type ProviderRejectionError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderRejectionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider %s rejected request: status=%d code=%s: %s", e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider %s rejected request: status=%d: %s", e.Provider, e.StatusCode, e.Message)
}

// PricingConfigError means rule or price data is malformed. Billing must abort.
type PricingConfigError struct {
	Meter  string
	RuleID string
	Reason string
}

func (e *PricingConfigError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("pricing config: meter %s rule %s: %s", e.Meter, e.RuleID, e.Reason)
	}
	return fmt.Sprintf("pricing config: meter %s: %s", e.Meter, e.Reason)
}

// RoutingExhaustedError means no provider is eligible for (model, endpoint),
// not even as a last resort.
type RoutingExhaustedError struct {
	Model    string
	Endpoint Endpoint
	Attempts int
	LastErr  error
}

func (e *RoutingExhaustedError) Error() string {
	msg := fmt.Sprintf("no provider available for model %s on %s", e.Model, e.Endpoint)
	if e.LastErr != nil {
		msg += fmt.Sprintf(" after %d attempt(s): %v", e.Attempts, e.LastErr)
	}
	return msg
}

func (e *RoutingExhaustedError) Unwrap() error { return e.LastErr }

// Failure is how an upstream error counts against a breaker.
type Failure string

const (
	FailureNone      Failure = ""
	FailureTransport Failure = "transport"
	FailureTimeout   Failure = "timeout"
	FailureRejection Failure = "rejection"
)

// FailureKind classifies an upstream error. Errors that are neither transport
// nor rejection errors count as transport failures.
func FailureKind(err error) Failure {
	if err == nil {
		return FailureNone
	}

	var transport *ProviderTransportError
	if errors.As(err, &transport) {
		if transport.Timeout {
			return FailureTimeout
		}
		return FailureTransport
	}

	var rejection *ProviderRejectionError
	if errors.As(err, &rejection) {
		return FailureRejection
	}

	if IsTimeout(err) {
		return FailureTimeout
	}
	return FailureTransport
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
