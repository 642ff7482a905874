package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies venue-level execution failures
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindRateLimited      ErrorKind = "RateLimited"
	KindRejected         ErrorKind = "Rejected"
	KindTimeout          ErrorKind = "Timeout"
	KindConnectivityLost ErrorKind = "ConnectivityLost"
)

// Retryable reports whether a failure of this kind may succeed on retry at the same venue
func (k ErrorKind) Retryable() bool {
	return k == KindRateLimited || k == KindTimeout || k == KindConnectivityLost
}

var (
	// ErrHedgePending is returned when a proposal is attempted while an action is outstanding
	ErrHedgePending = errors.New("hedge already pending")
	// ErrNotMonitored is returned for commands on assets that are not monitored
	ErrNotMonitored = errors.New("asset not monitored")
	// ErrAlreadyMonitored is returned when monitoring is requested twice
	ErrAlreadyMonitored = errors.New("asset already monitored")
)

// InvalidMarketDataError signals bad or missing pricing inputs. The cycle is skipped.
type InvalidMarketDataError struct {
	Asset  string
	Field  string
	Reason string
}

func (e *InvalidMarketDataError) Error() string {
	return fmt.Sprintf("invalid market data for %s: %s %s", e.Asset, e.Field, e.Reason)
}

// DataUnavailableError signals that the feed produced no snapshot in time. The cycle is skipped.
type DataUnavailableError struct {
	Asset string
	Err   error
}

func (e *DataUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("data unavailable for %s", e.Asset)
	}
	return fmt.Sprintf("data unavailable for %s: %v", e.Asset, e.Err)
}

func (e *DataUnavailableError) Unwrap() error { return e.Err }

// ExecutionError is a venue-level failure
type ExecutionError struct {
	Kind  ErrorKind
	Venue string
	Err   error
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("execution %s on %s", e.Kind, e.Venue)
	}
	return fmt.Sprintf("execution %s on %s: %v", e.Kind, e.Venue, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// NewExecutionError builds an ExecutionError
func NewExecutionError(kind ErrorKind, venue string, err error) *ExecutionError {
	return &ExecutionError{Kind: kind, Venue: venue, Err: err}
}

// StaleCorrelationError signals the correlation matrix is older than allowed. Not fatal.
type StaleCorrelationError struct {
	Age    time.Duration
	MaxAge time.Duration
}

func (e *StaleCorrelationError) Error() string {
	if e.Age < 0 || e.Age > 100*365*24*time.Hour {
		return "correlation matrix unavailable"
	}
	return fmt.Sprintf("correlation matrix stale: age %s exceeds %s", e.Age, e.MaxAge)
}

// ConfigurationError signals malformed threshold or venue configuration. Fatal at startup only.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// KindOf extracts the ErrorKind of err, if it carries one
func KindOf(err error) ErrorKind {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	return KindNone
}

// IsCycleSkip reports whether err only skips the current cycle
func IsCycleSkip(err error) bool {
	var invalid *InvalidMarketDataError
	var unavailable *DataUnavailableError
	return errors.As(err, &invalid) || errors.As(err, &unavailable)
}
