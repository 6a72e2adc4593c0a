package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrUnavailable reports that every endpoint exhausted its retry budget or was
	// short circuited.
	ErrUnavailable = errors.New("rpc: ledger unavailable")
	// ErrCircuitOpen reports that every endpoint breaker was open when the call started.
	ErrCircuitOpen = errors.New("rpc: circuit open")
	// ErrTransient marks an attempt failure worth retrying.
	ErrTransient = errors.New("rpc: transient failure")
	// ErrUnknownEndpoint is returned by Registry lookups for unconfigured keys.
	ErrUnknownEndpoint = errors.New("rpc: unknown endpoint")
)

// Kind classifies a terminal pool failure.
type Kind string

const (
	KindCircuitOpen Kind = "circuit_open"
	KindUnavailable Kind = "unavailable"
)

// Error is the terminal error returned by Pool.Call once the resilience budget is spent.
type Error struct {
	Kind      Kind
	Network   string
	Operation string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rpc %s/%s: %s: %v", e.Network, e.Operation, e.Kind, e.Err)
	}
	return fmt.Sprintf("rpc %s/%s: %s", e.Network, e.Operation, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets callers match ErrUnavailable for both kinds and ErrCircuitOpen for the
// short circuit case only.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return true
	case ErrCircuitOpen:
		return e.Kind == KindCircuitOpen
	}
	return false
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() []error { return []error{ErrTransient, e.err} }

// Transient wraps err so the pool retries it and counts it against the breaker.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err should be retried. Network failures and
// per-attempt deadline expiry are transient; everything else is a definitive answer.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
