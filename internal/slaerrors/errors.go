// Package slaerrors defines the error taxonomy of the compliance engine.
//
// Configuration errors are never retried and are reported to operators.
// Transient errors are retried with backoff. Invariant violations reject
// the offending write and are logged as defects.
package slaerrors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindTransient
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransient:
		return "transient"
	case KindInvariant:
		return "invariant"
	}
	return "unknown"
}

var (
	ErrNotFound            = errors.New("not found")
	ErrTierNotFound        = errors.New("no matching sla tier")
	ErrMissingTarget       = errors.New("tier defines no target for priority")
	ErrMalformedCondition  = errors.New("malformed condition")
	ErrDuplicateOpenBreach = errors.New("open breach already recorded")
	ErrLevelAlreadyFired   = errors.New("escalation level already fired")
	ErrLevelOutOfOrder     = errors.New("escalation level fired out of order")
	ErrNoBusinessTime      = errors.New("calendar has no business time")
)

// Error carries a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Configuration wraps err as a ConfigurationError.
func Configuration(op string, err error) error {
	return &Error{Kind: KindConfiguration, Op: op, Err: err}
}

// Configurationf builds a ConfigurationError from a format string.
func Configurationf(op, format string, args ...interface{}) error {
	return &Error{Kind: KindConfiguration, Op: op, Err: fmt.Errorf(format, args...)}
}

// Transient wraps err as a TransientError.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Invariant wraps err as a DataInvariantViolation.
func Invariant(op string, err error) error {
	return &Error{Kind: KindInvariant, Op: op, Err: err}
}

// Classify maps context deadline and cancellation to TransientError and
// leaves already classified errors untouched.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(op, err)
	}
	return err
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool { return KindOf(err) == KindConfiguration }

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsInvariant reports whether err is a DataInvariantViolation.
func IsInvariant(err error) bool { return KindOf(err) == KindInvariant }
