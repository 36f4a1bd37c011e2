// Package errors classifies the failures of the ingest pipeline so callers
// can decide whether to retry, skip the unit of work, or give up.
package errors

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindRetryable is a network call failure, retried with a fixed delay.
	KindRetryable
	// KindPrecondition skips and reports the affected unit of work.
	KindPrecondition
	// KindInvariant is returned synchronously to the caller and never retried.
	KindInvariant
	// KindStuck is a lack of progress, reported as a failed result.
	KindStuck
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindPrecondition:
		return "precondition"
	case KindInvariant:
		return "invariant"
	case KindStuck:
		return "stuck"
	}
	return "unknown"
}

var (
	ErrDirectoryNeverAppeared = &kindError{msg: "directory never appeared", kind: KindPrecondition}
	ErrDurationNotFound       = &kindError{msg: "duration not found for segment", kind: KindPrecondition}
	ErrInvalidVODManifest     = &kindError{msg: "invalid VOD manifest", kind: KindPrecondition}
	ErrFileNotStable          = &kindError{msg: "file never became stable", kind: KindPrecondition}
	ErrDirectoryInUse         = &kindError{msg: "directory already in use", kind: KindInvariant}
	ErrInvalidStreamPath      = &kindError{msg: "invalid stream path", kind: KindInvariant}
	ErrSessionNotFound        = &kindError{msg: "session not found", kind: KindInvariant}
	ErrDrainStuck             = &kindError{msg: "stream drain made no progress", kind: KindStuck}
	ErrQueueClosed            = &kindError{msg: "task queue closed", kind: KindInvariant}
)

type kindError struct {
	msg  string
	kind Kind
}

func (e *kindError) Error() string {
	return e.msg
}

// retryableError marks a failure that is worth another attempt.
type retryableError struct {
	err error
}

func (re *retryableError) Error() string {
	return re.err.Error()
}

func (re *retryableError) Unwrap() error {
	return re.err
}

// Retryable wraps err so that KindOf reports KindRetryable. nil stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Permanent wraps err so retry loops stop immediately.
type PermanentError struct {
	Err error
}

func (pe *PermanentError) Error() string {
	return pe.Err.Error()
}

func (pe *PermanentError) Unwrap() error {
	return pe.Err
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// KindOf walks the wrap chain and returns the first classification found.
func KindOf(err error) Kind {
	for err != nil {
		switch e := err.(type) {
		case *kindError:
			return e.kind
		case *retryableError:
			return KindRetryable
		}
		err = errors.Unwrap(err)
	}
	return KindUnknown
}

// Is, As and New mirror the standard library so callers need a single import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func New(msg string) error {
	return errors.New(msg)
}

// Withf annotates a sentinel with detail while keeping errors.Is working.
func Withf(sentinel error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
