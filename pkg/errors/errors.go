package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNoBoundary indicates that no safe record boundary was found within
	// the bounded scan window. The input cannot be split safely.
	ErrNoBoundary = errors.New("no safe record boundary found in scan window")

	// ErrMalformedInput indicates that the input document is not a valid
	// Jones coefficient corpus
	ErrMalformedInput = errors.New("malformed input document")

	// ErrInsufficientOrder indicates that the Taylor expansion order was too
	// small to locate a non-zero coefficient. The record is ambiguous, not trivial.
	ErrInsufficientOrder = errors.New("expansion order insufficient")

	// ErrRunAlreadyMerged indicates that a run's results were already folded
	// into the persisted state
	ErrRunAlreadyMerged = errors.New("run already merged into persisted state")

	// ErrStateNotFound indicates that no persisted state exists yet
	ErrStateNotFound = errors.New("persisted state not found")
)

// FormatError is a fatal input error: the document is corrupt, non-standard,
// or cannot be split on safe record boundaries. It always aborts the run.
type FormatError struct {
	// Offset is the byte offset at which the problem was detected, -1 if unknown
	Offset int64

	// Message is a human-readable description
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *FormatError) Error() string {
	if e.Offset >= 0 {
		if e.Err != nil {
			return fmt.Sprintf("format error at byte %d: %s: %v", e.Offset, e.Message, e.Err)
		}
		return fmt.Sprintf("format error at byte %d: %s", e.Offset, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("format error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("format error: %s", e.Message)
}

// Unwrap returns the underlying error
func (e *FormatError) Unwrap() error {
	return e.Err
}

// NewFormatError creates a new fatal format error at the given byte offset.
// Pass -1 when the offset is unknown.
func NewFormatError(offset int64, message string, err error) *FormatError {
	return &FormatError{
		Offset:  offset,
		Message: message,
		Err:     err,
	}
}

// RecordError is a non-fatal error scoped to a single knot record. Workers
// skip the record, count the failure and continue.
type RecordError struct {
	// Label is the knot identifier, if it could be read
	Label string

	// Message is a human-readable description
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *RecordError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("record %q: %s: %v", e.Label, e.Message, e.Err)
	}
	return fmt.Sprintf("record %q: %s", e.Label, e.Message)
}

// Unwrap returns the underlying error
func (e *RecordError) Unwrap() error {
	return e.Err
}

// NewRecordError creates a new record-scoped error
func NewRecordError(label, message string, err error) *RecordError {
	return &RecordError{
		Label:   label,
		Message: message,
		Err:     err,
	}
}

// IsFormat checks if an error is fatal for the whole run
func IsFormat(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

// IsRecord checks if an error is scoped to a single record
func IsRecord(err error) bool {
	var re *RecordError
	return errors.As(err, &re)
}

// IsInsufficientOrder checks if an error marks an ambiguous Taylor outcome
func IsInsufficientOrder(err error) bool {
	return errors.Is(err, ErrInsufficientOrder)
}
