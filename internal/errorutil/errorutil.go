package errorutil

import (
	"errors"
	"fmt"
)

// ErrDataIntegrity is a base error type to use for failures that are due to
// unrecoverable data integrity issues.
var ErrDataIntegrity = errors.New("data integrity error")

// ErrInvalidInput is returned when a caller hands the engine data it cannot
// accept, such as an empty backtrace.
var ErrInvalidInput = errors.New("invalid input")

// ErrMalformedHeader is returned when a profile header or table cannot be parsed.
var ErrMalformedHeader = errors.New("malformed header")

// ErrParentOrder is returned when a node record references a parent that
// was not written before it.
var ErrParentOrder = errors.New("parent id ordering violation")

// ErrUnknownValueFormat is returned for metric descriptors whose value
// format code is not known.
var ErrUnknownValueFormat = errors.New("unknown metric value format")

// ErrMetricMismatch is returned when two metric registries cannot be
// reconciled by any merge policy.
var ErrMetricMismatch = errors.New("metric descriptor mismatch")

// ErrArenaExhausted signals that a fixed node arena ran out of space.
var ErrArenaExhausted = errors.New("node arena exhausted")

// ErrTruncated is returned when the input ends in the middle of a record.
var ErrTruncated = errors.New("truncated input")

// FormatError annotates a read failure with its location in the input.
type FormatError struct {
	// Source is the file or object name, if known.
	Source string
	// Epoch is the 0-based epoch index, or -1 outside of any epoch.
	Epoch int
	// Offset is the byte offset at which the failing record started.
	Offset int64
	// NodeID is the on-disk id of the failing node record, or 0.
	NodeID int32
	Err    error
}

func (e *FormatError) Error() string {
	msg := fmt.Sprintf("offset %d", e.Offset)
	if e.Epoch >= 0 {
		msg = fmt.Sprintf("epoch %d, %s", e.Epoch, msg)
	}
	if e.NodeID != 0 {
		msg = fmt.Sprintf("%s, node %d", msg, e.NodeID)
	}
	if e.Source != "" {
		msg = e.Source + ": " + msg
	}
	return msg + ": " + e.Err.Error()
}

func (e *FormatError) Unwrap() error {
	return e.Err
}
