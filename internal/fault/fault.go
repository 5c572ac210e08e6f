// Package fault defines the error taxonomy shared by the rendering core.
//
// Every failure that leaves the core is a *Error carrying a Kind, so callers
// can branch on the cause (and report a numeric code in telemetry) instead of
// parsing log text.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind uint8

const (
	// Unknown is reported for errors that did not originate in the core.
	Unknown Kind = iota
	// Format is a malformed or unsupported input image.
	Format
	// Bus is a bus/GPIO configuration or transfer failure.
	Bus
	// Timeout is a busy-line poll that exceeded its deadline.
	Timeout
	// Allocation is a pixel buffer allocation failure.
	Allocation
	// NotReady is an operation issued before Init succeeded, or after Close.
	NotReady
	// Input is a nil or undersized input buffer.
	Input
)

var kindNames = [...]string{
	Unknown:    "unknown",
	Format:     "format",
	Bus:        "bus",
	Timeout:    "timeout",
	Allocation: "allocation",
	NotReady:   "not-ready",
	Input:      "input",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Code is the stable numeric code reported in device telemetry. Zero means
// success.
func (k Kind) Code() int {
	if k == Unknown {
		return 99
	}
	return 10 + int(k)
}

// Error is a classified failure. Op names the operation ("decode", "init",
// "flush", ...); Stage optionally narrows it to a protocol step.
type Error struct {
	Kind  Kind
	Op    string
	Stage string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Stage != "" {
		msg += " (" + e.Stage + ")"
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted message as the underlying error.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Status is the telemetry view of an outcome: a short status string and a
// numeric code, both zero-valued ("ok", 0) on success.
func Status(err error) (string, int) {
	if err == nil {
		return "ok", 0
	}
	k := KindOf(err)
	return k.String(), k.Code()
}
