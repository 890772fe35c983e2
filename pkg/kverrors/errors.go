// Package kverrors defines the engine's error taxonomy.
//
// Every failure that crosses a package boundary is wrapped into an
// *Error carrying one of the Kind values below, so callers can branch on
// Kind (via errors.As) instead of matching on message text.
package kverrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the engine can surface to a caller.
type Kind string

const (
	// CorruptVolume covers header mismatches, page type mismatches,
	// oversized long-record chains, and journal record invariant
	// violations. Fatal per-volume; the engine continues serving other
	// volumes.
	CorruptVolume Kind = "corrupt-volume"

	// InvalidPageAddress means a page number fell outside the volume's
	// allocated range.
	InvalidPageAddress Kind = "invalid-page-address"

	// InUse means a claim or permit could not be acquired because
	// another task holds it in a conflicting mode. Retryable.
	InUse Kind = "in-use"

	// TimedOut means a blocking acquisition did not succeed within its
	// deadline. Retryable.
	TimedOut Kind = "timed-out"

	// Interrupted means cancellation was delivered to a blocking wait.
	// Retryable.
	Interrupted Kind = "interrupted"

	// Rollback means a write-write conflict was detected; the caller
	// must re-execute the transaction.
	Rollback Kind = "rollback"

	// IO means an underlying read or write failed.
	IO Kind = "io"

	// Conversion means the key/value codec rejected its input.
	Conversion Kind = "conversion"

	// InvalidSpec means a volume specification string was malformed.
	InvalidSpec Kind = "invalid-spec"
)

// Error is the engine's wrapped error type.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "btree.Insert"
	Volume  string
	Tree    string
	Cause   error
	Message string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	switch {
	case e.Volume != "" && e.Tree != "":
		return fmt.Sprintf("%s: %s [volume=%s tree=%s]: %s", e.Op, e.Kind, e.Volume, e.Tree, msg)
	case e.Volume != "":
		return fmt.Sprintf("%s: %s [volume=%s]: %s", e.Op, e.Kind, e.Volume, msg)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, kverrors.KindOf(kverrors.Rollback)) style
// checks by kind.
func (e *Error) Is(target error) bool {
	var k *kindSentinel
	if errors.As(target, &k) {
		return e.Kind == k.kind
	}
	return false
}

// kindSentinel lets callers write errors.Is(err, kverrors.KindOf(Rollback)).
type kindSentinel struct{ kind Kind }

func (k *kindSentinel) Error() string { return string(k.kind) }

// KindOf returns a sentinel error usable with errors.Is to match any
// *Error of the given Kind, regardless of Op/Volume/Tree/Cause.
func KindOf(k Kind) error { return &kindSentinel{kind: k} }

// New builds an *Error with the given kind and operation name.
func New(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error wrapping cause with the given kind and operation.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// WithVolume returns a copy of e annotated with a volume name.
func (e *Error) WithVolume(name string) *Error {
	c := *e
	c.Volume = name
	return &c
}

// WithTree returns a copy of e annotated with a tree name.
func (e *Error) WithTree(name string) *Error {
	c := *e
	c.Tree = name
	return &c
}

// KindOfErr extracts the Kind from err if it (or something it wraps) is
// an *Error; ok is false otherwise.
func KindOfErr(err error) (kind Kind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
