package govhd

import (
	"errors"
	"fmt"

	"github.com/blktap/govhd/internal/engine"
	"github.com/blktap/govhd/internal/wire"
)

// ErrorCode categorizes driver errors per the engine's error taxonomy:
// transient conditions a caller should retry, kernel I/O failures,
// on-disk corruption rejected at open/create, bad arguments, and
// internal invariant violations that indicate a programming defect
// rather than a runtime condition.
type ErrorCode string

const (
	CodeBusy            ErrorCode = "busy"
	CodeIO              ErrorCode = "i/o error"
	CodeCorrupt         ErrorCode = "corrupt image"
	CodeInvalidArgument ErrorCode = "invalid argument"
	CodeInternal        ErrorCode = "internal error"
)

// Error is a structured driver error with enough context to log or
// branch on without string-matching.
type Error struct {
	Op    string    // operation that failed ("Open", "QueueWrite", ...)
	Code  ErrorCode // high-level category
	Msg   string    // human-readable message
	Inner error     // wrapped error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("govhd: %s: %s (%s)", e.Op, e.Msg, e.Code)
	}
	return fmt.Sprintf("govhd: %s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError constructs a structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// WrapError classifies inner against the engine's and wire package's
// sentinel errors and wraps it with op context. Errors that don't
// match a known sentinel (typically a raw OS error surfaced from a
// syscall like os.OpenFile) are classified CodeIO, since an
// unrecognized failure reaching this driver's boundary is almost
// always an I/O-layer condition rather than this driver's own
// invariant violation; CodeInternal is reserved for call sites that
// construct it directly via NewError upon detecting such a violation.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ue, ok := inner.(*Error); ok {
		return &Error{Op: op, Code: ue.Code, Msg: ue.Msg, Inner: ue.Inner}
	}

	code := mapErrToCode(inner)
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

func mapErrToCode(err error) ErrorCode {
	switch {
	case errors.Is(err, engine.ErrBusy), errors.Is(err, engine.ErrBATBusy), errors.Is(err, engine.ErrCacheBusy):
		return CodeBusy
	case errors.Is(err, engine.ErrInvalidRange):
		return CodeInvalidArgument
	case errors.Is(err, wire.ErrBadCookie), errors.Is(err, wire.ErrChecksumMismatch), errors.Is(err, wire.ErrUnsupportedVersion), errors.Is(err, wire.ErrShortBuffer):
		return CodeCorrupt
	case errors.Is(err, engine.ErrNotAllocated):
		// not an error class of its own — callers check ErrNotAllocated
		// directly via errors.Is; this path is only hit if something
		// wraps it through WrapError instead, treat it as an I/O-shaped
		// condition rather than inventing a sixth code for it.
		return CodeIO
	default:
		return CodeIO
	}
}

// IsCode reports whether err (or anything it wraps) is a *Error with
// the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// ErrNotAllocated is re-exported so callers need not import
// internal/engine to check a read-of-a-hole outcome.
var ErrNotAllocated = engine.ErrNotAllocated
