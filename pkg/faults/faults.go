// Package faults defines the fault taxonomy of the resolution core. Callers
// branch on the fault kind; translating kinds to transport statuses belongs to
// the HTTP boundary.
package faults

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

type Kind string

const (
	// KindValidation means the caller violated a precondition of the core.
	// Recoverable by the caller.
	KindValidation Kind = "validation"
	// KindInvariant means previously persisted state contradicts a data
	// invariant. Not recoverable within the request; the unit of work aborts.
	KindInvariant Kind = "invariant"
	// KindStore means the persistence layer failed. The cause is preserved
	// and the unit of work rolls back.
	KindStore Kind = "store"
)

type Fault struct {
	Kind    Kind
	Message string
	cause   error
}

func New(kind Kind, msg string) *Fault {
	return &Fault{Kind: kind, Message: msg}
}

func Validation(msg string) *Fault {
	return New(KindValidation, msg)
}

func Invariant(msg string) *Fault {
	return New(KindInvariant, msg)
}

func Invariantf(format string, args ...any) *Fault {
	return New(KindInvariant, fmt.Sprintf(format, args...))
}

// Store wraps a persistence failure without altering it; Unwrap exposes the
// cause for errors.Is/As checks against driver errors.
func Store(msg string, cause error) *Fault {
	return &Fault{Kind: KindStore, Message: msg, cause: cause}
}

func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error {
	return f.cause
}

func (f *Fault) WithCause(err error) *Fault {
	f.cause = err
	return f
}

// ToHTTPError maps the fault kind to a transport status.
func (f *Fault) ToHTTPError() *httperror.HTTPError {
	status := http.StatusInternalServerError
	switch f.Kind {
	case KindValidation:
		status = http.StatusBadRequest
	case KindStore:
		status = http.StatusServiceUnavailable
	}
	return httperror.NewHTTPError(status, f.Message).AddMetaValue("fault", string(f.Kind))
}

func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}

// AsFault returns the fault in err's chain, if any.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// KindOf classifies an error, returning the empty kind for non-faults.
func KindOf(err error) Kind {
	if f, ok := AsFault(err); ok {
		return f.Kind
	}
	return ""
}
