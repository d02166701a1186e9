package session

import (
	"errors"
	"fmt"
)

// Kind classifies failures for the user and for logs.
type Kind int

const (
	ConnectionFailure Kind = iota + 1
	ExecutionFailure
	TransferFailure
	LocalResourceFailure
	DeliveryFailure
)

func (k Kind) String() string {
	switch k {
	case ConnectionFailure:
		return "connection failure"
	case ExecutionFailure:
		return "execution failure"
	case TransferFailure:
		return "transfer failure"
	case LocalResourceFailure:
		return "local resource failure"
	case DeliveryFailure:
		return "delivery failure"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified session failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrNoPassword = errors.New("password is not set, use /password <password>")
	ErrNoSuchTask = errors.New("no such task")

	// ErrInterrupted is returned by a synchronous operation whose task was
	// stopped or killed. The stop or kill has already been confirmed.
	ErrInterrupted  = errors.New("interrupted")
	ErrQueryTimeout = errors.New("no answer from the remote machine")
)

func fail(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err carries a session Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// RootCause returns the innermost error message in err's chain. This is what
// the user sees; wrapping context stays in the logs.
func RootCause(err error) string {
	if err == nil {
		return ""
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
