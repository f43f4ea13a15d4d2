package apierrors

import (
	"errors"
	"fmt"
)

// Error is a coded error. Op names the failing operation ("registry.StartPlugin"),
// Message adds detail and Err is the underlying cause, if any.
type Error struct {
	Code    string
	Op      string
	Message string
	Err     error
}

// Sentinels for errors.Is. Matching compares codes only.
var (
	ErrNotFound             = &Error{Code: CodeNotFound}
	ErrAlreadyExists        = &Error{Code: CodeAlreadyExists}
	ErrInvalidState         = &Error{Code: CodeInvalidState}
	ErrInvalidArgument      = &Error{Code: CodeInvalidArgument}
	ErrInvalidConfiguration = &Error{Code: CodeInvalidConfiguration}
	ErrInvalidOperation     = &Error{Code: CodeInvalidOperation}
	ErrTimeout              = &Error{Code: CodeTimeout}
	ErrDependency           = &Error{Code: CodeDependency}
	ErrLoader               = &Error{Code: CodeLoader}
	ErrNotSupported         = &Error{Code: CodeNotSupported}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = Registry.Message(e.Code)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Code == e.Code
}

// New builds a coded error with a formatted message.
func New(code, op, format string, args ...any) error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to err. It returns nil when err is nil.
func Wrap(code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// Wrapf is Wrap with an additional message.
func Wrapf(code, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// Rekind keeps err's code when it already carries one of the allowed codes and
// wraps it with fallback otherwise. It is used at package boundaries so that
// callers only see the codes the boundary documents.
func Rekind(err error, op, fallback string, allowed ...string) error {
	if err == nil {
		return nil
	}
	code := CodeOf(err)
	for _, a := range allowed {
		if code == a {
			return &Error{Code: code, Op: op, Err: err}
		}
	}
	return &Error{Code: fallback, Op: op, Err: err}
}

// CodeOf returns the code of the outermost *Error in err's chain, or
// CodeInternalError when there is none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternalError
}
