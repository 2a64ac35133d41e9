package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"runtime"
	"strings"
)

// Error carries a code alongside the message shown to users.
type Error struct {
	Code    ErrorCode
	Message string         // user-facing text, defaults to the code message
	Details map[string]any // structured context such as the offending field
	Err     error          // cause
	Stack   string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code.Message()
}

// Unwrap returns the cause (for errors.Is and errors.As)
func (e *Error) Unwrap() error {
	return e.Err
}

// Format prints the stack trace for %+v.
func (e *Error) Format(s fmt.State, verb rune) {
	switch {
	case verb == 'v' && s.Flag('+'):
		_, _ = fmt.Fprintf(s, "[%d] %s", e.Code, e.Error())
		_, _ = io.WriteString(s, e.Stack)
	case verb == 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Error())
	default:
		_, _ = io.WriteString(s, e.Error())
	}
}

// New creates an Error with the code's default message.
func New(code ErrorCode) *Error {
	return &Error{Code: code, Message: code.Message(), Stack: getStack(2)}
}

// Newf creates an Error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Stack: getStack(2)}
}

// Wrap attaches code to err, keeping its message.
func Wrap(err error, code ErrorCode) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		// recode a copy; the original may be shared
		cp := *e
		cp.Code = code
		cp.Err = err
		return &cp
	}
	return &Error{Code: code, Message: err.Error(), Err: err, Stack: getStack(2)}
}

// Wrapf wraps err under code with the message "prefix: cause".
func Wrapf(err error, code ErrorCode, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...) + ": " + err.Error(),
		Err:     err,
		Stack:   getStack(2),
	}
}

// WithMessage replaces the user-facing message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithDetail records one piece of structured context.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// GetCode returns the outermost code in err's chain, InternalServerError when there is none.
func GetCode(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return InternalServerError
}

// Is reports whether any Error in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// IsTimeout reports whether err carries one of the timeout codes.
func IsTimeout(err error) bool {
	return Is(err, ExecutionTimeout) || Is(err, Timeout)
}

// ValidationError reports a bad value for field.
func ValidationError(field, reason string) *Error {
	e := &Error{Code: ValidationFailed, Message: field + ": " + reason, Stack: getStack(2)}
	return e.WithDetail("field", field).WithDetail("reason", reason)
}

func getStack(skip int) string {
	var pcs [10]uintptr
	n := runtime.Callers(skip+1, pcs[:])
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			fmt.Fprintf(&b, "\n\t%s:%d %s", frame.File, frame.Line, frame.Function)
		}
		if !more {
			return b.String()
		}
	}
}

// As is errors.As, re-exported so callers need one errors import.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}
