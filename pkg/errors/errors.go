package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Error is an error with contextual values and a stack trace
type Error struct {
	Msg    string
	Values map[string]interface{}
	cause  error
	st     errors.StackTrace
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func newError(msg string, cause error) *Error {
	var st errors.StackTrace
	if tracer, ok := cause.(stackTracer); ok {
		st = tracer.StackTrace()
	} else {
		st = errors.New("").(stackTracer).StackTrace()[2:]
	}

	return &Error{
		Msg:    msg,
		Values: make(map[string]interface{}),
		cause:  cause,
		st:     st,
	}
}

// New creates a new error with message
func New(msg string) *Error {
	return newError(msg, nil)
}

// Wrap creates a new Error that has cause as underlying error. msg is optional.
func Wrap(cause error, msg ...string) *Error {
	e := newError(strings.Join(msg, " "), cause)

	if prev, ok := cause.(*Error); ok {
		e.st = prev.st
		for k, v := range prev.Values {
			e.Values[k] = v
		}
	}
	return e
}

// With adds a key-value pair to Values of Error. Existing key is overwritten.
func (x *Error) With(key string, value interface{}) *Error {
	x.Values[key] = value
	return x
}

// Error returns error message for error interface
func (x *Error) Error() string {
	if x.cause == nil {
		return x.Msg
	}
	if x.Msg == "" {
		return x.cause.Error()
	}
	return fmt.Sprintf("%s: %s", x.Msg, x.cause.Error())
}

// Unwrap returns underlying error
func (x *Error) Unwrap() error {
	return x.cause
}

// Cause returns the root cause
func (x *Error) Cause() error {
	return errors.Cause(x.cause)
}

// StackTrace returns formatted stack trace of the point the error was created
func (x *Error) StackTrace() string {
	return fmt.Sprintf("%+v", x.st)
}
