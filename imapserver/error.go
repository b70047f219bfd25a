package imapserver

import (
	"fmt"
)

// Typed panics for session control flow, recovered in the command loop.

// userError is for errors the client can do something about, written as a
// tagged NO response, optionally with a response code in brackets.
type userError struct {
	code string
	err  error
}

func (e userError) Error() string { return e.err.Error() }
func (e userError) Unwrap() error { return e.err }

// serverError is for failures on our side, written as a tagged NO response.
type serverError struct{ err error }

func (e serverError) Error() string { return e.err.Error() }
func (e serverError) Unwrap() error { return e.err }

// syntaxError is for malformed commands, written as a tagged BAD response.
type syntaxError struct {
	line   string // Optional line to write before the BAD response, e.g. an untagged BYE.
	code   string // Optional response code in brackets.
	errmsg string // Response text, and usually also the error message logged.
	err    error
}

func (e syntaxError) Error() string { return e.errmsg }
func (e syntaxError) Unwrap() error { return e.err }

func xuserErrorf(format string, args ...any) {
	panic(userError{err: fmt.Errorf(format, args...)})
}

func xusercodeErrorf(code, format string, args ...any) {
	panic(userError{code: code, err: fmt.Errorf(format, args...)})
}

func xserverErrorf(format string, args ...any) {
	panic(serverError{fmt.Errorf(format, args...)})
}

func xsyntaxErrorf(format string, args ...any) {
	err := fmt.Errorf(format, args...)
	panic(syntaxError{"", "", err.Error(), err})
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		xserverErrorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
}
