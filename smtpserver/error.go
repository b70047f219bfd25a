package smtpserver

import (
	"fmt"

	"github.com/ibrahimsoriey1/quantummint-sub000/smtp"
)

type codes struct {
	code   int
	secode string // Enhanced code, without the leading major digit from code.
}

// smtpError is panicked while executing a command and recovered in the
// command loop, which writes the coded negative reply. The connection stays
// open.
type smtpError struct {
	code      int
	secode    string
	err       error
	userError bool // Errors on the user side are logged at a lower level.
}

func (e smtpError) Error() string { return e.err.Error() }
func (e smtpError) Unwrap() error { return e.err }

func xsmtpErrorf(code int, secode string, userError bool, format string, args ...any) {
	panic(smtpError{code, secode, fmt.Errorf(format, args...), userError})
}

func xsmtpServerErrorf(codes codes, format string, args ...any) {
	xsmtpErrorf(codes.code, codes.secode, false, format, args...)
}

func xsmtpUserErrorf(code int, secode string, format string, args ...any) {
	xsmtpErrorf(code, secode, true, format, args...)
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		panic(smtpError{smtp.C451LocalErr, smtp.SeSys3Other0, fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err), false})
	}
}
