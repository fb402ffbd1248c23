package eip3009

import (
	"errors"
	"fmt"

	"github.com/becomeliminal/x402-arcade/usdc"
)

// Code identifies a distinct authorization failure.
type Code string

// Error codes.
const (
	CodeInvalidAddress            Code = "invalid_address"
	CodeInvalidNonceFormat        Code = "invalid_nonce_format"
	CodeInvalidSignatureFormat    Code = "invalid_signature_format"
	CodeInvalidSignatureComponent Code = "invalid_signature_component"
	CodeNotYetValid               Code = "not_yet_valid"
	CodeExpired                   Code = "expired"
	CodeNonceAlreadyUsed          Code = "nonce_already_used"
	CodeInsufficientBalance       Code = "insufficient_balance"
	CodeInvalidAmount             Code = "invalid_amount"
	CodeSignerMismatch            Code = "signer_mismatch"
)

// Error is returned for every rejected authorization. Field names the
// offending input where there is one.
type Error struct {
	Code    Code
	Field   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same code. A target without a Field
// matches any field. An invalid_amount error also matches usdc.ErrInvalidAmount.
func (e *Error) Is(target error) bool {
	if target == usdc.ErrInvalidAmount {
		return e.Code == CodeInvalidAmount
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Field == "" || t.Field == e.Field)
}

// Sentinels for errors.Is.
var (
	ErrInvalidAddress            = &Error{Code: CodeInvalidAddress}
	ErrInvalidNonceFormat        = &Error{Code: CodeInvalidNonceFormat}
	ErrInvalidSignatureFormat    = &Error{Code: CodeInvalidSignatureFormat}
	ErrInvalidSignatureComponent = &Error{Code: CodeInvalidSignatureComponent}
	ErrInvalidSignatureR         = &Error{Code: CodeInvalidSignatureComponent, Field: "r"}
	ErrInvalidSignatureS         = &Error{Code: CodeInvalidSignatureComponent, Field: "s"}
	ErrInvalidSignatureV         = &Error{Code: CodeInvalidSignatureComponent, Field: "v"}
	ErrNotYetValid               = &Error{Code: CodeNotYetValid}
	ErrExpired                   = &Error{Code: CodeExpired}
	ErrNonceAlreadyUsed          = &Error{Code: CodeNonceAlreadyUsed}
	ErrInsufficientBalance       = &Error{Code: CodeInsufficientBalance}
	ErrInvalidAmount             = &Error{Code: CodeInvalidAmount}
	ErrSignerMismatch            = &Error{Code: CodeSignerMismatch}
)

func newError(code Code, field, format string, args ...interface{}) *Error {
	return &Error{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
// Amount parse failures from usdc carry CodeInvalidAmount.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, usdc.ErrInvalidAmount) {
		return CodeInvalidAmount
	}
	return ""
}
