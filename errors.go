package x402

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/becomeliminal/x402-arcade/eip3009"
)

// PaymentError represents an error related to payment processing.
type PaymentError struct {
	Code    string
	Message string
	Cause   error

	// RetryAfter is set for rate limited payments.
	RetryAfter time.Duration
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// Error codes.
const (
	ErrCodeInvalidPayment      = "INVALID_PAYMENT"
	ErrCodeVerificationFailed  = "VERIFICATION_FAILED"
	ErrCodeSettlementFailed    = "SETTLEMENT_FAILED"
	ErrCodeInvalidConfig       = "INVALID_CONFIG"
	ErrCodeNetworkNotSupported = "NETWORK_NOT_SUPPORTED"
	ErrCodeInsufficientAmount  = "INSUFFICIENT_AMOUNT"
	ErrCodeRecipientMismatch   = "RECIPIENT_MISMATCH"
	ErrCodeExpiredPayment      = "EXPIRED_PAYMENT"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeDuplicatePayment    = "DUPLICATE_PAYMENT"
)

// NewPaymentError creates a new PaymentError.
func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsPaymentError checks if an error is a PaymentError.
func IsPaymentError(err error) bool {
	var pe *PaymentError
	return errors.As(err, &pe)
}

// GetPaymentErrorCode extracts the error code from a PaymentError.
func GetPaymentErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// HTTPStatus maps a payment failure to a response status. Malformed input is
// 400; a well-formed payment that cannot be honoured (expired, replayed,
// underfunded, wrong signer) is 402 so the client can pay again.
func HTTPStatus(err error) int {
	switch eip3009.CodeOf(err) {
	case eip3009.CodeInvalidAddress,
		eip3009.CodeInvalidNonceFormat,
		eip3009.CodeInvalidSignatureFormat,
		eip3009.CodeInvalidSignatureComponent,
		eip3009.CodeInvalidAmount:
		return http.StatusBadRequest
	case eip3009.CodeNotYetValid,
		eip3009.CodeExpired,
		eip3009.CodeNonceAlreadyUsed,
		eip3009.CodeInsufficientBalance,
		eip3009.CodeSignerMismatch:
		return http.StatusPaymentRequired
	}

	switch GetPaymentErrorCode(err) {
	case ErrCodeInvalidPayment, ErrCodeNetworkNotSupported:
		return http.StatusBadRequest
	case ErrCodeVerificationFailed, ErrCodeInsufficientAmount, ErrCodeRecipientMismatch, ErrCodeExpiredPayment:
		return http.StatusPaymentRequired
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeDuplicatePayment:
		return http.StatusConflict
	case ErrCodeSettlementFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// ErrorCode is the most specific code in err's chain: the authorization
// code when there is one, else the payment error code.
func ErrorCode(err error) string {
	if code := eip3009.CodeOf(err); code != "" {
		return string(code)
	}
	return GetPaymentErrorCode(err)
}
