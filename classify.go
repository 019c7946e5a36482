package actionqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"reflect"
	"strings"
	"syscall"
)

// StatusError is returned by transports when the server answers with a
// non-success status.
type StatusError struct {
	StatusCode int
	Code       string
	Body       []byte
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("unexpected status %d (%s)", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// HTTPStatus returns the response status.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// ErrorCode returns the application error code carried in the response body.
func (e *StatusError) ErrorCode() string { return e.Code }

// CodedError attaches a string code to an error.
type CodedError struct {
	Code string
	Err  error
}

// NewCodedError wraps err with code.
func NewCodedError(code string, err error) *CodedError {
	return &CodedError{Code: code, Err: err}
}

func (e *CodedError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

// ErrorCode returns the code.
func (e *CodedError) ErrorCode() string { return e.Code }

func (e *CodedError) Unwrap() error { return e.Err }

// permanentError marks an error as never retryable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the default classification never retries it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// errPanicked is wrapped into errors produced by a recovered panic.
var errPanicked = errors.New("operation panicked")

// networkIndicators are matched case-insensitively against error messages
// and codes.
var networkIndicators = []string{
	"network",
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"connection closed",
	"broken pipe",
	"no such host",
	"unreachable",
	"econnrefused",
	"econnreset",
	"etimedout",
	"enotfound",
	"eai_again",
	"socket hang up",
	"unexpected eof",
	"fetch failed",
}

// IsRetryable decides whether err should trigger another attempt under p.
// Cancellation and panics are never retried. p.ShouldRetry, when set,
// replaces the default rules.
func IsRetryable(err error, p Policy) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, errPanicked) {
		return false
	}
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err)
	}
	return DefaultRetryable(err, p.RetryableCodes)
}

// DefaultRetryable retries errors whose code or type name is listed in
// codes, network-class errors, and HTTP statuses >= 500, 408 and 429.
func DefaultRetryable(err error, codes []string) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if matchesCode(err, codes) {
		return true
	}
	if isNetworkError(err) {
		return true
	}
	if status, ok := httpStatus(err); ok {
		return retryableStatus(status)
	}
	return false
}

func retryableStatus(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

func matchesCode(err error, codes []string) bool {
	if len(codes) == 0 {
		return false
	}
	code := errorCode(err)
	name := errorName(err)
	for _, c := range codes {
		if c == "" {
			continue
		}
		if strings.EqualFold(c, code) || strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// errorCode returns the first code found in err's chain.
func errorCode(err error) string {
	var coder interface{ ErrorCode() string }
	if errors.As(err, &coder) {
		return coder.ErrorCode()
	}
	return ""
}

// errorName returns the unqualified type name of err, e.g. "OpError".
func errorName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return t.Name()
}

func httpStatus(err error) (int, bool) {
	var s interface{ HTTPStatus() int }
	if errors.As(err, &s) {
		return s.HTTPStatus(), true
	}
	return 0, false
}

func isNetworkError(err error) bool {
	// A status error is classified by its status alone.
	if _, ok := httpStatus(err); ok {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	msg := strings.ToLower(err.Error())
	code := strings.ToLower(errorCode(err))
	for _, ind := range networkIndicators {
		if strings.Contains(msg, ind) || (code != "" && strings.Contains(code, ind)) {
			return true
		}
	}
	return false
}

// Payment error codes that are never retried, whatever the status.
const (
	CodeCardDeclined      = "card_declined"
	CodeInsufficientFunds = "insufficient_funds"
	CodeInvalidCard       = "invalid_card"
)

var paymentDeclineCodes = []string{CodeCardDeclined, CodeInsufficientFunds, CodeInvalidCard}

// isPaymentDecline reports whether err is a business-rule payment rejection.
func isPaymentDecline(err error) bool {
	code := strings.ToLower(errorCode(err))
	msg := strings.ToLower(err.Error())
	for _, c := range paymentDeclineCodes {
		if code == c || strings.Contains(msg, c) || strings.Contains(msg, strings.ReplaceAll(c, "_", " ")) {
			return true
		}
	}
	return false
}
