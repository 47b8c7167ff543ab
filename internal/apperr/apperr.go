// Package apperr defines the error taxonomy shared by every tillsync
// component. Errors are classified into a small set of kinds so callers can
// decide whether to retry, re-authenticate, or surface the failure as-is.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Sentinel kinds. Use errors.Is(err, apperr.ErrNetwork) to check.
var (
	ErrValidation    = errors.New("validation error")
	ErrNetwork       = errors.New("network error")
	ErrAuth          = errors.New("authentication error")
	ErrPermission    = errors.New("permission denied")
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrPayment       = errors.New("payment error")
	ErrBalance       = errors.New("balance error")
	ErrStock         = errors.New("stock error")
	ErrRemoteService = errors.New("remote service error")
	ErrUnknown       = errors.New("unknown error")
)

// kindCodes maps each sentinel to the stable code reported to callers.
var kindCodes = map[error]string{
	ErrValidation:    "validation",
	ErrNetwork:       "network",
	ErrAuth:          "auth",
	ErrPermission:    "permission",
	ErrNotFound:      "not_found",
	ErrAlreadyExists: "already_exists",
	ErrPayment:       "payment",
	ErrBalance:       "balance",
	ErrStock:         "stock",
	ErrRemoteService: "remote_service",
	ErrUnknown:       "unknown",
}

// kinds is the ordered list of sentinels checked by Kind.
var kinds = []error{
	ErrValidation, ErrNetwork, ErrAuth, ErrPermission, ErrNotFound,
	ErrAlreadyExists, ErrPayment, ErrBalance, ErrStock, ErrRemoteService,
	ErrUnknown,
}

// Error wraps a kind sentinel with the backend's error code, HTTP status,
// and message for debugging.
type Error struct {
	Kind       error  // sentinel, for errors.Is()
	Code       string // backend error code, e.g. "stock/insufficient"
	StatusCode int    // HTTP status, 0 when not applicable
	Message    string
}

func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(e.Kind.Error())

	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}

	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}

	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// New builds an *Error of the given kind.
func New(kind error, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Validationf returns a validation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// FromStatus maps an HTTP status code and optional backend error code to a
// classified error. Backend codes win over the status when they name a
// domain kind (payment, balance, stock).
func FromStatus(status int, code, message string) *Error {
	kind := kindForCode(code)
	if kind == nil {
		kind = kindForStatus(status)
	}

	return &Error{Kind: kind, Code: code, StatusCode: status, Message: message}
}

// kindForCode maps backend error code prefixes to kinds. Returns nil when the
// code does not name a known kind.
func kindForCode(code string) error {
	if code == "" {
		return nil
	}

	prefix, _, _ := strings.Cut(strings.ToLower(code), "/")

	switch prefix {
	case "invalid-argument", "validation":
		return ErrValidation
	case "unauthenticated", "auth":
		return ErrAuth
	case "permission-denied", "permission":
		return ErrPermission
	case "not-found":
		return ErrNotFound
	case "already-exists":
		return ErrAlreadyExists
	case "payment":
		return ErrPayment
	case "balance":
		return ErrBalance
	case "stock":
		return ErrStock
	case "unavailable", "deadline-exceeded":
		return ErrNetwork
	default:
		return nil
	}
}

// kindForStatus maps an HTTP status code to a sentinel kind.
func kindForStatus(status int) error {
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return ErrValidation
	case status == http.StatusUnauthorized:
		return ErrAuth
	case status == http.StatusForbidden:
		return ErrPermission
	case status == http.StatusNotFound, status == http.StatusGone:
		return ErrNotFound
	case status == http.StatusConflict:
		return ErrAlreadyExists
	case status == http.StatusPaymentRequired:
		return ErrPayment
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests,
		status == http.StatusBadGateway, status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return ErrNetwork
	case status >= http.StatusInternalServerError:
		return ErrRemoteService
	default:
		return ErrUnknown
	}
}

// Kind returns the sentinel kind of err. Errors that carry no kind are
// classified heuristically: net errors and deadline expiry are network
// errors, anything else is unknown. Returns nil for a nil error.
func Kind(err error) error {
	if err == nil {
		return nil
	}

	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return ErrNetwork
	}

	return ErrUnknown
}

// Classify returns err unchanged when it already carries a kind, otherwise
// wraps it so errors.Is matches the heuristic kind.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	for _, k := range kinds {
		if errors.Is(err, k) {
			return err
		}
	}

	return fmt.Errorf("%w: %w", Kind(err), err)
}

// Code returns the stable code for err's kind ("network", "validation", ...).
// Backend codes carried by *Error take precedence.
func Code(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}

	return kindCodes[Kind(err)]
}

// Retryable reports whether the failure is transient. Only network errors
// are retried; validation, auth, and domain errors are terminal.
func Retryable(err error) bool {
	return Kind(err) == ErrNetwork
}
