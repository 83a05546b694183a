// Package deverr is the error taxonomy shared by every vendor integration.
// Each error carries a Kind that tells the caller whether the failure can be
// recovered from, whether repeating the request may help, and how long to
// wait before doing so.
package deverr

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/jake-scott/devicehub/internal/pkg/logging"
)

type Kind int

const (
	Unknown Kind = iota
	AuthenticationRequired
	AuthenticationFailed
	TokenExpired
	RateLimitExceeded
	DeviceBusy
	DeviceOffline
	DeviceNotFound
	CommandNotSupported
	CommandFailed
	StateVerificationFailed
	SecurityPolicyViolation
	PermissionDenied
	PresenceRequired
	NetworkError
	ServerError
	MappingError
	Timeout
)

type kindInfo struct {
	name        string
	recoverable bool
	retryable   bool
	delay       time.Duration
	suggestion  string
	status      int
}

var kinds = map[Kind]kindInfo{
	Unknown:                 {"unknown", false, false, 0, "Contact support if the problem persists.", http.StatusInternalServerError},
	AuthenticationRequired:  {"authentication-required", true, false, 0, "Reconnect the vendor account.", http.StatusUnauthorized},
	AuthenticationFailed:    {"authentication-failed", true, false, 0, "Check the vendor credentials and try again.", http.StatusUnauthorized},
	TokenExpired:            {"token-expired", true, true, time.Second, "The session is being renewed; retry shortly.", http.StatusUnauthorized},
	RateLimitExceeded:       {"rate-limit-exceeded", true, true, time.Minute, "Too many requests; wait before retrying.", http.StatusTooManyRequests},
	DeviceBusy:              {"device-busy", true, true, 5 * time.Second, "The device is busy; retry in a few seconds.", http.StatusConflict},
	DeviceOffline:           {"device-offline", true, false, 0, "Check the device power and network connection.", http.StatusServiceUnavailable},
	DeviceNotFound:          {"device-not-found", false, false, 0, "Refresh the device list.", http.StatusNotFound},
	CommandNotSupported:     {"command-not-supported", false, false, 0, "This device does not support the requested operation.", http.StatusBadRequest},
	CommandFailed:           {"command-failed", true, false, 0, "Try the command again.", http.StatusBadGateway},
	StateVerificationFailed: {"state-verification-failed", true, false, 0, "Check the device physically before trying again.", http.StatusBadGateway},
	SecurityPolicyViolation: {"security-policy-violation", false, false, 0, "The operation is blocked by the device security policy.", http.StatusForbidden},
	PermissionDenied:        {"permission-denied", false, false, 0, "Ask the property administrator for access.", http.StatusForbidden},
	PresenceRequired:        {"presence-required", true, false, 0, "Confirm you are at the property before unlocking.", http.StatusForbidden},
	NetworkError:            {"network-error", true, true, 0, "Check the network connection.", http.StatusBadGateway},
	ServerError:             {"server-error", true, true, 0, "The vendor service is having problems; try again later.", http.StatusBadGateway},
	MappingError:            {"mapping-error", false, false, 0, "The vendor returned data that could not be understood.", http.StatusBadGateway},
	Timeout:                 {"timeout", true, true, 2 * time.Second, "The operation timed out; check the device state before retrying.", http.StatusGatewayTimeout},
}

func (k Kind) info() kindInfo {
	if i, ok := kinds[k]; ok {
		return i
	}
	return kinds[Unknown]
}

func (k Kind) String() string { return k.info().name }

// Recoverable reports whether the user can do something about the failure.
func (k Kind) Recoverable() bool { return k.info().recoverable }

// Retryable reports whether repeating the same request may succeed.
func (k Kind) Retryable() bool { return k.info().retryable }

// RetryDelay is the recommended wait before retrying, zero when unspecified.
func (k Kind) RetryDelay() time.Duration { return k.info().delay }

func (k Kind) Suggestion() string { return k.info().suggestion }

// HTTPStatus is the status used when the error is returned to API callers.
func (k Kind) HTTPStatus() int { return k.info().status }

// ParseKind converts a kind name back to a Kind
func ParseKind(name string) Kind {
	for k, i := range kinds {
		if i.name == name {
			return k
		}
	}
	return Unknown
}

type Error struct {
	Kind    Kind
	Message string
	// Detail is the verification mismatch or vendor reason, if any
	Detail string
	// StatusCode is the upstream HTTP status for ServerError
	StatusCode int
	// RetryAfter overrides the kind's default delay, eg. from a Retry-After header
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.StatusCode != 0 {
		msg += " [HTTP " + strconv.Itoa(e.StatusCode) + "]"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Recoverable() bool { return e.Kind.Recoverable() }
func (e *Error) Retryable() bool   { return e.Kind.Retryable() }
func (e *Error) Suggestion() string {
	return e.Kind.Suggestion()
}

// Delay returns the explicit retry hint, else the kind default
func (e *Error) Delay() time.Duration {
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	return e.Kind.RetryDelay()
}

// SafeMessage is the error text with credentials and e-mail addresses masked
func (e *Error) SafeMessage() string {
	return logging.Redact(e.Error())
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause as kind. A nil cause returns nil.
func Wrap(cause error, kind Kind, message string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Verification(detail string) *Error {
	return &Error{Kind: StateVerificationFailed, Message: "device state does not match the command", Detail: detail}
}

func CommandFailure(reason string) *Error {
	return &Error{Kind: CommandFailed, Message: "vendor rejected the command", Detail: reason}
}

func Server(code int) *Error {
	return &Error{Kind: ServerError, Message: "vendor server error", StatusCode: code}
}

// As finds the first *Error in err's chain
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of the first *Error in the chain, or Unknown
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Unknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FromHTTPStatus maps a vendor HTTP status code to an error, nil for 2xx
func FromHTTPStatus(code int, retryAfter time.Duration) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized:
		return New(TokenExpired, "vendor rejected the access token")
	case code == http.StatusForbidden:
		return New(PermissionDenied, "vendor denied access")
	case code == http.StatusNotFound:
		return New(DeviceNotFound, "vendor does not know the device")
	case code == http.StatusTooManyRequests:
		return &Error{Kind: RateLimitExceeded, Message: "vendor rate limit hit", RetryAfter: retryAfter}
	case code == http.StatusConflict || code == http.StatusLocked:
		return New(DeviceBusy, "device is busy")
	case code >= 500:
		return Server(code)
	default:
		return &Error{Kind: CommandFailed, Message: "unexpected vendor response", StatusCode: code}
	}
}
