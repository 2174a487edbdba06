// Package chaterr defines the error taxonomy of the messaging transport.
package chaterr

import "errors"

// Code is a machine-readable error category.
type Code string

const (
	CodeConnectionTimeout     Code = "CONNECTION_TIMEOUT"
	CodeTransport             Code = "TRANSPORT_ERROR"
	CodeSubscription          Code = "SUBSCRIPTION_FAILURE"
	CodeAllEndpointsExhausted Code = "ALL_ENDPOINTS_EXHAUSTED"
	CodeSendFailed            Code = "SEND_FAILED"
)

// Sentinels for errors.Is; matching is by code only.
var (
	ErrConnectionTimeout     = &Error{Code: CodeConnectionTimeout, Message: "connection timed out"}
	ErrTransport             = &Error{Code: CodeTransport, Message: "transport error"}
	ErrSubscription          = &Error{Code: CodeSubscription, Message: "subscription failed"}
	ErrAllEndpointsExhausted = &Error{Code: CodeAllEndpointsExhausted, Message: "all endpoints exhausted"}
	ErrSendFailed            = &Error{Code: CodeSendFailed, Message: "send failed"}
)

// Error is a transport-layer error with an optional endpoint and cause.
type Error struct {
	Code     Code
	Message  string
	Endpoint string
	Cause    error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Endpoint != "" {
		msg += " (" + e.Endpoint + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an error that wraps cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// AtEndpoint returns a copy of e tagged with endpoint.
func (e *Error) AtEndpoint(endpoint string) *Error {
	c := *e
	c.Endpoint = endpoint
	return &c
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Recoverable reports whether err is handled by endpoint failover rather than
// surfaced to the user.
func Recoverable(err error) bool {
	switch CodeOf(err) {
	case CodeConnectionTimeout, CodeTransport, CodeSubscription:
		return true
	}
	return false
}
