// Package rpcerr defines the error taxonomy shared by every layer of meshrpc.
//
// An *Error carries a Code, a human-readable message and an optional cause.
// The same Code travels on the wire as the Response status, so a failure
// produced on the server maps back to an identical error kind on the client:
//
//	server: rpcerr.Newf(rpcerr.ServiceNotFound, ...) → Response{Status: 9}
//	client: Response{Status: 9} → errors.Is(err, rpcerr.ErrServiceNotFound) == true
package rpcerr

import (
	"errors"
	"fmt"
)

// Code classifies a failure. Zero means success.
type Code uint8

const (
	OK Code = iota
	Protocol
	UnsupportedVersion
	UnknownSerializer
	TruncatedFrame
	NoInstanceAvailable
	RegistryUnavailable
	Connection
	RequestTimeout
	ServiceNotFound
	MethodNotFound
	Invocation
	RetriesExhausted
	RateLimited
	Internal
)

var codeNames = map[Code]string{
	OK:                  "OK",
	Protocol:            "ProtocolError",
	UnsupportedVersion:  "UnsupportedVersion",
	UnknownSerializer:   "UnknownSerializer",
	TruncatedFrame:      "TruncatedFrame",
	NoInstanceAvailable: "NoInstanceAvailable",
	RegistryUnavailable: "RegistryUnavailable",
	Connection:          "ConnectionError",
	RequestTimeout:      "RequestTimeout",
	ServiceNotFound:     "ServiceNotFound",
	MethodNotFound:      "MethodNotFound",
	Invocation:          "InvocationError",
	RetriesExhausted:    "RetriesExhausted",
	RateLimited:         "RateLimited",
	Internal:            "InternalError",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", uint8(c))
}

// Sentinels for errors.Is. Matching is by code only.
var (
	ErrProtocol            = &Error{Code: Protocol}
	ErrUnsupportedVersion  = &Error{Code: UnsupportedVersion}
	ErrUnknownSerializer   = &Error{Code: UnknownSerializer}
	ErrTruncatedFrame      = &Error{Code: TruncatedFrame}
	ErrNoInstanceAvailable = &Error{Code: NoInstanceAvailable}
	ErrRegistryUnavailable = &Error{Code: RegistryUnavailable}
	ErrConnection          = &Error{Code: Connection}
	ErrRequestTimeout      = &Error{Code: RequestTimeout}
	ErrServiceNotFound     = &Error{Code: ServiceNotFound}
	ErrMethodNotFound      = &Error{Code: MethodNotFound}
	ErrInvocation          = &Error{Code: Invocation}
	ErrRetriesExhausted    = &Error{Code: RetriesExhausted}
	ErrRateLimited         = &Error{Code: RateLimited}
)

// Error is a classified meshrpc failure.
type Error struct {
	Code  Code
	Msg   string
	Cause error
}

// New creates an error of the given code.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Newf creates an error of the given code with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code. A nil err yields nil.
func Wrap(code Code, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Msg: msg, Cause: err}
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Cause == nil:
		return e.Code.String()
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	case e.Cause == nil:
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	}
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the outermost code in err's chain. Unclassified errors
// report Internal; nil reports OK.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Retryable reports whether a failure of this kind may succeed when the
// call is repeated, possibly against another instance.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case Connection, RequestTimeout, RegistryUnavailable, NoInstanceAvailable:
		return true
	}
	return false
}
