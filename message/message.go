// Package message defines the values exchanged between meshrpc clients,
// servers and registries.
//
// Request and Response are the two envelopes carried in a protocol frame body.
// Parameter values and the result payload are pre-encoded by the request's
// serializer, so the envelope itself round-trips exactly through any
// serializer regardless of the user types involved:
//
//	Request{Parameters: [enc("hi")]} ──serializer──▶ frame body ──▶ Request{Parameters: [enc("hi")]}
//
// ServiceRegistration is what a provider publishes to the registry.
package message

import (
	"fmt"
	"time"

	"meshrpc/rpcerr"
)

const (
	DefaultVersion = "1.0"
	DefaultGroup   = "default"
	DefaultWeight  = 100
)

// ServiceKey composes the "{name}:{group}:{version}" identity of a service contract.
func ServiceKey(name, group, version string) string {
	return fmt.Sprintf("%s:%s:%s", name, group, version)
}

// Request is one remote invocation.
type Request struct {
	RequestID      string   `json:"requestId"`
	ServiceName    string   `json:"serviceName"`
	MethodName     string   `json:"methodName"`
	ParameterTypes []string `json:"parameterTypes"`
	Parameters     [][]byte `json:"parameters"` // Each value encoded by the frame's serializer
	Version        string   `json:"version"`
	Group          string   `json:"group"`
}

// ServiceKey returns the key selecting the implementation on the server.
func (r *Request) ServiceKey() string {
	return ServiceKey(r.ServiceName, r.Group, r.Version)
}

// ApplyDefaults fills an empty version or group.
func (r *Request) ApplyDefaults() {
	if r.Version == "" {
		r.Version = DefaultVersion
	}
	if r.Group == "" {
		r.Group = DefaultGroup
	}
}

func (r *Request) String() string {
	return fmt.Sprintf("Request{id=%s, service=%s, method=%s, types=%v}", r.RequestID, r.ServiceKey(), r.MethodName, r.ParameterTypes)
}

// Response answers the Request with the same RequestID.
//
//   - success: Status == rpcerr.OK, Data holds the encoded return value.
//   - failure: Status names the failure category, Message is non-empty, Data is nil.
type Response struct {
	RequestID string      `json:"requestId"`
	Status    rpcerr.Code `json:"status"`
	Message   string      `json:"message,omitempty"`
	Data      []byte      `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"` // Unix milliseconds
}

// Success builds a success Response carrying the encoded payload.
func Success(requestID string, data []byte) *Response {
	return &Response{
		RequestID: requestID,
		Status:    rpcerr.OK,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Failure builds a failure Response. An empty message is replaced by the
// status name so the response never fails silently.
func Failure(requestID string, status rpcerr.Code, msg string) *Response {
	if status == rpcerr.OK {
		status = rpcerr.Internal
	}
	if msg == "" {
		msg = status.String()
	}
	return &Response{
		RequestID: requestID,
		Status:    status,
		Message:   msg,
		Timestamp: time.Now().UnixMilli(),
	}
}

// FailureFromError maps err onto a failure Response, keeping its code.
func FailureFromError(requestID string, err error) *Response {
	return Failure(requestID, rpcerr.CodeOf(err), err.Error())
}

// OK reports whether the response carries a result.
func (r *Response) OK() bool {
	return r.Status == rpcerr.OK
}

// Err converts a failure response into a typed error; nil on success.
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	return rpcerr.New(r.Status, r.Message)
}
