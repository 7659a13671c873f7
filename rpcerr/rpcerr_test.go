package rpcerr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByCode(t *testing.T) {
	err := Newf(ServiceNotFound, "service %s not exported", "Echo:default:1.0")

	assert.True(t, errors.Is(err, ErrServiceNotFound))
	assert.False(t, errors.Is(err, ErrMethodNotFound))

	wrapped := fmt.Errorf("invoke: %w", err)
	assert.True(t, errors.Is(wrapped, ErrServiceNotFound))
	assert.Equal(t, ServiceNotFound, CodeOf(wrapped))
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(Connection, io.EOF, "read response")

	assert.True(t, errors.Is(err, io.EOF))
	assert.True(t, errors.Is(err, ErrConnection))
	assert.Equal(t, "ConnectionError: read response: EOF", err.Error())
	assert.Nil(t, Wrap(Connection, nil, "nothing"))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, OK, CodeOf(nil))
	assert.Equal(t, Internal, CodeOf(errors.New("plain")))
	assert.Equal(t, RequestTimeout, CodeOf(ErrRequestTimeout))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(Connection, "refused")))
	assert.True(t, Retryable(New(RequestTimeout, "5s")))
	assert.True(t, Retryable(New(RegistryUnavailable, "etcd down")))
	assert.False(t, Retryable(New(ServiceNotFound, "x")))
	assert.False(t, Retryable(New(Invocation, "boom")))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "ProtocolError", Protocol.String())
	assert.Equal(t, "Code(200)", Code(200).String())
	assert.Equal(t, "RequestTimeout", ErrRequestTimeout.Error())
}
