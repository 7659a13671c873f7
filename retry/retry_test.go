package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshrpc/message"
	"meshrpc/rpcerr"
)

func failing(calls *int, errs ...error) Operation {
	return func(ctx context.Context) (*message.Response, error) {
		i := *calls
		*calls++
		if i < len(errs) {
			return nil, errs[i]
		}
		return nil, errs[len(errs)-1]
	}
}

func TestFixedIntervalAttempts(t *testing.T) {
	p := NewFixedInterval(2, time.Millisecond)

	first := rpcerr.New(rpcerr.Connection, "refused #1")
	last := rpcerr.New(rpcerr.RequestTimeout, "timed out #3")
	calls := 0
	_, err := p.Execute(context.Background(), failing(&calls, first, first, last))

	assert.Equal(t, 3, calls, "1 initial + 2 retries")
	assert.Same(t, last, err)
}

func TestZeroRetriesTriesOnce(t *testing.T) {
	for _, p := range []*Policy{
		NewFixedInterval(0, time.Millisecond),
		NewExponentialBackoff(0, time.Millisecond, 2, time.Second),
	} {
		calls := 0
		_, err := p.Execute(context.Background(), failing(&calls, rpcerr.ErrConnection))
		assert.Equal(t, 1, calls, p.Name())
		assert.ErrorIs(t, err, rpcerr.ErrConnection)
	}
}

func TestStopsOnSuccess(t *testing.T) {
	p := NewFixedInterval(5, time.Millisecond)
	calls := 0
	resp, err := p.Execute(context.Background(), func(ctx context.Context) (*message.Response, error) {
		calls++
		if calls < 2 {
			return nil, rpcerr.ErrConnection
		}
		return message.Success("r1", []byte(`"ok"`)), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, 2, calls)
}

func TestNonRetryableReturnsImmediately(t *testing.T) {
	p := NewFixedInterval(5, time.Millisecond)
	calls := 0
	cause := errors.New("bad argument")
	_, err := p.Execute(context.Background(), failing(&calls, cause))
	assert.Equal(t, 1, calls)
	assert.Same(t, cause, err)
}

func TestRetryIfOverride(t *testing.T) {
	p := NewFixedInterval(2, time.Millisecond, WithRetryIf(func(error) bool { return true }))
	calls := 0
	_, _ = p.Execute(context.Background(), failing(&calls, errors.New("anything")))
	assert.Equal(t, 3, calls)
}

func TestFixedIntervalSleeps(t *testing.T) {
	p := NewFixedInterval(2, 20*time.Millisecond)
	calls := 0
	start := time.Now()
	_, _ = p.Execute(context.Background(), failing(&calls, rpcerr.ErrConnection))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestExponentialDelays(t *testing.T) {
	p := NewExponentialBackoff(10, 100*time.Millisecond, 2, time.Second)
	b := p.Backoff()

	assert.Equal(t, 100*time.Millisecond, b.Delay(1))
	assert.Equal(t, 200*time.Millisecond, b.Delay(2))
	assert.Equal(t, 400*time.Millisecond, b.Delay(3))

	prev := time.Duration(0)
	for attempt := 1; attempt <= 64; attempt++ {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, time.Second, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, time.Second, b.Delay(64))
}

func TestContextCancelStopsWaiting(t *testing.T) {
	p := NewFixedInterval(3, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	start := time.Now()
	_, err := p.Execute(ctx, failing(&calls, rpcerr.ErrConnection))
	assert.ErrorIs(t, err, rpcerr.ErrConnection)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewByName(t *testing.T) {
	s := DefaultSettings()
	for _, name := range Names() {
		st, err := New(name, s)
		require.NoError(t, err)
		assert.Equal(t, name, st.Name())
	}
	_, err := New("forever", s)
	assert.Error(t, err)
}
