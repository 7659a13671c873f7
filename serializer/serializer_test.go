package serializer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshrpc/message"
	"meshrpc/rpcerr"
)

func all() []Serializer {
	return []Serializer{JSON{}, Binary{}, Gob{}}
}

func sampleRequest(t *testing.T, s Serializer) *message.Request {
	hi, err := s.Serialize("hi")
	require.NoError(t, err)
	n, err := s.Serialize(42)
	require.NoError(t, err)
	return &message.Request{
		RequestID:      "r1",
		ServiceName:    "Echo",
		MethodName:     "echo",
		ParameterTypes: []string{"string", "int"},
		Parameters:     [][]byte{hi, n},
		Version:        "1.0",
		Group:          "default",
	}
}

func TestRequestRoundTrip(t *testing.T) {
	for _, s := range all() {
		t.Run(s.Name(), func(t *testing.T) {
			req := sampleRequest(t, s)

			data, err := s.Serialize(req)
			require.NoError(t, err)

			got := &message.Request{}
			require.NoError(t, s.Deserialize(data, got))
			assert.Equal(t, req, got)

			var hi string
			require.NoError(t, s.Deserialize(got.Parameters[0], &hi))
			assert.Equal(t, "hi", hi)

			var n int
			require.NoError(t, s.Deserialize(got.Parameters[1], &n))
			assert.Equal(t, 42, n)
		})
	}
}

func TestZeroArgRequestRoundTrip(t *testing.T) {
	for _, s := range all() {
		t.Run(s.Name(), func(t *testing.T) {
			req := &message.Request{
				RequestID:   "r0",
				ServiceName: "Echo",
				MethodName:  "whoami",
				Version:     "1.0",
				Group:       "default",
			}

			data, err := s.Serialize(req)
			require.NoError(t, err)

			got := &message.Request{}
			require.NoError(t, s.Deserialize(data, got))
			assert.Equal(t, req, got)
			assert.Empty(t, got.Parameters)
		})
	}
}

func TestResponseRoundTrip(t *testing.T) {
	for _, s := range all() {
		t.Run(s.Name(), func(t *testing.T) {
			payload, err := s.Serialize("Echo: hi")
			require.NoError(t, err)

			for _, resp := range []*message.Response{
				message.Success("r1", payload),
				message.Failure("r2", rpcerr.ServiceNotFound, "Echo:default:1.0 not found"),
			} {
				data, err := s.Serialize(resp)
				require.NoError(t, err)

				got := &message.Response{}
				require.NoError(t, s.Deserialize(data, got))
				assert.Equal(t, resp, got)
			}
		})
	}
}

func TestBinaryRejectsTruncatedEnvelope(t *testing.T) {
	s := Binary{}
	data, err := s.Serialize(sampleRequest(t, s))
	require.NoError(t, err)

	err = s.Deserialize(data[:len(data)-3], &message.Request{})
	assert.Error(t, err)

	err = s.Deserialize(append(data, 0x00), &message.Request{})
	assert.Error(t, err)
}

func TestRegistryLookup(t *testing.T) {
	r := NewDefaultRegistry()
	assert.Equal(t, []string{"binary", "gob", "json"}, r.Names())

	s, err := r.ByName("json")
	require.NoError(t, err)
	assert.Equal(t, IDJSON, s.ID())

	s, err = r.ByID(IDGob)
	require.NoError(t, err)
	assert.Equal(t, "gob", s.Name())

	_, err = r.ByName("kryo")
	assert.ErrorIs(t, err, rpcerr.ErrUnknownSerializer)

	_, err = r.ByID(99)
	assert.ErrorIs(t, err, rpcerr.ErrUnknownSerializer)
}

type fakeSerializer struct {
	JSON
	id   byte
	name string
}

func (f fakeSerializer) ID() byte     { return f.id }
func (f fakeSerializer) Name() string { return f.name }

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewDefaultRegistry()
	assert.Error(t, r.Register(fakeSerializer{id: IDJSON, name: "other"}))
	assert.Error(t, r.Register(fakeSerializer{id: 77, name: NameJSON}))
	assert.NoError(t, r.Register(fakeSerializer{id: 77, name: "custom"}))
}
