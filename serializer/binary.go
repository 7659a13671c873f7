package serializer

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"meshrpc/message"
	"meshrpc/rpcerr"
)

// Binary lays out Request and Response envelopes field by field with
// big-endian length prefixes. Any other value (parameters, results) is
// encoded as JSON, since the envelope already carries them as opaque bytes.
//
//	Request:  id · service · method · types[] · params[] · version · group
//	Response: id · status(1) · message · data · timestamp(8)
//
//	string = len(2) + bytes   list = count(2) + items   bytes = len(4) + bytes
type Binary struct{}

func (Binary) ID() byte     { return IDBinary }
func (Binary) Name() string { return NameBinary }

func (Binary) Serialize(v any) ([]byte, error) {
	w := &binWriter{}
	switch msg := v.(type) {
	case *message.Request:
		w.string(msg.RequestID)
		w.string(msg.ServiceName)
		w.string(msg.MethodName)
		w.count(len(msg.ParameterTypes))
		for _, t := range msg.ParameterTypes {
			w.string(t)
		}
		w.count(len(msg.Parameters))
		for _, p := range msg.Parameters {
			w.bytes(p)
		}
		w.string(msg.Version)
		w.string(msg.Group)
	case *message.Response:
		w.string(msg.RequestID)
		w.buf = append(w.buf, byte(msg.Status))
		w.string(msg.Message)
		w.bytes(msg.Data)
		w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(msg.Timestamp))
	default:
		return json.Marshal(v)
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

func (Binary) Deserialize(data []byte, v any) error {
	r := &binReader{buf: data}
	switch msg := v.(type) {
	case *message.Request:
		msg.RequestID = r.string()
		msg.ServiceName = r.string()
		msg.MethodName = r.string()
		// Zero parameters decode as nil, matching gob and a JSON null.
		if n := r.count(); n > 0 {
			msg.ParameterTypes = make([]string, n)
			for i := range msg.ParameterTypes {
				msg.ParameterTypes[i] = r.string()
			}
		}
		if n := r.count(); n > 0 {
			msg.Parameters = make([][]byte, n)
			for i := range msg.Parameters {
				msg.Parameters[i] = r.bytes()
			}
		}
		msg.Version = r.string()
		msg.Group = r.string()
	case *message.Response:
		msg.RequestID = r.string()
		msg.Status = rpcerr.Code(r.byte())
		msg.Message = r.string()
		msg.Data = r.bytes()
		msg.Timestamp = int64(r.uint64())
	default:
		return json.Unmarshal(data, v)
	}
	if r.err != nil {
		return r.err
	}
	if len(r.buf) != 0 {
		return fmt.Errorf("binary: %d trailing bytes", len(r.buf))
	}
	return nil
}

var errShortBuffer = errors.New("binary: unexpected end of data")

type binWriter struct {
	buf []byte
	err error
}

func (w *binWriter) string(s string) {
	if len(s) > math.MaxUint16 {
		w.err = fmt.Errorf("binary: string of %d bytes exceeds %d", len(s), math.MaxUint16)
		return
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *binWriter) count(n int) {
	if n > math.MaxUint16 {
		w.err = fmt.Errorf("binary: list of %d items exceeds %d", n, math.MaxUint16)
		return
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(n))
}

func (w *binWriter) bytes(b []byte) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// binReader stops at the first short read and keeps returning zero values.
type binReader struct {
	buf []byte
	err error
}

func (r *binReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = errShortBuffer
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *binReader) byte() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *binReader) count() int {
	if b := r.take(2); b != nil {
		return int(binary.BigEndian.Uint16(b))
	}
	return 0
}

func (r *binReader) string() string {
	return string(r.take(r.count()))
}

func (r *binReader) bytes() []byte {
	b := r.take(4)
	if b == nil {
		return nil
	}
	n := int(binary.BigEndian.Uint32(b))
	if n == 0 {
		return nil
	}
	data := r.take(n)
	if data == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, data)
	return out
}

func (r *binReader) uint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}
