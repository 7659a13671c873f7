// Package protocol implements the binary frame protocol of meshrpc.
//
// It solves TCP's sticky packet problem with a fixed 11-byte header followed
// by a variable-length body. The receiver reads the header first to learn the
// body length, then reads exactly that many bytes.
//
// Frame format (all integers big-endian, network byte order):
//
//	0            4   5   6   7             11
//	┌────────────┬───┬───┬───┬─────────────┬────────────────┐
//	│   magic    │ v │mt │ s │   bodyLen   │    body ...     │
//	│ CA FE BA BE│01 │   │   │   uint32    │ bodyLen bytes   │
//	└────────────┴───┴───┴───┴─────────────┴────────────────┘
//
// mt is the message type (1=request, 2=response, 3=heartbeat) and s is the
// serializer id used for the body. Request/response correlation is carried
// inside the body (the request identifier), not in the header.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"meshrpc/rpcerr"
)

const (
	MagicNumber uint32 = 0xCAFEBABE // Rejects foreign traffic, e.g. HTTP clients hitting the wrong port
	Version     byte   = 0x01
	HeaderSize  int    = 11 // 4 (magic) + 1 (version) + 1 (msgType) + 1 (serializer) + 4 (bodyLen)

	// MaxBodySize bounds a single frame so a corrupt length cannot make the
	// reader allocate unbounded memory.
	MaxBodySize uint32 = 16 << 20
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 1 // Client → Server RPC request
	MsgTypeResponse  MsgType = 2 // Server → Client RPC response
	MsgTypeHeartbeat MsgType = 3 // KeepAlive ping (no body)
)

func (t MsgType) valid() bool {
	return t == MsgTypeRequest || t == MsgTypeResponse || t == MsgTypeHeartbeat
}

// Header represents the fixed 11-byte frame header.
type Header struct {
	Version    byte    // Filled by Decode; Encode always writes the current Version
	MsgType    MsgType // Request, Response, or Heartbeat
	Serializer byte    // Wire id of the body serializer
	BodyLen    uint32  // Body length in bytes
}

// Encode writes a complete frame (header + body) to w in a single Write.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodySize) {
		return rpcerr.Newf(rpcerr.Protocol, "body of %d bytes exceeds limit %d", len(body), MaxBodySize)
	}
	h.BodyLen = uint32(len(body))

	buf := make([]byte, HeaderSize+len(body))
	putHeader(buf, h)
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

func putHeader(buf []byte, h *Header) {
	binary.BigEndian.PutUint32(buf[0:4], MagicNumber)
	buf[4] = Version
	buf[5] = byte(h.MsgType)
	buf[6] = h.Serializer
	binary.BigEndian.PutUint32(buf[7:11], h.BodyLen)
}

// parseHeader validates the fixed header. Serializer ids are validated by
// the caller against its serializer registry.
func parseHeader(buf []byte) (*Header, error) {
	if magic := binary.BigEndian.Uint32(buf[0:4]); magic != MagicNumber {
		return nil, rpcerr.Newf(rpcerr.Protocol, "invalid magic number: %08x", magic)
	}

	h := &Header{
		Version:    buf[4],
		MsgType:    MsgType(buf[5]),
		Serializer: buf[6],
		BodyLen:    binary.BigEndian.Uint32(buf[7:11]),
	}

	if h.Version != Version {
		return h, rpcerr.Newf(rpcerr.UnsupportedVersion, "unsupported version: %d", h.Version)
	}
	if !h.MsgType.valid() {
		return h, rpcerr.Newf(rpcerr.Protocol, "unsupported message type: %d", h.MsgType)
	}
	if h.BodyLen > MaxBodySize {
		return h, rpcerr.Newf(rpcerr.Protocol, "body length %d exceeds limit %d", h.BodyLen, MaxBodySize)
	}
	return h, nil
}

// Decode reads a complete frame (header + body) from r.
// It uses io.ReadFull, so a partial read blocks until the rest of the frame
// arrives instead of failing. io.EOF is returned untouched when the stream
// ends cleanly between frames.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	h, err := parseHeader(headerBuf)
	if err != nil {
		return h, nil, err
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return h, nil, rpcerr.Wrap(rpcerr.TruncatedFrame, err, fmt.Sprintf("stream ended inside a %d byte body", h.BodyLen))
		}
		return h, nil, err
	}
	return h, body, nil
}

// Unpack decodes one frame from the front of buf and reports how many bytes
// it consumed. If buf holds less than a full frame it returns an error
// matching rpcerr.ErrTruncatedFrame and consumes nothing; the caller keeps
// buf, appends more input and calls Unpack again.
func Unpack(buf []byte) (*Header, []byte, int, error) {
	if len(buf) < HeaderSize {
		return nil, nil, 0, rpcerr.Newf(rpcerr.TruncatedFrame, "need %d header bytes, have %d", HeaderSize, len(buf))
	}

	h, err := parseHeader(buf[:HeaderSize])
	if err != nil {
		return h, nil, 0, err
	}

	total := HeaderSize + int(h.BodyLen)
	if len(buf) < total {
		return h, nil, 0, rpcerr.Newf(rpcerr.TruncatedFrame, "need %d frame bytes, have %d", total, len(buf))
	}

	body := make([]byte, h.BodyLen)
	copy(body, buf[HeaderSize:total])
	return h, body, total, nil
}
