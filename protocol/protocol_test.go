package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"meshrpc/rpcerr"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		MsgType:    MsgTypeRequest,
		Serializer: 1,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if buf.Len() != HeaderSize+len(body) {
		t.Fatalf("frame size: got %d, want %d", buf.Len(), HeaderSize+len(body))
	}

	// Fixed offsets from the wire layout
	raw := buf.Bytes()
	if binary.BigEndian.Uint32(raw[0:4]) != MagicNumber {
		t.Errorf("magic at offset 0: got %x", raw[0:4])
	}
	if raw[4] != Version || raw[5] != byte(MsgTypeRequest) || raw[6] != 1 {
		t.Errorf("version/type/serializer: got %v", raw[4:7])
	}
	if binary.BigEndian.Uint32(raw[7:11]) != uint32(len(body)) {
		t.Errorf("body length at offset 7: got %x", raw[7:11])
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.MsgType != header.MsgType {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, header.MsgType)
	}
	if decodedHeader.Serializer != header.Serializer {
		t.Errorf("Serializer mismatch: got %d, want %d", decodedHeader.Serializer, header.Serializer)
	}
	if decodedHeader.BodyLen != uint32(len(body)) {
		t.Errorf("BodyLen mismatch: got %d, want %d", decodedHeader.BodyLen, len(body))
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedBody), string(body))
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalidHeader := []byte{0x00, 0x00, 0x00, 0x00, Version, byte(MsgTypeRequest), 1, 0x00, 0x00, 0x00, 0x0B}
	var buf bytes.Buffer
	buf.Write(invalidHeader)
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	if !errors.Is(err, rpcerr.ErrProtocol) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer
	frame := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(frame[0:4], MagicNumber)
	frame[4] = 0xFF
	frame[5] = byte(MsgTypeRequest)
	frame[6] = 1
	buf.Write(frame)

	h, _, err := Decode(&buf)
	if !errors.Is(err, rpcerr.ErrUnsupportedVersion) {
		t.Fatalf("expected UnsupportedVersion, got %v", err)
	}
	if h == nil || h.Version != 0xFF {
		t.Fatalf("expected parsed header alongside the error, got %+v", h)
	}
}

func TestDecodeInvalidMsgType(t *testing.T) {
	frame := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(frame[0:4], MagicNumber)
	frame[4] = Version
	frame[5] = 9

	_, _, err := Decode(bytes.NewReader(frame))
	if !errors.Is(err, rpcerr.ErrProtocol) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	header := Header{MsgType: MsgTypeHeartbeat}
	var buf bytes.Buffer
	if err := Encode(&buf, &header, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.MsgType != MsgTypeHeartbeat {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, MsgTypeHeartbeat)
	}
	if len(decodedBody) != 0 {
		t.Errorf("Expected empty body, got length %d", len(decodedBody))
	}
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	if err := Encode(&buf, &Header{MsgType: MsgTypeRequest, Serializer: 2}, largeBody); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	_, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("large body mismatch")
	}
}

func TestDecodeRejectsOversizedLength(t *testing.T) {
	frame := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(frame[0:4], MagicNumber)
	frame[4] = Version
	frame[5] = byte(MsgTypeRequest)
	binary.BigEndian.PutUint32(frame[7:11], MaxBodySize+1)

	_, _, err := Decode(bytes.NewReader(frame))
	if !errors.Is(err, rpcerr.ErrProtocol) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestDecodeStreamEndsInsideBody(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{MsgType: MsgTypeResponse, Serializer: 1}, []byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	cut := buf.Bytes()[:HeaderSize+4]

	_, _, err := Decode(bytes.NewReader(cut))
	if !errors.Is(err, rpcerr.ErrTruncatedFrame) {
		t.Fatalf("expected TruncatedFrame, got %v", err)
	}
}

func TestDecodeCleanEOF(t *testing.T) {
	_, _, err := Decode(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("expected io.EOF between frames, got %v", err)
	}
}

func TestUnpackNeedsMoreBytes(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{MsgType: MsgTypeRequest, Serializer: 1}, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	frame := buf.Bytes()

	// Feed the frame one byte at a time, as a slow socket would.
	var acc []byte
	for i := 0; i < len(frame)-1; i++ {
		acc = append(acc, frame[i])
		_, _, n, err := Unpack(acc)
		if !errors.Is(err, rpcerr.ErrTruncatedFrame) {
			t.Fatalf("byte %d: expected TruncatedFrame, got %v", i, err)
		}
		if n != 0 {
			t.Fatalf("byte %d: consumed %d bytes of a partial frame", i, n)
		}
	}

	acc = append(acc, frame[len(frame)-1])
	h, body, n, err := Unpack(acc)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	if n != len(frame) || h.MsgType != MsgTypeRequest || string(body) != "payload" {
		t.Fatalf("unexpected result: n=%d header=%+v body=%q", n, h, body)
	}
}

func TestUnpackBackToBackFrames(t *testing.T) {
	var buf bytes.Buffer
	_ = Encode(&buf, &Header{MsgType: MsgTypeRequest, Serializer: 1}, []byte("first"))
	_ = Encode(&buf, &Header{MsgType: MsgTypeResponse, Serializer: 1}, []byte("second"))
	stream := buf.Bytes()

	_, body, n, err := Unpack(stream)
	if err != nil || string(body) != "first" {
		t.Fatalf("first frame: body=%q err=%v", body, err)
	}
	h, body, _, err := Unpack(stream[n:])
	if err != nil || string(body) != "second" || h.MsgType != MsgTypeResponse {
		t.Fatalf("second frame: header=%+v body=%q err=%v", h, body, err)
	}
}
