package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Version is the control-channel protocol version. Master and worker
// exchange it in the initial handshake and refuse mismatched peers.
const Version = 1

// Message kind constants for the control-channel wire format. Each frame is
// a 5-byte header (1 byte kind + 4 byte big-endian payload length) followed
// by a CBOR payload.
const (
	// KindHello opens a channel: worker → master, carries protocol version,
	// auth token, and initial capacity.
	KindHello byte = 0x01

	// KindHelloAck accepts a channel: master → worker.
	KindHelloAck byte = 0x02

	// KindDispatch carries one correlated dispatch request. Master → worker.
	KindDispatch byte = 0x03

	// KindResult carries the terminal outcome for one correlation id.
	// Worker → master. Every Dispatch resolves with exactly one Result or
	// by connection-loss handling in the pool.
	KindResult byte = 0x04

	// KindHeartbeat advertises a worker's free capacity. Worker → master,
	// sent on an interval independent of request traffic.
	KindHeartbeat byte = 0x05

	// KindCancel requests best-effort abortion of an in-flight dispatch.
	// Master → worker. A Result may still arrive after a Cancel.
	KindCancel byte = 0x06

	// KindShutdown asks the worker to drain and exit. Master → worker.
	KindShutdown byte = 0x07

	// KindSuspendAdvice reports a tenant that crossed the consecutive-fault
	// threshold. Worker → master, out of band.
	KindSuspendAdvice byte = 0x08

	// KindKeyExpiry reports a tenant KV key that expired in the worker's
	// store. Worker → master, out of band; the master republishes it as a
	// KEY_EXPIRY event.
	KindKeyExpiry byte = 0x09

	// KindInvalidate tells the worker to drop cached compilations of one
	// attachment. Master → worker, out of band, best effort.
	KindInvalidate byte = 0x0A
)

// frameHeaderLength is the fixed size of a frame header: 1 byte kind
// + 4 bytes payload length.
const frameHeaderLength = 5

// maxPayloadLength bounds a single frame payload. Event payloads are small;
// 16 MiB leaves headroom without letting a broken peer allocate unbounded
// memory.
const maxPayloadLength = 16 * 1024 * 1024

// Frame is a single control-channel frame.
type Frame struct {
	Kind    byte
	Payload []byte
}

// WriteFrame writes a framed message to w. The frame format is:
// [1 byte kind] [4 bytes payload length, big-endian uint32] [payload].
func WriteFrame(w io.Writer, frame Frame) error {
	var header [frameHeaderLength]byte
	header[0] = frame.Kind
	binary.BigEndian.PutUint32(header[1:5], uint32(len(frame.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(frame.Payload) > 0 {
		if _, err := w.Write(frame.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads a framed message from r. Returns an error if the stream is
// malformed or the payload exceeds maxPayloadLength.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	kind := header[0]
	payloadLength := binary.BigEndian.Uint32(header[1:5])
	if payloadLength > maxPayloadLength {
		return Frame{}, fmt.Errorf("payload length %d exceeds maximum %d", payloadLength, maxPayloadLength)
	}
	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return Frame{Kind: kind, Payload: payload}, nil
}
