package protocol

import (
	"crypto/subtle"
	"fmt"
	"io"
)

// AcceptHandshake runs the master side of the channel handshake: it reads
// the worker's Hello, validates protocol version and token, and answers with
// HelloAck. The returned Hello identifies the worker and its capacity.
func AcceptHandshake(rw io.ReadWriter, token string) (*Hello, error) {
	frame, err := ReadFrame(rw)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if frame.Kind != KindHello {
		return nil, fmt.Errorf("expected hello frame, got kind 0x%02x", frame.Kind)
	}

	var hello Hello
	if err := Unmarshal(frame.Payload, &hello); err != nil {
		return nil, fmt.Errorf("decode hello: %w", err)
	}
	if hello.Version != Version {
		return nil, fmt.Errorf("protocol version mismatch: master %d, worker %d", Version, hello.Version)
	}
	if subtle.ConstantTimeCompare([]byte(hello.Token), []byte(token)) != 1 {
		return nil, fmt.Errorf("worker presented an invalid channel token")
	}
	if hello.Capacity < 1 {
		return nil, fmt.Errorf("worker advertised non-positive capacity %d", hello.Capacity)
	}

	if err := WriteMessage(rw, KindHelloAck, HelloAck{Version: Version}); err != nil {
		return nil, fmt.Errorf("write hello ack: %w", err)
	}
	return &hello, nil
}

// Handshake runs the worker side: it sends Hello and waits for the master's
// HelloAck.
func Handshake(rw io.ReadWriter, hello Hello) error {
	hello.Version = Version
	if err := WriteMessage(rw, KindHello, hello); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}

	frame, err := ReadFrame(rw)
	if err != nil {
		return fmt.Errorf("read hello ack: %w", err)
	}
	if frame.Kind != KindHelloAck {
		return fmt.Errorf("expected hello ack frame, got kind 0x%02x", frame.Kind)
	}
	var ack HelloAck
	if err := Unmarshal(frame.Payload, &ack); err != nil {
		return fmt.Errorf("decode hello ack: %w", err)
	}
	if ack.Version != Version {
		return fmt.Errorf("protocol version mismatch: worker %d, master %d", Version, ack.Version)
	}
	return nil
}
