package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/veldtbot/veldt/pkg/types"
)

// ErrChannelClosed is returned for calls whose channel was lost before a
// Result arrived. The pool maps it to redelivery or WorkerUnavailable.
var ErrChannelClosed = errors.New("control channel closed")

// Channel is the master's end of one worker control channel. It multiplexes
// concurrent request/response pairs over a single framed connection:
// correlation ids are assigned monotonically here, pending calls are parked
// until the reader loop matches their Result, and out-of-band frames
// (Heartbeat, SuspendAdvice) are delivered to callbacks.
//
// Writes are serialized by a mutex; reads happen on a single reader
// goroutine, so a slow pending caller never stalls the message loop.
type Channel struct {
	conn io.ReadWriteCloser

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan types.DispatchResult
	closed  bool
	err     error

	// OnHeartbeat, OnSuspendAdvice, OnKeyExpiry, and OnClose are invoked
	// from the reader goroutine. Set them before Start.
	OnHeartbeat     func(Heartbeat)
	OnSuspendAdvice func(SuspendAdvice)
	OnKeyExpiry     func(KeyExpiry)
	OnClose         func(err error)
}

// NewChannel wraps an already-handshaken connection.
func NewChannel(conn io.ReadWriteCloser) *Channel {
	return &Channel{
		conn:    conn,
		pending: make(map[uint64]chan types.DispatchResult),
	}
}

// Start runs the reader loop until the channel dies.
func (c *Channel) Start() {
	go c.readLoop()
}

// Call sends one Dispatch and blocks until its Result, ctx expiry, or
// channel loss. On ctx expiry a best-effort Cancel is sent and the pending
// entry is removed; a late Result for the id then has no registered caller
// and the reader loop drops it.
func (c *Channel) Call(ctx context.Context, req types.DispatchRequest) (types.DispatchResult, error) {
	id := c.nextID.Add(1)

	ch := make(chan types.DispatchResult, 1)
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = ErrChannelClosed
		}
		return types.DispatchResult{}, fmt.Errorf("%w: %s", ErrChannelClosed, err)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(KindDispatch, Dispatch{CorrelationID: id, Request: req}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return types.DispatchResult{}, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}

	select {
	case result, ok := <-ch:
		if !ok {
			return types.DispatchResult{}, ErrChannelClosed
		}
		return result, nil
	case <-ctx.Done():
		// Best-effort cancel; the worker checks at safe points. A late
		// Result for this id is informational only and dropped by the
		// reader loop once the pending entry is gone.
		_ = c.send(KindCancel, Cancel{CorrelationID: id})
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return types.DispatchResult{}, ctx.Err()
	}
}

// Inflight returns the number of calls awaiting a Result.
func (c *Channel) Inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Shutdown asks the worker to drain and exit.
func (c *Channel) Shutdown(drain bool) error {
	return c.send(KindShutdown, Shutdown{Drain: drain})
}

// Invalidate asks the worker to drop cached compilations of an attachment.
func (c *Channel) Invalidate(attachmentID string) error {
	return c.send(KindInvalidate, Invalidate{AttachmentID: attachmentID})
}

// Close tears the channel down and fails every pending call.
func (c *Channel) Close() error {
	c.fail(ErrChannelClosed)
	return nil
}

func (c *Channel) send(kind byte, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteMessage(c.conn, kind, payload)
}

func (c *Channel) readLoop() {
	for {
		frame, err := ReadFrame(c.conn)
		if err != nil {
			c.fail(err)
			return
		}

		switch frame.Kind {
		case KindResult:
			var res Result
			if err := Unmarshal(frame.Payload, &res); err != nil {
				c.fail(fmt.Errorf("malformed result frame: %w", err))
				return
			}
			c.mu.Lock()
			ch, ok := c.pending[res.CorrelationID]
			if ok {
				delete(c.pending, res.CorrelationID)
			}
			c.mu.Unlock()
			if ok {
				ch <- res.Result
			}
			// A result with no pending entry is a late arrival after
			// cancellation: informational only.

		case KindHeartbeat:
			var hb Heartbeat
			if err := Unmarshal(frame.Payload, &hb); err != nil {
				c.fail(fmt.Errorf("malformed heartbeat frame: %w", err))
				return
			}
			if c.OnHeartbeat != nil {
				c.OnHeartbeat(hb)
			}

		case KindSuspendAdvice:
			var advice SuspendAdvice
			if err := Unmarshal(frame.Payload, &advice); err != nil {
				c.fail(fmt.Errorf("malformed suspend advice frame: %w", err))
				return
			}
			if c.OnSuspendAdvice != nil {
				c.OnSuspendAdvice(advice)
			}

		case KindKeyExpiry:
			var expiry KeyExpiry
			if err := Unmarshal(frame.Payload, &expiry); err != nil {
				c.fail(fmt.Errorf("malformed key expiry frame: %w", err))
				return
			}
			if c.OnKeyExpiry != nil {
				c.OnKeyExpiry(expiry)
			}

		default:
			// An unexpected kind is a protocol error, fatal to this
			// channel only.
			c.fail(fmt.Errorf("unexpected frame kind 0x%02x", frame.Kind))
			return
		}
	}
}

// fail closes the channel once, recording err and waking all pending calls.
func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	pending := c.pending
	c.pending = make(map[uint64]chan types.DispatchResult)
	c.mu.Unlock()

	c.conn.Close()
	for _, ch := range pending {
		close(ch)
	}
	if c.OnClose != nil {
		c.OnClose(err)
	}
}
