package protocol

import (
	"io"

	"github.com/veldtbot/veldt/pkg/types"
)

// Hello is the first frame on a new channel, worker → master.
type Hello struct {
	Version  int    `cbor:"version"`
	Token    string `cbor:"token"`
	WorkerID int    `cbor:"worker_id"`
	Threads  int    `cbor:"threads"`
	// Capacity is the number of concurrent dispatches the worker accepts;
	// the master must never exceed it.
	Capacity int `cbor:"capacity"`
}

// HelloAck accepts a channel, master → worker.
type HelloAck struct {
	Version int `cbor:"version"`
}

// Dispatch carries one correlated request, master → worker.
type Dispatch struct {
	CorrelationID uint64                `cbor:"correlation_id"`
	Request       types.DispatchRequest `cbor:"request"`
}

// Result carries the terminal outcome for one correlation id,
// worker → master.
type Result struct {
	CorrelationID uint64               `cbor:"correlation_id"`
	Result        types.DispatchResult `cbor:"result"`
}

// Heartbeat advertises free capacity, worker → master.
type Heartbeat struct {
	// Capacity is the number of additional dispatches the worker can accept
	// right now (configured limit minus in-flight).
	Capacity int `cbor:"capacity"`
	Inflight int `cbor:"inflight"`
}

// Cancel requests best-effort abortion of an in-flight dispatch,
// master → worker.
type Cancel struct {
	CorrelationID uint64 `cbor:"correlation_id"`
}

// Shutdown asks the worker to drain in-flight work and exit,
// master → worker.
type Shutdown struct {
	// Drain gives in-flight executions a chance to finish; false kills
	// immediately.
	Drain bool `cbor:"drain"`
}

// SuspendAdvice reports a tenant that crossed the consecutive-fault
// threshold on a worker, worker → master. The pool surfaces it to the
// attachment-management side; it does not change state by itself.
type SuspendAdvice struct {
	Tenant            types.Tenant `cbor:"tenant"`
	ConsecutiveFaults int          `cbor:"consecutive_faults"`
	LastFault         types.Fault  `cbor:"last_fault"`
}

// KeyExpiry reports one expired tenant KV key, worker → master. The worker
// removes the key after sending; delivery is best effort.
type KeyExpiry struct {
	Tenant types.Tenant `cbor:"tenant"`
	Key    string       `cbor:"key"`
}

// Invalidate tells a worker to drop cached compilations of an attachment,
// master → worker. Sent when the attachment's content changes; a missed
// frame only means the worker serves the old program until the versioned
// cache key ages it out.
type Invalidate struct {
	AttachmentID string `cbor:"attachment_id"`
}

// WriteMessage CBOR-encodes payload and writes it as a frame of the given
// kind. Callers serialize writes themselves (see Channel).
func WriteMessage(w io.Writer, kind byte, payload any) error {
	data, err := Marshal(payload)
	if err != nil {
		return err
	}
	return WriteFrame(w, Frame{Kind: kind, Payload: data})
}
