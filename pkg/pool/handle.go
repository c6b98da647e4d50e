package pool

import (
	"sync"
	"time"

	"github.com/veldtbot/veldt/pkg/protocol"
	"github.com/veldtbot/veldt/pkg/types"
)

// workerHandle is the manager's view of one live worker channel. The
// manager's lock guards the mutable fields; the channel itself handles its
// own synchronization.
type workerHandle struct {
	id      int
	channel *protocol.Channel

	// capacity is the concurrent-dispatch limit the worker advertised in
	// its Hello. The manager never places more than this.
	capacity int

	// inflight is the manager-side count of outstanding calls on this
	// handle. Placement is least-loaded by this value.
	inflight int

	state         types.WorkerState
	lastHeartbeat time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func newWorkerHandle(id int, hello *protocol.Hello, channel *protocol.Channel) *workerHandle {
	return &workerHandle{
		id:            id,
		channel:       channel,
		capacity:      hello.Capacity,
		state:         types.WorkerStateHealthy,
		lastHeartbeat: time.Now(),
		closed:        make(chan struct{}),
	}
}

func (h *workerHandle) markClosed() {
	h.closeOnce.Do(func() { close(h.closed) })
}
