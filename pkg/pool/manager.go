package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/veldtbot/veldt/pkg/config"
	"github.com/veldtbot/veldt/pkg/log"
	"github.com/veldtbot/veldt/pkg/metrics"
	"github.com/veldtbot/veldt/pkg/protocol"
	"github.com/veldtbot/veldt/pkg/ratelimit"
	"github.com/veldtbot/veldt/pkg/types"
)

// maxSpawnFailures is the consecutive spawn-failure count after which a
// slot's supervisor gives up instead of hammering a broken binary.
const maxSpawnFailures = 10

// spawnBackoff is the base of the linear restart backoff.
const spawnBackoff = 500 * time.Millisecond

// guardPruneInterval and guardIdleTTL size the rate-limit bucket sweep: a
// tenant idle past the TTL loses its bucket and starts fresh next time.
const (
	guardPruneInterval = time.Minute
	guardIdleTTL       = 10 * time.Minute
)

// waiter is one admission-queue entry. ready is closed exactly once when
// capacity may have freed.
type waiter struct {
	ready chan struct{}
}

// Manager owns the worker pool: it supervises worker process slots, admits
// dispatch requests through rate limiting and a bounded queue, places them
// on the least-loaded healthy worker, and handles redelivery when a channel
// is lost mid-flight.
type Manager struct {
	cfg       config.PoolConfig
	transport Transport
	guard     *ratelimit.Guard
	logger    zerolog.Logger

	// OnSuspendAdvice receives worker fault-streak reports and OnKeyExpiry
	// receives expired tenant KV keys. Set both before Start.
	OnSuspendAdvice func(protocol.SuspendAdvice)
	OnKeyExpiry     func(protocol.KeyExpiry)

	mu      sync.Mutex
	workers map[int]*workerHandle
	waiters []*waiter
	closed  bool

	// supervisors counts slot supervisors still running. At zero no worker
	// will ever register again, so queued admissions are hopeless.
	supervisors int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a pool manager over the given transport. Rate limiting
// is per tenant with the configured bucket shape.
func NewManager(cfg config.PoolConfig, rl config.RateLimitConfig, transport Transport) *Manager {
	return &Manager{
		cfg:       cfg,
		transport: transport,
		guard:     ratelimit.NewGuard(rl.PerSecond, rl.Burst),
		logger:    log.WithComponent("pool"),
		workers:   make(map[int]*workerHandle),
	}
}

// Start launches one supervisor per worker slot. Each supervisor spawns its
// worker, watches its health, and respawns it on loss with linear backoff.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Lock()
	m.supervisors = m.cfg.Workers
	m.mu.Unlock()
	for id := 0; id < m.cfg.Workers; id++ {
		m.wg.Add(1)
		go m.supervise(ctx, id)
	}
	m.wg.Add(1)
	go m.pruneGuard(ctx, guardPruneInterval, guardIdleTTL)
}

// pruneGuard periodically drops rate-limit buckets for tenants that went
// idle, so the per-tenant map does not grow without bound.
func (m *Manager) pruneGuard(ctx context.Context, interval, maxIdle time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := m.guard.Prune(maxIdle); removed > 0 {
				m.logger.Debug().Int("removed", removed).Msg("pruned idle rate-limit buckets")
			}
		}
	}
}

// Admit runs one request through the full admission path: per-tenant rate
// limit, capacity placement, then the bounded FIFO queue. The outcome is
// always a DispatchResult; admission failures are faults, not errors.
func (m *Manager) Admit(ctx context.Context, req types.DispatchRequest) types.DispatchResult {
	if decision := m.guard.Check(req.Tenant.String(), 1); !decision.Allowed {
		metrics.RateLimitedTotal.Inc()
		return m.faultResult(types.NewFault(types.FaultRateLimited, "tenant %s over rate limit, retry after %s", req.Tenant, decision.RetryAfter))
	}

	if req.Deadline.IsZero() {
		req.Deadline = time.Now().Add(m.cfg.DispatchTimeout)
	}

	for {
		h, w, saturated := m.acquireOrEnqueue(-1)
		if h != nil {
			return m.call(ctx, h, req, false)
		}
		if saturated {
			return m.faultResult(types.NewFault(types.FaultPoolSaturated, "admission queue full"))
		}

		// The request's own deadline bounds the wait. Admission callers pass
		// long-lived contexts, so ctx alone would let a waiter sit in the
		// queue past the point where any result could still be useful.
		wait := time.NewTimer(time.Until(req.Deadline))
		select {
		case <-w.ready:
			wait.Stop()
		case <-wait.C:
			m.abandonWaiter(w)
			return m.faultResult(types.NewFault(types.FaultTimeout, "deadline passed while queued for pool capacity"))
		case <-ctx.Done():
			wait.Stop()
			m.abandonWaiter(w)
			return m.faultResult(types.NewFault(types.FaultTimeout, "timed out waiting for pool capacity"))
		}
	}
}

// acquireOrEnqueue atomically tries least-loaded placement and falls back to
// the bounded queue. Exactly one of the returns is meaningful: a handle, a
// queued waiter, or saturation. excludeID skips one worker for redelivery;
// pass -1 to consider all.
func (m *Manager) acquireOrEnqueue(excludeID int) (*workerHandle, *waiter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, true
	}
	if m.supervisors == 0 {
		// Every slot supervisor gave up; queueing would wait on capacity
		// that can never arrive.
		return nil, nil, true
	}
	if h := m.selectWorkerLocked(excludeID); h != nil {
		h.inflight++
		return h, nil, false
	}
	if len(m.waiters) >= m.cfg.QueueSize {
		return nil, nil, true
	}
	w := &waiter{ready: make(chan struct{})}
	m.waiters = append(m.waiters, w)
	metrics.QueueDepth.Set(float64(len(m.waiters)))
	return nil, w, false
}

// selectWorkerLocked picks the healthy worker with the most free slots,
// breaking ties by lowest id so placement is deterministic.
func (m *Manager) selectWorkerLocked(excludeID int) *workerHandle {
	var best *workerHandle
	for _, h := range m.workers {
		if h.id == excludeID || h.state != types.WorkerStateHealthy || h.inflight >= h.capacity {
			continue
		}
		if best == nil || h.inflight < best.inflight || (h.inflight == best.inflight && h.id < best.id) {
			best = h
		}
	}
	return best
}

// acquireExcluding is the redelivery placement path: it never queues, since
// a redelivered request already consumed its wait.
func (m *Manager) acquireExcluding(excludeID int) *workerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.selectWorkerLocked(excludeID)
	if h != nil {
		h.inflight++
	}
	return h
}

func (m *Manager) call(ctx context.Context, h *workerHandle, req types.DispatchRequest, redelivered bool) types.DispatchResult {
	metrics.InflightRequests.Inc()
	start := time.Now()

	// Slack past the worker-enforced deadline: the worker aborts the
	// script at Deadline and still needs to ship the Result frame.
	callCtx, cancel := context.WithDeadline(ctx, req.Deadline.Add(2*time.Second))
	res, err := h.channel.Call(callCtx, req)
	cancel()

	m.release(h)
	metrics.InflightRequests.Dec()

	if err == nil {
		metrics.DispatchDuration.Observe(time.Since(start).Seconds())
		if res.Fault != nil {
			metrics.DispatchesTotal.WithLabelValues("fault").Inc()
			metrics.FaultsTotal.WithLabelValues(string(res.Fault.Kind)).Inc()
		} else {
			metrics.DispatchesTotal.WithLabelValues("ok").Inc()
		}
		return res
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return m.faultResult(types.NewFault(types.FaultTimeout, "no result within deadline"))
	}

	// Channel loss with the request in flight. Idempotent requests are
	// redelivered once against a different worker; anything else surfaces
	// as WorkerUnavailable because the execution may already have had side
	// effects.
	if req.Idempotent && !redelivered {
		if next := m.acquireExcluding(h.id); next != nil {
			metrics.RedeliveriesTotal.Inc()
			m.logger.Warn().
				Int("lost_worker", h.id).
				Int("retry_worker", next.id).
				Str("tenant", req.Tenant.String()).
				Msg("redelivering after channel loss")
			return m.call(ctx, next, req, true)
		}
	}
	return m.faultResult(types.NewFault(types.FaultWorkerUnavailable, "worker %d channel lost", h.id))
}

func (m *Manager) faultResult(f *types.Fault) types.DispatchResult {
	metrics.DispatchesTotal.WithLabelValues("rejected").Inc()
	metrics.FaultsTotal.WithLabelValues(string(f.Kind)).Inc()
	return types.DispatchResult{Fault: f}
}

// release returns a placement slot and wakes the longest-waiting admission
// queue entry, preserving FIFO order.
func (m *Manager) release(h *workerHandle) {
	m.mu.Lock()
	if h.inflight > 0 {
		h.inflight--
	}
	m.wakeLocked(1)
	m.mu.Unlock()
}

// wakeLocked pops up to n waiters off the queue front.
func (m *Manager) wakeLocked(n int) {
	for i := 0; i < n && len(m.waiters) > 0; i++ {
		w := m.waiters[0]
		m.waiters = m.waiters[1:]
		close(w.ready)
	}
	metrics.QueueDepth.Set(float64(len(m.waiters)))
}

func (m *Manager) abandonWaiter(w *waiter) {
	m.mu.Lock()
	for i, queued := range m.waiters {
		if queued == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			break
		}
	}
	metrics.QueueDepth.Set(float64(len(m.waiters)))
	m.mu.Unlock()
}

// Invalidate tells every live worker to drop cached compilations of the
// attachment. Best effort: a worker that misses the frame serves the old
// program only until the versioned cache key ages it out.
func (m *Manager) Invalidate(attachmentID string) {
	m.mu.Lock()
	handles := make([]*workerHandle, 0, len(m.workers))
	for _, h := range m.workers {
		if h.state != types.WorkerStateDead {
			handles = append(handles, h)
		}
	}
	m.mu.Unlock()

	for _, h := range handles {
		if err := h.channel.Invalidate(attachmentID); err != nil {
			m.logger.Debug().Err(err).
				Int("worker_id", h.id).
				Str("attachment_id", attachmentID).
				Msg("invalidate frame not delivered")
		}
	}
}

// Workers reports the current worker states keyed by slot id.
func (m *Manager) Workers() map[int]types.WorkerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make(map[int]types.WorkerState, len(m.workers))
	for id, h := range m.workers {
		states[id] = h.state
	}
	return states
}

// supervise owns one worker slot for the manager's lifetime: spawn, health
// watch, respawn. Consecutive spawn failures cap out rather than spinning
// on a binary that cannot start.
func (m *Manager) supervise(ctx context.Context, id int) {
	defer m.wg.Done()
	defer m.superviseExited()
	logger := m.logger.With().Int("worker_id", id).Logger()

	failures := 0
	for ctx.Err() == nil {
		token := uuid.NewString()
		conn, hello, err := m.transport.Start(ctx, id, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures >= maxSpawnFailures {
				logger.Error().Err(err).Int("failures", failures).Msg("giving up on worker slot")
				return
			}
			backoff := time.Duration(failures) * spawnBackoff
			logger.Warn().Err(err).Dur("backoff", backoff).Msg("worker spawn failed")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		failures = 0

		channel := protocol.NewChannel(conn)
		h := newWorkerHandle(id, hello, channel)
		channel.OnHeartbeat = func(hb protocol.Heartbeat) { m.heartbeat(h, hb) }
		channel.OnSuspendAdvice = func(advice protocol.SuspendAdvice) {
			if m.OnSuspendAdvice != nil {
				m.OnSuspendAdvice(advice)
			}
		}
		channel.OnKeyExpiry = func(expiry protocol.KeyExpiry) {
			if m.OnKeyExpiry != nil {
				m.OnKeyExpiry(expiry)
			}
		}
		channel.OnClose = func(err error) { m.workerClosed(h, err) }

		m.register(h)
		channel.Start()
		logger.Info().Int("capacity", h.capacity).Msg("worker online")

		m.watchHealth(ctx, h)

		m.unregister(h)
		m.transport.Stop(id)
		if ctx.Err() == nil {
			metrics.WorkerRestartsTotal.Inc()
			logger.Warn().Msg("worker lost, respawning")
		}
	}
}

// superviseExited records one supervisor leaving. When the last one goes,
// queued waiters are woken so they fail fast instead of holding slots in a
// queue no worker will ever drain.
func (m *Manager) superviseExited() {
	m.mu.Lock()
	m.supervisors--
	if m.supervisors == 0 {
		m.wakeLocked(len(m.waiters))
	}
	m.mu.Unlock()
}

// watchHealth blocks until the handle's channel closes, demoting the worker
// to dead if it misses too many heartbeats.
func (m *Manager) watchHealth(ctx context.Context, h *workerHandle) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	deadline := time.Duration(m.cfg.HeartbeatMisses) * m.cfg.HeartbeatInterval
	for {
		select {
		case <-h.closed:
			return
		case <-ctx.Done():
			h.channel.Close()
			<-h.closed
			return
		case <-ticker.C:
			m.mu.Lock()
			stale := time.Since(h.lastHeartbeat) > deadline
			m.mu.Unlock()
			if stale {
				m.logger.Warn().
					Int("worker_id", h.id).
					Int("misses", m.cfg.HeartbeatMisses).
					Msg("worker missed heartbeats, demoting")
				h.channel.Close()
			}
		}
	}
}

func (m *Manager) heartbeat(h *workerHandle, hb protocol.Heartbeat) {
	m.mu.Lock()
	h.lastHeartbeat = time.Now()
	// Fresh capacity information may unblock queued admissions.
	m.wakeLocked(1)
	m.mu.Unlock()
}

func (m *Manager) register(h *workerHandle) {
	m.mu.Lock()
	m.workers[h.id] = h
	// A new worker is fresh capacity for everyone waiting.
	m.wakeLocked(h.capacity)
	m.mu.Unlock()
	metrics.WorkersTotal.WithLabelValues(string(types.WorkerStateHealthy)).Inc()
}

func (m *Manager) workerClosed(h *workerHandle, err error) {
	m.mu.Lock()
	prev := h.state
	h.state = types.WorkerStateDead
	m.mu.Unlock()
	// Move the gauge from whatever state the worker held, healthy or
	// draining, so the per-state counts stay balanced.
	if prev != types.WorkerStateDead {
		metrics.WorkersTotal.WithLabelValues(string(prev)).Dec()
		metrics.WorkersTotal.WithLabelValues(string(types.WorkerStateDead)).Inc()
	}
	h.markClosed()
}

func (m *Manager) unregister(h *workerHandle) {
	m.mu.Lock()
	if m.workers[h.id] == h {
		delete(m.workers, h.id)
	}
	dead := h.state == types.WorkerStateDead
	m.mu.Unlock()
	if dead {
		metrics.WorkersTotal.WithLabelValues(string(types.WorkerStateDead)).Dec()
	}
}

// Shutdown drains the pool: admission closes, every worker is asked to
// finish in-flight work, and whatever exceeds the drain timeout is cut off.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	handles := make([]*workerHandle, 0, len(m.workers))
	for _, h := range m.workers {
		if h.state == types.WorkerStateHealthy {
			h.state = types.WorkerStateDraining
			metrics.WorkersTotal.WithLabelValues(string(types.WorkerStateHealthy)).Dec()
			metrics.WorkersTotal.WithLabelValues(string(types.WorkerStateDraining)).Inc()
		}
		handles = append(handles, h)
	}
	// Nothing queued will ever place now.
	m.wakeLocked(len(m.waiters))
	m.mu.Unlock()

	for _, h := range handles {
		if err := h.channel.Shutdown(true); err != nil {
			m.logger.Debug().Err(err).Int("worker_id", h.id).Msg("shutdown frame not delivered")
		}
	}

	drainCtx, cancel := context.WithTimeout(ctx, m.cfg.DrainTimeout)
	defer cancel()
	if err := m.waitDrained(drainCtx, handles); err != nil {
		m.logger.Warn().Err(err).Msg("drain incomplete, terminating workers")
	}

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return m.transport.Close()
}

func (m *Manager) waitDrained(ctx context.Context, handles []*workerHandle) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		inflight := 0
		m.mu.Lock()
		for _, h := range handles {
			inflight += h.inflight
		}
		m.mu.Unlock()
		if inflight == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d requests still in flight: %w", inflight, ctx.Err())
		case <-ticker.C:
		}
	}
}
