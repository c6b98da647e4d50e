package worker

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/veldtbot/veldt/pkg/host"
	"github.com/veldtbot/veldt/pkg/log"
	"github.com/veldtbot/veldt/pkg/sandbox"
	"github.com/veldtbot/veldt/pkg/types"
)

// Resolver turns a shop content reference into script source when a dispatch
// carries no inline source and the compiled template is not cache-resident.
type Resolver interface {
	ResolveSource(ctx context.Context, tenant types.Tenant, ref string) (string, error)
}

// Config sizes one worker process's execution engine.
type Config struct {
	// Threads is the number of execution shards. A tenant always maps to
	// the same shard, which serializes that tenant's executions.
	Threads int

	// Parallelism is the queued-dispatch depth per shard. Total accepted
	// capacity is Threads * Parallelism.
	Parallelism int

	// CacheSize is the compiled-template LRU capacity.
	CacheSize int

	// FaultThreshold is the consecutive per-tenant fault count after which
	// the engine emits suspend advice. Zero disables advice.
	FaultThreshold int

	Sandbox sandbox.Config
}

// Job is one correlated dispatch accepted by the engine.
type Job struct {
	CorrelationID uint64
	Request       types.DispatchRequest
}

// Advice reports a tenant that crossed the consecutive-fault threshold.
type Advice struct {
	Tenant            types.Tenant
	ConsecutiveFaults int
	LastFault         types.Fault
}

// Engine executes dispatches on a fixed set of shards. Each shard runs one
// job at a time; a tenant is pinned to a shard by hash, so executions for
// one tenant never overlap. Script execution is CPU-bound, which is why
// shards are a small fixed set rather than a goroutine per job.
type Engine struct {
	cfg      Config
	registry *host.Registry
	cache    *sandbox.Cache
	resolver Resolver

	shards   []*shard
	inflight atomic.Int64

	// cancels maps correlation id to the in-flight job's cancel func so a
	// Cancel frame can reach a queued or running execution.
	cancelMu sync.Mutex
	cancels  map[uint64]context.CancelFunc

	// faults tracks consecutive script-attributable faults per tenant.
	faultMu sync.Mutex
	faults  map[string]faultStreak

	onResult func(correlationID uint64, res types.DispatchResult)
	onAdvice func(Advice)

	wg sync.WaitGroup
}

type faultStreak struct {
	tenant types.Tenant
	count  int
}

type shard struct {
	jobs chan engineJob

	// executors are reused per tenant across executions and discarded after
	// any fault, so a poisoned runtime never serves the next event.
	executors map[string]*sandbox.Executor
}

type engineJob struct {
	job Job
	ctx context.Context
}

// NewEngine builds an execution engine over the given host action registry.
// onResult receives every terminal outcome; onAdvice may be nil.
func NewEngine(cfg Config, registry *host.Registry, resolver Resolver, onResult func(uint64, types.DispatchResult), onAdvice func(Advice)) (*Engine, error) {
	if cfg.Threads < 1 {
		cfg.Threads = 1
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.CacheSize < 1 {
		cfg.CacheSize = 64
	}

	cache, err := sandbox.NewCache(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		registry: registry,
		cache:    cache,
		resolver: resolver,
		cancels:  make(map[uint64]context.CancelFunc),
		faults:   make(map[string]faultStreak),
		onResult: onResult,
		onAdvice: onAdvice,
	}

	e.shards = make([]*shard, cfg.Threads)
	for i := range e.shards {
		// Each shard's queue holds the engine's whole capacity: tenants pin
		// to one shard, so a single tenant may legitimately own every
		// advertised slot. The global limit is enforced in Submit.
		e.shards[i] = &shard{
			jobs:      make(chan engineJob, cfg.Threads*cfg.Parallelism),
			executors: make(map[string]*sandbox.Executor),
		}
	}
	return e, nil
}

// Start launches the shard loops. The engine stops when ctx is canceled and
// every queued job has resolved.
func (e *Engine) Start(ctx context.Context) {
	for i, s := range e.shards {
		e.wg.Add(1)
		go e.runShard(ctx, i, s)
	}
}

// Capacity is the engine's total acceptance limit.
func (e *Engine) Capacity() int {
	return e.cfg.Threads * e.cfg.Parallelism
}

// Inflight is the number of accepted jobs that have not yet resolved.
func (e *Engine) Inflight() int {
	return int(e.inflight.Load())
}

// Submit accepts one job. The outcome is always delivered through onResult,
// including when the engine is over capacity.
func (e *Engine) Submit(job Job) {
	s := e.shards[e.shardFor(job.Request.Tenant)]

	jobCtx, cancel := context.WithCancel(context.Background())
	e.cancelMu.Lock()
	e.cancels[job.CorrelationID] = cancel
	e.cancelMu.Unlock()

	// The master is expected to honor advertised capacity; overflow is
	// rejected rather than blocking the protocol read loop. The limit is
	// engine-wide, never per shard: the shard queues are each sized for
	// full capacity so one tenant can use every advertised slot.
	if int(e.inflight.Add(1)) > e.Capacity() {
		e.finish(job.CorrelationID, types.DispatchResult{
			Fault: types.NewFault(types.FaultPoolSaturated, "worker over capacity"),
		})
		return
	}
	s.jobs <- engineJob{job: job, ctx: jobCtx}
}

// Invalidate drops every cached compilation of the attachment. The next
// dispatch for it recompiles from current source.
func (e *Engine) Invalidate(attachmentID string) {
	e.cache.Invalidate(attachmentID)
}

// Cancel aborts a queued or running job, best effort. The job still resolves
// with exactly one result.
func (e *Engine) Cancel(correlationID uint64) {
	e.cancelMu.Lock()
	cancel, ok := e.cancels[correlationID]
	e.cancelMu.Unlock()
	if ok {
		cancel()
	}
}

// Drain blocks until every accepted job has resolved or ctx expires. The
// caller stops submitting before draining; the shard loops keep running so
// queued jobs still execute.
func (e *Engine) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if e.inflight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain aborted with %d jobs in flight: %w", e.Inflight(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *Engine) shardFor(tenant types.Tenant) int {
	h := fnv.New32a()
	h.Write([]byte(tenant.String()))
	return int(h.Sum32() % uint32(len(e.shards)))
}

func (e *Engine) runShard(ctx context.Context, id int, s *shard) {
	defer e.wg.Done()
	logger := log.WithComponent("engine").With().Int("shard", id).Logger()

	for {
		select {
		case <-ctx.Done():
			// Resolve whatever is still queued so the master never waits on
			// a correlation id that will not answer.
			for {
				select {
				case ej := <-s.jobs:
					e.finish(ej.job.CorrelationID, types.DispatchResult{
						Fault: types.NewFault(types.FaultWorkerUnavailable, "worker shutting down"),
					})
				default:
					return
				}
			}
		case ej := <-s.jobs:
			res := e.execute(ej.ctx, s, ej.job.Request)
			if res.Fault != nil {
				logger.Debug().
					Str("tenant", ej.job.Request.Tenant.String()).
					Str("fault", string(res.Fault.Kind)).
					Msg("dispatch faulted")
			}
			e.trackFaults(ej.job.Request.Tenant, res)
			e.finish(ej.job.CorrelationID, res)
		}
	}
}

func (e *Engine) execute(ctx context.Context, s *shard, req types.DispatchRequest) types.DispatchResult {
	if err := ctx.Err(); err != nil {
		return types.DispatchResult{
			Fault: types.NewFault(types.FaultExecutionFault, "canceled before execution"),
		}
	}

	prog, fault := e.loadProgram(ctx, req)
	if fault != nil {
		return types.DispatchResult{Fault: fault}
	}

	key := req.Tenant.String()
	ex, ok := s.executors[key]
	if !ok {
		ex = sandbox.NewExecutor(e.registry, e.cfg.Sandbox)
		s.executors[key] = ex
	}

	res := ex.Run(ctx, prog, req)
	if res.Fault != nil {
		delete(s.executors, key)
	}
	return res
}

func (e *Engine) loadProgram(ctx context.Context, req types.DispatchRequest) (*goja.Program, *types.Fault) {
	source := req.Source
	if source == "" && req.SourceRef != "" {
		if e.resolver == nil {
			return nil, types.NewFault(types.FaultStorageError, "no content resolver for ref %q", req.SourceRef)
		}
		resolved, err := e.resolver.ResolveSource(ctx, req.Tenant, req.SourceRef)
		if err != nil {
			return nil, types.NewFault(types.FaultStorageError, "failed to resolve content ref %q: %v", req.SourceRef, err)
		}
		source = resolved
	}

	prog, err := e.cache.Load(req.AttachmentID, req.Version, source)
	if err != nil {
		return nil, types.NewFault(types.FaultExecutionFault, "%v", err)
	}
	return prog, nil
}

// trackFaults maintains the per-tenant consecutive fault streak and emits
// suspend advice at the threshold. Only script-attributable kinds count; an
// infrastructure fault says nothing about the template.
func (e *Engine) trackFaults(tenant types.Tenant, res types.DispatchResult) {
	if e.cfg.FaultThreshold <= 0 {
		return
	}

	key := tenant.String()
	e.faultMu.Lock()
	defer e.faultMu.Unlock()

	if res.Fault == nil || !scriptFault(res.Fault.Kind) {
		delete(e.faults, key)
		return
	}

	streak := e.faults[key]
	streak.tenant = tenant
	streak.count++
	if streak.count >= e.cfg.FaultThreshold {
		delete(e.faults, key)
		if e.onAdvice != nil {
			e.onAdvice(Advice{
				Tenant:            tenant,
				ConsecutiveFaults: streak.count,
				LastFault:         *res.Fault,
			})
		}
		return
	}
	e.faults[key] = streak
}

func scriptFault(kind types.FaultKind) bool {
	switch kind {
	case types.FaultExecutionFault, types.FaultTimeout, types.FaultResourceExceeded, types.FaultCapabilityDenied:
		return true
	}
	return false
}

func (e *Engine) finish(correlationID uint64, res types.DispatchResult) {
	e.cancelMu.Lock()
	if cancel, ok := e.cancels[correlationID]; ok {
		cancel()
		delete(e.cancels, correlationID)
	}
	e.cancelMu.Unlock()

	e.inflight.Add(-1)
	e.onResult(correlationID, res)
}
