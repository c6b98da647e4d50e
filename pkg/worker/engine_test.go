package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veldtbot/veldt/pkg/host"
	"github.com/veldtbot/veldt/pkg/log"
	"github.com/veldtbot/veldt/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

// slowFetcher records how many fetches run concurrently per tenant.
type slowFetcher struct {
	delay time.Duration

	mu      sync.Mutex
	active  map[string]int
	maxSeen map[string]int
}

func newSlowFetcher(delay time.Duration) *slowFetcher {
	return &slowFetcher{
		delay:   delay,
		active:  make(map[string]int),
		maxSeen: make(map[string]int),
	}
}

func (f *slowFetcher) Fetch(_ context.Context, tenant types.Tenant, _ string) (int, string, error) {
	key := tenant.String()
	f.mu.Lock()
	f.active[key]++
	if f.active[key] > f.maxSeen[key] {
		f.maxSeen[key] = f.active[key]
	}
	f.mu.Unlock()

	time.Sleep(f.delay)

	f.mu.Lock()
	f.active[key]--
	f.mu.Unlock()
	return 200, "ok", nil
}

func (f *slowFetcher) MaxConcurrent(tenant types.Tenant) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxSeen[tenant.String()]
}

type resultSink struct {
	mu      sync.Mutex
	results map[uint64]types.DispatchResult
	notify  chan uint64
}

func newResultSink() *resultSink {
	return &resultSink{
		results: make(map[uint64]types.DispatchResult),
		notify:  make(chan uint64, 128),
	}
}

func (s *resultSink) collect(id uint64, res types.DispatchResult) {
	s.mu.Lock()
	s.results[id] = res
	s.mu.Unlock()
	s.notify <- id
}

func (s *resultSink) wait(t *testing.T, id uint64) types.DispatchResult {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		s.mu.Lock()
		res, ok := s.results[id]
		s.mu.Unlock()
		if ok {
			return res
		}
		select {
		case <-s.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for result %d", id)
		}
	}
}

func tenant(id uint64) types.Tenant {
	return types.Tenant{OwnerType: types.OwnerTypeGuild, OwnerID: id}
}

func inlineJob(id uint64, tn types.Tenant, source string, grant ...string) Job {
	return Job{
		CorrelationID: id,
		Request: types.DispatchRequest{
			Tenant:       tn,
			AttachmentID: fmt.Sprintf("att-%d", tn.OwnerID),
			EventName:    "MESSAGE",
			Grant:        grant,
			Deadline:     time.Now().Add(5 * time.Second),
			Source:       source,
			Version:      1,
		},
	}
}

func startEngine(t *testing.T, cfg Config, collab host.Collaborators, sink *resultSink, onAdvice func(Advice)) *Engine {
	t.Helper()
	engine, err := NewEngine(cfg, host.NewRegistry(collab), nil, sink.collect, onAdvice)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	engine.Start(ctx)
	return engine
}

func TestEngineExecutesJob(t *testing.T) {
	sink := newResultSink()
	engine := startEngine(t, Config{Threads: 2, Parallelism: 4}, host.Collaborators{}, sink, nil)

	engine.Submit(inlineJob(1, tenant(1), `function handle(e) { return "done"; }`))
	res := sink.wait(t, 1)
	require.True(t, res.OK(), "unexpected fault: %v", res.Fault)
	assert.Equal(t, "done", res.Payload)
	assert.Equal(t, 0, engine.Inflight())
}

func TestEnginePerTenantSerialization(t *testing.T) {
	fetcher := newSlowFetcher(20 * time.Millisecond)
	sink := newResultSink()
	engine := startEngine(t, Config{Threads: 4, Parallelism: 8}, host.Collaborators{HTTP: fetcher}, sink, nil)

	tn := tenant(7)
	source := `function handle(e) { return call("http:fetch", { url: "u" }).ok; }`
	const jobs = 6
	for i := uint64(1); i <= jobs; i++ {
		engine.Submit(inlineJob(i, tn, source, "http:fetch"))
	}
	for i := uint64(1); i <= jobs; i++ {
		res := sink.wait(t, i)
		require.True(t, res.OK(), "job %d: %v", i, res.Fault)
	}

	assert.Equal(t, 1, fetcher.MaxConcurrent(tn), "one tenant's executions must not overlap")
}

func TestEngineDistinctTenantsRunConcurrently(t *testing.T) {
	fetcher := newSlowFetcher(50 * time.Millisecond)
	sink := newResultSink()
	engine := startEngine(t, Config{Threads: 8, Parallelism: 4}, host.Collaborators{HTTP: fetcher}, sink, nil)

	source := `function handle(e) { return call("http:fetch", { url: "u" }).ok; }`
	start := time.Now()
	const tenants = 8
	for i := uint64(1); i <= tenants; i++ {
		engine.Submit(inlineJob(i, tenant(i), source, "http:fetch"))
	}
	for i := uint64(1); i <= tenants; i++ {
		sink.wait(t, i)
	}

	// Fully serialized execution would take tenants * delay; shard routing
	// should overlap most of it. Generous bound to stay robust on slow CI.
	assert.Less(t, time.Since(start), tenants*50*time.Millisecond)
}

func TestEngineSuspendAdvice(t *testing.T) {
	sink := newResultSink()
	var advice []Advice
	var adviceMu sync.Mutex
	engine := startEngine(t, Config{Threads: 1, Parallelism: 8, FaultThreshold: 3}, host.Collaborators{}, sink, func(a Advice) {
		adviceMu.Lock()
		advice = append(advice, a)
		adviceMu.Unlock()
	})

	tn := tenant(9)
	for i := uint64(1); i <= 3; i++ {
		engine.Submit(inlineJob(i, tn, `function handle(e) { throw new Error("bad"); }`))
		sink.wait(t, i)
	}

	adviceMu.Lock()
	defer adviceMu.Unlock()
	require.Len(t, advice, 1)
	assert.Equal(t, tn, advice[0].Tenant)
	assert.Equal(t, 3, advice[0].ConsecutiveFaults)
	assert.Equal(t, types.FaultExecutionFault, advice[0].LastFault.Kind)
}

func TestEngineSuccessResetsFaultStreak(t *testing.T) {
	sink := newResultSink()
	var adviceCount atomic.Int32
	engine := startEngine(t, Config{Threads: 1, Parallelism: 8, FaultThreshold: 3}, host.Collaborators{}, sink, func(Advice) {
		adviceCount.Add(1)
	})

	tn := tenant(9)
	id := uint64(0)
	fail := `function handle(e) { throw new Error("bad"); }`
	ok := `function handle(e) { return 1; }`
	for _, source := range []string{fail, fail, ok, fail, fail} {
		id++
		job := inlineJob(id, tn, source)
		// Distinct attachment per source so the cache does not conflate them.
		job.Request.AttachmentID = fmt.Sprintf("att-%d", id)
		engine.Submit(job)
		sink.wait(t, id)
	}

	assert.Equal(t, int32(0), adviceCount.Load(), "streak must reset on success")
}

func TestEngineCancel(t *testing.T) {
	sink := newResultSink()
	engine := startEngine(t, Config{Threads: 1, Parallelism: 8}, host.Collaborators{}, sink, nil)

	engine.Submit(inlineJob(1, tenant(1), `function handle(e) { while (true) {} }`))
	time.Sleep(50 * time.Millisecond)
	engine.Cancel(1)

	res := sink.wait(t, 1)
	require.NotNil(t, res.Fault)
	assert.Equal(t, types.FaultExecutionFault, res.Fault.Kind)
}

func TestEngineOverCapacity(t *testing.T) {
	sink := newResultSink()
	engine, err := NewEngine(Config{Threads: 1, Parallelism: 1}, host.NewRegistry(host.Collaborators{}), nil, sink.collect, nil)
	require.NoError(t, err)
	// Not started: capacity is one, so the second submit overflows.

	engine.Submit(inlineJob(1, tenant(1), `function handle(e) { return 1; }`))
	engine.Submit(inlineJob(2, tenant(1), `function handle(e) { return 1; }`))

	res := sink.wait(t, 2)
	require.NotNil(t, res.Fault)
	assert.Equal(t, types.FaultPoolSaturated, res.Fault.Kind)
}

func TestEngineSingleTenantUsesFullCapacity(t *testing.T) {
	sink := newResultSink()
	engine, err := NewEngine(Config{Threads: 2, Parallelism: 4}, host.NewRegistry(host.Collaborators{}), nil, sink.collect, nil)
	require.NoError(t, err)

	// Fill every advertised slot from one tenant before the shard loops
	// run. The tenant pins to a single shard, which must absorb the whole
	// advertised capacity, not just its per-shard share.
	tn := tenant(3)
	for i := uint64(1); i <= 8; i++ {
		engine.Submit(inlineJob(i, tn, `function handle(e) { return 1; }`))
	}
	require.Equal(t, 8, engine.Inflight(), "submissions within capacity must all be accepted")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	for i := uint64(1); i <= 8; i++ {
		res := sink.wait(t, i)
		require.True(t, res.OK(), "job %d rejected below capacity: %v", i, res.Fault)
	}
}

type mapResolver struct {
	sources map[string]string
}

func (m *mapResolver) ResolveSource(_ context.Context, _ types.Tenant, ref string) (string, error) {
	src, ok := m.sources[ref]
	if !ok {
		return "", fmt.Errorf("no such ref %q", ref)
	}
	return src, nil
}

func TestEngineResolvesShopSource(t *testing.T) {
	sink := newResultSink()
	resolver := &mapResolver{sources: map[string]string{
		"shop/greeter": `function handle(e) { return "from-shop"; }`,
	}}
	engine, err := NewEngine(Config{Threads: 1, Parallelism: 4}, host.NewRegistry(host.Collaborators{}), resolver, sink.collect, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)

	job := inlineJob(1, tenant(1), "")
	job.Request.SourceRef = "shop/greeter"
	engine.Submit(job)

	res := sink.wait(t, 1)
	require.True(t, res.OK(), "unexpected fault: %v", res.Fault)
	assert.Equal(t, "from-shop", res.Payload)

	// Unknown refs surface as storage faults, not crashes.
	job2 := inlineJob(2, tenant(1), "")
	job2.Request.SourceRef = "shop/missing"
	job2.Request.AttachmentID = "att-missing"
	engine.Submit(job2)
	res2 := sink.wait(t, 2)
	require.NotNil(t, res2.Fault)
	assert.Equal(t, types.FaultStorageError, res2.Fault.Kind)
}

func TestEngineDrain(t *testing.T) {
	fetcher := newSlowFetcher(50 * time.Millisecond)
	sink := newResultSink()
	engine := startEngine(t, Config{Threads: 2, Parallelism: 4}, host.Collaborators{HTTP: fetcher}, sink, nil)

	source := `function handle(e) { return call("http:fetch", { url: "u" }).ok; }`
	for i := uint64(1); i <= 4; i++ {
		engine.Submit(inlineJob(i, tenant(i), source, "http:fetch"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, engine.Drain(ctx))
	assert.Equal(t, 0, engine.Inflight())
}
