package worker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veldtbot/veldt/pkg/host"
	"github.com/veldtbot/veldt/pkg/protocol"
)

// masterHarness is the master end of a piped control channel: it completes
// the handshake and demuxes incoming frames by kind.
type masterHarness struct {
	conn       net.Conn
	hello      *protocol.Hello
	results    chan protocol.Result
	heartbeats chan protocol.Heartbeat
	advices    chan protocol.SuspendAdvice
	expiries   chan protocol.KeyExpiry
}

func newMasterHarness(t *testing.T, conn net.Conn, token string) *masterHarness {
	t.Helper()
	h := &masterHarness{
		conn:       conn,
		results:    make(chan protocol.Result, 32),
		heartbeats: make(chan protocol.Heartbeat, 32),
		advices:    make(chan protocol.SuspendAdvice, 32),
		expiries:   make(chan protocol.KeyExpiry, 32),
	}

	ready := make(chan error, 1)
	go func() {
		hello, err := protocol.AcceptHandshake(conn, token)
		if err != nil {
			ready <- err
			return
		}
		h.hello = hello
		ready <- nil
		for {
			frame, err := protocol.ReadFrame(conn)
			if err != nil {
				return
			}
			switch frame.Kind {
			case protocol.KindResult:
				var msg protocol.Result
				if protocol.Unmarshal(frame.Payload, &msg) == nil {
					h.results <- msg
				}
			case protocol.KindHeartbeat:
				var msg protocol.Heartbeat
				if protocol.Unmarshal(frame.Payload, &msg) == nil {
					h.heartbeats <- msg
				}
			case protocol.KindSuspendAdvice:
				var msg protocol.SuspendAdvice
				if protocol.Unmarshal(frame.Payload, &msg) == nil {
					h.advices <- msg
				}
			case protocol.KindKeyExpiry:
				var msg protocol.KeyExpiry
				if protocol.Unmarshal(frame.Payload, &msg) == nil {
					h.expiries <- msg
				}
			}
		}
	}()

	select {
	case err := <-ready:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("handshake timed out")
	}
	return h
}

func (h *masterHarness) dispatch(t *testing.T, id uint64, source string) {
	t.Helper()
	job := inlineJob(id, tenant(id), source)
	err := protocol.WriteMessage(h.conn, protocol.KindDispatch, protocol.Dispatch{
		CorrelationID: id,
		Request:       job.Request,
	})
	require.NoError(t, err)
}

func (h *masterHarness) waitResult(t *testing.T, id uint64) protocol.Result {
	t.Helper()
	for {
		select {
		case res := <-h.results:
			if res.CorrelationID == id {
				return res
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for result %d", id)
		}
	}
}

func startRunner(t *testing.T, cfg RunnerConfig, collab host.Collaborators) (*masterHarness, chan error) {
	t.Helper()
	masterConn, workerConn := net.Pipe()
	t.Cleanup(func() {
		masterConn.Close()
		workerConn.Close()
	})

	runner := NewRunner(cfg)
	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		done <- runner.Serve(ctx, workerConn, collab, nil)
	}()

	return newMasterHarness(t, masterConn, cfg.Token), done
}

func testRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Token:             "test-token",
		WorkerID:          3,
		HeartbeatInterval: 50 * time.Millisecond,
		Engine:            Config{Threads: 2, Parallelism: 4, FaultThreshold: 2},
	}
}

func TestRunnerHandshakeAdvertisesCapacity(t *testing.T) {
	harness, _ := startRunner(t, testRunnerConfig(), host.Collaborators{})
	assert.Equal(t, 3, harness.hello.WorkerID)
	assert.Equal(t, 2, harness.hello.Threads)
	assert.Equal(t, 8, harness.hello.Capacity)
}

func TestRunnerDispatchRoundtrip(t *testing.T) {
	harness, _ := startRunner(t, testRunnerConfig(), host.Collaborators{})

	harness.dispatch(t, 1, `function handle(e) { return e.name; }`)
	res := harness.waitResult(t, 1)
	require.True(t, res.Result.OK(), "unexpected fault: %v", res.Result.Fault)
	assert.Equal(t, "MESSAGE", res.Result.Payload)
}

func TestRunnerHeartbeats(t *testing.T) {
	harness, _ := startRunner(t, testRunnerConfig(), host.Collaborators{})

	select {
	case hb := <-harness.heartbeats:
		assert.Equal(t, 8, hb.Capacity)
		assert.Equal(t, 0, hb.Inflight)
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat received")
	}
}

func TestRunnerSuspendAdviceForwarded(t *testing.T) {
	harness, _ := startRunner(t, testRunnerConfig(), host.Collaborators{})

	// Same tenant, two consecutive faults: threshold is 2.
	for id := uint64(1); id <= 2; id++ {
		job := inlineJob(id, tenant(42), `function handle(e) { throw new Error("bad"); }`)
		require.NoError(t, protocol.WriteMessage(harness.conn, protocol.KindDispatch, protocol.Dispatch{
			CorrelationID: id,
			Request:       job.Request,
		}))
		harness.waitResult(t, id)
	}

	select {
	case advice := <-harness.advices:
		assert.Equal(t, tenant(42), advice.Tenant)
		assert.Equal(t, 2, advice.ConsecutiveFaults)
	case <-time.After(5 * time.Second):
		t.Fatal("no suspend advice received")
	}
}

func TestRunnerInvalidateDropsCachedProgram(t *testing.T) {
	harness, _ := startRunner(t, testRunnerConfig(), host.Collaborators{})

	send := func(id uint64, source string) {
		job := inlineJob(id, tenant(6), source)
		job.Request.AttachmentID = "att-cache"
		require.NoError(t, protocol.WriteMessage(harness.conn, protocol.KindDispatch, protocol.Dispatch{
			CorrelationID: id,
			Request:       job.Request,
		}))
	}

	send(1, `function handle(e) { return "old"; }`)
	res := harness.waitResult(t, 1)
	require.True(t, res.Result.OK(), "unexpected fault: %v", res.Result.Fault)
	assert.Equal(t, "old", res.Result.Payload)

	// Same attachment and version: the cached compilation is served even
	// though the shipped source changed.
	send(2, `function handle(e) { return "new"; }`)
	res = harness.waitResult(t, 2)
	require.True(t, res.Result.OK())
	assert.Equal(t, "old", res.Result.Payload)

	// After an invalidate frame the next dispatch recompiles. Frames are
	// processed in order, so no settling wait is needed.
	require.NoError(t, protocol.WriteMessage(harness.conn, protocol.KindInvalidate, protocol.Invalidate{AttachmentID: "att-cache"}))
	send(3, `function handle(e) { return "new"; }`)
	res = harness.waitResult(t, 3)
	require.True(t, res.Result.OK())
	assert.Equal(t, "new", res.Result.Payload)
}

func TestRunnerShutdownDrain(t *testing.T) {
	harness, done := startRunner(t, testRunnerConfig(), host.Collaborators{})

	harness.dispatch(t, 1, `function handle(e) { return 1; }`)
	harness.waitResult(t, 1)

	require.NoError(t, protocol.WriteMessage(harness.conn, protocol.KindShutdown, protocol.Shutdown{Drain: true}))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not exit on shutdown")
	}
}

func TestRunnerKVExpiryReported(t *testing.T) {
	kv, err := host.OpenKV(t.TempDir(), host.DefaultKVConstraints())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	tn := tenant(5)
	require.NoError(t, kv.Set(tn, "session", "abc", 10*time.Millisecond))
	require.NoError(t, kv.Set(tn, "durable", "xyz", 0))

	cfg := testRunnerConfig()
	cfg.KVSweepInterval = 30 * time.Millisecond
	harness, _ := startRunner(t, cfg, host.Collaborators{KV: kv})

	select {
	case expiry := <-harness.expiries:
		assert.Equal(t, tn, expiry.Tenant)
		assert.Equal(t, "session", expiry.Key)
	case <-time.After(5 * time.Second):
		t.Fatal("no key expiry reported")
	}

	// The expired key is reclaimed; the unbounded one survives.
	require.Eventually(t, func() bool {
		_, found, err := kv.Get(tn, "session")
		return err == nil && !found
	}, 5*time.Second, 10*time.Millisecond)
	_, found, err := kv.Get(tn, "durable")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRunnerChannelLossExits(t *testing.T) {
	harness, done := startRunner(t, testRunnerConfig(), host.Collaborators{})

	harness.conn.Close()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not exit on channel loss")
	}
}
