package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/veldtbot/veldt/pkg/host"
	"github.com/veldtbot/veldt/pkg/log"
	"github.com/veldtbot/veldt/pkg/protocol"
	"github.com/veldtbot/veldt/pkg/types"
)

// RunnerConfig wires one worker process to its master.
type RunnerConfig struct {
	// MasterAddr is the master's control-channel listener, dialed back on
	// startup.
	MasterAddr string

	// Token authenticates the channel; the master hands it to the process
	// through the environment at spawn time.
	Token string

	// WorkerID is the pool slot this process fills.
	WorkerID int

	// HeartbeatInterval is how often the runner advertises free capacity.
	HeartbeatInterval time.Duration

	// KVSweepInterval is how often the runner scans its tenant KV store for
	// expired keys. Zero disables the sweep (also when no KV is wired).
	KVSweepInterval time.Duration

	Engine Config
}

// Runner is the worker-process side of the control channel: it dials the
// master, handshakes, and pumps Dispatch/Cancel/Shutdown frames into the
// execution engine. Results, heartbeats, and suspend advice flow back over
// the same connection.
type Runner struct {
	cfg    RunnerConfig
	engine *Engine

	conn    net.Conn
	writeMu sync.Mutex
	kv      *host.KVStore
}

// NewRunner builds a runner over a fully constructed engine config. The
// engine itself is created in Run, after the channel is established, so its
// result callback can write frames.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	return &Runner{cfg: cfg}
}

// Run connects to the master and serves dispatches until the master sends
// Shutdown, the connection drops, or ctx is canceled. A worker with no
// channel has no purpose, so any terminal condition returns.
func (r *Runner) Run(ctx context.Context, collab host.Collaborators, resolver Resolver) error {
	logger := log.WithWorkerID(r.cfg.WorkerID)

	conn, err := net.Dial("tcp", r.cfg.MasterAddr)
	if err != nil {
		return fmt.Errorf("failed to dial master at %s: %w", r.cfg.MasterAddr, err)
	}
	defer conn.Close()
	return r.serve(ctx, conn, collab, resolver, logger)
}

// Serve runs the worker protocol over an existing connection. Split from Run
// so tests can drive a runner over a pipe.
func (r *Runner) Serve(ctx context.Context, conn net.Conn, collab host.Collaborators, resolver Resolver) error {
	return r.serve(ctx, conn, collab, resolver, log.WithWorkerID(r.cfg.WorkerID))
}

func (r *Runner) serve(ctx context.Context, conn net.Conn, collab host.Collaborators, resolver Resolver, logger zerolog.Logger) error {
	r.conn = conn
	r.kv = collab.KV

	engine, err := NewEngine(r.cfg.Engine, host.NewRegistry(collab), resolver, r.sendResult, r.sendAdvice)
	if err != nil {
		return err
	}
	r.engine = engine

	engineCtx, stopEngine := context.WithCancel(ctx)
	defer stopEngine()
	engine.Start(engineCtx)

	if err := protocol.Handshake(conn, protocol.Hello{
		Token:    r.cfg.Token,
		WorkerID: r.cfg.WorkerID,
		Threads:  r.cfg.Engine.Threads,
		Capacity: engine.Capacity(),
	}); err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}
	logger.Info().Int("capacity", engine.Capacity()).Msg("channel established")

	// Heartbeats run independently of request traffic so the master's
	// liveness view does not depend on load.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go r.heartbeatLoop(hbCtx)

	if r.kv != nil && r.cfg.KVSweepInterval > 0 {
		go r.kvSweepLoop(hbCtx, logger)
	}

	// Unblock the read loop when ctx is canceled from outside.
	serveDone := make(chan struct{})
	defer close(serveDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-serveDone:
		}
	}()

	for {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("master closed the channel")
			}
			return fmt.Errorf("channel read failed: %w", err)
		}

		switch frame.Kind {
		case protocol.KindDispatch:
			var msg protocol.Dispatch
			if err := protocol.Unmarshal(frame.Payload, &msg); err != nil {
				return fmt.Errorf("malformed dispatch frame: %w", err)
			}
			engine.Submit(Job{CorrelationID: msg.CorrelationID, Request: msg.Request})

		case protocol.KindInvalidate:
			var msg protocol.Invalidate
			if err := protocol.Unmarshal(frame.Payload, &msg); err != nil {
				return fmt.Errorf("malformed invalidate frame: %w", err)
			}
			engine.Invalidate(msg.AttachmentID)

		case protocol.KindCancel:
			var msg protocol.Cancel
			if err := protocol.Unmarshal(frame.Payload, &msg); err != nil {
				return fmt.Errorf("malformed cancel frame: %w", err)
			}
			engine.Cancel(msg.CorrelationID)

		case protocol.KindShutdown:
			var msg protocol.Shutdown
			if err := protocol.Unmarshal(frame.Payload, &msg); err != nil {
				return fmt.Errorf("malformed shutdown frame: %w", err)
			}
			stopHeartbeat()
			if msg.Drain {
				drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := engine.Drain(drainCtx); err != nil {
					logger.Warn().Err(err).Msg("drain incomplete")
				}
			}
			logger.Info().Bool("drain", msg.Drain).Msg("shutting down on master request")
			return nil

		default:
			// An unknown kind means the peers disagree about the protocol;
			// continuing risks misinterpreting every later frame.
			return fmt.Errorf("unexpected frame kind 0x%02x", frame.Kind)
		}
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			inflight := r.engine.Inflight()
			hb := protocol.Heartbeat{
				Capacity: r.engine.Capacity() - inflight,
				Inflight: inflight,
			}
			if err := r.write(protocol.KindHeartbeat, hb); err != nil {
				return
			}
		}
	}
}

// kvSweepLoop reports expired tenant KV keys to the master and removes
// them. The key is removed even when the report fails to send; expiry
// notification is best effort, reclamation is not.
func (r *Runner) kvSweepLoop(ctx context.Context, logger zerolog.Logger) {
	ticker := time.NewTicker(r.cfg.KVSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := r.kv.Expired(time.Now())
			if err != nil {
				logger.Error().Err(err).Msg("kv expiry scan failed")
				continue
			}
			for _, ek := range expired {
				if err := r.write(protocol.KindKeyExpiry, protocol.KeyExpiry{
					Tenant: ek.Tenant,
					Key:    ek.Key,
				}); err != nil {
					logger.Error().Err(err).Str("key", ek.Key).Msg("failed to report key expiry")
				}
				if err := r.kv.Remove(ek); err != nil {
					logger.Error().Err(err).Str("key", ek.Key).Msg("failed to remove expired key")
				}
			}
		}
	}
}

func (r *Runner) sendResult(correlationID uint64, res types.DispatchResult) {
	msg := protocol.Result{CorrelationID: correlationID, Result: res}
	if err := r.write(protocol.KindResult, msg); err != nil {
		logger := log.WithWorkerID(r.cfg.WorkerID)
		logger.Error().
			Err(err).
			Uint64("correlation_id", correlationID).
			Msg("failed to send result")
	}
}

func (r *Runner) sendAdvice(advice Advice) {
	msg := protocol.SuspendAdvice{
		Tenant:            advice.Tenant,
		ConsecutiveFaults: advice.ConsecutiveFaults,
		LastFault:         advice.LastFault,
	}
	if err := r.write(protocol.KindSuspendAdvice, msg); err != nil {
		logger := log.WithWorkerID(r.cfg.WorkerID)
		logger.Error().Err(err).Msg("failed to send suspend advice")
	}
}

func (r *Runner) write(kind byte, payload any) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return protocol.WriteMessage(r.conn, kind, payload)
}
