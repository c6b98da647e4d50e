package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/veldtbot/veldt/pkg/log"
	"github.com/veldtbot/veldt/pkg/protocol"
)

// Environment variables handed to a spawned worker process. The token never
// touches argv, where any local user could read it from the process table.
const (
	EnvMasterAddr = "VELDT_MASTER_ADDR"
	EnvWorkerID   = "VELDT_WORKER_ID"
	EnvToken      = "VELDT_WORKER_TOKEN"
)

// Transport abstracts how worker channels come to exist. The production
// implementation spawns OS processes that dial back; tests swap in an
// in-process transport over pipes.
type Transport interface {
	// Start brings up worker slot id with the given one-time token and
	// returns its control connection with the handshake already completed.
	Start(ctx context.Context, id int, token string) (net.Conn, *protocol.Hello, error)

	// Stop forcibly terminates worker slot id. Stopping an already dead
	// worker is a no-op.
	Stop(id int) error

	// Close releases transport resources.
	Close() error
}

// ProcessTransport spawns real worker processes: it re-executes the current
// binary with the worker subcommand and waits for the child to dial back on
// the loopback listener. Spawns are serialized so a dial-back is always
// matched to the spawn that caused it.
type ProcessTransport struct {
	listener net.Listener

	mu    sync.Mutex
	procs map[int]*exec.Cmd

	// AcceptTimeout bounds how long a spawned child may take to dial back.
	AcceptTimeout time.Duration
}

// NewProcessTransport binds the control-channel listener. addr should be a
// loopback address; worker channels carry no transport encryption.
func NewProcessTransport(addr string) (*ProcessTransport, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind control listener on %s: %w", addr, err)
	}
	return &ProcessTransport{
		listener:      listener,
		procs:         make(map[int]*exec.Cmd),
		AcceptTimeout: 10 * time.Second,
	}, nil
}

// Addr returns the bound listener address, for logging.
func (t *ProcessTransport) Addr() string {
	return t.listener.Addr().String()
}

// Start spawns worker slot id and completes the channel handshake.
func (t *ProcessTransport) Start(ctx context.Context, id int, token string) (net.Conn, *protocol.Hello, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	self, err := os.Executable()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to locate own executable: %w", err)
	}

	cmd := exec.Command(self, "worker")
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%s", EnvMasterAddr, t.listener.Addr().String()),
		fmt.Sprintf("%s=%d", EnvWorkerID, id),
		fmt.Sprintf("%s=%s", EnvToken, token),
	)
	// Worker logs are JSON on stderr; forward them verbatim.
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to spawn worker %d: %w", id, err)
	}

	conn, hello, err := t.acceptWorker(ctx, id, token)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, nil, err
	}

	t.procs[id] = cmd
	// Reap the child when it exits so dead workers do not accumulate as
	// zombies.
	go cmd.Wait()
	return conn, hello, nil
}

// acceptWorker waits for the freshly spawned child to dial back. The wait
// is bounded through the listener's deadline, not a racing goroutine: a
// goroutine left parked in Accept would consume the next spawn's dial-back
// and fail its handshake against this spawn's stale token.
func (t *ProcessTransport) acceptWorker(ctx context.Context, id int, token string) (net.Conn, *protocol.Hello, error) {
	deadline := time.Now().Add(t.AcceptTimeout)
	tl := t.listener.(*net.TCPListener)
	tl.SetDeadline(deadline)
	defer tl.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { tl.SetDeadline(time.Now()) })
	defer stop()

	conn, err := t.listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, nil, fmt.Errorf("worker %d did not dial back within %s", id, t.AcceptTimeout)
		}
		return nil, nil, fmt.Errorf("accept failed: %w", err)
	}

	// The same deadline bounds the handshake so a child that connects but
	// never sends its Hello cannot stall the supervisor.
	conn.SetDeadline(deadline)
	hello, err := protocol.AcceptHandshake(conn, token)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("handshake failed: %w", err)
	}
	if hello.WorkerID != id {
		conn.Close()
		return nil, nil, fmt.Errorf("worker dialed back with id %d, expected %d", hello.WorkerID, id)
	}
	conn.SetDeadline(time.Time{})
	return conn, hello, nil
}

// Stop kills the worker process for slot id.
func (t *ProcessTransport) Stop(id int) error {
	t.mu.Lock()
	cmd, ok := t.procs[id]
	delete(t.procs, id)
	t.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil {
		logger := log.WithComponent("transport")
		logger.Debug().Err(err).Int("worker_id", id).Msg("kill failed, process likely already gone")
	}
	return nil
}

// Close kills all remaining workers and closes the listener.
func (t *ProcessTransport) Close() error {
	t.mu.Lock()
	for id, cmd := range t.procs {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		delete(t.procs, id)
	}
	t.mu.Unlock()
	return t.listener.Close()
}
