package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veldtbot/veldt/pkg/protocol"
)

func TestAcceptWorkerTimeoutLeavesListenerUsable(t *testing.T) {
	tr, err := NewProcessTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer tr.Close()
	tr.AcceptTimeout = 100 * time.Millisecond

	// First spawn never dials back.
	_, _, err = tr.acceptWorker(context.Background(), 0, "stale-token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not dial back")

	// The next spawn's dial-back must be matched against the new token. A
	// leftover accept from the failed spawn would consume the connection
	// and reject it against the stale token.
	tr.AcceptTimeout = 5 * time.Second
	dialDone := make(chan error, 1)
	go func() {
		conn, err := net.Dial("tcp", tr.Addr())
		if err != nil {
			dialDone <- err
			return
		}
		defer conn.Close()
		dialDone <- protocol.Handshake(conn, protocol.Hello{
			Token:    "fresh-token",
			WorkerID: 1,
			Threads:  1,
			Capacity: 1,
		})
	}()

	conn, hello, err := tr.acceptWorker(context.Background(), 1, "fresh-token")
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, 1, hello.WorkerID)
	require.NoError(t, <-dialDone)
}

func TestAcceptWorkerContextCanceled(t *testing.T) {
	tr, err := NewProcessTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer tr.Close()
	tr.AcceptTimeout = 30 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, _, err = tr.acceptWorker(ctx, 0, "tok")
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second, "cancellation should unblock the accept promptly")
}
