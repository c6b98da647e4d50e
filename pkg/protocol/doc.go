/*
Package protocol implements the control channel between the veldt master and
each worker process.

The channel is a persistent duplex connection carrying framed messages:

	[1 byte kind] [4 bytes payload length, big-endian] [CBOR payload]

A channel opens with a Hello/HelloAck handshake that checks the protocol
version and a per-spawn auth token. After that the master multiplexes many
concurrent Dispatch/Result pairs over the connection, correlated by ids the
master assigns monotonically per channel. Out-of-band frames, meaning
Heartbeat (capacity advertisement and the master's flow-control input),
Cancel, Shutdown, and SuspendAdvice, share the connection with request
traffic but are handled independently of it: a burst of dispatches cannot starve heartbeats
because the worker writes them from a dedicated timer goroutine, and the
master reads every frame on a single reader loop that never blocks on a
pending caller.

The protocol provides no cross-request ordering. Per-tenant ordering is the
worker's responsibility.

Frame reading and writing is deliberately symmetric and low-level (ReadFrame
and WriteFrame) so the worker side can run its own loop without a second
abstraction; Channel is the master-side view with correlation and pending
call tracking.
*/
package protocol
