// Package pool implements the master side of the worker pool: process
// supervision, admission control, placement, and failure handling.
//
// Each worker slot has a supervisor that spawns the worker process, accepts
// its dial-back channel, watches heartbeats, and respawns on loss with
// linear backoff. Admission runs per-tenant rate limiting first, then
// least-loaded placement over healthy workers, then a bounded FIFO queue;
// a full queue rejects with PoolSaturated.
//
// When a channel is lost with requests in flight, idempotency-flagged
// requests are redelivered once against a different worker; all others
// surface WorkerUnavailable, because the lost execution may already have
// had side effects.
package pool
