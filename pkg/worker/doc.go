// Package worker implements the worker-process half of the engine: the
// control-channel runner that talks to the master and the execution engine
// behind it.
//
// The engine routes each dispatch to a shard chosen by tenant hash. A shard
// executes one job at a time, which gives strict per-tenant serialization
// without any cross-shard locking. Sandbox executors are reused per tenant
// within a shard and discarded after any fault.
//
// The runner dials the master back on startup, authenticates with the
// spawn-time token, and then serves Dispatch, Cancel, and Shutdown frames
// while emitting Results, capacity Heartbeats, and SuspendAdvice.
package worker
