/*
Package types defines the shared data model of the veldt execution engine.

The types here are deliberately free of behavior beyond small helpers so that
every other package can depend on them without cycles:

	Tenant              the isolation and quota boundary (guild or user)
	TemplateAttachment  a template bound to a tenant: subscriptions, grants,
	                    lifecycle state, content version
	DispatchRequest     the ephemeral unit of work sent to a worker
	DispatchResult      its terminal outcome: success payload or Fault
	FaultKind           the closed failure taxonomy
	WorkerState         pool-side lifecycle of one worker process slot

# Ownership

The pool manager owns WorkerState transitions and the correlation table; a
worker process owns its executions. DispatchRequest and DispatchResult are
never persisted; they exist only for the life of one request/response cycle
(or one redelivery of an idempotent request).

# Fault taxonomy

RateLimited and PoolSaturated are admission rejections returned before any
worker sees the request. WorkerUnavailable is a channel-loss outcome for
non-idempotent requests. CapabilityDenied, ExecutionFault, Timeout, and
ResourceExceeded originate inside a sandbox and are never retried; the
script itself is the failure source. ProtocolError demotes a single worker
channel; StorageError reports a collaborator failure.
*/
package types
