// Package sandbox compiles and executes tenant templates inside an
// interpreted JavaScript runtime with no ambient authority.
//
// A template is compiled once per (ref, version) pair and cached; the
// compiled program is immutable and shared across executions. Each
// execution runs in an Executor, which owns a single runtime, injects the
// event under inspection, and exposes exactly one host entry point,
// call(action, args). Every call is gated by the request's capability
// grant before any side effect can occur.
//
// Executions are bounded by a deadline watchdog, a call-stack ceiling, and
// a result-size cap. Limit violations and script errors surface as
// structured faults rather than Go errors.
package sandbox
