package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/veldtbot/veldt/pkg/capability"
	"github.com/veldtbot/veldt/pkg/host"
	"github.com/veldtbot/veldt/pkg/types"
)

// Config bounds a single execution.
type Config struct {
	// MaxCallStack is the goja call-stack depth ceiling; exceeding it is
	// reported as ResourceExceeded.
	MaxCallStack int

	// MaxResultBytes caps the JSON-encoded size of a success payload.
	MaxResultBytes int

	// HostCallTimeout bounds each individual host action, independent of
	// the request deadline.
	HostCallTimeout time.Duration
}

// DefaultConfig returns the executor limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxCallStack:    512,
		MaxResultBytes:  256 * 1024,
		HostCallTimeout: 5 * time.Second,
	}
}

// Executor is a single isolated execution context. It owns one goja runtime,
// exposes only the gated call() entry point, and runs one invocation at a
// time. It is not safe for concurrent use; the thread worker serializes
// access and discards the executor after a fault.
type Executor struct {
	vm       *goja.Runtime
	registry *host.Registry
	cfg      Config

	// interruptFault records why the vm was interrupted (watchdog deadline,
	// cancellation, capability violation) so the resulting InterruptedError
	// maps to the right fault kind. Written by the watchdog goroutine and
	// by call(), read after RunProgram returns.
	interruptFault atomic.Pointer[types.Fault]
}

// NewExecutor creates a fresh execution context over the given action
// registry.
func NewExecutor(registry *host.Registry, cfg Config) *Executor {
	if cfg.MaxCallStack <= 0 {
		cfg.MaxCallStack = DefaultConfig().MaxCallStack
	}
	if cfg.MaxResultBytes <= 0 {
		cfg.MaxResultBytes = DefaultConfig().MaxResultBytes
	}
	if cfg.HostCallTimeout <= 0 {
		cfg.HostCallTimeout = DefaultConfig().HostCallTimeout
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(cfg.MaxCallStack)

	return &Executor{vm: vm, registry: registry, cfg: cfg}
}

// Run executes one compiled template against one event. The template must
// define handle(event); its return value becomes the success payload. Every
// failure is a single structured fault; Run never returns a Go error
// because there is no caller-recoverable state: the thread worker forwards
// the result either way and decides whether to keep the executor.
func (e *Executor) Run(ctx context.Context, prog *goja.Program, req types.DispatchRequest) types.DispatchResult {
	started := time.Now()
	grant := req.GrantSet()

	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = started.Add(10 * time.Second)
	}
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// Watchdog: interrupt the vm when the deadline passes or the master
	// cancels. Interpreted code cannot be trusted to yield, so the
	// interrupt is the only preemption point goja offers.
	e.interruptFault.Store(nil)
	watchdogDone := make(chan struct{})
	watchdogExited := make(chan struct{})
	go func() {
		defer close(watchdogExited)
		select {
		case <-runCtx.Done():
			var f *types.Fault
			if runCtx.Err() == context.Canceled {
				f = types.NewFault(types.FaultExecutionFault, "execution canceled")
			} else {
				f = types.NewFault(types.FaultTimeout, "deadline exceeded after %s", time.Since(started).Round(time.Millisecond))
			}
			e.interruptFault.CompareAndSwap(nil, f)
			e.vm.Interrupt("execution aborted")
		case <-watchdogDone:
		}
	}()
	// The watchdog must be joined before the interrupt is cleared. If the
	// deadline fires while the run is returning, an unjoined watchdog could
	// call Interrupt after ClearInterrupt and the stale interrupt would
	// abort the executor's next run.
	defer func() {
		close(watchdogDone)
		<-watchdogExited
		e.vm.ClearInterrupt()
	}()

	e.vm.Set("event", map[string]any{
		"name":    req.EventName,
		"payload": req.Payload,
	})
	e.vm.Set("call", e.hostCall(runCtx, req.Tenant, grant))

	fault := func(f *types.Fault) types.DispatchResult {
		return types.DispatchResult{Fault: f, Duration: time.Since(started)}
	}

	if _, err := e.vm.RunProgram(prog); err != nil {
		return fault(e.mapError(err))
	}

	handle, ok := goja.AssertFunction(e.vm.Get("handle"))
	if !ok {
		return fault(types.NewFault(types.FaultExecutionFault, "template does not define handle(event)"))
	}

	value, err := handle(goja.Undefined(), e.vm.Get("event"))
	if err != nil {
		return fault(e.mapError(err))
	}

	payload := value.Export()
	if encoded, err := json.Marshal(payload); err != nil {
		return fault(types.NewFault(types.FaultExecutionFault, "result is not serializable: %v", err))
	} else if len(encoded) > e.cfg.MaxResultBytes {
		return fault(types.NewFault(types.FaultResourceExceeded, "result payload of %d bytes exceeds limit of %d", len(encoded), e.cfg.MaxResultBytes))
	}

	return types.DispatchResult{Payload: payload, Duration: time.Since(started)}
}

// hostCall builds the script-visible call(action, args) function for one
// request. The capability check is unconditional and happens before the
// action's handler is invoked, so no path inside the script can reach a
// side effect without the grant.
func (e *Executor) hostCall(ctx context.Context, tenant types.Tenant, grant capability.Set) func(goja.FunctionCall) goja.Value {
	return func(fc goja.FunctionCall) goja.Value {
		// Cooperative cancellation checkpoint: safe point between host
		// calls.
		if ctx.Err() != nil {
			e.vm.Interrupt("execution aborted")
			return goja.Undefined()
		}

		name := fc.Argument(0).String()
		action, ok := e.registry.Resolve(name)
		if !ok {
			return e.callFailure(fmt.Sprintf("unknown action %q", name))
		}

		if !grant.Allows(action.Capability) {
			// A capability violation faults the whole execution; it is
			// not a script-recoverable condition.
			f := types.NewFault(types.FaultCapabilityDenied, "action %q requires capability %q", name, action.Capability)
			e.interruptFault.Store(f)
			e.vm.Interrupt("capability denied")
			return goja.Undefined()
		}

		args, _ := fc.Argument(1).Export().(map[string]any)

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.HostCallTimeout)
		defer cancel()

		out, err := action.Invoke(callCtx, tenant, args)
		if err != nil {
			// Collaborator failures return to the script, never raise.
			return e.callFailure(err.Error())
		}
		return e.vm.ToValue(map[string]any{"ok": true, "value": out})
	}
}

func (e *Executor) callFailure(msg string) goja.Value {
	return e.vm.ToValue(map[string]any{"ok": false, "error": msg})
}

// mapError classifies a goja error into the fault taxonomy.
func (e *Executor) mapError(err error) *types.Fault {
	if _, ok := err.(*goja.InterruptedError); ok {
		if f := e.interruptFault.Load(); f != nil {
			return f
		}
		return types.NewFault(types.FaultTimeout, "execution interrupted")
	}
	if _, ok := err.(*goja.StackOverflowError); ok {
		return types.NewFault(types.FaultResourceExceeded, "call stack limit of %d exceeded", e.cfg.MaxCallStack)
	}
	if ex, ok := err.(*goja.Exception); ok {
		return types.NewFault(types.FaultExecutionFault, "%s", ex.Error())
	}
	return types.NewFault(types.FaultExecutionFault, "%v", err)
}
