package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/veldtbot/veldt/pkg/attach"
	"github.com/veldtbot/veldt/pkg/capability"
	"github.com/veldtbot/veldt/pkg/events"
	"github.com/veldtbot/veldt/pkg/log"
	"github.com/veldtbot/veldt/pkg/types"
)

// Admitter is the pool boundary the dispatcher submits to.
type Admitter interface {
	Admit(ctx context.Context, req types.DispatchRequest) types.DispatchResult
}

// Restrictions narrows the capability grant per event name. An absent entry
// means the attachment's full allowed_caps apply. An entry's grant is
// allowed_caps ∩ restriction, so restrictions can only shrink, never widen.
var Restrictions = map[string][]string{
	// Fault-report handlers exist to forward errors; they get no moderation
	// powers regardless of what the attachment was granted.
	events.EventExecutionFault: {"discord:create_message", "kv:*", "http:fetch"},
}

// Config controls request stamping.
type Config struct {
	// Timeout is the per-dispatch deadline stamped on requests.
	Timeout time.Duration
}

// Dispatcher turns inbound events into pool dispatches: it looks up the
// active attachments a tenant has subscribed to the event, resolves each
// one's effective capability grant, and submits.
type Dispatcher struct {
	store  *attach.Store
	pool   Admitter
	broker *events.Broker
	cfg    Config
	logger zerolog.Logger
}

// New builds a dispatcher. broker may be nil in tests; it is only used to
// publish execution-fault reports.
func New(store *attach.Store, pool Admitter, broker *events.Broker, cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		store:  store,
		pool:   pool,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("dispatch"),
	}
}

// Run consumes broker events until ctx is canceled. Gateway events are
// fire-and-forget: each matching attachment dispatches on its own goroutine
// and failures surface through fault reporting, not the caller.
func (d *Dispatcher) Run(ctx context.Context) error {
	sub := d.broker.Subscribe()
	defer d.broker.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub:
			if !ok {
				return nil
			}
			d.handleEvent(ctx, event)
		}
	}
}

func (d *Dispatcher) handleEvent(ctx context.Context, event *events.Event) {
	matched, err := d.store.ListActiveByEvent(event.Tenant, event.Name)
	if err != nil {
		d.logger.Error().Err(err).
			Str("tenant", event.Tenant.String()).
			Str("event", event.Name).
			Msg("attachment lookup failed")
		return
	}

	for _, att := range matched {
		req := d.buildRequest(att, event.Name, event.Payload)
		go func(att *types.TemplateAttachment, req types.DispatchRequest) {
			res := d.pool.Admit(ctx, req)
			d.report(att, req, res)
		}(att, req)
	}
}

// DispatchSync runs one attachment against an event and waits for the
// outcome. This is the management-API path.
func (d *Dispatcher) DispatchSync(ctx context.Context, tenant types.Tenant, attachmentID, eventName string, payload map[string]any) (types.DispatchResult, error) {
	att, err := d.store.Get(tenant, attachmentID)
	if err != nil {
		return types.DispatchResult{}, err
	}
	if att.State != types.TemplateStateActive {
		return types.DispatchResult{}, fmt.Errorf("attachment %s is %s, not active", attachmentID, att.State)
	}
	req := d.buildRequest(att, eventName, payload)
	return d.pool.Admit(ctx, req), nil
}

// DispatchStartup delivers a synthetic STARTUP event to every subscribed
// active attachment across all tenants. Called once when the engine boots.
func (d *Dispatcher) DispatchStartup(ctx context.Context) error {
	matched, err := d.store.ActiveByEventAllTenants(events.EventStartup)
	if err != nil {
		return fmt.Errorf("failed to list startup subscribers: %w", err)
	}
	for _, att := range matched {
		req := d.buildRequest(att, events.EventStartup, map[string]any{
			"started_at": time.Now().UTC().Format(time.RFC3339),
		})
		// Startup handlers are side-effect free by convention; safe to
		// redeliver if a worker dies while booting.
		req.Idempotent = true
		go func(att *types.TemplateAttachment, req types.DispatchRequest) {
			res := d.pool.Admit(ctx, req)
			d.report(att, req, res)
		}(att, req)
	}
	d.logger.Info().Int("subscribers", len(matched)).Msg("startup events dispatched")
	return nil
}

// buildRequest stamps one attachment + event pair into a pool request. The
// effective grant is allowed_caps, narrowed by the event's restriction when
// one exists. It can never exceed allowed_caps.
func (d *Dispatcher) buildRequest(att *types.TemplateAttachment, eventName string, payload map[string]any) types.DispatchRequest {
	grant := att.AllowedCaps
	if restriction, ok := Restrictions[eventName]; ok {
		grant = capability.NewSet(att.AllowedCaps...).Intersect(capability.NewSet(restriction...)).Strings()
	}

	req := types.DispatchRequest{
		Tenant:       att.Tenant,
		AttachmentID: att.ID,
		EventName:    eventName,
		Payload:      payload,
		Grant:        grant,
		Deadline:     time.Now().Add(d.cfg.Timeout),
		Version:      att.Version,
	}
	switch att.Source.Kind {
	case types.TemplateSourceInline:
		req.Source = att.Source.Content
	case types.TemplateSourceShop:
		req.SourceRef = att.Source.ShopRef
	}
	return req
}

// report publishes script faults back onto the broker so operator surfaces
// can forward them. Executions of the fault-report event itself are never
// re-reported, which would loop.
func (d *Dispatcher) report(att *types.TemplateAttachment, req types.DispatchRequest, res types.DispatchResult) {
	if res.Fault == nil || d.broker == nil {
		return
	}
	d.logger.Debug().
		Str("tenant", att.Tenant.String()).
		Str("attachment", att.ID).
		Str("event", req.EventName).
		Str("fault", string(res.Fault.Kind)).
		Msg("dispatch faulted")

	if req.EventName == events.EventExecutionFault {
		return
	}
	d.broker.Publish(&events.Event{
		Name:   events.EventExecutionFault,
		Tenant: att.Tenant,
		Payload: map[string]any{
			"attachment_id": att.ID,
			"event":         req.EventName,
			"fault_kind":    string(res.Fault.Kind),
			"detail":        res.Fault.Detail,
		},
	})
}
