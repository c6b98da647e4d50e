package types

import (
	"fmt"
	"time"

	"github.com/veldtbot/veldt/pkg/capability"
)

// OwnerType identifies the kind of tenant an attachment belongs to.
type OwnerType string

const (
	OwnerTypeGuild OwnerType = "guild"
	OwnerTypeUser  OwnerType = "user"
)

// Tenant is the isolation and quota boundary. All rate limiting, per-tenant
// serialization, and storage keying is derived from it.
type Tenant struct {
	OwnerType OwnerType `json:"owner_type" cbor:"owner_type"`
	OwnerID   uint64    `json:"owner_id" cbor:"owner_id"`
}

// String returns the canonical "owner_type/owner_id" form used as a storage
// and rate-limit key.
func (t Tenant) String() string {
	return fmt.Sprintf("%s/%d", t.OwnerType, t.OwnerID)
}

// TemplateState is the lifecycle state of an attachment.
type TemplateState string

const (
	TemplateStateActive    TemplateState = "active"
	TemplateStatePaused    TemplateState = "paused"
	TemplateStateSuspended TemplateState = "suspended"
)

// TemplateLanguage names the scripting language of an attachment.
type TemplateLanguage string

const (
	// TemplateLanguageJS is the only supported language.
	TemplateLanguageJS TemplateLanguage = "js"
)

// TemplateSourceKind discriminates where attachment content comes from.
type TemplateSourceKind string

const (
	// TemplateSourceInline means the script content is stored on the
	// attachment itself.
	TemplateSourceInline TemplateSourceKind = "inline"
	// TemplateSourceShop references content published in the template shop;
	// the object store collaborator resolves it.
	TemplateSourceShop TemplateSourceKind = "shop"
)

// TemplateSource describes where an attachment's content lives.
type TemplateSource struct {
	Kind TemplateSourceKind `json:"kind"`
	// Content holds the script source for inline attachments.
	Content string `json:"content,omitempty"`
	// ShopRef is the shop listing reference for shop attachments.
	ShopRef string `json:"shop_ref,omitempty"`
}

// TemplateAttachment is a template bound to a tenant with its declared event
// subscriptions and capability grants. The effective capability set of any
// execution is always a subset of AllowedCaps.
type TemplateAttachment struct {
	ID          string           `json:"id"`
	Tenant      Tenant           `json:"tenant"`
	Name        string           `json:"name"`
	Language    TemplateLanguage `json:"language"`
	Source      TemplateSource   `json:"source"`
	Events      []string         `json:"events"`
	AllowedCaps []string         `json:"allowed_caps"`
	State       TemplateState    `json:"state"`

	// Version increments on every content or grant change; the compiled
	// template cache keys on it.
	Version uint64 `json:"version"`

	// ExpiresAt, when set, is the instant past which the expiry sweeper
	// suspends the attachment.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	// OnExpiry, when true, requests a best-effort EXPIRY dispatch before
	// the attachment is suspended.
	OnExpiry bool `json:"on_expiry,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubscribedTo reports whether the attachment declared the given event name.
func (a *TemplateAttachment) SubscribedTo(event string) bool {
	for _, e := range a.Events {
		if e == event {
			return true
		}
	}
	return false
}

// DispatchRequest is the ephemeral unit of work sent to a worker. It lives
// for one request/response cycle; it is never persisted.
type DispatchRequest struct {
	Tenant       Tenant         `cbor:"tenant"`
	AttachmentID string         `cbor:"attachment_id"`
	EventName    string         `cbor:"event_name"`
	Payload      map[string]any `cbor:"payload,omitempty"`
	Grant        []string       `cbor:"grant,omitempty"`
	Deadline     time.Time      `cbor:"deadline"`

	// Source carries the script content for inline attachments. SourceRef
	// names shop-published content the worker resolves through its object
	// store collaborator when the compiled template is not cache-resident.
	Source    string `cbor:"source,omitempty"`
	SourceRef string `cbor:"source_ref,omitempty"`

	// Version is the attachment content version; the worker's compiled
	// template cache keys on (AttachmentID, Version).
	Version uint64 `cbor:"version,omitempty"`

	// Idempotent marks the request safe for at-least-once redelivery after
	// a worker channel loss. Non-idempotent requests fail WorkerUnavailable
	// instead of being re-dispatched.
	Idempotent bool `cbor:"idempotent,omitempty"`
}

// GrantSet resolves the request's capability grant into a checkable set.
func (r *DispatchRequest) GrantSet() capability.Set {
	return capability.NewSet(r.Grant...)
}

// FaultKind classifies a terminal dispatch failure.
type FaultKind string

const (
	FaultRateLimited       FaultKind = "RateLimited"
	FaultPoolSaturated     FaultKind = "PoolSaturated"
	FaultWorkerUnavailable FaultKind = "WorkerUnavailable"
	FaultCapabilityDenied  FaultKind = "CapabilityDenied"
	FaultExecutionFault    FaultKind = "ExecutionFault"
	FaultTimeout           FaultKind = "Timeout"
	FaultResourceExceeded  FaultKind = "ResourceExceeded"
	FaultProtocolError     FaultKind = "ProtocolError"
	FaultStorageError      FaultKind = "StorageError"
)

// Fault is the structured failure half of a dispatch outcome.
type Fault struct {
	Kind   FaultKind `cbor:"kind"`
	Detail string    `cbor:"detail,omitempty"`
}

// Error implements error so faults can flow through error returns.
func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

// NewFault builds a Fault with a formatted detail message.
func NewFault(kind FaultKind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// DispatchResult is the terminal outcome of one DispatchRequest: either a
// success payload or a single structured fault, never both.
type DispatchResult struct {
	Payload any    `cbor:"payload,omitempty"`
	Fault   *Fault `cbor:"fault,omitempty"`

	// Duration is the wall-clock execution time inside the sandbox, zero
	// for requests rejected before execution.
	Duration time.Duration `cbor:"duration,omitempty"`
}

// OK reports whether the result is a success.
func (r *DispatchResult) OK() bool { return r.Fault == nil }

// WorkerState is the pool manager's view of one worker process slot.
type WorkerState string

const (
	WorkerStateStarting WorkerState = "starting"
	WorkerStateHealthy  WorkerState = "healthy"
	WorkerStateDraining WorkerState = "draining"
	WorkerStateDead     WorkerState = "dead"
)
