package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/veldtbot/veldt/pkg/attach"
	"github.com/veldtbot/veldt/pkg/events"
	"github.com/veldtbot/veldt/pkg/log"
	"github.com/veldtbot/veldt/pkg/types"
)

// Invoker is the synchronous dispatch boundary. The execute endpoint blocks
// on it for the full result.
type Invoker interface {
	DispatchSync(ctx context.Context, tenant types.Tenant, attachmentID, eventName string, payload map[string]any) (types.DispatchResult, error)
}

// PoolStatus exposes the worker table for the status endpoint.
type PoolStatus interface {
	Workers() map[int]types.WorkerState
}

// Publisher is the event ingress boundary. The gateway proxy posts normalized
// events here; the dispatcher consumes them off the broker.
type Publisher interface {
	Publish(event *events.Event)
}

// Server is the management HTTP API: attachment lifecycle plus a
// synchronous execute path for staff tooling.
type Server struct {
	store     *attach.Store
	invoker   Invoker
	pool      PoolStatus
	publisher Publisher
	http      *http.Server
	logger    zerolog.Logger
}

// NewServer builds the API server. pool may be nil; the workers endpoint
// then reports an empty table. publisher may be nil; event ingress then
// rejects with 503.
func NewServer(store *attach.Store, invoker Invoker, pool PoolStatus, publisher Publisher) *Server {
	return &Server{
		store:     store,
		invoker:   invoker,
		pool:      pool,
		publisher: publisher,
		logger:    log.WithComponent("api"),
	}
}

// Router assembles the route tree. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/workers", s.handleWorkers)

	r.Post("/v1/tenants/{ownerType}/{ownerID}/events", s.handlePublishEvent)

	r.Route("/v1/tenants/{ownerType}/{ownerID}/attachments", func(r chi.Router) {
		r.Post("/", s.handleAttach)
		r.Get("/", s.handleList)
		r.Get("/{attachmentID}", s.handleGet)
		r.Put("/{attachmentID}", s.handleUpdate)
		r.Delete("/{attachmentID}", s.handleDelete)
		r.Post("/{attachmentID}/state", s.handleSetState)
		r.Post("/{attachmentID}/execute", s.handleExecute)
	})

	return r
}

// Start serves the API until Stop is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("management API listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers := map[int]types.WorkerState{}
	if s.pool != nil {
		workers = s.pool.Workers()
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

type publishEventRequest struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFromURL(w, r)
	if !ok {
		return
	}
	if s.publisher == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("event ingress not configured"))
		return
	}
	var req publishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("name is required"))
		return
	}
	s.publisher.Publish(&events.Event{
		Name:    req.Name,
		Tenant:  tenant,
		Payload: req.Payload,
	})
	w.WriteHeader(http.StatusAccepted)
}

type attachRequest struct {
	Name        string               `json:"name"`
	Language    string               `json:"language,omitempty"`
	Source      types.TemplateSource `json:"source"`
	Events      []string             `json:"events"`
	AllowedCaps []string             `json:"allowed_caps"`
	ExpiresAt   *time.Time           `json:"expires_at,omitempty"`
	OnExpiry    bool                 `json:"on_expiry,omitempty"`
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFromURL(w, r)
	if !ok {
		return
	}
	var req attachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	att := &types.TemplateAttachment{
		Tenant:      tenant,
		Name:        req.Name,
		Language:    types.TemplateLanguage(req.Language),
		Source:      req.Source,
		Events:      req.Events,
		AllowedCaps: req.AllowedCaps,
		ExpiresAt:   req.ExpiresAt,
		OnExpiry:    req.OnExpiry,
	}
	if err := s.store.Attach(att); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFromURL(w, r)
	if !ok {
		return
	}
	list, err := s.store.ListByTenant(tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []*types.TemplateAttachment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attachments": list})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFromURL(w, r)
	if !ok {
		return
	}
	att, err := s.store.Get(tenant, chi.URLParam(r, "attachmentID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

type updateRequest struct {
	Source      *types.TemplateSource `json:"source,omitempty"`
	Events      []string              `json:"events,omitempty"`
	AllowedCaps []string              `json:"allowed_caps,omitempty"`
	ExpiresAt   *time.Time            `json:"expires_at,omitempty"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFromURL(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	att, err := s.store.Update(tenant, chi.URLParam(r, "attachmentID"), func(a *types.TemplateAttachment) error {
		if req.Source != nil {
			a.Source = *req.Source
		}
		if req.Events != nil {
			a.Events = req.Events
		}
		if req.AllowedCaps != nil {
			a.AllowedCaps = req.AllowedCaps
		}
		if req.ExpiresAt != nil {
			a.ExpiresAt = req.ExpiresAt
		}
		return nil
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFromURL(w, r)
	if !ok {
		return
	}
	if err := s.store.Delete(tenant, chi.URLParam(r, "attachmentID")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type stateRequest struct {
	State types.TemplateState `json:"state"`
}

func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFromURL(w, r)
	if !ok {
		return
	}
	var req stateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	switch req.State {
	case types.TemplateStateActive, types.TemplateStatePaused, types.TemplateStateSuspended:
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown state %q", req.State))
		return
	}
	if err := s.store.SetState(tenant, chi.URLParam(r, "attachmentID"), req.State); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type executeRequest struct {
	EventName string         `json:"event_name"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type executeResponse struct {
	OK       bool         `json:"ok"`
	Payload  any          `json:"payload,omitempty"`
	Fault    *types.Fault `json:"fault,omitempty"`
	Duration string       `json:"duration,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFromURL(w, r)
	if !ok {
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.EventName == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("event_name is required"))
		return
	}

	res, err := s.invoker.DispatchSync(r.Context(), tenant, chi.URLParam(r, "attachmentID"), req.EventName, req.Payload)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, statusForResult(res), executeResponse{
		OK:       res.OK(),
		Payload:  res.Payload,
		Fault:    res.Fault,
		Duration: res.Duration.String(),
	})
}

// statusForResult maps the fault taxonomy onto HTTP status codes. Script
// faults are the caller's template misbehaving, not a server failure.
func statusForResult(res types.DispatchResult) int {
	if res.Fault == nil {
		return http.StatusOK
	}
	switch res.Fault.Kind {
	case types.FaultRateLimited:
		return http.StatusTooManyRequests
	case types.FaultPoolSaturated, types.FaultWorkerUnavailable:
		return http.StatusServiceUnavailable
	case types.FaultTimeout:
		return http.StatusGatewayTimeout
	case types.FaultCapabilityDenied:
		return http.StatusForbidden
	case types.FaultStorageError, types.FaultProtocolError:
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

func tenantFromURL(w http.ResponseWriter, r *http.Request) (types.Tenant, bool) {
	ownerType := types.OwnerType(chi.URLParam(r, "ownerType"))
	if ownerType != types.OwnerTypeGuild && ownerType != types.OwnerTypeUser {
		writeError(w, http.StatusBadRequest, fmt.Errorf("owner type must be guild or user"))
		return types.Tenant{}, false
	}
	ownerID, err := strconv.ParseUint(chi.URLParam(r, "ownerID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid owner id: %w", err))
		return types.Tenant{}, false
	}
	return types.Tenant{OwnerType: ownerType, OwnerID: ownerID}, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, attach.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusUnprocessableEntity, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
