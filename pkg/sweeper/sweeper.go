package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/veldtbot/veldt/pkg/attach"
	"github.com/veldtbot/veldt/pkg/events"
	"github.com/veldtbot/veldt/pkg/log"
	"github.com/veldtbot/veldt/pkg/metrics"
	"github.com/veldtbot/veldt/pkg/types"
)

// hookTimeout bounds the best-effort EXPIRY dispatch; a slow template must
// not stall the sweep.
const hookTimeout = 5 * time.Second

// Hook is the dispatch boundary used for on-expiry notifications.
type Hook interface {
	DispatchSync(ctx context.Context, tenant types.Tenant, attachmentID, eventName string, payload map[string]any) (types.DispatchResult, error)
}

// Sweeper suspends template attachments whose time-bound grant has lapsed.
// It runs on a cron interval; storage errors are logged and the scan retries
// on the next tick, never crashing the task.
type Sweeper struct {
	store    *attach.Store
	hook     Hook
	interval time.Duration
	cron     *cron.Cron
	logger   zerolog.Logger
}

// New builds a sweeper. hook may be nil to skip on-expiry dispatches.
func New(store *attach.Store, hook Hook, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		hook:     hook,
		interval: interval,
		logger:   log.WithComponent("sweeper"),
	}
}

// Start schedules the sweep. Returns an error only for an invalid interval.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), s.Sweep); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep runs one pass: each lapsed attachment gets its best-effort EXPIRY
// dispatch, then transitions to suspended. Per-attachment failures are
// logged and do not stop the pass.
func (s *Sweeper) Sweep() {
	metrics.SweepsTotal.Inc()

	expired, err := s.store.Expired(time.Now())
	if err != nil {
		s.logger.Error().Err(err).Msg("expiry scan failed, retrying next interval")
		return
	}

	for _, att := range expired {
		s.expire(att)
	}
}

func (s *Sweeper) expire(att *types.TemplateAttachment) {
	logger := s.logger.With().
		Str("tenant", att.Tenant.String()).
		Str("attachment", att.ID).
		Logger()

	// The hook fires while the attachment is still active, since a
	// suspended attachment cannot execute. Hook faults are the template's
	// problem; the suspension proceeds regardless.
	if att.OnExpiry && s.hook != nil && att.SubscribedTo(events.EventExpiry) {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		res, err := s.hook.DispatchSync(ctx, att.Tenant, att.ID, events.EventExpiry, map[string]any{
			"expired_at": att.ExpiresAt.UTC().Format(time.RFC3339),
		})
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("expiry hook dispatch failed")
		} else if res.Fault != nil {
			logger.Debug().Str("fault", string(res.Fault.Kind)).Msg("expiry hook faulted")
		}
	}

	if err := s.store.SetState(att.Tenant, att.ID, types.TemplateStateSuspended); err != nil {
		logger.Error().Err(err).Msg("failed to suspend expired attachment")
		return
	}
	metrics.SweptAttachmentsTotal.Inc()
	logger.Info().Msg("attachment expired, suspended")
}
