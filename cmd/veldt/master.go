package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/veldtbot/veldt/pkg/api"
	"github.com/veldtbot/veldt/pkg/attach"
	"github.com/veldtbot/veldt/pkg/config"
	"github.com/veldtbot/veldt/pkg/dispatch"
	"github.com/veldtbot/veldt/pkg/events"
	"github.com/veldtbot/veldt/pkg/log"
	"github.com/veldtbot/veldt/pkg/metrics"
	"github.com/veldtbot/veldt/pkg/pool"
	"github.com/veldtbot/veldt/pkg/protocol"
	"github.com/veldtbot/veldt/pkg/sweeper"
	"github.com/veldtbot/veldt/pkg/types"
)

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run the veldt master",
	Long: `Run the veldt master: worker pool supervisor, event dispatcher,
attachment store, expiry sweeper, and management API. Worker processes are
spawned from this binary and dial back over loopback.`,
	RunE: runMaster,
}

func init() {
	masterCmd.Flags().String("config", "", "Path to YAML config file")
}

func runMaster(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		cfg, err = config.Load(abs)
		if err != nil {
			return err
		}
		// Spawned workers read the same file.
		os.Setenv(EnvConfig, abs)
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("master")

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := attach.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	transport, err := pool.NewProcessTransport(cfg.ListenAddr)
	if err != nil {
		return err
	}
	logger.Info().Str("addr", transport.Addr()).Msg("control channel listening")

	mgr := pool.NewManager(cfg.Pool, cfg.RateLimit, transport)
	mgr.OnSuspendAdvice = func(advice protocol.SuspendAdvice) {
		suspendTenant(store, advice)
	}
	mgr.OnKeyExpiry = func(expiry protocol.KeyExpiry) {
		broker.Publish(&events.Event{
			Name:    events.EventKeyExpiry,
			Tenant:  expiry.Tenant,
			Payload: map[string]any{"key": expiry.Key},
		})
	}
	// Content changes fan out to the workers so their compiled-template
	// caches never serve a stale program past the mutation.
	store.OnChange(mgr.Invalidate)
	mgr.Start()

	dispatcher := dispatch.New(store, mgr, broker, dispatch.Config{Timeout: cfg.Pool.DispatchTimeout})

	sweep := sweeper.New(store, dispatcher, cfg.Sweeper.Interval)
	if err := sweep.Start(); err != nil {
		return err
	}
	defer sweep.Stop()

	apiServer := api.NewServer(store, dispatcher, mgr, broker)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := dispatcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return apiServer.Start(cfg.APIAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return apiServer.Stop(shutdownCtx)
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	// Workers are spawning asynchronously; startup dispatches wait in the
	// admission queue until the first handshake lands.
	if err := dispatcher.DispatchStartup(gctx); err != nil {
		logger.Error().Err(err).Msg("startup dispatch failed")
	}

	logger.Info().Str("api", cfg.APIAddr).Int("workers", cfg.Pool.Workers).Msg("master running")
	err = g.Wait()

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pool.DrainTimeout+5*time.Second)
	defer cancel()
	if serr := mgr.Shutdown(shutdownCtx); serr != nil {
		logger.Warn().Err(serr).Msg("pool shutdown incomplete")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// suspendTenant applies a worker's fault-streak recommendation: every active
// attachment the tenant has is suspended. A tenant whose scripts fault in an
// unbroken streak is either broken or hostile; individual attachments can be
// resumed through the API after review.
func suspendTenant(store *attach.Store, advice protocol.SuspendAdvice) {
	logger := log.WithTenant(advice.Tenant.String())
	logger.Warn().
		Int("consecutive_faults", advice.ConsecutiveFaults).
		Str("last_fault", string(advice.LastFault.Kind)).
		Msg("suspending tenant on worker advice")

	attached, err := store.ListByTenant(advice.Tenant)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list attachments for suspension")
		return
	}
	for _, att := range attached {
		if att.State != types.TemplateStateActive {
			continue
		}
		if err := store.SetState(advice.Tenant, att.ID, types.TemplateStateSuspended); err != nil {
			logger.Error().Err(err).Str("attachment", att.ID).Msg("failed to suspend attachment")
		}
	}
}
