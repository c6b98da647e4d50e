package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/veldtbot/veldt/pkg/config"
	"github.com/veldtbot/veldt/pkg/host"
	"github.com/veldtbot/veldt/pkg/log"
	"github.com/veldtbot/veldt/pkg/pool"
	"github.com/veldtbot/veldt/pkg/sandbox"
	"github.com/veldtbot/veldt/pkg/types"
	"github.com/veldtbot/veldt/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a worker process (spawned by the master)",
	Hidden: true,
	RunE:   runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if path := os.Getenv(EnvConfig); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	masterAddr := os.Getenv(pool.EnvMasterAddr)
	token := os.Getenv(pool.EnvToken)
	if masterAddr == "" || token == "" {
		return fmt.Errorf("worker processes are spawned by the master; %s and %s must be set", pool.EnvMasterAddr, pool.EnvToken)
	}
	workerID, err := strconv.Atoi(os.Getenv(pool.EnvWorkerID))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", pool.EnvWorkerID, err)
	}

	// Worker logs must be JSON on stderr; the master forwards them verbatim.
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: true})

	// Each worker owns its KV file; bbolt allows one process per file.
	kvDir := filepath.Join(cfg.DataDir, "workers", strconv.Itoa(workerID))
	if err := os.MkdirAll(kvDir, 0700); err != nil {
		return fmt.Errorf("failed to create worker data directory: %w", err)
	}
	kv, err := host.OpenKV(kvDir, host.KVConstraints{
		MaxKeyLength:  cfg.Sandbox.MaxKeyLength,
		MaxValueBytes: cfg.Sandbox.MaxValueBytes,
	})
	if err != nil {
		return err
	}
	defer kv.Close()

	objects, err := host.NewFSObjectStore(filepath.Join(cfg.DataDir, "objects"))
	if err != nil {
		return err
	}

	collab := host.Collaborators{
		KV:      kv,
		HTTP:    host.NewHTTPFetcher(cfg.Collaborators.FetchTimeout, cfg.Collaborators.MaxFetchBytes),
		Objects: objects,
	}
	if cfg.Collaborators.GatewayURL != "" {
		collab.Chat = host.NewHTTPChatSender(cfg.Collaborators.GatewayURL, cfg.Collaborators.FetchTimeout)
	}

	sandboxCfg := sandbox.DefaultConfig()
	sandboxCfg.MaxCallStack = cfg.Sandbox.MaxCallStack
	sandboxCfg.MaxResultBytes = cfg.Sandbox.MaxResultBytes

	runner := worker.NewRunner(worker.RunnerConfig{
		MasterAddr:        masterAddr,
		Token:             token,
		WorkerID:          workerID,
		HeartbeatInterval: cfg.Pool.HeartbeatInterval,
		KVSweepInterval:   cfg.Sweeper.Interval,
		Engine: worker.Config{
			Threads:        cfg.Pool.ThreadsPerWorker,
			Parallelism:    cfg.Pool.Parallelism,
			CacheSize:      cfg.Sandbox.CacheSize,
			FaultThreshold: cfg.Pool.FaultThreshold,
			Sandbox:        sandboxCfg,
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = runner.Run(ctx, collab, &shopResolver{objects: objects})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// shopResolver loads shop template content from the shared object root.
type shopResolver struct {
	objects *host.FSObjectStore
}

func (r *shopResolver) ResolveSource(ctx context.Context, tenant types.Tenant, ref string) (string, error) {
	data, err := r.objects.GetShopContent(ref)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
