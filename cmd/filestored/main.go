// Command filestored runs the filestore daemon: the Metadata Store, the
// Executor Registry, the Rollup Manager, the Event Bus, the Command
// Orchestrator, and the Reconciliation Engine, all wired behind a small
// HTTP boundary (spec.md §6). Flag/config handling follows the
// urfave/cli shape the teacher uses for its own cmd/ binaries.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benediktbwimmer/apphub-sub006/backend"
	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/benediktbwimmer/apphub-sub006/events"
	"github.com/benediktbwimmer/apphub-sub006/orchestrator"
	"github.com/benediktbwimmer/apphub-sub006/reconcile"
	"github.com/benediktbwimmer/apphub-sub006/rollup"
	"github.com/benediktbwimmer/apphub-sub006/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli"
	"github.com/valyala/fasthttp"
)

func main() {
	app := cli.NewApp()
	app.Name = "filestored"
	app.Usage = "content-addressable filestore metadata daemon"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to a YAML config file"},
		cli.StringFlag{Name: "host", Usage: "bind host"},
		cli.IntFlag{Name: "port", Usage: "bind port"},
		cli.StringFlag{Name: "log-level", Usage: "debug|info|warn|error"},
		cli.StringFlag{Name: "database-url", Usage: "buntdb file path, or :memory:"},
		cli.StringFlag{Name: "redis-url", Usage: "redis address for cross-process events"},
		cli.BoolFlag{Name: "redis-inline", Usage: "force in-process event delivery only"},
		cli.StringFlag{Name: "events-mode", Usage: "inline|cross-process"},
		cli.StringFlag{Name: "events-channel", Usage: "redis pub/sub channel name"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, seedMounts, err := loadConfig(c)
	if err != nil {
		return err
	}

	storeLog := cmn.NewLogger("store", cfg.LogLevel)
	backendLog := cmn.NewLogger("backend", cfg.LogLevel)
	eventsLog := cmn.NewLogger("events", cfg.LogLevel)
	orchLog := cmn.NewLogger("orchestrator", cfg.LogLevel)
	reconLog := cmn.NewLogger("reconcile", cfg.LogLevel)
	journalLog := cmn.NewLogger("journal", cfg.LogLevel)
	httpLog := cmn.NewLogger("http", cfg.LogLevel)

	st, err := store.Open(store.Options{Path: cfg.Database.URL, Logger: storeLog})
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer st.Close()

	if err := bootstrapMounts(st, seedMounts); err != nil {
		return fmt.Errorf("bootstrap backend mounts: %w", err)
	}

	registry := backend.NewRegistry()
	registry.Register(backend.NewLocal())
	s3exec, err := backend.NewS3()
	if err != nil {
		backendLog.Warn().Err(err).Msg("s3 executor unavailable, s3 mounts will fail to resolve")
	} else {
		registry.Register(s3exec)
	}

	rollups := rollup.NewManager(st, rollupConfigFrom(cfg.Rollups))
	rollups.Start()
	defer rollups.Stop()

	busCtx, cancelBus := context.WithCancel(context.Background())
	defer cancelBus()

	bus := events.NewBus()
	if cfg.Events.Mode == "cross-process" {
		if cfg.Redis.Inline && !cfg.AllowInlineMode {
			return fmt.Errorf("redis.inline requires APPHUB_ALLOW_INLINE_MODE=true")
		}
		var client *redis.Client
		if !cfg.Redis.Inline {
			if cfg.Redis.URL == "" {
				return fmt.Errorf("events.mode=cross-process requires redis.url")
			}
			client = redis.NewClient(&redis.Options{Addr: cfg.Redis.URL})
			defer client.Close()
		}
		redisBus := events.NewRedisBus(bus, events.RedisBusOptions{
			Client:  client,
			Channel: cfg.Events.Channel,
			Inline:  cfg.Redis.Inline,
			Logger:  eventsLog,
		})
		redisBus.Start(busCtx)
		defer redisBus.Stop()
	} else if cfg.Redis.Inline && !cfg.AllowInlineMode {
		return fmt.Errorf("redis.inline requires APPHUB_ALLOW_INLINE_MODE=true")
	}

	orc := orchestrator.New(st, registry, rollups, bus, orchLog)

	reconCfg := reconcile.DefaultConfig()
	if cfg.Recon.QueueConcurrency > 0 {
		reconCfg.QueueConcurrency = cfg.Recon.QueueConcurrency
	}
	if cfg.Recon.AuditIntervalMs > 0 {
		reconCfg.AuditIntervalMs = int(cfg.Recon.AuditIntervalMs)
	}
	if cfg.Recon.AuditBatchSize > 0 {
		reconCfg.AuditBatchSize = cfg.Recon.AuditBatchSize
	}
	engine := reconcile.New(st, registry, bus, reconCfg, reconLog)
	engine.Start()
	defer engine.Stop()

	audit := reconcile.NewAuditScheduler(st, engine, reconCfg, reconLog)
	audit.Start()
	defer audit.Stop()

	pruner := newJournalPruner(st, cfg.Journal, journalLog)
	pruner.Start()
	defer pruner.Stop()

	srv := newServer(orc, engine, bus, httpLog)
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &fasthttp.Server{Handler: srv.handle}

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.ListenAndServe(addr) }()
	httpLog.Info().Str("addr", addr).Msg("filestored listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case <-sig:
		httpLog.Info().Msg("shutting down")
		return httpServer.Shutdown()
	}
}

func bootstrapMounts(st *store.Store, seeds []seedMount) error {
	if len(seeds) == 0 {
		return nil
	}
	return st.Update(func(tx *store.Tx) error {
		for _, s := range seeds {
			if _, err := tx.GetBackendMountByKey(s.MountKey); err == nil {
				continue // already registered from a previous run
			}
			mount := &cmn.BackendMount{
				ID:          uuid.NewString(),
				MountKey:    s.MountKey,
				BackendKind: cmn.BackendKind(s.BackendKind),
				AccessMode:  cmn.AccessMode(s.AccessMode),
				Lifecycle:   cmn.MountActive,
				RootPath:    s.RootPath,
				Bucket:      s.Bucket,
				Prefix:      s.Prefix,
			}
			if err := tx.InsertBackendMount(mount); err != nil {
				return err
			}
		}
		return nil
	})
}

func rollupConfigFrom(c cmn.RollupsConfig) rollup.Config {
	cfg := rollup.DefaultConfig()
	if c.CacheTTLSeconds > 0 {
		cfg.CacheTTL = timeSeconds(c.CacheTTLSeconds)
	}
	if c.CacheMaxEntries > 0 {
		cfg.CacheMaxEntries = c.CacheMaxEntries
	}
	if c.RecalcDepthThreshold > 0 {
		cfg.RecalcDepthThreshold = c.RecalcDepthThreshold
	}
	if c.RecalcChildCountThreshold > 0 {
		cfg.RecalcChildThreshold = c.RecalcChildCountThreshold
	}
	if c.MaxCascadeDepth > 0 {
		cfg.MaxCascadeDepth = c.MaxCascadeDepth
	}
	if c.QueueConcurrency > 0 {
		cfg.QueueWorkers = c.QueueConcurrency
	}
	return cfg
}

func timeSeconds(n int) time.Duration { return time.Duration(n) * time.Second }
