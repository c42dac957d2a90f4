package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/energizer-project/linkproxy/internal/api"
	"github.com/energizer-project/linkproxy/internal/auth"
	"github.com/energizer-project/linkproxy/internal/cli"
	"github.com/energizer-project/linkproxy/internal/config"
	"github.com/energizer-project/linkproxy/internal/db"
	"github.com/energizer-project/linkproxy/internal/events"
	"github.com/energizer-project/linkproxy/internal/extension"
	"github.com/energizer-project/linkproxy/internal/health"
	"github.com/energizer-project/linkproxy/internal/metrics"
	"github.com/energizer-project/linkproxy/internal/packets"
	"github.com/energizer-project/linkproxy/internal/protocol"
	"github.com/energizer-project/linkproxy/internal/proxy"
	"github.com/energizer-project/linkproxy/internal/registry"
	"github.com/energizer-project/linkproxy/internal/scheduler"
	"github.com/energizer-project/linkproxy/internal/telemetry"
	"github.com/energizer-project/linkproxy/internal/util"
)

const shutdownTimeout = 30 * time.Second

func serveCmd(configDir *string) *cobra.Command {
	var console bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), banner, version)
			fmt.Fprintln(cmd.OutOrStdout())
			return serve(*configDir, console)
		},
	}

	cmd.Flags().BoolVar(&console, "console", true, "Run the interactive console on stdin")
	return cmd
}

func serve(configDir string, console bool) error {
	// defaults until the configuration is loaded
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Info().
		Str("version", version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting linkproxy")

	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}

	logging := cfg.GetLogging()
	if err := util.InitLogger(util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxBackups: logging.MaxBackups,
		Console:    logging.Console,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return errors.New("configuration validation failed, run 'linkproxy init --force' or fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- Core ----
	eventBus := events.NewEventBus()
	pipeline := events.NewPipeline()

	catalog := registry.NewCatalog(nil)
	if err := packets.Register(catalog); err != nil {
		return fmt.Errorf("failed to register system packets: %w", err)
	}
	extensions := extension.NewManager(catalog, pipeline, eventBus)

	proxyCfg := cfg.GetProxy()
	deps := proxy.Deps{Catalog: catalog, Pipeline: pipeline, Bus: eventBus}
	if proxyCfg.OnlineMode {
		kx, err := auth.NewKeyExchange(nil)
		if err != nil {
			return fmt.Errorf("failed to create key exchange: %w", err)
		}
		deps.Authenticator = kx
	}

	p, err := proxy.New(proxy.Config{
		Listen:           proxyCfg.Listen,
		Backends:         backendsFromConfig(cfg.GetBackends()),
		MaxLinks:         proxyCfg.MaxLinks,
		MaxConnPerSec:    proxyCfg.MaxConnPerSec,
		HandshakeTimeout: proxyCfg.HandshakeTimeout(),
		DialTimeout:      proxyCfg.DialTimeout(),
	}, deps)
	if err != nil {
		return err
	}

	// ---- Consumers of lifecycle events ----
	var history *db.LinkStore
	dbCfg := cfg.GetDatabase()
	if dbCfg.Enabled {
		history, err = db.NewLinkStore(dbCfg.Path)
		if err != nil {
			return err
		}
		defer history.Close()
		history.Subscribe(eventBus)
	}

	collectors := metrics.New()
	collectors.Subscribe(eventBus)
	collectors.WatchCatalog(catalog)

	var healthMgr *health.Manager
	if cfg.GetHealth().Enabled {
		healthMgr = health.NewManager(cfg.GetHealth(), p.Backends(), eventBus)
	}

	var mqttHandler *telemetry.MQTTHandler
	if cfg.GetMQTT().Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg.GetMQTT(), version)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	var apiServer *api.Server
	if cfg.GetAPI().Enabled {
		api.Version = version
		apiServer = api.NewServer(cfg, api.Deps{
			Proxy:      p,
			Catalog:    catalog,
			Extensions: extensions,
			Bus:        eventBus,
			History:    history,
			Health:     healthMgr,
			Gatherer:   prometheus.DefaultGatherer,
		})
	}

	var pruner scheduler.Pruner
	if history != nil {
		pruner = history
	}
	sched := scheduler.NewScheduler(dbCfg, pruner, p.Links())

	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(context.Context, events.Event) error {
		cancel()
		return nil
	})

	// ---- Launch ----
	if err := startWithRetry(ctx, "proxy", p.Start, 5); err != nil {
		return err
	}

	var wg sync.WaitGroup
	goTask := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("task", name).Msg("starting task")
			fn()
		}()
	}

	if apiServer != nil {
		goTask("api", func() {
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil {
				log.Warn().Err(err).Msg("API server failed (non-fatal)")
			}
		})
	}
	if mqttHandler != nil {
		goTask("mqtt", func() {
			if err := mqttHandler.Start(ctx, eventBus); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		})
	}
	goTask("scheduler", func() { sched.Start(ctx) })
	if healthMgr != nil {
		goTask("health", func() { healthMgr.Start(ctx) })
	}
	if console {
		c := cli.NewCLI(cfg, cli.Deps{
			Proxy:      p,
			Extensions: extensions,
			Bus:        eventBus,
			History:    history,
			Health:     healthMgr,
		}, os.Stdin, os.Stdout)
		goTask("console", func() { c.Start(ctx) })
	}

	// ---- Shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()
	p.Stop()
	extensions.UnloadAll(context.Background())

	done := make(chan struct{})
	go func() {
		wg.Wait()
		eventBus.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(shutdownTimeout):
		log.Warn().Dur("timeout", shutdownTimeout).Msg("shutdown timed out, forcing exit")
	}

	eventBus.Stop()
	log.Info().Msg("linkproxy stopped")
	return nil
}

// backendsFromConfig converts the configured backends.
func backendsFromConfig(in []config.BackendConfig) []proxy.Backend {
	out := make([]proxy.Backend, 0, len(in))
	for _, b := range in {
		out = append(out, proxy.Backend{
			Name:         b.Name,
			Address:      b.Address,
			Version:      protocol.Version(b.ProtocolVersion),
			Default:      b.Default,
			VirtualHosts: b.VirtualHosts,
		})
	}
	return out
}

// startWithRetry retries startFn on bind errors at a fixed 3s interval so a
// restart can wait for the previous process to release its ports.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).
				Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
