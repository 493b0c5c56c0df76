package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	"github.com/agentuity/respcache/cache"
	"github.com/agentuity/respcache/config"
	"github.com/agentuity/respcache/env"
	"github.com/agentuity/respcache/logger"
	"github.com/agentuity/respcache/respcache"
	"github.com/agentuity/respcache/server"
	"github.com/agentuity/respcache/sys"
	"github.com/agentuity/respcache/telemetry"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

const shutdownTimeout = 10 * time.Second

func commit() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				return setting.Value
			}
		}
	}
	return Commit
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "respcache",
		Short:         "HTTP service with conditional response caching",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	flags := root.PersistentFlags()
	config.RegisterFlags(flags)
	flags.String("log-format", "", "console or json (env RESPCACHE_LOG_FORMAT)")
	flags.String("otlp-url", "", "OTLP/HTTP collector url (env RESPCACHE_OTLP_URL)")
	flags.String("otlp-shared-secret", "", "secret used to sign the collector token (env RESPCACHE_OTLP_SHARED_SECRET)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		RunE:  runServe,
	})
	root.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Evict every cached response from the configured backend",
		RunE:  runClear,
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "respcache %s (%s)\n", Version, commit())
		},
	})
	return root
}

// setup loads the settings and returns a logger at the configured level.
// Configuration errors are fatal.
func setup(cmd *cobra.Command) (config.Settings, logger.Logger, error) {
	log := env.NewLogger(cmd)
	settings, err := config.Load(config.LoadOptionsFromFlags(cmd.Flags()))
	if err != nil {
		log.Fatal("invalid configuration: %s", err)
		return settings, log, err
	}
	if level, ok := logger.ParseLevel(env.FlagOrEnv(cmd, "log-level", logger.LevelEnv, settings.LogLevel)); ok {
		log = env.NewLoggerAt(cmd, level)
	}
	return settings, log, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	settings, log, err := setup(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	shutdownTracing, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:    "respcache",
		ServiceVersion: Version,
		URL:            env.FlagOrEnv(cmd, "otlp-url", "RESPCACHE_OTLP_URL", ""),
		SharedSecret:   env.FlagOrEnv(cmd, "otlp-shared-secret", "RESPCACHE_OTLP_SHARED_SECRET", ""),
	}, log.WithPrefix("[otel]"))
	if err != nil {
		log.Fatal("failed to start telemetry: %s", err)
		return err
	}
	defer shutdownTracing()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := respcache.Configure(ctx, settings, log, respcache.WithMetrics(respcache.NewMetrics(reg)))
	if err != nil {
		log.Fatal("failed to configure cache: %s", err)
		return err
	}
	defer m.Close()

	addr := sys.ListenAddr("", settings.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: server.New(server.Config{
			Cache:     m,
			Logger:    log.WithPrefix("[http]"),
			WorkDelay: settings.WorkDelay,
			Gatherer:  reg,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case <-sys.CreateShutdownChannel():
		log.Info("shutting down")
	case err := <-errs:
		if err != nil {
			log.Error("server failed: %s", err)
			return err
		}
	}
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("graceful shutdown incomplete: %s", err)
	}
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	settings, log, err := setup(cmd)
	if err != nil {
		return err
	}
	if !settings.EnableCache {
		fmt.Fprintln(cmd.OutOrStdout(), "Cache is disabled, nothing to clear")
		return nil
	}
	if settings.CacheBackend == cache.KindMemory {
		// a new process would clear its own empty map
		fmt.Fprintln(cmd.OutOrStdout(), "The memory backend lives inside each server process and cannot be cleared from here; call /clear-cache on the running server")
		return nil
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), settings.QueryTimeout*2)
	defer cancel()
	store, err := cache.Open(ctx, settings.BackendConfig(), log.WithPrefix("[cache]"))
	if err != nil {
		log.Fatal("failed to open cache: %s", err)
		return err
	}
	defer store.Close()
	if err := store.Clear(ctx); err != nil {
		log.Error("cache clear failed: %s", err)
		return err
	}
	if settings.LocalTier && settings.CacheBackend.Networked() {
		fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared; running servers keep their local tier until it expires or /clear-cache is called")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared")
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
