// Command llmgateway runs the inference gateway: the HTTP surface, the
// metrics exporter, and the log finalization worker, supervised together.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/AltairaLabs/llmgateway/config"
	"github.com/AltairaLabs/llmgateway/credentials"
	"github.com/AltairaLabs/llmgateway/dispatch"
	"github.com/AltairaLabs/llmgateway/keycheck"
	"github.com/AltairaLabs/llmgateway/logger"
	"github.com/AltairaLabs/llmgateway/metrics"
	"github.com/AltairaLabs/llmgateway/providers"
	"github.com/AltairaLabs/llmgateway/registry"
	"github.com/AltairaLabs/llmgateway/server"
	"github.com/AltairaLabs/llmgateway/store"
	"github.com/AltairaLabs/llmgateway/version"
	"github.com/AltairaLabs/llmgateway/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err == nil {
		logger.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog := registry.Default()
	creds := credentials.NewEnvStore(catalog, catalog.ProviderIDs())
	images := providers.NewImageProcessor(nil, cfg.IsProd())

	var logWriter dispatch.LogWriter
	var workerStore worker.Store
	if cfg.DatabaseURL != "" {
		st, err := store.Open(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
		logWriter = st
		workerStore = st
	} else {
		logger.Warn("DATABASE_URL not set, request logging and finalization disabled")
	}

	dispatcher := dispatch.New(dispatch.Options{
		Registry:           catalog,
		Credentials:        creds,
		Logs:               logWriter,
		Images:             images,
		UpstreamTimeout:    cfg.Upstream.Timeout,
		AttemptsPerMapping: cfg.Upstream.AttemptsPerMapping,
		RequestsPerSecond:  cfg.Upstream.RequestsPerSecond,
		UseResponsesAPI:    cfg.UseResponsesAPI,
		Prod:               cfg.IsProd(),
	})

	var auth server.Authenticator
	if len(cfg.Server.APIKeys) > 0 {
		static := server.StaticAuth{}
		for i, key := range cfg.Server.APIKeys {
			static[key] = credentials.Organization{
				ID:          fmt.Sprintf("org-%d", i+1),
				CreditsMode: true,
			}
		}
		auth = static
	} else {
		logger.Warn("no api keys configured, accepting any bearer token")
		auth = server.AllowAll{}
	}

	srv := server.New(server.Options{
		Dispatcher: dispatcher,
		Validator:  keycheck.New(catalog, nil),
		Auth:       auth,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	exporter := metrics.NewExporter(cfg.MetricsAddr)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		attrs := append([]any{"addr", cfg.Server.Addr, "env", cfg.Env}, version.BuildInfo()...)
		logger.Info("gateway listening", attrs...)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := exporter.Start(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if workerStore != nil {
		g.Go(func() error {
			w := worker.New(workerStore, catalog, worker.Options{
				Interval:     cfg.Worker.Interval,
				LockDuration: cfg.Worker.LockDuration,
				BatchSize:    cfg.Worker.BatchSize,
			})
			if err := w.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ReadTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", "error", err)
		}
		return exporter.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("gateway stopped")
	return nil
}
