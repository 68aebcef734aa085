package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrmushfiq/langroute/internal/gateway/handlers"
	"github.com/mrmushfiq/langroute/internal/gateway/orchestrator"
	"github.com/mrmushfiq/langroute/internal/gateway/providers"
	"github.com/mrmushfiq/langroute/internal/gateway/ratelimit"
	"github.com/mrmushfiq/langroute/internal/gateway/usage"
	"github.com/mrmushfiq/langroute/internal/shared/config"
	"github.com/mrmushfiq/langroute/internal/shared/metrics"
	"github.com/mrmushfiq/langroute/internal/shared/tracing"
	"github.com/spf13/cobra"
)

var version = "dev"

// encodingCacheSize bounds how many model tokenizers stay loaded.
const encodingCacheSize = 64

func main() {
	serveCmd := newServeCmd()

	root := &cobra.Command{
		Use:     "gateway",
		Short:   "LangRoute LLM gateway: virtual keys, rate limits, fallback routing, cost tracking",
		Version: version,
		RunE:    serveCmd.RunE,
	}

	root.AddCommand(
		serveCmd,
		newKeysCmd(),
		newConfigCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Printf("Starting LangRoute gateway on port %s (env: %s)", cfg.Port, cfg.Env)
	if cfg.RequestTimeout < cfg.UpstreamTimeout {
		log.Printf("WARN: REQUEST_TIMEOUT_SECONDS (%s) is below UPSTREAM_TIMEOUT_SECONDS (%s); fallbacks will rarely run", cfg.RequestTimeout, cfg.UpstreamTimeout)
	}

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Printf("Error shutting down tracer provider: %v", err)
		}
	}()

	stores, err := bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	catalog, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	if err := stores.db.ApplyCatalog(ctx, catalog.ProviderRecords(), catalog.ModelRecords()); err != nil {
		return fmt.Errorf("apply catalog: %w", err)
	}
	log.Printf("✓ Loaded %d providers and %d models from %s", len(catalog.Providers), len(catalog.Models), cfg.CatalogPath)

	// Initialize rate limiter
	limiter := ratelimit.New()
	if cfg.RateLimitSweepInterval > 0 {
		limiter.Start(ctx, cfg.RateLimitSweepInterval)
	}
	metrics.RegisterTrackedCallers(limiter.Len)
	log.Println("✓ Initialized rate limiter")

	estimator, err := usage.NewEstimator(encodingCacheSize)
	if err != nil {
		return fmt.Errorf("init token estimator: %w", err)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Callers:    stores.store,
		Catalog:    providers.NewRegistry(stores.db),
		Limiter:    limiter,
		Estimator:  estimator,
		Pricer:     usage.NewCalculator(stores.db),
		Dispatcher: providers.NewHTTPDispatcher(cfg.UpstreamTimeout),
		Usage:      stores.db,
	})

	// Initialize handlers
	router := handlers.NewRouter(
		handlers.NewChatHandler(orch),
		handlers.NewKeysHandler(stores.store),
		cfg.RequestTimeout,
	)

	// HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)

	// Start server in a goroutine
	go func() {
		log.Printf("🚀 Server listening on http://localhost:%s", cfg.Port)
		log.Println("   POST /chat/completions         - Chat completions (OpenAI-compatible)")
		log.Println("   POST /api/generate-virtual-key - Issue a virtual key")
		log.Println("   POST /api/save-keys            - Store provider keys")
		log.Println("   GET  /metrics                  - Prometheus metrics")
		log.Println("   GET  /health                   - Health check")
		log.Println("")
		log.Println("Ready to accept requests!")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	}

	log.Println("Shutting down gracefully...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
	return nil
}
