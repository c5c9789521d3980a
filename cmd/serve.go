package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/shelf-matcher/internal/ai"
	"github.com/kozaktomas/shelf-matcher/internal/batch"
	"github.com/kozaktomas/shelf-matcher/internal/catalog"
	"github.com/kozaktomas/shelf-matcher/internal/config"
	"github.com/kozaktomas/shelf-matcher/internal/database"
	"github.com/kozaktomas/shelf-matcher/internal/metrics"
	"github.com/kozaktomas/shelf-matcher/internal/pipeline"
	"github.com/kozaktomas/shelf-matcher/internal/web"
	"github.com/kozaktomas/shelf-matcher/internal/web/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server",
	Long: `Start the Shelf Matcher API server.
The server accepts match jobs over HTTP, streams their progress via
server-sent events and serves stored detections and candidates.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (default from WEB_PORT or 8080)")
	serveCmd.Flags().String("host", "", "Host to bind to (default from WEB_HOST or 0.0.0.0)")
	serveCmd.Flags().String("provider", "", "AI provider to use: openai, gemini, anthropic, ollama (default from config)")
}

// resolveServeHostPort applies the flags over the environment configuration.
func resolveServeHostPort(cmd *cobra.Command, wc *config.WebConfig) {
	if port := mustGetInt(cmd, "port"); port != 0 {
		wc.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		wc.Host = host
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	resolveServeHostPort(cmd, &cfg.Web)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	variant, err := pipeline.ParseVariant(cfg.Pipeline.Variant)
	if err != nil {
		return err
	}
	provider := cfg.Pipeline.Provider
	if p := mustGetString(cmd, "provider"); p != "" {
		provider = p
	}

	m, err := metrics.New()
	if err != nil {
		return err
	}

	fmt.Printf("Connecting to %s database...\n", cfg.Database.Driver)
	store, err := database.Open(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	defer store.Close()

	client, err := catalog.New(cfg.Catalog, m, nil)
	if err != nil {
		return fmt.Errorf("failed to create catalog client: %w", err)
	}
	comparator, err := ai.New(ctx, cfg, provider)
	if err != nil {
		return fmt.Errorf("failed to create %s comparator: %w", provider, err)
	}

	orchestrator, err := pipeline.New(pipeline.Deps{
		Catalog:    client,
		Crops:      &catalog.ImageLoader{BaseDir: cfg.Web.CropRoot, AllowedHosts: cfg.Web.CropHosts, Confine: true},
		Comparator: comparator,
		Store:      store,
		Metrics:    m,
	}, pipeline.ConfigFromPipeline(cfg.Pipeline))
	if err != nil {
		return err
	}

	server := web.NewServer(cfg.Web, web.Deps{
		Runner:  batch.New(orchestrator, m, nil),
		Store:   store,
		Metrics: m,
		Defaults: handlers.MatchDefaults{
			Variant:     variant,
			Concurrency: cfg.Pipeline.Concurrency,
		},
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting Shelf Matcher API on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	if cfg.Web.APIToken == "" {
		fmt.Println("Warning: WEB_API_TOKEN is not set, the API is unauthenticated")
	}
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	// Start returns once Shutdown closes the listener; the store stays open
	// until running jobs are done with it.
	<-shutdownDone
	return nil
}
