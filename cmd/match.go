package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/shelf-matcher/internal/ai"
	"github.com/kozaktomas/shelf-matcher/internal/batch"
	"github.com/kozaktomas/shelf-matcher/internal/catalog"
	"github.com/kozaktomas/shelf-matcher/internal/config"
	"github.com/kozaktomas/shelf-matcher/internal/database"
	dbmock "github.com/kozaktomas/shelf-matcher/internal/database/mock"
	"github.com/kozaktomas/shelf-matcher/internal/metrics"
	"github.com/kozaktomas/shelf-matcher/internal/pipeline"
	"github.com/kozaktomas/shelf-matcher/internal/product"
)

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Match a batch of detections to catalog products",
	Long: `Match runs every detection in the input file through the matching pipeline
and stores the candidates and resolutions in the configured database.

The input is a JSON array of detections. Crop paths are resolved relative to
the input file.`,
	RunE: runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)

	matchCmd.Flags().String("input", "", "JSON file with the detections to match (- for stdin)")
	matchCmd.Flags().String("variant", "", "Pipeline variant: ai-filter or visual-only (default from config)")
	matchCmd.Flags().Int("concurrency", 0, "Number of detections processed in parallel (default from config)")
	matchCmd.Flags().String("provider", "", "AI provider to use: openai, gemini, anthropic, ollama (default from config)")
	matchCmd.Flags().Bool("dry-run", false, "Keep results in memory instead of writing to the database")
	matchCmd.Flags().Bool("no-progress", false, "Disable the progress bar (always off when stdout is not a terminal)")
	_ = matchCmd.MarkFlagRequired("input")
}

// matchSettings are the flag values merged over the pipeline config.
type matchSettings struct {
	variant     pipeline.Variant
	concurrency int
	provider    string
}

func resolveMatchSettings(cmd *cobra.Command, p config.PipelineConfig) (matchSettings, error) {
	s := matchSettings{
		concurrency: p.Concurrency,
		provider:    p.Provider,
	}
	variant := p.Variant
	if v := mustGetString(cmd, "variant"); v != "" {
		variant = v
	}
	var err error
	if s.variant, err = pipeline.ParseVariant(variant); err != nil {
		return s, err
	}
	if c := mustGetInt(cmd, "concurrency"); c != 0 {
		s.concurrency = c
	}
	if s.concurrency < 1 {
		return s, batch.ErrInvalidConcurrency
	}
	if prov := mustGetString(cmd, "provider"); prov != "" {
		s.provider = prov
	}
	return s, nil
}

// readDetections decodes a JSON array of detections from path, or stdin for "-".
func readDetections(path string) ([]*product.Detection, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	var detections []*product.Detection
	if err := json.NewDecoder(r).Decode(&detections); err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}
	return detections, nil
}

func openStore(ctx context.Context, cfg *config.Config, dryRun bool) (database.Store, error) {
	if dryRun {
		return dbmock.NewMockStore(), nil
	}
	store, err := database.Open(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	return store, nil
}

func runMatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	input := mustGetString(cmd, "input")
	dryRun := mustGetBool(cmd, "dry-run")
	showProgress := !mustGetBool(cmd, "no-progress") && isTerminal(os.Stdout)

	settings, err := resolveMatchSettings(cmd, cfg.Pipeline)
	if err != nil {
		return err
	}

	detections, err := readDetections(input)
	if err != nil {
		return err
	}

	// Set up context with signal handling for graceful cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			fmt.Println("\nReceived interrupt signal, finishing in-flight detections...")
			cancel()
		case <-ctx.Done():
		}
	}()

	m, err := metrics.New()
	if err != nil {
		return err
	}

	if !dryRun {
		lock, err := lockDatabaseFile(cfg.Database)
		if err != nil {
			return err
		}
		defer unlock(lock)
	}

	store, err := openStore(ctx, cfg, dryRun)
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := catalog.New(cfg.Catalog, m, nil)
	if err != nil {
		return fmt.Errorf("failed to create catalog client: %w", err)
	}

	comparator, err := ai.New(ctx, cfg, settings.provider)
	if err != nil {
		return fmt.Errorf("failed to create %s comparator: %w", settings.provider, err)
	}

	crops := &catalog.ImageLoader{}
	if input != "-" {
		crops.BaseDir = filepath.Dir(input)
	}

	orchestrator, err := pipeline.New(pipeline.Deps{
		Catalog:    client,
		Crops:      crops,
		Comparator: comparator,
		Store:      store,
		Metrics:    m,
	}, pipeline.ConfigFromPipeline(cfg.Pipeline))
	if err != nil {
		return err
	}

	fmt.Printf("Matching %d detections\n", len(detections))
	fmt.Printf("Variant: %s\n", settings.variant)
	fmt.Printf("Provider: %s\n", comparator.Name())
	fmt.Printf("Concurrency: %d\n", settings.concurrency)
	if dryRun {
		fmt.Println("Mode: DRY RUN (results are not persisted)")
	}
	fmt.Println()

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.NewOptions(len(detections),
			progressbar.OptionSetDescription("Matching"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("detections"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
	}

	executor := batch.New(orchestrator, m, nil)
	events, err := executor.Run(ctx, detections, batch.Options{
		Concurrency: settings.concurrency,
		Variant:     settings.variant,
		OnEvent: func(ev batch.Event) {
			if bar != nil && ev.Type == batch.EventProgress {
				_ = bar.Add(1)
			}
		},
	})
	if err != nil {
		return err
	}

	final, err := batch.Wait(events)
	if err != nil {
		return err
	}
	if bar != nil {
		_ = bar.Finish()
	}

	printMatchSummary(cfg, final, comparator.GetUsage())
	if final.Totals.Errors > 0 {
		return fmt.Errorf("%d of %d detections failed", final.Totals.Errors, final.Totals.Total)
	}
	return nil
}

func printMatchSummary(cfg *config.Config, final batch.Event, usage ai.Usage) {
	t := final.Totals
	fmt.Printf("\nProcessed: %d detections\n", t.Completed)
	fmt.Printf("  Matched:  %d\n", t.Success)
	fmt.Printf("  No match: %d\n", t.NoMatch)
	fmt.Printf("  Errors:   %d\n", t.Errors)

	if usage.Calls > 0 {
		fmt.Printf("\nAPI Usage:\n")
		fmt.Printf("  Calls: %d\n", usage.Calls)
		fmt.Printf("  Input tokens: %d\n", usage.InputTokens)
		fmt.Printf("  Output tokens: %d\n", usage.OutputTokens)
		fmt.Printf("  Total cost: $%.4f\n", usage.TotalCost)
	}

	if len(final.Outcomes) == 0 {
		return
	}
	fmt.Println("\nDetections:")
	for _, o := range final.Outcomes {
		switch {
		case o.Kind == pipeline.KindError:
			fmt.Printf("  %s: error: %s\n", o.DetectionID, o.Error)
		case o.Resolved:
			key := o.ChosenKey
			if link := cfg.Catalog.ProductURL(o.ChosenKey); link != "" {
				key = link
			}
			fmt.Printf("  %s: %s (%s, %.0f%%)\n", o.DetectionID, key, o.Method, o.Confidence*100)
		default:
			fmt.Printf("  %s: %s: %s\n", o.DetectionID, o.Kind, o.Reason)
		}
	}
}
