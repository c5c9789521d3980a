package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kozaktomas/shelf-matcher/internal/config"

	// registered storage backends
	_ "github.com/kozaktomas/shelf-matcher/internal/database/mariadb"
	_ "github.com/kozaktomas/shelf-matcher/internal/database/postgres"
	_ "github.com/kozaktomas/shelf-matcher/internal/database/sqlite"
)

var rootCmd = &cobra.Command{
	Use:   "shelf-matcher",
	Short: "Match shelf detections to catalog products",
	Long: `Shelf Matcher resolves product detections cropped from shelf photos to
entries of a product catalog. Each detection goes through catalog search, an
attribute pre-filter and multimodal comparison (OpenAI, Gemini, Anthropic or
Ollama), and every candidate's progress is persisted.`,
	SilenceUsage: true,
}

func Execute() {
	defer func() { _ = zap.L().Sync() }()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// loadConfig reads the configuration and installs the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.InitLogger(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}
