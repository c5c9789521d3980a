package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed prices.yaml
var pricesYAML []byte

//go:embed pipeline.yaml
var pipelineYAML []byte

type Config struct {
	Catalog   CatalogConfig
	OpenAI    OpenAIConfig
	Gemini    GeminiConfig
	Anthropic AnthropicConfig
	Ollama    OllamaConfig
	Database  DatabaseConfig
	Pipeline  PipelineConfig
	Log       LogConfig
	Web       WebConfig
	Prices    PricesConfig
}

type CatalogConfig struct {
	URL      string        // catalog search API base URL
	Token    string        // bearer token, optional
	Domain   string        // public catalog site for product links (e.g., https://catalog.example.com)
	CacheTTL time.Duration // search result cache lifetime, 0 disables caching
}

// ProductURL returns an OSC 8 hyperlink for terminal emulators.
// Displays the key but makes it clickable to open the product page.
// Returns empty string if Domain is not set.
func (c *CatalogConfig) ProductURL(key string) string {
	if c.Domain == "" {
		return ""
	}
	url := strings.TrimSuffix(c.Domain, "/") + "/products/" + key
	// OSC 8 hyperlink format: \e]8;;URL\e\\TEXT\e]8;;\e\\
	return "\x1b]8;;" + url + "\x1b\\" + key + "\x1b]8;;\x1b\\"
}

type OpenAIConfig struct {
	Token string
	Model string // defaults to gpt-4.1-mini
}

type GeminiConfig struct {
	APIKey string
	Model  string // defaults to gemini-2.5-flash
}

type AnthropicConfig struct {
	APIKey string
	Model  string // defaults to claude-sonnet-4-5
}

type OllamaConfig struct {
	URL   string // defaults to http://localhost:11434
	Model string // defaults to llama3.2-vision:11b
}

type DatabaseConfig struct {
	Driver       string // postgres, sqlite or mysql
	URL          string // connection URL / DSN / file path
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or console
}

type WebConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
	APIToken       string   // bearer token required on /api/v1 when set
	CropRoot       string   // directory request crop paths resolve in; empty rejects file crops
	CropHosts      []string // hosts request crop URLs may point at
}

// PipelineConfig holds the matching tunables. Defaults come from the embedded
// pipeline.yaml and can be overridden by MATCHER_CONFIG_FILE and env vars.
type PipelineConfig struct {
	Variant                string          `yaml:"variant"`
	Concurrency            int             `yaml:"concurrency"`
	Provider               string          `yaml:"provider"`
	SearchLimit            int             `yaml:"search_limit"`
	SaveThreshold          float64         `yaml:"save_threshold"`
	PassThreshold          float64         `yaml:"pass_threshold"`
	MinAttributeConfidence float64         `yaml:"min_attribute_confidence"`
	ParseRetries           int             `yaml:"parse_retries"`
	ImageMaxSize           int             `yaml:"image_max_size"`
	SearchTimeout          time.Duration   `yaml:"search_timeout"`
	CompareTimeout         time.Duration   `yaml:"compare_timeout"`
	Prefilter              PrefilterConfig `yaml:"prefilter"`
	Budget                 BudgetConfig    `yaml:"budget"`
}

type PrefilterConfig struct {
	Threshold float64       `yaml:"threshold"`
	Neutral   float64       `yaml:"neutral"`
	Weights   WeightsConfig `yaml:"weights"`
}

type WeightsConfig struct {
	Brand   float64 `yaml:"brand"`
	Size    float64 `yaml:"size"`
	Context float64 `yaml:"context"`
}

// BudgetConfig limits comparison-service usage. Zero values disable a limit.
type BudgetConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	MaxCalls      int     `yaml:"max_calls"`
}

type PricesConfig struct {
	Models map[string]ModelPricing `yaml:"models"`
}

type ModelPricing struct {
	Standard RequestPricing `yaml:"standard"`
}

type RequestPricing struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a non-negative float.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultVal
}

// envDuration reads an environment variable as a Go duration ("30s", "2m").
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DefaultPipeline returns the embedded pipeline defaults.
func DefaultPipeline() PipelineConfig {
	var p PipelineConfig
	if err := yaml.Unmarshal(pipelineYAML, &p); err != nil {
		// embedded file, only a broken build gets here
		panic("failed to unmarshal embedded pipeline.yaml: " + err.Error())
	}
	return p
}

// LoadPipelineFile overlays the YAML file at path onto base.
func LoadPipelineFile(base PipelineConfig, path string) (PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read pipeline config: %w", err)
	}
	if err := yaml.Unmarshal(data, &base); err != nil {
		return base, fmt.Errorf("parse pipeline config %s: %w", path, err)
	}
	return base, nil
}

func Load() (*Config, error) {
	var prices PricesConfig
	if err := yaml.Unmarshal(pricesYAML, &prices); err != nil {
		panic("failed to unmarshal embedded prices.yaml: " + err.Error())
	}

	pipeline := DefaultPipeline()
	if path := os.Getenv("MATCHER_CONFIG_FILE"); path != "" {
		var err error
		if pipeline, err = LoadPipelineFile(pipeline, path); err != nil {
			return nil, err
		}
	}
	applyPipelineEnv(&pipeline)

	return &Config{
		Catalog: CatalogConfig{
			URL:      os.Getenv("CATALOG_URL"),
			Token:    os.Getenv("CATALOG_TOKEN"),
			Domain:   os.Getenv("CATALOG_DOMAIN"),
			CacheTTL: envDuration("CATALOG_CACHE_TTL", 10*time.Minute),
		},
		OpenAI: OpenAIConfig{
			Token: os.Getenv("OPENAI_TOKEN"),
			Model: os.Getenv("OPENAI_MODEL"),
		},
		Gemini: GeminiConfig{
			APIKey: os.Getenv("GEMINI_API_KEY"),
			Model:  os.Getenv("GEMINI_MODEL"),
		},
		Anthropic: AnthropicConfig{
			APIKey: os.Getenv("ANTHROPIC_API_KEY"),
			Model:  os.Getenv("ANTHROPIC_MODEL"),
		},
		Ollama: OllamaConfig{
			URL:   os.Getenv("OLLAMA_URL"),
			Model: os.Getenv("OLLAMA_MODEL"),
		},
		Database: DatabaseConfig{
			Driver:       envString("DATABASE_DRIVER", "postgres"),
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Pipeline: pipeline,
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "json"),
		},
		Web: WebConfig{
			Host:           envString("WEB_HOST", "0.0.0.0"),
			Port:           envInt("WEB_PORT", 8080),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
			APIToken:       os.Getenv("WEB_API_TOKEN"),
			CropRoot:       os.Getenv("WEB_CROP_ROOT"),
			CropHosts:      envList("WEB_CROP_HOSTS"),
		},
		Prices: prices,
	}, nil
}

func applyPipelineEnv(p *PipelineConfig) {
	p.Variant = envString("MATCH_VARIANT", p.Variant)
	p.Provider = envString("MATCH_PROVIDER", p.Provider)
	p.Concurrency = envInt("MATCH_CONCURRENCY", p.Concurrency)
	p.SearchLimit = envInt("MATCH_SEARCH_LIMIT", p.SearchLimit)
	p.SaveThreshold = envFloat("MATCH_SAVE_THRESHOLD", p.SaveThreshold)
	p.PassThreshold = envFloat("MATCH_PASS_THRESHOLD", p.PassThreshold)
	p.Prefilter.Threshold = envFloat("PREFILTER_THRESHOLD", p.Prefilter.Threshold)
	p.SearchTimeout = envDuration("SEARCH_TIMEOUT", p.SearchTimeout)
	p.CompareTimeout = envDuration("COMPARE_TIMEOUT", p.CompareTimeout)
	p.Budget.RatePerSecond = envFloat("BUDGET_RATE_PER_SECOND", p.Budget.RatePerSecond)
	p.Budget.MaxCalls = envInt("BUDGET_MAX_CALLS", p.Budget.MaxCalls)
}

// GetModelPricing returns pricing for a specific model, with fallback defaults
func (c *Config) GetModelPricing(modelName string) ModelPricing {
	if pricing, ok := c.Prices.Models[modelName]; ok {
		return pricing
	}
	// Return zero pricing if model not found
	return ModelPricing{}
}
