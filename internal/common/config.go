// -----------------------------------------------------------------------
// Last Modified: Tuesday, 14th October 2025 12:37:59 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package common

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the single nested configuration object for the pipeline.
// It is loaded from a TOML file and may be overridden by PIPELINE_*
// environment variables. Unknown keys in the TOML source are a
// configuration error, not a silently-ignored typo.
type Config struct {
	Environment string `toml:"environment"`

	Paths     PathsConfig     `toml:"paths"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Database  DatabaseConfig  `toml:"database"`
	LLM       LLMConfig       `toml:"llm"`
	Claude    ClaudeConfig    `toml:"claude"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Fusion    FusionConfig    `toml:"fusion"`
	Logging   LoggingConfig   `toml:"logging"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// PathsConfig locates the source trees and the pipeline's own working
// directories on disk.
type PathsConfig struct {
	AnnualReportsDir   string `toml:"annual_reports_dir"`
	ResearchReportsDir string `toml:"research_reports_dir"`
	ExtractedDir       string `toml:"extracted_dir"`
	CheckpointsDir     string `toml:"checkpoints_dir"`
	LocksDir           string `toml:"locks_dir"`
}

// PipelineConfig controls the orchestrator's run-time behavior.
type PipelineConfig struct {
	MaxConcurrent  int           `toml:"max_concurrent"`
	ForceReprocess bool          `toml:"force_reprocess"`
	DryRun         bool          `toml:"dry_run"`
	LockTimeout    time.Duration `toml:"lock_timeout"`
}

// DatabaseConfig configures the pgx connection pool.
type DatabaseConfig struct {
	DSN            string        `toml:"dsn"`
	PoolSize       int           `toml:"pool_size"`
	PoolOverflow   int           `toml:"pool_overflow"`
	CommandTimeout time.Duration `toml:"command_timeout"`
}

// LLMConfig selects and bounds the extraction adapter.
type LLMConfig struct {
	Provider   string        `toml:"provider"`
	Timeout    time.Duration `toml:"timeout"`
	MaxRetries int           `toml:"max_retries"`
}

// ClaudeConfig configures the concrete Anthropic adapter used when
// LLM.Provider == "claude".
type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float32 `toml:"temperature"`
}

// EmbeddingConfig configures the embedding adapter and the vector-index
// builder's batching/truncation behavior.
type EmbeddingConfig struct {
	BaseURL       string        `toml:"base_url"`
	Model         string        `toml:"model"`
	Dimension     int           `toml:"dimension"`
	BatchSize     int           `toml:"batch_size"`
	MaxBatchSize  int           `toml:"max_batch_size"`
	MaxTextLength int           `toml:"max_text_length"`
	Timeout       time.Duration `toml:"timeout"`
}

// FusionConfig bounds the fusion engine's per-concept merge behavior.
type FusionConfig struct {
	MaxSourceSentences int `toml:"max_source_sentences"`
}

// LoggingConfig configures the arbor logger.
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Format     string   `toml:"format"`
	Output     []string `toml:"output"`
	TimeFormat string   `toml:"time_format"`
}

// MetricsConfig controls the optional Prometheus exposition server.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// NewDefaultConfig returns a Config populated with the pipeline's
// built-in defaults. Callers overlay a TOML file and environment
// overrides on top of this.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Paths: PathsConfig{
			AnnualReportsDir:   "./data/annual_reports",
			ResearchReportsDir: "./data/research_reports",
			ExtractedDir:       "./data/extracted",
			CheckpointsDir:     "./data/checkpoints",
			LocksDir:           "./data/locks",
		},
		Pipeline: PipelineConfig{
			MaxConcurrent:  4,
			ForceReprocess: false,
			DryRun:         false,
			LockTimeout:    30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:            "postgres://localhost:5432/ashare_filings",
			PoolSize:       10,
			PoolOverflow:   5,
			CommandTimeout: 30 * time.Second,
		},
		LLM: LLMConfig{
			Provider:   "claude",
			Timeout:    3 * time.Minute,
			MaxRetries: 3,
		},
		Claude: ClaudeConfig{
			Model:       "claude-sonnet-4-20250514",
			MaxTokens:   8192,
			Temperature: 0.0,
		},
		Embedding: EmbeddingConfig{
			BaseURL:       "http://localhost:11434",
			Model:         "bge-m3",
			Dimension:     2560,
			BatchSize:     50,
			MaxBatchSize:  200,
			MaxTextLength: 8000,
			Timeout:       5 * time.Minute,
		},
		Fusion: FusionConfig{
			MaxSourceSentences: 20,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05.000",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: ":9090",
		},
	}
}

// LoadFromFile reads and merges a single TOML configuration file on top
// of the built-in defaults. Unknown keys are rejected: a typo'd field
// name is a startup error, not a silently-ignored override.
func LoadFromFile(path string) (*Config, error) {
	config := NewDefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(config)
			return config, nil
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// Validate checks invariants that the zero value or a malformed TOML
// file could otherwise violate silently.
func (c *Config) Validate() error {
	if c.Pipeline.MaxConcurrent <= 0 {
		return fmt.Errorf("pipeline.max_concurrent must be positive, got %d", c.Pipeline.MaxConcurrent)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Fusion.MaxSourceSentences <= 0 {
		return fmt.Errorf("fusion.max_source_sentences must be positive, got %d", c.Fusion.MaxSourceSentences)
	}
	switch c.LLM.Provider {
	case "claude", "":
	default:
		return fmt.Errorf("llm.provider %q is not recognized", c.LLM.Provider)
	}
	return nil
}

// applyEnvOverrides lets deployment environments override individual
// settings without editing the TOML file, following the teacher's
// env-override convention (there QUAERO_*, here PIPELINE_*).
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("PIPELINE_ENVIRONMENT"); v != "" {
		config.Environment = v
	}
	if v := os.Getenv("PIPELINE_ANNUAL_REPORTS_DIR"); v != "" {
		config.Paths.AnnualReportsDir = v
	}
	if v := os.Getenv("PIPELINE_RESEARCH_REPORTS_DIR"); v != "" {
		config.Paths.ResearchReportsDir = v
	}
	if v := os.Getenv("PIPELINE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Pipeline.MaxConcurrent = n
		}
	}
	if v := os.Getenv("PIPELINE_FORCE_REPROCESS"); v != "" {
		config.Pipeline.ForceReprocess = v == "true" || v == "1"
	}
	if v := os.Getenv("PIPELINE_DRY_RUN"); v != "" {
		config.Pipeline.DryRun = v == "true" || v == "1"
	}
	if v := os.Getenv("PIPELINE_DATABASE_DSN"); v != "" {
		config.Database.DSN = v
	}
	if v := os.Getenv("PIPELINE_DATABASE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Database.PoolSize = n
		}
	}
	if v := os.Getenv("PIPELINE_LLM_PROVIDER"); v != "" {
		config.LLM.Provider = v
	}
	if v := os.Getenv("PIPELINE_CLAUDE_API_KEY"); v != "" {
		config.Claude.APIKey = v
	}
	if v := os.Getenv("PIPELINE_CLAUDE_MODEL"); v != "" {
		config.Claude.Model = v
	}
	if v := os.Getenv("PIPELINE_EMBEDDING_BASE_URL"); v != "" {
		config.Embedding.BaseURL = v
	}
	if v := os.Getenv("PIPELINE_EMBEDDING_MODEL"); v != "" {
		config.Embedding.Model = v
	}
	if v := os.Getenv("PIPELINE_EMBEDDING_DIMENSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Embedding.Dimension = n
		}
	}
	if v := os.Getenv("PIPELINE_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("PIPELINE_LOG_FORMAT"); v != "" {
		config.Logging.Format = v
	}
	if v := os.Getenv("PIPELINE_METRICS_ENABLED"); v != "" {
		config.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PIPELINE_METRICS_LISTEN_ADDR"); v != "" {
		config.Metrics.ListenAddr = v
	}
}
