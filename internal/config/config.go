package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the docsense API configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	AI       AIConfig       `yaml:"ai"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// DatabaseConfig holds Postgres connection settings. The documents table
// carries a pgvector column, so the target server needs the vector extension.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifeSec  int    `yaml:"conn_max_life_sec"`
	ReadinessSec    int    `yaml:"readiness_timeout_sec"`
	MigrateOnStart  bool   `yaml:"migrate_on_start"`
	EmbeddingDim    int    `yaml:"embedding_dimensions"`
}

// CacheConfig holds the optional Redis embedding cache settings.
type CacheConfig struct {
	Addrs    []string `yaml:"addrs"` // empty disables the cache
	Password string   `yaml:"password"`
	TTLSec   int      `yaml:"ttl_sec"`
}

// AIConfig holds settings for the external OpenAI-compatible services used
// for OCR, classification, chat and embeddings.
type AIConfig struct {
	APIKey              string `yaml:"api_key"`
	BaseURL             string `yaml:"base_url"`
	ChatModel           string `yaml:"chat_model"`
	VisionModel         string `yaml:"vision_model"`
	EmbeddingModel      string `yaml:"embedding_model"`
	EmbeddingDimensions int    `yaml:"embedding_dimensions"`
	RequestTimeoutSec   int    `yaml:"request_timeout_sec"`
	DocumentInstruction string `yaml:"document_instruction"`
	QueryInstruction    string `yaml:"query_instruction"`
}

// PipelineConfig holds ingestion pipeline settings.
type PipelineConfig struct {
	Workers        int `yaml:"workers"`          // concurrently running pipelines
	OCRConcurrency int `yaml:"ocr_concurrency"`  // parallel OCR calls within one pipeline
	MaxPages       int `yaml:"max_pages"`        // pages rendered per document
	MaxFileSizeMB  int `yaml:"max_file_size_mb"` // upload size cap
	BackfillRPS    int `yaml:"backfill_rps"`     // embedding backfill throttle
}

// StorageConfig holds blob storage settings.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		// Chat streaming holds the response open; keep this generous.
		c.HTTP.WriteTimeoutSec = 300
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifeSec <= 0 {
		c.Database.ConnMaxLifeSec = 300
	}
	if c.Database.ReadinessSec <= 0 {
		c.Database.ReadinessSec = 10
	}
	if c.Database.EmbeddingDim <= 0 {
		c.Database.EmbeddingDim = 1536
	}
	if c.Cache.TTLSec <= 0 {
		c.Cache.TTLSec = 7 * 24 * 3600
	}
	if c.AI.ChatModel == "" {
		c.AI.ChatModel = "gpt-4o-mini"
	}
	if c.AI.VisionModel == "" {
		c.AI.VisionModel = c.AI.ChatModel
	}
	if c.AI.EmbeddingModel == "" {
		c.AI.EmbeddingModel = "text-embedding-3-small"
	}
	if c.AI.EmbeddingDimensions <= 0 {
		c.AI.EmbeddingDimensions = c.Database.EmbeddingDim
	}
	if c.AI.RequestTimeoutSec <= 0 {
		c.AI.RequestTimeoutSec = 30
	}
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = 2
	}
	if c.Pipeline.OCRConcurrency <= 0 {
		c.Pipeline.OCRConcurrency = 3
	}
	if c.Pipeline.MaxPages <= 0 {
		c.Pipeline.MaxPages = 10
	}
	if c.Pipeline.MaxFileSizeMB <= 0 {
		c.Pipeline.MaxFileSizeMB = 50
	}
	if c.Pipeline.BackfillRPS <= 0 {
		c.Pipeline.BackfillRPS = 10
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.AI.APIKey == "" {
		return fmt.Errorf("ai.api_key is required")
	}
	if c.AI.EmbeddingDimensions != c.Database.EmbeddingDim {
		return fmt.Errorf(
			"ai.embedding_dimensions (%d) must match database.embedding_dimensions (%d)",
			c.AI.EmbeddingDimensions, c.Database.EmbeddingDim,
		)
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
