package config

import "testing"

func validConfig() Config {
	cfg := Config{
		HTTP:     HTTPConfig{Port: 8080},
		Database: DatabaseConfig{URL: "postgres://localhost:5432/docsense?sslmode=disable"},
		AI:       AIConfig{APIKey: "test-key"},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidate_Valid(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := validConfig()
	cfg.HTTP.Port = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid port")
	}
}

func TestValidate_MissingDatabaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.Database.URL = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing database url")
	}
}

func TestValidate_MissingAPIKey(t *testing.T) {
	cfg := validConfig()
	cfg.AI.APIKey = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing api key")
	}
}

func TestValidate_DimensionMismatch(t *testing.T) {
	cfg := validConfig()
	cfg.AI.EmbeddingDimensions = 768
	cfg.Database.EmbeddingDim = 1536

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for embedding dimension mismatch")
	}
}

func TestApplyDefaults_PipelineDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	if cfg.Pipeline.Workers != 2 {
		t.Errorf("expected 2 pipeline workers, got %d", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.OCRConcurrency != 3 {
		t.Errorf("expected OCR concurrency 3, got %d", cfg.Pipeline.OCRConcurrency)
	}
	if cfg.Pipeline.BackfillRPS != 10 {
		t.Errorf("expected backfill rps 10, got %d", cfg.Pipeline.BackfillRPS)
	}
	if cfg.Pipeline.MaxPages != 10 {
		t.Errorf("expected max pages 10, got %d", cfg.Pipeline.MaxPages)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("DOCSENSE_TEST_KEY", "secret")

	out := expandEnvVars([]byte("api_key: ${DOCSENSE_TEST_KEY}\nurl: ${DOCSENSE_TEST_MISSING:-fallback}"))

	want := "api_key: secret\nurl: fallback"
	if string(out) != want {
		t.Errorf("unexpected expansion:\ngot:  %q\nwant: %q", string(out), want)
	}
}
