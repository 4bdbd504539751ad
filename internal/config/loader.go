package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	validStorageEngines = []string{"sqlite", "postgres"}
	validSimilarity     = []string{"none", "pgvector", "qdrant"}
	validEmbedders      = []string{"none", "openai"}
)

// Load reads the YAML file at path (if path is non-empty), applies
// CHRONICLE_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		applyEnv(cfg)
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults, applies environment
// overrides and validates. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", cfg.Server.Port))
	}
	if cfg.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit must not be negative"))
	}

	// Storage
	if !slices.Contains(validStorageEngines, cfg.Storage.Engine) {
		errs = append(errs, fmt.Errorf("storage.engine %q is invalid; valid values: %s", cfg.Storage.Engine, strings.Join(validStorageEngines, ", ")))
	}
	if cfg.Storage.Engine == "postgres" && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required when storage.engine is postgres"))
	}

	// Similarity
	if !slices.Contains(validSimilarity, cfg.Similarity.Provider) {
		errs = append(errs, fmt.Errorf("similarity.provider %q is invalid; valid values: %s", cfg.Similarity.Provider, strings.Join(validSimilarity, ", ")))
	}
	if cfg.Similarity.Provider == "pgvector" && cfg.Storage.Engine != "postgres" {
		errs = append(errs, errors.New("similarity.provider pgvector requires storage.engine postgres"))
	}
	if cfg.Similarity.Provider == "pgvector" && cfg.Storage.EmbeddingDimensions <= 0 {
		errs = append(errs, errors.New("storage.embedding_dimensions must be positive for pgvector"))
	}
	if cfg.Similarity.Threshold < 0 || cfg.Similarity.Threshold > 1 {
		errs = append(errs, fmt.Errorf("similarity.threshold %.2f is out of range [0, 1]", cfg.Similarity.Threshold))
	}
	if cfg.Similarity.Timeout <= 0 {
		errs = append(errs, errors.New("similarity.timeout must be positive"))
	}

	// Embedder
	if !slices.Contains(validEmbedders, cfg.Embedder.Provider) {
		errs = append(errs, fmt.Errorf("embedder.provider %q is invalid; valid values: %s", cfg.Embedder.Provider, strings.Join(validEmbedders, ", ")))
	}
	if cfg.Embedder.Provider == "openai" && cfg.Embedder.APIKey == "" {
		errs = append(errs, errors.New("embedder.api_key is required for the openai embedder"))
	}
	if cfg.Similarity.Provider != "none" && cfg.Embedder.Provider == "none" {
		slog.Warn("similarity search is configured without an embedder; similarity queries will return nothing")
	}

	// Engine
	e := cfg.Engine
	if e.RelationalTimeout <= 0 {
		errs = append(errs, errors.New("engine.relational_timeout must be positive"))
	}
	if e.MaxHops < 1 {
		errs = append(errs, fmt.Errorf("engine.max_hops %d must be at least 1", e.MaxHops))
	}
	for name, v := range map[string]float64{
		"engine.provisional_confidence": e.ProvisionalConfidence,
		"engine.corroboration_boost":    e.CorroborationBoost,
		"engine.corroboration_cap":      e.CorroborationCap,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s %.2f is out of range [0, 1]", name, v))
		}
	}
	if e.SweepDecayRate <= 0 || e.SweepDecayRate > 1 {
		errs = append(errs, fmt.Errorf("engine.sweep_decay_rate %.2f must be in (0, 1]", e.SweepDecayRate))
	}
	if e.SweepInterval < 0 {
		errs = append(errs, errors.New("engine.sweep_interval must not be negative"))
	}

	// Scorer
	if cfg.Scorer.OpenHalfLife <= 0 || cfg.Scorer.ClosedHalfLife <= 0 {
		errs = append(errs, errors.New("scorer half-lives must be positive"))
	}
	if cfg.Scorer.ClosedHalfLife > cfg.Scorer.OpenHalfLife {
		slog.Warn("scorer.closed_half_life is longer than open_half_life; closed facts will outlast open ones")
	}
	for src, r := range cfg.Scorer.SourceReliability {
		if r < 0 || r > 1 {
			errs = append(errs, fmt.Errorf("scorer.source_reliability[%s] %.2f is out of range [0, 1]", src, r))
		}
	}

	// Backup
	b := cfg.Backup
	if b.Hourly < 0 || b.Daily < 0 || b.Weekly < 0 || b.Monthly < 0 {
		errs = append(errs, errors.New("backup retention counts must not be negative"))
	}

	return errors.Join(errs...)
}

// applyEnv overrides fields from CHRONICLE_* environment variables.
func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("CHRONICLE_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("CHRONICLE_PORT", cfg.Server.Port)
	cfg.Server.LogLevel = LogLevel(getEnv("CHRONICLE_LOG_LEVEL", string(cfg.Server.LogLevel)))
	cfg.Server.RateLimit = getEnvFloat("CHRONICLE_RATE_LIMIT", cfg.Server.RateLimit)

	cfg.Storage.Engine = getEnv("CHRONICLE_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.DataPath = getEnv("CHRONICLE_DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.PostgresDSN = getEnv("CHRONICLE_POSTGRES_DSN", cfg.Storage.PostgresDSN)

	cfg.Similarity.Provider = getEnv("CHRONICLE_SIMILARITY_PROVIDER", cfg.Similarity.Provider)
	cfg.Similarity.QdrantHost = getEnv("CHRONICLE_QDRANT_HOST", cfg.Similarity.QdrantHost)
	cfg.Similarity.QdrantPort = getEnvInt("CHRONICLE_QDRANT_PORT", cfg.Similarity.QdrantPort)
	cfg.Similarity.Timeout = getEnvDuration("CHRONICLE_SIMILARITY_TIMEOUT", cfg.Similarity.Timeout)

	cfg.Embedder.Provider = getEnv("CHRONICLE_EMBEDDER_PROVIDER", cfg.Embedder.Provider)
	cfg.Embedder.APIKey = getEnv("CHRONICLE_OPENAI_API_KEY", cfg.Embedder.APIKey)
	cfg.Embedder.Model = getEnv("CHRONICLE_EMBEDDING_MODEL", cfg.Embedder.Model)

	cfg.Engine.SweepInterval = getEnvDuration("CHRONICLE_SWEEP_INTERVAL", cfg.Engine.SweepInterval)

	cfg.Backup.Dir = getEnv("CHRONICLE_BACKUP_DIR", cfg.Backup.Dir)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		slog.Warn("config: ignoring non-integer environment value", "key", key)
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		slog.Warn("config: ignoring non-numeric environment value", "key", key)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		slog.Warn("config: ignoring invalid duration environment value", "key", key)
	}
	return defaultValue
}
