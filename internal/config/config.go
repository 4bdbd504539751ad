// Package config provides configuration management for Chronicle.
//
// Settings come from an optional YAML file, then CHRONICLE_* environment
// variables override individual fields, then the result is validated.
// Every field has a sensible default so an empty file (or none) yields a
// working single-node SQLite setup.
package config

import (
	"time"
)

// Config holds all configuration settings for Chronicle.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Similarity SimilarityConfig `yaml:"similarity"`
	Embedder   EmbedderConfig   `yaml:"embedder"`
	Engine     EngineConfig     `yaml:"engine"`
	Scorer     ScorerConfig     `yaml:"scorer"`
	Backup     BackupConfig     `yaml:"backup"`
}

// LogLevel is the minimum slog level.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a known level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host           string   `yaml:"host"`            // default: 127.0.0.1
	Port           int      `yaml:"port"`            // default: 7474
	LogLevel       LogLevel `yaml:"log_level"`       // default: info
	RateLimit      float64  `yaml:"rate_limit"`      // requests/second per client; 0 disables
	Burst          int      `yaml:"burst"`           // default: 20
	AllowedOrigins []string `yaml:"allowed_origins"` // WebSocket origin patterns
}

// StorageConfig contains fact store settings.
type StorageConfig struct {
	Engine              string `yaml:"engine"`               // sqlite | postgres (default: sqlite)
	DataPath            string `yaml:"data_path"`            // SQLite directory (default: ./data)
	PostgresDSN         string `yaml:"postgres_dsn"`         // required when engine is postgres
	EmbeddingDimensions int    `yaml:"embedding_dimensions"` // pgvector column size (default: 1536)
}

// SimilarityConfig configures the vector-similarity service.
type SimilarityConfig struct {
	Provider   string        `yaml:"provider"` // none | pgvector | qdrant (default: none)
	QdrantHost string        `yaml:"qdrant_host"`
	QdrantPort int           `yaml:"qdrant_port"`
	Collection string        `yaml:"collection"`
	Limit      int           `yaml:"limit"`     // default: 10
	Threshold  float64       `yaml:"threshold"` // default: 0.3
	Timeout    time.Duration `yaml:"timeout"`   // default: 2s
	Breaker    BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the similarity circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"` // default: 5
	OpenTimeout time.Duration `yaml:"open_timeout"` // default: 30s
}

// EmbedderConfig configures the embedding generator.
type EmbedderConfig struct {
	Provider string `yaml:"provider"` // none | openai (default: none)
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
}

// EngineConfig tunes query orchestration and fact maintenance.
type EngineConfig struct {
	RelationalTimeout     time.Duration `yaml:"relational_timeout"`     // default: 2s
	MaxHops               int           `yaml:"max_hops"`               // default: 2
	RelationalLimit       int           `yaml:"relational_limit"`       // default: 20
	ProvisionalConfidence float64       `yaml:"provisional_confidence"` // default: 0.3
	CorroborationBoost    float64       `yaml:"corroboration_boost"`    // default: 0.3
	CorroborationCap      float64       `yaml:"corroboration_cap"`      // default: 0.95
	FreshnessThreshold    time.Duration `yaml:"freshness_threshold"`    // default: 720h
	SweepInterval         time.Duration `yaml:"sweep_interval"`         // default: 6h; 0 disables
	SweepDecayRate        float64       `yaml:"sweep_decay_rate"`       // default: 0.95
	SweepBatch            int           `yaml:"sweep_batch"`            // default: 500
}

// ScorerConfig tunes the confidence scorer.
type ScorerConfig struct {
	OpenHalfLife      time.Duration      `yaml:"open_half_life"`     // default: 4320h (180 days)
	ClosedHalfLife    time.Duration      `yaml:"closed_half_life"`   // default: 1440h (60 days)
	BonusPerSource    float64            `yaml:"bonus_per_source"`   // default: 0.05
	MaxBonus          float64            `yaml:"max_bonus"`          // default: 0.2
	SourceReliability map[string]float64 `yaml:"source_reliability"` // overrides per source
}

// BackupConfig configures SQLite snapshots and their retention tiers.
type BackupConfig struct {
	Dir     string `yaml:"dir"`     // default: <data_path>/backups
	Hourly  int    `yaml:"hourly"`  // snapshots kept from the last 24h (default: 24)
	Daily   int    `yaml:"daily"`   // from the last 7 days (default: 7)
	Weekly  int    `yaml:"weekly"`  // from the last 30 days (default: 4)
	Monthly int    `yaml:"monthly"` // from the last year (default: 12)
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     7474,
			LogLevel: LogInfo,
			Burst:    20,
		},
		Storage: StorageConfig{
			Engine:              "sqlite",
			DataPath:            "./data",
			EmbeddingDimensions: 1536,
		},
		Similarity: SimilarityConfig{
			Provider:   "none",
			QdrantHost: "localhost",
			QdrantPort: 6334,
			Collection: "chronicle",
			Limit:      10,
			Threshold:  0.3,
			Timeout:    2 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenTimeout: 30 * time.Second,
			},
		},
		Embedder: EmbedderConfig{
			Provider: "none",
		},
		Engine: EngineConfig{
			RelationalTimeout:     2 * time.Second,
			MaxHops:               2,
			RelationalLimit:       20,
			ProvisionalConfidence: 0.3,
			CorroborationBoost:    0.3,
			CorroborationCap:      0.95,
			FreshnessThreshold:    30 * 24 * time.Hour,
			SweepInterval:         6 * time.Hour,
			SweepDecayRate:        0.95,
			SweepBatch:            500,
		},
		Scorer: ScorerConfig{
			OpenHalfLife:   180 * 24 * time.Hour,
			ClosedHalfLife: 60 * 24 * time.Hour,
			BonusPerSource: 0.05,
			MaxBonus:       0.2,
		},
		Backup: BackupConfig{
			Hourly:  24,
			Daily:   7,
			Weekly:  4,
			Monthly: 12,
		},
	}
}
