package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// CurrentSchemaVersion is the store schema this build reads and writes.
const CurrentSchemaVersion = 2

// OllamaConfig selects the oracle server and models.
type OllamaConfig struct {
	BaseURL    string `json:"base_url"`
	EmbedModel string `json:"embed_model"`
	ChatModel  string `json:"chat_model"`
}

// ChunkingConfig sizes the chunker.
type ChunkingConfig struct {
	MaxTokens     int `json:"max_tokens"`
	OverlapTokens int `json:"overlap_tokens"`
}

// DecayConfig controls temporal decay in retrieval.
type DecayConfig struct {
	Enabled      bool    `json:"enabled"`
	HalfLifeDays float64 `json:"half_life_days"`
}

// RedactConfig toggles secret redaction of event content.
type RedactConfig struct {
	Enabled bool `json:"enabled"`
}

// Config is the store's config.json document.
type Config struct {
	Version       string                        `json:"version"`
	SchemaVersion int                           `json:"schema_version"`
	Ollama        OllamaConfig                  `json:"ollama"`
	Chunking      ChunkingConfig                `json:"chunking"`
	Decay         DecayConfig                   `json:"decay"`
	// PackModes maps mode name to section-fraction overrides.
	PackModes map[string]map[string]float64 `json:"pack_modes,omitempty"`
	// Boosts maps chunk source type to a retrieval score multiplier.
	Boosts map[string]float64 `json:"boosts,omitempty"`
	Redact RedactConfig       `json:"redact"`
}

// DefaultConfig returns the config written by init.
func DefaultConfig() Config {
	return Config{
		Version:       "1.0",
		SchemaVersion: CurrentSchemaVersion,
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
			ChatModel:  "gemma3:4b",
		},
		Chunking: ChunkingConfig{MaxTokens: 512, OverlapTokens: 50},
		Decay:    DecayConfig{Enabled: true, HalfLifeDays: 14},
		Redact:   RedactConfig{Enabled: true},
	}
}

// envOverrides mirrors dotfile-style environment configuration; values
// set in the environment win over config.json.
type envOverrides struct {
	OllamaBaseURL string `env:"MEMBANK_OLLAMA_BASE_URL"`
	EmbedModel    string `env:"MEMBANK_EMBED_MODEL"`
	ChatModel     string `env:"MEMBANK_CHAT_MODEL"`
}

// ReadConfig loads config.json and applies MEMBANK_* environment
// overrides.
func (s *Store) ReadConfig() (Config, error) {
	data, err := os.ReadFile(filepath.Join(s.root, "config.json"))
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: config.json: %v", ErrCorrupt, err)
	}
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = 1
	}

	var ov envOverrides
	if err := env.Parse(&ov); err == nil {
		if ov.OllamaBaseURL != "" {
			cfg.Ollama.BaseURL = ov.OllamaBaseURL
		}
		if ov.EmbedModel != "" {
			cfg.Ollama.EmbedModel = ov.EmbedModel
		}
		if ov.ChatModel != "" {
			cfg.Ollama.ChatModel = ov.ChatModel
		}
	}
	return cfg, nil
}

// WriteConfig persists config.json.
func (s *Store) WriteConfig(cfg Config) error {
	return writeJSONFile(filepath.Join(s.root, "config.json"), cfg)
}
