// Package config loads and holds all proxy configuration.
// Settings are layered: defaults → TOML config file → environment variables (env vars win).
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/pelletier/go-toml/v2"

	"mcpconceal/internal/detector"
)

// Config holds the full proxy configuration.
type Config struct {
	Detection DetectionConfig `toml:"detection"`
	Faker     FakerConfig     `toml:"faker"`
	Mapping   MappingConfig   `toml:"mapping"`
	LLM       LLMConfig       `toml:"llm"`
	LogLevel  string          `toml:"log_level"`
}

// DetectionConfig configures the Pattern Detector and the global
// detection kill switch.
type DetectionConfig struct {
	Mode                string            `toml:"mode"`
	Enabled             bool              `toml:"enabled"`
	Patterns            map[string]string `toml:"patterns"`
	ConfidenceThreshold float64           `toml:"confidence_threshold"`
}

// FakerConfig configures the synthetic-value generator.
type FakerConfig struct {
	Locale      string  `toml:"locale"`
	Seed        *uint64 `toml:"seed"`
	Consistency bool    `toml:"consistency"` // reserved, see DESIGN.md
}

// MappingConfig configures the persistent mapping store.
type MappingConfig struct {
	DatabasePath  string `toml:"database_path"`
	Encryption    bool   `toml:"encryption"` // reserved, see DESIGN.md
	RetentionDays *int   `toml:"retention_days"`
}

// LLMConfig configures the optional LLM-based detector.
type LLMConfig struct {
	Enabled        bool    `toml:"enabled"`
	Model          string  `toml:"model"`
	Endpoint       string  `toml:"endpoint"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	PromptTemplate *string `toml:"prompt_template"`
}

// Default returns the hard-coded baseline configuration.
func Default() *Config {
	return &Config{
		Detection: DetectionConfig{
			Mode:                "regex_llm",
			Enabled:             true,
			Patterns:            detector.DefaultPatterns(),
			ConfidenceThreshold: 0.8,
		},
		Faker: FakerConfig{
			Locale:      "en_US",
			Seed:        uint64Ptr(12345),
			Consistency: true,
		},
		Mapping: MappingConfig{
			DatabasePath:  "mappings.db",
			Encryption:    false,
			RetentionDays: intPtr(90),
		},
		LLM: LLMConfig{
			Enabled:        true,
			Model:          "llama3.2:3b",
			Endpoint:       "http://localhost:11434",
			TimeoutSeconds: 300,
			PromptTemplate: nil,
		},
		LogLevel: "info",
	}
}

func uint64Ptr(v uint64) *uint64 { return &v }
func intPtr(v int) *int          { return &v }

// Load returns config with defaults overridden by the TOML file at path (if
// path is non-empty and exists) and then by environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("load config file %q: %w", path, err)
		}
	}
	loadEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is an operator-supplied config location, not raw user input
	if err != nil {
		if os.IsNotExist(err) {
			return nil // file is optional
		}
		return err
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse toml: %w", err)
	}
	log.Printf("[CONFIG] Loaded %s", path)
	return nil
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("MCPCONCEAL_DETECTION_MODE"); v != "" {
		cfg.Detection.Mode = v
	}
	if v := os.Getenv("MCPCONCEAL_DETECTION_ENABLED"); v == "false" {
		cfg.Detection.Enabled = false
	}
	if v := os.Getenv("MCPCONCEAL_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detection.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("MCPCONCEAL_FAKER_LOCALE"); v != "" {
		cfg.Faker.Locale = v
	}
	if v := os.Getenv("MCPCONCEAL_FAKER_SEED"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Faker.Seed = &n
		}
	}
	if v := os.Getenv("MCPCONCEAL_DATABASE_PATH"); v != "" {
		cfg.Mapping.DatabasePath = v
	}
	if v := os.Getenv("MCPCONCEAL_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Mapping.RetentionDays = &n
		}
	}
	if v := os.Getenv("MCPCONCEAL_LLM_ENABLED"); v == "false" {
		cfg.LLM.Enabled = false
	}
	if v := os.Getenv("MCPCONCEAL_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("MCPCONCEAL_LLM_ENDPOINT"); v != "" {
		cfg.LLM.Endpoint = v
	}
	if v := os.Getenv("MCPCONCEAL_LLM_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LLM.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("MCPCONCEAL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate compiles every configured pattern as a regex, checks the
// confidence threshold is in [0,1], and ensures the mapping database's
// parent directory exists, creating it if necessary.
func (c *Config) Validate() error {
	for name, pattern := range c.Detection.Patterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid regex pattern for %q: %w", name, err)
		}
	}

	if c.Detection.ConfidenceThreshold < 0.0 || c.Detection.ConfidenceThreshold > 1.0 {
		return fmt.Errorf("confidence threshold must be between 0.0 and 1.0, got %v", c.Detection.ConfidenceThreshold)
	}

	if c.Mapping.DatabasePath != "" && c.Mapping.DatabasePath != ":memory:" {
		if dir := filepath.Dir(c.Mapping.DatabasePath); dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create mapping database directory %q: %w", dir, err)
				}
			}
		}
	}

	return nil
}

// WriteDefault writes the default configuration to path as TOML, creating
// parent directories as needed. Used to seed a fresh config file on first
// run.
func WriteDefault(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := toml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
