package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

var (
	// ErrConfigNotFound indicates the configuration file was not found.
	ErrConfigNotFound = errors.New("configuration file not found")

	// ErrInvalidYAML indicates YAML parsing failed.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrValidationFailed indicates configuration validation failed.
	ErrValidationFailed = errors.New("configuration validation failed")
)

// ExpandEnv expands environment variables in YAML content. Supports both
// ${VAR} and $VAR syntax. Missing variables expand to empty string;
// validation catches required fields that end up empty.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Read kbengine.yaml from configDir and expand environment variables
//  2. Parse YAML into the Config struct
//  3. Apply default values
//  4. Load pricing.yaml into the price table
//  5. Validate the result
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	path := filepath.Join(configDir, "kbengine.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := &Config{configDir: configDir}
	if err := yaml.Unmarshal(ExpandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidYAML, path, err)
	}

	applyDefaults(cfg)

	pricing, err := LoadPriceTable(filepath.Join(configDir, "pricing.yaml"))
	if err != nil {
		return nil, fmt.Errorf("load price table: %w", err)
	}
	cfg.Pricing = pricing

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"chat_model", cfg.LLM.ChatModel,
		"embedding_model", cfg.LLM.EmbeddingModel,
		"priced_models", len(pricing.Models()))
	return cfg, nil
}

func validate(c *Config) error {
	if c.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if c.Qdrant.DSN == "" {
		return errors.New("qdrant.dsn is required")
	}
	if c.Qdrant.Dimensions <= 0 {
		return errors.New("qdrant.dimensions must be > 0")
	}
	if t := c.Retrieval.SimilarityThreshold; t < 0 || t > 1 {
		return fmt.Errorf("retrieval.similarity_threshold %v outside [0,1]", t)
	}
	if t := c.Escalation.LowConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("escalation.low_confidence_threshold %v outside [0,1]", t)
	}
	for name, class := range c.RateLimit.Classes {
		if class.Limit <= 0 || class.Window <= 0 {
			return fmt.Errorf("rate limit class %q needs positive limit and window", name)
		}
	}
	return nil
}
