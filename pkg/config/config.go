// Package config loads and validates the engine configuration.
package config

import "time"

// Config is the umbrella configuration object returned by Initialize and
// used throughout the application.
type Config struct {
	configDir string

	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Qdrant     QdrantConfig     `yaml:"qdrant"`
	LLM        LLMConfig        `yaml:"llm"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Session    SessionConfig    `yaml:"session"`
	RateLimit  RateLimitConfig  `yaml:"rate_limits"`
	Escalation EscalationConfig `yaml:"escalation"`

	// Pricing is loaded from pricing.yaml next to the main config file.
	Pricing *PriceTable `yaml:"-"`
}

// ServerConfig groups HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	RequestDeadline time.Duration `yaml:"request_deadline"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
}

// RedisConfig holds the session-cache / rate-limit counter backend settings.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password,omitempty"`
	DB       int           `yaml:"db"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PostgresConfig holds the durable store settings.
type PostgresConfig struct {
	DSN     string        `yaml:"dsn"`
	Timeout time.Duration `yaml:"timeout"`
}

// QdrantConfig holds the vector index settings.
type QdrantConfig struct {
	DSN        string        `yaml:"dsn"`
	Collection string        `yaml:"collection"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
}

// LLMConfig holds chat-completion and embedding model settings.
type LLMConfig struct {
	BaseURL        string        `yaml:"base_url,omitempty"`
	APIKeyEnv      string        `yaml:"api_key_env"`
	ChatModel      string        `yaml:"chat_model"`
	EmbeddingModel string        `yaml:"embedding_model"`
	ChatTimeout    time.Duration `yaml:"chat_timeout"`
	EmbedTimeout   time.Duration `yaml:"embed_timeout"`
	MaxTokens      int           `yaml:"max_tokens"`
	Temperature    float64       `yaml:"temperature"`
}

// RetrievalConfig tunes the vector search pipeline.
type RetrievalConfig struct {
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	TopK                int           `yaml:"top_k"`
	MaxExpandedChunks   int           `yaml:"max_expanded_chunks"`
	EmbedCacheSize      int           `yaml:"embed_cache_size"`
	EmbedCacheTTL       time.Duration `yaml:"embed_cache_ttl"`
}

// SessionConfig tunes the two-tier session store.
type SessionConfig struct {
	CacheRecentMessages int           `yaml:"cache_recent_messages"`
	ContextMessages     int           `yaml:"context_messages"`
	SummaryInterval     int           `yaml:"summary_interval"`
	TTL                 time.Duration `yaml:"ttl"`
	MessageCap          int           `yaml:"message_cap"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
}

// RateLimitClass is one endpoint class's window configuration.
type RateLimitClass struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// RateLimitConfig enumerates the per-class limits. FailClosed controls
// behaviour when the counter backend is unreachable; it defaults to true
// and flipping it must be an explicit configuration act.
type RateLimitConfig struct {
	Classes    map[string]RateLimitClass `yaml:"classes"`
	FailClosed *bool                     `yaml:"fail_closed,omitempty"`
}

// FailsClosed reports the effective fail-closed setting.
func (r RateLimitConfig) FailsClosed() bool {
	return r.FailClosed == nil || *r.FailClosed
}

// Class resolves an endpoint class, falling back to "default".
func (r RateLimitConfig) Class(name string) RateLimitClass {
	if c, ok := r.Classes[name]; ok {
		return c
	}
	return r.Classes["default"]
}

// EscalationConfig tunes the escalation rules.
type EscalationConfig struct {
	LowConfidenceThreshold float64  `yaml:"low_confidence_threshold"`
	UserPhrases            []string `yaml:"user_phrases,omitempty"`
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}
