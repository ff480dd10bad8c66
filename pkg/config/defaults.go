package config

import "time"

// applyDefaults fills in zero-valued settings. These values are used when
// the YAML file doesn't specify its own.
func applyDefaults(c *Config) {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RequestDeadline == 0 {
		c.Server.RequestDeadline = 60 * time.Second
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = 10 * time.Second
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Timeout == 0 {
		c.Redis.Timeout = 1 * time.Second
	}
	if c.Postgres.Timeout == 0 {
		c.Postgres.Timeout = 5 * time.Second
	}
	if c.Qdrant.Collection == "" {
		c.Qdrant.Collection = "kb_chunks"
	}
	if c.Qdrant.Timeout == 0 {
		c.Qdrant.Timeout = 10 * time.Second
	}

	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.ChatModel == "" {
		c.LLM.ChatModel = "gpt-4o-mini"
	}
	if c.LLM.EmbeddingModel == "" {
		c.LLM.EmbeddingModel = "text-embedding-3-small"
	}
	if c.LLM.ChatTimeout == 0 {
		c.LLM.ChatTimeout = 30 * time.Second
	}
	if c.LLM.EmbedTimeout == 0 {
		c.LLM.EmbedTimeout = 10 * time.Second
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 1024
	}

	if c.Retrieval.SimilarityThreshold == 0 {
		c.Retrieval.SimilarityThreshold = 0.70
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = 5
	}
	if c.Retrieval.MaxExpandedChunks == 0 {
		c.Retrieval.MaxExpandedChunks = 12
	}
	if c.Retrieval.EmbedCacheSize == 0 {
		c.Retrieval.EmbedCacheSize = 1024
	}
	if c.Retrieval.EmbedCacheTTL == 0 {
		c.Retrieval.EmbedCacheTTL = 5 * time.Minute
	}

	if c.Session.CacheRecentMessages == 0 {
		c.Session.CacheRecentMessages = 8
	}
	if c.Session.ContextMessages == 0 {
		c.Session.ContextMessages = 5
	}
	if c.Session.SummaryInterval == 0 {
		c.Session.SummaryInterval = 5
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = 2 * time.Hour
	}
	if c.Session.MessageCap == 0 {
		c.Session.MessageCap = 200
	}
	if c.Session.SweepInterval == 0 {
		c.Session.SweepInterval = 10 * time.Minute
	}

	if c.RateLimit.Classes == nil {
		c.RateLimit.Classes = map[string]RateLimitClass{}
	}
	defaultClasses := map[string]RateLimitClass{
		"query":    {Limit: 100, Window: 24 * time.Hour},
		"feedback": {Limit: 50, Window: 24 * time.Hour},
		"ticket":   {Limit: 10, Window: 24 * time.Hour},
		"default":  {Limit: 100, Window: 5 * time.Minute},
	}
	for name, class := range defaultClasses {
		if _, ok := c.RateLimit.Classes[name]; !ok {
			c.RateLimit.Classes[name] = class
		}
	}

	if c.Escalation.LowConfidenceThreshold == 0 {
		c.Escalation.LowConfidenceThreshold = 0.50
	}
	if len(c.Escalation.UserPhrases) == 0 {
		c.Escalation.UserPhrases = []string{
			"raise a ticket",
			"create a ticket",
			"talk to support",
			"speak to a human",
			"talk to a person",
			"contact support",
		}
	}
}
