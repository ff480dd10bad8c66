// Package llm wraps the chat-completion and embedding providers behind
// narrow interfaces the engine consumes.
package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/openai/openai-go/v2/shared"

	"github.com/propengine/kbengine/pkg/config"
)

// Usage is the provider-reported token usage of one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	ModelID      string
}

// Message is one chat turn sent to the provider.
type Message struct {
	Role    string
	Content string
}

// CompletionRequest describes one chat-completion call.
type CompletionRequest struct {
	System   string
	Messages []Message

	// JSONSchema, when set, forces a JSON-typed response conforming to the
	// schema. JSONSchemaName labels the schema for the provider.
	JSONSchemaName string
	JSONSchema     map[string]any
}

// Chat is the chat-completion boundary.
type Chat interface {
	Complete(ctx context.Context, req CompletionRequest) (string, Usage, error)
}

// Embedder is the embedding boundary.
type Embedder interface {
	Embed(ctx context.Context, text string) (EmbedResult, error)
}

// EmbedResult carries the vector, the usage to bill, and whether the
// vector came from the process-local cache.
type EmbedResult struct {
	Vector   []float32
	Usage    Usage
	CacheHit bool
}

// OpenAIClient implements Chat and the raw (uncached) Embedder against any
// OpenAI-compatible API.
type OpenAIClient struct {
	client openai.Client
	cfg    config.LLMConfig
}

// NewOpenAIClient builds a client from configuration and the resolved API
// key.
func NewOpenAIClient(cfg config.LLMConfig, apiKey string) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		cfg:    cfg,
	}
}

// Complete performs one chat completion, bounded by the configured chat
// timeout.
func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (string, Usage, error) {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.ChatTimeout)
	defer cancel()

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.cfg.ChatModel),
		Messages:    msgs,
		MaxTokens:   param.NewOpt(int64(c.cfg.MaxTokens)),
		Temperature: param.NewOpt(c.cfg.Temperature),
	}
	if req.JSONSchema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.JSONSchemaName,
					Schema: req.JSONSchema,
					Strict: param.NewOpt(true),
				},
			},
		}
	}

	resp, err := c.client.Chat.Completions.New(cctx, params)
	if err != nil {
		return "", Usage{ModelID: c.cfg.ChatModel}, fmt.Errorf("chat completion: %w", err)
	}
	usage := Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		ModelID:      c.cfg.ChatModel,
	}
	if len(resp.Choices) == 0 {
		return "", usage, fmt.Errorf("chat completion: no choices returned")
	}
	return resp.Choices[0].Message.Content, usage, nil
}

// Embed produces one dense vector for the text, bounded by the configured
// embedding timeout.
func (c *OpenAIClient) Embed(ctx context.Context, text string) (EmbedResult, error) {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.EmbedTimeout)
	defer cancel()

	resp, err := c.client.Embeddings.New(cctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.cfg.EmbeddingModel),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
	})
	if err != nil {
		return EmbedResult{}, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return EmbedResult{}, fmt.Errorf("embed: empty response")
	}
	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return EmbedResult{
		Vector: vec,
		Usage: Usage{
			InputTokens: int(resp.Usage.PromptTokens),
			ModelID:     c.cfg.EmbeddingModel,
		},
	}, nil
}
