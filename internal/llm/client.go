// Package llm forwards a thread history to an OpenAI-compatible chat
// completion endpoint.
package llm

import (
	"context"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/threadgate/internal/config"
)

// Client is the one call the proxy makes; tests substitute their own.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewClient builds a go-openai client for cfg. The HTTP client gets a hard
// timeout slightly above the per-call context deadline so a stuck connection
// cannot outlive the request.
func NewClient(cfg config.LLMConfig) *openai.Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout + cfg.Timeout/10}
	}
	return openai.NewClientWithConfig(clientCfg)
}
