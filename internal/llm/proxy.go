package llm

import (
	"context"
	_ "embed"
	"errors"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/threadgate/internal/apperr"
	"github.com/comigor/threadgate/internal/config"
	"github.com/comigor/threadgate/internal/history"
	"github.com/comigor/threadgate/internal/logger"
	"github.com/comigor/threadgate/internal/metrics"
)

//go:embed persona.txt
var persona string

// FallbackReply is returned when the provider answers without any text.
const FallbackReply = "I hit a snag processing that. Try again?"

// Proxy turns a thread history into one completion call.
type Proxy struct {
	client Client
	cfg    config.LLMConfig
}

// NewProxy creates a proxy talking to the configured endpoint. Without an API
// key no client is built and every Complete call fails with a configuration
// error.
func NewProxy(cfg config.LLMConfig) *Proxy {
	var client Client
	if cfg.APIKey != "" {
		client = NewClient(cfg)
	}
	return NewProxyWithClient(client, cfg)
}

// NewProxyWithClient creates a proxy over an existing client.
func NewProxyWithClient(client Client, cfg config.LLMConfig) *Proxy {
	if cfg.Model == "" {
		cfg.Model = config.DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = config.DefaultMaxTokens
	}
	return &Proxy{client: client, cfg: cfg}
}

// SystemPrompt is the persona block followed by the line naming the user.
func SystemPrompt(userEmail string) string {
	return strings.TrimSpace(persona) + "\n\nYou are currently talking with: " + userEmail
}

// BuildRequest maps a history onto a chat completion request. Any role other
// than user is sent as assistant.
func (p *Proxy) BuildRequest(hist []history.Message, userEmail string) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(hist)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: SystemPrompt(userEmail),
	})
	for _, m := range hist {
		role := openai.ChatMessageRoleAssistant
		if m.Role == history.RoleUser {
			role = openai.ChatMessageRoleUser
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:     p.cfg.Model,
		Messages:  msgs,
		MaxTokens: p.cfg.MaxTokens,
	}
}

// Complete sends the history and returns the reply text.
func (p *Proxy) Complete(ctx context.Context, hist []history.Message, userEmail string) (string, error) {
	const op = "llm.Complete"
	if p.client == nil || p.cfg.APIKey == "" {
		return "", apperr.New(apperr.KindConfiguration, op, "LLM API key is not configured")
	}

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, p.BuildRequest(hist, userEmail))
	if err != nil {
		upstream := classify(op, err)
		metrics.RecordLLMCall(apperr.KindUpstream.String(), time.Since(start).Seconds())
		return "", upstream
	}
	metrics.RecordLLMCall("success", time.Since(start).Seconds())

	if text := firstText(resp); text != "" {
		return text, nil
	}
	logger.L.Warn("llm response carried no text; using fallback reply", "model", p.cfg.Model, "choices", len(resp.Choices))
	return FallbackReply, nil
}

// classify logs the provider diagnostics and wraps err as an upstream error.
func classify(op string, err error) error {
	var (
		apiErr *openai.APIError
		reqErr *openai.RequestError
	)
	switch {
	case errors.As(err, &apiErr):
		logger.L.Error("llm provider returned an error",
			"status", apiErr.HTTPStatusCode,
			"type", apiErr.Type,
			"code", apiErr.Code,
			"body", apiErr.Message,
		)
		return apperr.Upstream(op, apiErr.HTTPStatusCode, err)
	case errors.As(err, &reqErr):
		logger.L.Error("llm provider returned an error",
			"status", reqErr.HTTPStatusCode,
			"body", string(reqErr.Body),
		)
		return apperr.Upstream(op, reqErr.HTTPStatusCode, err)
	default:
		logger.L.Error("llm call failed", "error", err)
		return apperr.Upstream(op, 0, err)
	}
}

func firstText(resp openai.ChatCompletionResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	msg := resp.Choices[0].Message
	if strings.TrimSpace(msg.Content) != "" {
		return msg.Content
	}
	for _, part := range msg.MultiContent {
		if part.Type == openai.ChatMessagePartTypeText && strings.TrimSpace(part.Text) != "" {
			return part.Text
		}
	}
	return ""
}
