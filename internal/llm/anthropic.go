package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/liushuangls/go-anthropic/v2"

	"github.com/ppiankov/concord/internal/model"
)

// AnthropicProvider implements the Provider interface for Anthropic Claude models
type AnthropicProvider struct {
	client *anthropic.Client
	config Config
}

const (
	defaultAnthropicModel   = "claude-3-5-haiku-20241022"
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
)

// NewAnthropicProvider creates a new Anthropic provider.
// BaseURL may be given with or without the /v1 suffix.
func NewAnthropicProvider(config Config) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required")
	}

	baseURL := strings.TrimSuffix(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	if !strings.HasSuffix(baseURL, "/v1") {
		baseURL += "/v1"
	}

	client := anthropic.NewClient(config.APIKey,
		anthropic.WithBaseURL(baseURL),
		anthropic.WithHTTPClient(newHTTPClient(config, 60*time.Second)),
	)

	return &AnthropicProvider{
		client: client,
		config: config,
	}, nil
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// IsAvailable makes a minimal completion call
func (p *AnthropicProvider) IsAvailable(ctx context.Context) bool {
	_, err := p.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     anthropic.Model(defaultAnthropicModel),
		Messages:  []anthropic.Message{anthropic.NewUserTextMessage("Hi")},
		MaxTokens: 10,
	})
	return err == nil
}

// Complete runs one Messages API call
func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = p.config.Model
	}
	if modelName == "" {
		modelName = defaultAnthropicModel
	}

	system := req.System
	if req.JSON {
		system += "\nRespond with a single JSON object and nothing else."
	}

	apiReq := anthropic.MessagesRequest{
		Model:     anthropic.Model(modelName),
		System:    system,
		Messages:  []anthropic.Message{anthropic.NewUserTextMessage(req.Prompt)},
		MaxTokens: p.config.maxTokens(req.MaxTokens),
	}
	if t := p.config.Temperature; t > 0 {
		apiReq.Temperature = &t
	}

	resp, err := p.client.CreateMessages(ctx, apiReq)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}

	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == anthropic.MessagesContentTypeText && c.Text != nil {
			text.WriteString(*c.Text)
		}
	}
	if text.Len() == 0 {
		return nil, model.Transient("anthropic", fmt.Errorf("no content in Anthropic response"))
	}

	return &CompletionResponse{
		Text:       strings.TrimSpace(text.String()),
		Model:      string(resp.Model),
		TokensUsed: resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}, nil
}

// classifyAnthropicError maps client errors onto the retryable and validation kinds
func classifyAnthropicError(err error) error {
	var reqErr *anthropic.RequestError
	if errors.As(err, &reqErr) {
		return statusError("anthropic", reqErr.StatusCode, err.Error())
	}

	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Type {
		case anthropic.ErrTypeRateLimit, anthropic.ErrTypeApi, anthropic.ErrTypeOverloaded:
			return model.Transient("anthropic", err)
		default:
			return model.Validation("anthropic", err)
		}
	}

	// transport failures, timeouts and undecodable replies
	return model.Transient("anthropic", err)
}
