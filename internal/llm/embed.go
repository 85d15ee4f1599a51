package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/ppiankov/concord/internal/agent"
	"github.com/ppiankov/concord/internal/model"
)

// OpenAIEmbedder embeds text with the OpenAI embeddings endpoint
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

// NewOpenAIEmbedder creates an embedder for embeddingModel
func NewOpenAIEmbedder(config Config, embeddingModel string) (*OpenAIEmbedder, error) {
	client, err := newOpenAIClient(config)
	if err != nil {
		return nil, err
	}
	if embeddingModel == "" {
		embeddingModel = string(openai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{client: client, model: embeddingModel}, nil
}

// Embed returns the embedding vector of text
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, model.Transient("openai", fmt.Errorf("empty embedding response"))
	}
	return resp.Data[0].Embedding, nil
}

// OllamaEmbedder embeds text with a local Ollama model
type OllamaEmbedder struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// NewOllamaEmbedder creates an embedder for embeddingModel
func NewOllamaEmbedder(config Config, embeddingModel string) (*OllamaEmbedder, error) {
	if embeddingModel == "" {
		return nil, fmt.Errorf("ollama embedding model must be specified (e.g., nomic-embed-text)")
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	return &OllamaEmbedder{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      embeddingModel,
		httpClient: newHTTPClient(config, 60*time.Second),
	}, nil
}

// Embed returns the embedding vector of text
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp ollamaEmbedResponse
	err := ollamaPost(ctx, e.httpClient, e.baseURL+"/api/embeddings",
		ollamaEmbedRequest{Model: e.model, Prompt: text}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, model.Transient("ollama", fmt.Errorf("empty embedding response"))
	}
	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// NewEmbedder creates the embedder described by cfg. Credentials and proxies come from llmCfg;
// the embedding section may point at a different endpoint.
func NewEmbedder(cfg model.EmbeddingConfig, llmCfg Config) (agent.Embedder, error) {
	conn := llmCfg
	if cfg.BaseURL != "" {
		conn.BaseURL = cfg.BaseURL
	} else if !strings.EqualFold(cfg.Provider, llmCfg.Provider) {
		conn.BaseURL = ""
	}

	switch strings.ToLower(cfg.Provider) {
	case "openai":
		return NewOpenAIEmbedder(conn, cfg.Model)
	case "ollama":
		return NewOllamaEmbedder(conn, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %q (supported: openai, ollama)", cfg.Provider)
	}
}
