package embed

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/johncui/engram/pkg/model"
)

// Config configures an OpenAI-compatible embeddings endpoint.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
}

// OpenAIEmbedder implements model.EmbeddingClient over the embeddings API.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
}

func NewOpenAIEmbedder(cfg Config) *OpenAIEmbedder {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}
}

func (e *OpenAIEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("embed: create embeddings: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("embed: empty embedding response")
	}
	if e.dimensions > 0 && len(resp.Data[0].Embedding) != e.dimensions {
		return nil, fmt.Errorf("embed: got dimension %d, want %d", len(resp.Data[0].Embedding), e.dimensions)
	}
	return resp.Data[0].Embedding, nil
}

var _ model.EmbeddingClient = (*OpenAIEmbedder)(nil)
