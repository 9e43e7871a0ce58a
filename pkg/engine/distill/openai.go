package distill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/johncui/engram/pkg/model"
)

const summarizePrompt = `You consolidate an assistant's interaction log into long-term memory.
Reply with a JSON object: {"summary": string, "facts": [{"subject": string, "predicate": string, "object": string, "confidence": number, "episode": integer}]}.
Confidence is between 0 and 1. "episode" is the id of the line the fact came from.`

// OpenAIConfig configures an OpenAI-compatible chat endpoint.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAISummarizer asks a chat model to summarize episodes and extract facts.
type OpenAISummarizer struct {
	client *openai.Client
	model  string
}

func NewOpenAISummarizer(cfg OpenAIConfig) *OpenAISummarizer {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAISummarizer{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
	}
}

type llmSummary struct {
	Summary string    `json:"summary"`
	Facts   []llmFact `json:"facts"`
}

type llmFact struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
	Episode    int64   `json:"episode"`
}

// Summarize sends the episodes as numbered lines and parses the JSON reply.
// Confidence is clamped to [0,1] and facts citing unknown episodes lose their source.
func (s *OpenAISummarizer) Summarize(ctx context.Context, tag string, episodes []model.Episode) (*model.Summary, error) {
	if len(episodes) == 0 {
		return &model.Summary{Text: fmt.Sprintf("%s: no episodes", tag)}, nil
	}

	var b strings.Builder
	known := make(map[int64]bool, len(episodes))
	ids := make([]int64, 0, len(episodes))
	for _, ep := range episodes {
		known[ep.ID] = true
		ids = append(ids, ep.ID)
		fmt.Fprintf(&b, "[%d] user=%s task=%s: %s\n", ep.ID, ep.User, ep.Task, ep.Text)
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarizePrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Digest tag: %s\n%s", tag, b.String())},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("distill: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("distill: empty chat response")
	}

	var parsed llmSummary
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &parsed); err != nil {
		return nil, fmt.Errorf("distill: decode summary: %w", err)
	}

	out := &model.Summary{Text: parsed.Summary, Episodes: ids}
	for _, f := range parsed.Facts {
		if f.Subject == "" || f.Predicate == "" || f.Object == "" {
			continue
		}
		fact := model.Fact{
			Subject:    f.Subject,
			Predicate:  f.Predicate,
			Object:     f.Object,
			Confidence: clamp01(f.Confidence),
		}
		if known[f.Episode] {
			id := f.Episode
			fact.SourceEpisode = &id
		}
		out.Facts = append(out.Facts, fact)
	}
	return out, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

var _ model.Summarizer = (*OpenAISummarizer)(nil)
