package model

import "context"

// Episode mirrors an episodes row. Episodes are immutable once written.
type Episode struct {
	ID        int64                  `json:"id"`
	Timestamp int64                  `json:"timestamp"`
	User      string                 `json:"user"`
	Task      string                 `json:"task"`
	Text      string                 `json:"text"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// Fact represents a semantic subject-predicate-object assertion.
// SourceEpisode is nil when the fact was not derived from a specific episode.
type Fact struct {
	ID            int64   `json:"id"`
	Timestamp     int64   `json:"timestamp"`
	Subject       string  `json:"subject"`
	Predicate     string  `json:"predicate"`
	Object        string  `json:"object"`
	Confidence    float64 `json:"confidence"`
	SourceEpisode *int64  `json:"source_episode,omitempty"`
}

// FactQuery filters facts. Nil fields are wildcards; set fields are ANDed.
type FactQuery struct {
	Subject   *string
	Predicate *string
	Object    *string
	Limit     int
}

// VectorKind namespaces vectors that share an id space.
type VectorKind string

const (
	KindEpisodic VectorKind = "episodic"
	KindDocument VectorKind = "document"
)

// Valid reports whether k is a known kind.
func (k VectorKind) Valid() bool {
	return k == KindEpisodic || k == KindDocument
}

// ScoredID is a single similarity search hit.
type ScoredID struct {
	ID    int64   `json:"id"`
	Score float64 `json:"score"`
}

// RecalledEpisode is an episode joined with its similarity to the query.
type RecalledEpisode struct {
	Episode
	Score float64 `json:"score"`
}

// RecordInput is what callers hand to MemoryEngine.Record.
type RecordInput struct {
	User      string                 `json:"user"`
	Task      string                 `json:"task"`
	Text      string                 `json:"text"`
	Metadata  map[string]interface{} `json:"metadata"`
	Embedding []float32              `json:"embedding,omitempty"`
}

// RecordResult reports a durable episode write. VectorErr is set when the
// episode was stored but its embedding could not be indexed.
type RecordResult struct {
	EpisodeID int64 `json:"episode_id"`
	VectorErr error `json:"-"`
}

// Warning returns the vector failure message, if any.
func (r RecordResult) Warning() string {
	if r.VectorErr == nil {
		return ""
	}
	return r.VectorErr.Error()
}

// Summary is what a Summarizer produces from a window of recent episodes.
type Summary struct {
	Text     string  `json:"text"`
	Facts    []Fact  `json:"facts,omitempty"`
	Episodes []int64 `json:"episodes,omitempty"`
}

// ConsolidationResult is the outcome of one scheduler tick.
type ConsolidationResult struct {
	RunID          string `json:"run_id"`
	Key            string `json:"key"`
	OK             bool   `json:"ok"`
	Skipped        bool   `json:"skipped"`
	Error          string `json:"error,omitempty"`
	FactsWritten   int    `json:"facts_written"`
	FactsForgotten int    `json:"facts_forgotten"`
	EpisodesPruned int    `json:"episodes_pruned"`
}

// Summarizer digests recent episodes into a summary. Implementations may call
// remote services and are invoked outside any store lock.
type Summarizer interface {
	Summarize(ctx context.Context, tag string, episodes []Episode) (*Summary, error)
}

// DistillationLog is a durable append keyed by a path-like string.
type DistillationLog interface {
	Write(ctx context.Context, key string, payload any) error
}

// DedupTracker remembers which consolidation keys were already written.
type DedupTracker interface {
	Has(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// EmbeddingClient produces embeddings for text.
type EmbeddingClient interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}
