package store

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/johncui/engram/pkg/model"
	"github.com/johncui/engram/pkg/store/graph"
	"github.com/johncui/engram/pkg/store/sqlite"
	"github.com/johncui/engram/pkg/store/vector"
)

// Options configures MemoryEngine.
type Options struct {
	DBPath            string
	ReadConns         int
	QuarantineCorrupt bool
	// MaxEpisodes caps episodic retention. Zero keeps every episode.
	MaxEpisodes int
	// CacheEntries sizes the episode cache used by Recall. Zero uses 10000,
	// negative disables the cache.
	CacheEntries int64
	Now          func() time.Time
	Logger       *slog.Logger
}

// MemoryEngine owns the episodic, semantic and vector stores of one file.
type MemoryEngine struct {
	db          *sqlite.Database
	vec         vector.Index
	vecStore    *vector.Store
	graph       *graph.Store
	cache       *ristretto.Cache
	maxEpisodes int
	logger      *slog.Logger
}

// NewMemoryEngine opens the store file and wires the sub-stores.
func NewMemoryEngine(ctx context.Context, opt Options) (*MemoryEngine, error) {
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.CacheEntries == 0 {
		opt.CacheEntries = 10000
	}
	db, err := sqlite.New(ctx, sqlite.Config{
		Path:              opt.DBPath,
		ReadConns:         opt.ReadConns,
		QuarantineCorrupt: opt.QuarantineCorrupt,
		Now:               opt.Now,
		Logger:            opt.Logger,
	})
	if err != nil {
		return nil, err
	}

	var cache *ristretto.Cache
	if opt.CacheEntries > 0 {
		cache, err = ristretto.NewCache(&ristretto.Config{
			NumCounters: opt.CacheEntries * 10,
			MaxCost:     opt.CacheEntries,
			BufferItems: 64,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("store: episode cache: %w", err)
		}
	}

	vs := vector.New(db.Writer(), db.Reader())
	return &MemoryEngine{
		db:          db,
		vec:         vs,
		vecStore:    vs,
		graph:       graph.New(db.Writer(), db.Reader(), opt.Now),
		cache:       cache,
		maxEpisodes: opt.MaxEpisodes,
		logger:      opt.Logger,
	}, nil
}

// Record durably writes an episode and, when an embedding is supplied, indexes
// it under the episode id. The episode stays recorded if indexing fails; that
// failure is reported in RecordResult.VectorErr.
func (m *MemoryEngine) Record(ctx context.Context, in model.RecordInput) (model.RecordResult, error) {
	ep, err := m.db.AddEpisode(ctx, in.User, in.Task, in.Text, in.Metadata)
	if err != nil {
		return model.RecordResult{}, err
	}
	res := model.RecordResult{EpisodeID: ep.ID}
	if m.cache != nil {
		m.cache.Set(ep.ID, ep, 1)
	}

	if len(in.Embedding) > 0 {
		if err := m.vec.Upsert(ctx, ep.ID, model.KindEpisodic, in.Embedding); err != nil {
			m.logger.Warn("episode recorded without vector", "episode_id", ep.ID, "err", err)
			res.VectorErr = err
		}
	}
	return res, nil
}

// Recall returns the episodes most similar to query, best first. Index hits
// whose episode no longer exists are skipped.
func (m *MemoryEngine) Recall(ctx context.Context, query []float32, k int) ([]model.RecalledEpisode, error) {
	hits, err := m.vec.Search(ctx, query, model.KindEpisodic, k)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return []model.RecalledEpisode{}, nil
	}

	found := make(map[int64]model.Episode, len(hits))
	var missing []int64
	for _, h := range hits {
		if ep, ok := m.cachedEpisode(h.ID); ok {
			found[h.ID] = ep
			continue
		}
		missing = append(missing, h.ID)
	}
	if len(missing) > 0 {
		fetched, err := m.db.FetchEpisodes(ctx, missing)
		if err != nil {
			return nil, err
		}
		for id, ep := range fetched {
			found[id] = ep
			if m.cache != nil {
				m.cache.Set(id, ep, 1)
			}
		}
	}

	out := make([]model.RecalledEpisode, 0, len(hits))
	for _, h := range hits {
		ep, ok := found[h.ID]
		if !ok {
			m.logger.Debug("recall skipped vector without episode", "episode_id", h.ID)
			continue
		}
		out = append(out, model.RecalledEpisode{Episode: ep, Score: h.Score})
	}
	return out, nil
}

func (m *MemoryEngine) cachedEpisode(id int64) (model.Episode, bool) {
	if m.cache == nil {
		return model.Episode{}, false
	}
	v, ok := m.cache.Get(id)
	if !ok {
		return model.Episode{}, false
	}
	ep, ok := v.(model.Episode)
	return ep, ok
}

// RecentEpisodes returns up to limit episodes, newest first.
func (m *MemoryEngine) RecentEpisodes(ctx context.Context, limit int) ([]model.Episode, error) {
	return m.db.RecentEpisodes(ctx, limit)
}

// Facts queries the semantic store.
func (m *MemoryEngine) Facts(ctx context.Context, q model.FactQuery) ([]model.Fact, error) {
	return m.graph.QueryFacts(ctx, q)
}

// AddFact appends a semantic fact.
func (m *MemoryEngine) AddFact(ctx context.Context, f model.Fact) (model.Fact, error) {
	return m.graph.AddFact(ctx, f)
}

// CountFacts returns the number of stored facts.
func (m *MemoryEngine) CountFacts(ctx context.Context) (int64, error) {
	return m.graph.Count(ctx)
}

// Forget bounds the semantic store to maxFacts and returns how many facts were dropped.
func (m *MemoryEngine) Forget(ctx context.Context, maxFacts int) (int, error) {
	n, err := m.graph.Forget(ctx, maxFacts)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("forgot facts", "removed", n, "max_facts", maxFacts)
	}
	return n, nil
}

// PruneEpisodes applies the MaxEpisodes retention policy and removes the
// pruned episodes' vectors through the index. It is a no-op when retention is
// unbounded.
func (m *MemoryEngine) PruneEpisodes(ctx context.Context) (int, error) {
	if m.maxEpisodes <= 0 {
		return 0, nil
	}
	ids, err := m.db.PruneEpisodes(ctx, m.maxEpisodes)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := m.vec.Delete(ctx, model.KindEpisodic, ids); err != nil {
		// Recall skips vectors whose episode is gone, so leftovers only cost space.
		m.logger.Warn("pruned episodes kept their vectors", "removed", len(ids), "err", err)
		return len(ids), fmt.Errorf("store: drop pruned vectors: %w", err)
	}
	if m.cache != nil {
		for _, id := range ids {
			m.cache.Del(id)
		}
	}
	m.logger.Info("pruned episodes", "removed", len(ids), "max_episodes", m.maxEpisodes)
	return len(ids), nil
}

// IndexDocument upserts a document vector.
func (m *MemoryEngine) IndexDocument(ctx context.Context, id int64, vec []float32) error {
	return m.vec.Upsert(ctx, id, model.KindDocument, vec)
}

// SearchDocuments returns document ids ranked by similarity to query.
func (m *MemoryEngine) SearchDocuments(ctx context.Context, query []float32, k int) ([]model.ScoredID, error) {
	return m.vec.Search(ctx, query, model.KindDocument, k)
}

// CountVectors returns the number of vectors of a kind.
func (m *MemoryEngine) CountVectors(ctx context.Context, kind model.VectorKind) (int64, error) {
	return m.vecStore.Count(ctx, kind)
}

// Quarantined reports a corrupt store file that was moved aside on open.
func (m *MemoryEngine) Quarantined() *sqlite.CorruptionError {
	return m.db.Quarantined()
}

// Close releases resources.
func (m *MemoryEngine) Close() error {
	if m.cache != nil {
		m.cache.Close()
	}
	return m.db.Close()
}

// HashEmbedder is a deterministic, dependency-free embedding stub used when no
// embedding service is configured.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 1536
	}
	return &HashEmbedder{dim: dim}
}

// EmbedText hashes the text into a pseudo-random but deterministic unit vector.
func (h *HashEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		text = "empty"
	}
	hash := sha256.Sum256([]byte(text))
	vec := make([]float64, h.dim)
	for i := 0; i < h.dim; i++ {
		// spread hash bits across dimensions
		chunk := binary.LittleEndian.Uint16(hash[(i % 16):])
		vec[i] = float64(chunk%1000) / 1000.0
	}
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		norm = 1
	}
	out := make([]float32, h.dim)
	for i := range vec {
		out[i] = float32(vec[i] / norm)
	}
	return out, nil
}

var _ model.EmbeddingClient = (*HashEmbedder)(nil)
