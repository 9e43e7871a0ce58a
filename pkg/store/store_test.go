package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johncui/engram/pkg/model"
	"github.com/johncui/engram/pkg/store/vector"
)

func newTestEngine(t *testing.T, opt Options) *MemoryEngine {
	t.Helper()
	if opt.DBPath == "" {
		opt.DBPath = filepath.Join(t.TempDir(), "engram.db")
	}
	if opt.Now == nil {
		now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
		opt.Now = func() time.Time {
			now = now.Add(time.Second)
			return now
		}
	}
	m, err := NewMemoryEngine(context.Background(), opt)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// failingIndex rejects writes and delegates reads.
type failingIndex struct {
	inner interface {
		Search(ctx context.Context, query []float32, kind model.VectorKind, k int) ([]model.ScoredID, error)
		Delete(ctx context.Context, kind model.VectorKind, ids []int64) error
	}
}

func (f failingIndex) Upsert(context.Context, int64, model.VectorKind, []float32) error {
	return errors.New("disk full")
}

func (f failingIndex) Search(ctx context.Context, q []float32, kind model.VectorKind, k int) ([]model.ScoredID, error) {
	return f.inner.Search(ctx, q, kind, k)
}

func (f failingIndex) Delete(ctx context.Context, kind model.VectorKind, ids []int64) error {
	return f.inner.Delete(ctx, kind, ids)
}

// recordingIndex delegates to the real index and records deletions.
type recordingIndex struct {
	vector.Index
	deleted map[model.VectorKind][]int64
}

func (r *recordingIndex) Delete(ctx context.Context, kind model.VectorKind, ids []int64) error {
	if r.deleted == nil {
		r.deleted = map[model.VectorKind][]int64{}
	}
	r.deleted[kind] = append(r.deleted[kind], ids...)
	return r.Index.Delete(ctx, kind, ids)
}

func TestRecord_ThenRecentEpisode(t *testing.T) {
	m := newTestEngine(t, Options{})
	ctx := context.Background()

	in := model.RecordInput{
		User:     "alice",
		Task:     "travel",
		Text:     "prefers aisle seats",
		Metadata: map[string]interface{}{"source": "chat"},
	}
	res, err := m.Record(ctx, in)
	require.NoError(t, err)
	assert.NoError(t, res.VectorErr)

	recent, err := m.RecentEpisodes(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	got := recent[0]
	assert.Equal(t, res.EpisodeID, got.ID)
	assert.Equal(t, in.User, got.User)
	assert.Equal(t, in.Task, got.Task)
	assert.Equal(t, in.Text, got.Text)
	assert.Equal(t, in.Metadata, got.Metadata)

	empty, err := m.Record(ctx, model.RecordInput{User: "alice", Text: "no tags", Metadata: map[string]interface{}{}})
	require.NoError(t, err)
	recent, err = m.RecentEpisodes(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, empty.EpisodeID, recent[0].ID)
	require.NotNil(t, recent[0].Metadata)
	assert.Empty(t, recent[0].Metadata)
}

func TestRecall_CallerMapChangesDoNotLeak(t *testing.T) {
	m := newTestEngine(t, Options{})
	ctx := context.Background()

	meta := map[string]interface{}{"mood": "calm", "count": 3}
	res, err := m.Record(ctx, model.RecordInput{User: "u", Text: "x", Embedding: []float32{1, 0}, Metadata: meta})
	require.NoError(t, err)
	meta["mood"] = "changed"
	m.cache.Wait()

	recalled, err := m.Recall(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, recalled, 1)
	recent, err := m.RecentEpisodes(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)

	assert.Equal(t, res.EpisodeID, recalled[0].ID)
	assert.Equal(t, "calm", recalled[0].Metadata["mood"])
	assert.Equal(t, float64(3), recalled[0].Metadata["count"])
	assert.Equal(t, recent[0].Metadata, recalled[0].Metadata)
}

func TestRecall_SelfRecall(t *testing.T) {
	m := newTestEngine(t, Options{})
	ctx := context.Background()

	v := []float32{0.2, 0.4, -0.1, 0.9}
	res, err := m.Record(ctx, model.RecordInput{User: "u", Task: "t", Text: "target", Embedding: v})
	require.NoError(t, err)
	_, err = m.Record(ctx, model.RecordInput{User: "u", Task: "t", Text: "other", Embedding: []float32{-1, 0, 0.3, 0}})
	require.NoError(t, err)

	got, err := m.Recall(ctx, v, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, res.EpisodeID, got[0].ID)
	assert.Equal(t, "target", got[0].Text)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)

	got, err = m.Recall(ctx, v, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.GreaterOrEqual(t, got[0].Score, got[1].Score)
}

func TestRecall_WithoutCache(t *testing.T) {
	m := newTestEngine(t, Options{CacheEntries: -1})
	ctx := context.Background()

	res, err := m.Record(ctx, model.RecordInput{User: "u", Task: "t", Text: "uncached", Embedding: []float32{1, 2}})
	require.NoError(t, err)

	got, err := m.Recall(ctx, []float32{1, 2}, 3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, res.EpisodeID, got[0].ID)
}

func TestRecall_SkipsVectorsWithoutEpisode(t *testing.T) {
	m := newTestEngine(t, Options{})
	ctx := context.Background()

	res, err := m.Record(ctx, model.RecordInput{User: "u", Task: "t", Text: "real", Embedding: []float32{1, 0}})
	require.NoError(t, err)
	// A vector for an id that has no episode row.
	require.NoError(t, m.vec.Upsert(ctx, res.EpisodeID+1000, model.KindEpisodic, []float32{1, 0}))

	got, err := m.Recall(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, res.EpisodeID, got[0].ID)
}

func TestRecall_DimensionMismatchIsEmpty(t *testing.T) {
	m := newTestEngine(t, Options{})
	ctx := context.Background()

	_, err := m.Record(ctx, model.RecordInput{User: "u", Task: "t", Text: "x", Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)

	got, err := m.Recall(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecord_VectorFailureKeepsEpisode(t *testing.T) {
	m := newTestEngine(t, Options{})
	ctx := context.Background()
	m.vec = failingIndex{inner: m.vecStore}

	res, err := m.Record(ctx, model.RecordInput{User: "u", Task: "t", Text: "kept", Embedding: []float32{1, 1}})
	require.NoError(t, err)
	require.Error(t, res.VectorErr)
	assert.Equal(t, "disk full", res.Warning())

	recent, err := m.RecentEpisodes(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, res.EpisodeID, recent[0].ID)

	n, err := m.CountVectors(ctx, model.KindEpisodic)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFactsAndForget(t *testing.T) {
	m := newTestEngine(t, Options{})
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := m.AddFact(ctx, model.Fact{Subject: "user", Predicate: "said", Object: "hi", Confidence: 0.5})
		require.NoError(t, err)
	}
	removed, err := m.Forget(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	subject := "user"
	facts, err := m.Facts(ctx, model.FactQuery{Subject: &subject})
	require.NoError(t, err)
	assert.Len(t, facts, 5)

	n, err := m.CountFacts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
}

func TestPruneEpisodes_Retention(t *testing.T) {
	ctx := context.Background()

	unbounded := newTestEngine(t, Options{})
	for i := 0; i < 3; i++ {
		_, err := unbounded.Record(ctx, model.RecordInput{User: "u", Task: "t", Text: "x"})
		require.NoError(t, err)
	}
	n, err := unbounded.PruneEpisodes(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	bounded := newTestEngine(t, Options{MaxEpisodes: 2})
	var ids []int64
	for i := 0; i < 5; i++ {
		res, err := bounded.Record(ctx, model.RecordInput{User: "u", Task: "t", Text: "x", Embedding: []float32{1, float32(i)}})
		require.NoError(t, err)
		ids = append(ids, res.EpisodeID)
	}
	n, err = bounded.PruneEpisodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	recent, err := bounded.RecentEpisodes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[4], recent[0].ID)
	assert.Equal(t, ids[3], recent[1].ID)

	vecs, err := bounded.CountVectors(ctx, model.KindEpisodic)
	require.NoError(t, err)
	assert.EqualValues(t, 2, vecs)

	got, err := bounded.Recall(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestPruneEpisodes_DeletesThroughIndex(t *testing.T) {
	ctx := context.Background()
	m := newTestEngine(t, Options{MaxEpisodes: 1})
	idx := &recordingIndex{Index: m.vecStore}
	m.vec = idx

	var ids []int64
	for i := 0; i < 3; i++ {
		res, err := m.Record(ctx, model.RecordInput{User: "u", Text: "x", Embedding: []float32{1, float32(i)}})
		require.NoError(t, err)
		ids = append(ids, res.EpisodeID)
	}
	require.NoError(t, m.IndexDocument(ctx, ids[0], []float32{1, 1}))

	n, err := m.PruneEpisodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, ids[:2], idx.deleted[model.KindEpisodic])
	assert.Empty(t, idx.deleted[model.KindDocument])

	vecs, err := m.CountVectors(ctx, model.KindEpisodic)
	require.NoError(t, err)
	assert.EqualValues(t, 1, vecs)
	docs, err := m.CountVectors(ctx, model.KindDocument)
	require.NoError(t, err)
	assert.EqualValues(t, 1, docs)

	n, err = m.PruneEpisodes(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, idx.deleted[model.KindEpisodic], 2)
}

func TestDocuments(t *testing.T) {
	m := newTestEngine(t, Options{})
	ctx := context.Background()

	require.NoError(t, m.IndexDocument(ctx, 100, []float32{0, 1}))
	require.NoError(t, m.IndexDocument(ctx, 101, []float32{1, 0}))

	hits, err := m.SearchDocuments(ctx, []float32{0.1, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(100), hits[0].ID)

	got, err := m.Recall(ctx, []float32{0, 1}, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHashEmbedder(t *testing.T) {
	e := NewHashEmbedder(32)
	a, err := e.EmbedText(context.Background(), "hello")
	require.NoError(t, err)
	b, err := e.EmbedText(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.Equal(t, a, b)
}
