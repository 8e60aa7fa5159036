package search

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrora-labs/opskb/internal/model"
	"github.com/avrora-labs/opskb/internal/store"
	"github.com/avrora-labs/opskb/pkg/embedding/mock"
)

func TestFold(t *testing.T) {
	assert.Equal(t, "cafe", fold("Café"))
	assert.Equal(t, "uber", fold("Über"))
	assert.Equal(t, "resume", fold("résumé"))
}

func TestTokenize(t *testing.T) {
	tokens := tokenize("How much does the Café service cost?")
	assert.Equal(t, []string{"much", "cafe", "service", "cost"}, tokens)

	assert.Empty(t, tokenize("the a an of"))
	assert.Empty(t, tokenize(""))
}

func TestLexicalScore(t *testing.T) {
	query := tokenize("service price")
	assert.Equal(t, 1.0, lexicalScore(query, "The service price is 100 units."))
	assert.Equal(t, 0.5, lexicalScore(query, "Our service is excellent."))
	assert.Zero(t, lexicalScore(query, "Unrelated content entirely."))
	assert.Zero(t, lexicalScore(nil, "anything"))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, cosine([]float32{1, 0}, []float32{1, 0, 0}))
	assert.Zero(t, cosine(nil, nil))
	assert.Zero(t, cosine([]float32{0, 0}, []float32{1, 0}))
}

func TestFuse_DoubleRankOneScoresOne(t *testing.T) {
	fused := fuse([]Result{
		{ID: "a", Semantic: 0.9, Lexical: 0.8},
		{ID: "b", Semantic: 0.5, Lexical: 0.3},
	}, 60, 0.7, 0.3)

	require.Len(t, fused, 2)
	assert.Equal(t, "a", fused[0].ID)
	assert.InDelta(t, 1.0, fused[0].Combined, 1e-9)
	assert.Less(t, fused[1].Combined, fused[0].Combined)
}

func TestFuse_ZeroScoredSideContributesNothing(t *testing.T) {
	fused := fuse([]Result{
		{ID: "a", Semantic: 0.9, Lexical: 0},
		{ID: "b", Semantic: 0.8, Lexical: 1.0},
	}, 60, 0.7, 0.3)

	// b is rank 2 semantic but rank 1 lexical; a gets no lexical share.
	byID := map[string]Result{}
	for _, r := range fused {
		byID[r.ID] = r
	}
	aScore := 0.7 / 61 / (1.0 / 61)
	assert.InDelta(t, aScore, byID["a"].Combined, 1e-9)
	assert.Greater(t, byID["b"].Combined, byID["a"].Combined)
}

func TestSelectContext_Elbow(t *testing.T) {
	results := []Result{
		{ID: "a", Combined: 0.9},
		{ID: "b", Combined: 0.8},
		{ID: "c", Combined: 0.5},
		{ID: "d", Combined: 0.4},
	}
	kept := SelectContext(results, 0.6, 5)
	require.Len(t, kept, 2)
	assert.Equal(t, "a", kept[0].ID)
	assert.Equal(t, "b", kept[1].ID)
}

func TestSelectContext_Cap(t *testing.T) {
	var results []Result
	for i := 0; i < 10; i++ {
		results = append(results, Result{ID: string(rune('a' + i)), Combined: 1.0})
	}
	assert.Len(t, SelectContext(results, 0.6, 5), 5)
}

func TestSelectContext_Empty(t *testing.T) {
	assert.Nil(t, SelectContext(nil, 0.6, 5))
	assert.Nil(t, SelectContext([]Result{{ID: "a", Combined: 0}}, 0.6, 5))
}

func newSearchStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func commitChunks(t *testing.T, st *store.SQLiteStore, emb *mock.Embedder, contents map[string]string) {
	t.Helper()
	ctx := context.Background()
	doc, err := st.CreateDocument(ctx, model.Document{Title: "doc", MimeType: "text/plain", Content: "x"})
	require.NoError(t, err)

	var chunks []model.Chunk
	seq := 0
	for id, content := range contents {
		vec, err := emb.EmbedText(ctx, content)
		require.NoError(t, err)
		chunks = append(chunks, model.Chunk{
			ID: id, DocumentID: doc.ID, Domain: "pricing",
			Seq: seq, Content: content, Embedding: vec,
		})
		seq++
	}
	require.NoError(t, st.ApplyCommit(ctx, doc.ID, store.CommitSet{Chunks: chunks}))
}

func TestSearch_FindsExactContent(t *testing.T) {
	st := newSearchStore(t)
	emb := mock.New()
	commitChunks(t, st, emb, map[string]string{
		"c1": "Service X costs 100 units per month.",
		"c2": "The office opens at nine in the morning.",
		"c3": "Refunds are processed within five business days.",
	})

	s := New(st, emb, Config{})
	results, err := s.Search(context.Background(), []string{"Service X costs 100 units per month."}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	// Identical text wins both rankings outright.
	assert.Equal(t, "c1", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Combined, 1e-9)
}

func TestSearch_MultiQueryKeepsMaxPerChunk(t *testing.T) {
	st := newSearchStore(t)
	emb := mock.New()
	commitChunks(t, st, emb, map[string]string{
		"c1": "Service X costs 100 units per month.",
		"c2": "The office opens at nine in the morning.",
	})

	s := New(st, emb, Config{})
	results, err := s.Search(context.Background(), []string{
		"office opening hours",
		"The office opens at nine in the morning.",
	}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	// The exact-match query dominates the merged score for c2.
	assert.Equal(t, "c2", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Combined, 1e-9)

	// Each chunk appears once despite two queries.
	seen := map[string]int{}
	for _, r := range results {
		seen[r.ID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "chunk %s merged more than once", id)
	}
}

func TestSearch_DomainRestriction(t *testing.T) {
	st := newSearchStore(t)
	emb := mock.New()
	commitChunks(t, st, emb, map[string]string{
		"c1": "Service X costs 100 units per month.",
	})

	s := New(st, emb, Config{})

	results, err := s.Search(context.Background(), []string{"service cost"}, []string{"operations"})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = s.Search(context.Background(), []string{"service cost"}, []string{"pricing"})
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestSearch_NoQueriesNoChunks(t *testing.T) {
	st := newSearchStore(t)
	s := New(st, mock.New(), Config{})

	results, err := s.Search(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Nil(t, results)

	results, err = s.Search(context.Background(), []string{"anything"}, nil)
	require.NoError(t, err)
	assert.Nil(t, results)
}
