package search

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/avrora-labs/opskb/internal/store"
	"github.com/avrora-labs/opskb/pkg/embedding"
)

// Config tunes hybrid retrieval.
type Config struct {
	// K is the reciprocal-rank fusion constant.
	K int
	// SemanticWeight and LexicalWeight blend the two rankings.
	SemanticWeight float64
	LexicalWeight  float64
	// MinRatio and MaxContext drive adaptive context selection.
	MinRatio   float64
	MaxContext int
}

func (c Config) withDefaults() Config {
	if c.K <= 0 {
		c.K = 60
	}
	if c.SemanticWeight <= 0 && c.LexicalWeight <= 0 {
		c.SemanticWeight = 0.7
		c.LexicalWeight = 0.3
	}
	if c.MinRatio <= 0 {
		c.MinRatio = 0.6
	}
	if c.MaxContext <= 0 {
		c.MaxContext = 5
	}
	return c
}

// Searcher runs hybrid retrieval over committed chunks: cosine similarity on
// stored embeddings fused with lexical token overlap.
type Searcher struct {
	store    store.Store
	embedder embedding.Embedder
	cfg      Config
}

// New creates a Searcher.
func New(st store.Store, embedder embedding.Embedder, cfg Config) *Searcher {
	return &Searcher{store: st, embedder: embedder, cfg: cfg.withDefaults()}
}

// Search runs every query against the chunk corpus, fuses each query's
// semantic and lexical rankings, and merges across queries keeping the
// maximum combined score per chunk. Results are sorted descending. An empty
// domains slice searches all domains.
func (s *Searcher) Search(ctx context.Context, queries, domains []string) ([]Result, error) {
	if len(queries) == 0 {
		return nil, nil
	}

	chunks, err := s.store.ListChunks(ctx, domains)
	if err != nil {
		return nil, eris.Wrap(err, "search: load chunks")
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	vectors, err := s.embedder.EmbedTexts(ctx, queries)
	if err != nil {
		// Retrieval degrades to lexical-only rather than failing the query.
		zap.L().Warn("search: query embedding failed, lexical only", zap.Error(err))
		vectors = make([][]float32, len(queries))
	}
	if len(vectors) != len(queries) {
		return nil, eris.Errorf("search: embedder returned %d vectors for %d queries", len(vectors), len(queries))
	}

	merged := make(map[string]Result, len(chunks))
	for qi, query := range queries {
		queryTokens := tokenize(query)

		candidates := make([]Result, 0, len(chunks))
		for _, chunk := range chunks {
			candidates = append(candidates, Result{
				ID:       chunk.ID,
				Text:     chunk.Content,
				Domain:   chunk.Domain,
				Semantic: cosine(vectors[qi], chunk.Embedding),
				Lexical:  lexicalScore(queryTokens, chunk.Content),
			})
		}

		for _, r := range fuse(candidates, s.cfg.K, s.cfg.SemanticWeight, s.cfg.LexicalWeight) {
			if prev, ok := merged[r.ID]; !ok || r.Combined > prev.Combined {
				merged[r.ID] = r
			}
		}
	}

	results := make([]Result, 0, len(merged))
	for _, r := range merged {
		results = append(results, r)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Combined > results[j].Combined
	})
	return results, nil
}

// Context applies the configured adaptive elbow to sorted results.
func (s *Searcher) Context(results []Result) []Result {
	return SelectContext(results, s.cfg.MinRatio, s.cfg.MaxContext)
}
