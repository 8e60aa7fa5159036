package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/avrora-labs/opskb/internal/answer"
	"github.com/avrora-labs/opskb/internal/commit"
	"github.com/avrora-labs/opskb/internal/extract"
	"github.com/avrora-labs/opskb/internal/monitoring"
	"github.com/avrora-labs/opskb/internal/search"
	"github.com/avrora-labs/opskb/internal/store"
	anthropicpkg "github.com/avrora-labs/opskb/pkg/anthropic"
	"github.com/avrora-labs/opskb/pkg/embedding"
)

// appEnv holds the initialized store, clients, and engines shared by the
// serve/extract/commit/answer commands.
type appEnv struct {
	Store        store.Store
	Taxonomy     *extract.Taxonomy
	Orchestrator *extract.Orchestrator
	Committer    *commit.Committer
	Searcher     *search.Searcher
	Answerer     *answer.Answerer
	Collector    *monitoring.Collector
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "opskb.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initApp sets up the store, model gateways, and all engines. Callers should
// defer env.Close().
func initApp(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	taxonomy, err := extract.LoadTaxonomy(cfg.Extract.DomainsPath)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "load domain taxonomy")
	}

	gateway := anthropicpkg.NewGateway(
		anthropicpkg.NewClient(cfg.Anthropic.Key),
		anthropicpkg.GatewayConfig{
			RequestsPerSecond: cfg.Anthropic.RequestsPerS,
			Burst:             cfg.Anthropic.Burst,
		},
	)

	embedder, err := embedding.New(embedding.Config{
		BaseURL:   cfg.Embeddings.BaseURL,
		APIKey:    cfg.Embeddings.Key,
		Model:     cfg.Embeddings.Model,
		BatchSize: cfg.Embeddings.BatchSize,
	})
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init embedder")
	}

	orchestrator := extract.New(st, gateway, taxonomy, extract.Config{
		ClassifyModel:  cfg.Anthropic.ClassifyModel,
		ExtractModel:   cfg.Anthropic.ExtractModel,
		MaxTokens:      cfg.Anthropic.MaxTokens,
		RetryThreshold: cfg.Extract.RetryThreshold,
		Heartbeat:      time.Duration(cfg.Extract.HeartbeatSecs) * time.Second,
		ChunkRunes:     cfg.Extract.ChunkRunes,
		StaleAfter:     time.Duration(cfg.Extract.StaleAfterMins) * time.Minute,
	})

	committer := commit.New(st, embedder, commit.Config{
		EmbedBatchSize: cfg.Embeddings.BatchSize,
	})

	searcher := search.New(st, embedder, search.Config{
		K:              cfg.Search.FusionK,
		SemanticWeight: cfg.Search.SemanticWeight,
		LexicalWeight:  cfg.Search.LexicalWeight,
	})

	answerer := answer.New(st, gateway, searcher, taxonomy, answer.Config{
		Model:     cfg.Anthropic.AnswerModel,
		MaxTokens: cfg.Anthropic.MaxTokens,
		MaxTurns:  cfg.Answer.HistoryTurns,
	})

	return &appEnv{
		Store:        st,
		Taxonomy:     taxonomy,
		Orchestrator: orchestrator,
		Committer:    committer,
		Searcher:     searcher,
		Answerer:     answerer,
		Collector:    monitoring.NewCollector(st),
	}, nil
}
