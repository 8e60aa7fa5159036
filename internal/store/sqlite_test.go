package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrora-labs/opskb/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func createTestDocument(t *testing.T, st *SQLiteStore, title string) *model.Document {
	t.Helper()
	doc, err := st.CreateDocument(context.Background(), model.Document{
		Title:    title,
		MimeType: "text/plain",
		Content:  "service X costs 100 units",
	})
	require.NoError(t, err)
	return doc
}

// --- Documents ---

func TestSQLite_CreateDocument_And_GetDocument(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, st, "Pricing Sheet")

	got, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Pricing Sheet", got.Title)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, "service X costs 100 units", got.Content)
	assert.Empty(t, got.PhasesDone)
}

func TestSQLite_GetDocument_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetDocument(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_ListDocuments_FilterByStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := createTestDocument(t, st, "A")
	createTestDocument(t, st, "B")
	require.NoError(t, st.MarkProcessing(ctx, a.ID))

	pending, err := st.ListDocuments(ctx, DocumentFilter{Status: model.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "B", pending[0].Title)

	processing, err := st.ListDocuments(ctx, DocumentFilter{Status: model.StatusProcessing})
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, "A", processing[0].Title)
	// Content is omitted from list results.
	assert.Empty(t, processing[0].Content)
}

func TestSQLite_MarkProcessing_SetsStartedAt(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, st, "A")
	require.NoError(t, st.MarkProcessing(ctx, doc.ID))

	got, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status)
	require.NotNil(t, got.ProcessingStartedAt)
}

func TestSQLite_MarkExtracted_ResetsRetryCount(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, st, "A")
	require.NoError(t, st.RecordFailure(ctx, doc.ID, model.StatusFailed, "boom"))
	require.NoError(t, st.RecordFailure(ctx, doc.ID, model.StatusFailed, "boom again"))

	got, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "boom again", got.LastError)

	require.NoError(t, st.MarkExtracted(ctx, doc.ID))

	got, err = st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExtracted, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.LastError)
	assert.Nil(t, got.ProcessingStartedAt)
}

func TestSQLite_RecordFailure_IncrementsRetryCount(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, st, "A")
	for i := 1; i <= 3; i++ {
		require.NoError(t, st.RecordFailure(ctx, doc.ID, model.StatusFailed, "transient"))
		got, err := st.GetDocument(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, i, got.RetryCount)
	}
}

func TestSQLite_ReviveDocument_OnlyDead(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, st, "A")

	// Not DEAD yet: revive must refuse.
	err := st.ReviveDocument(ctx, doc.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not DEAD")

	require.NoError(t, st.RecordFailure(ctx, doc.ID, model.StatusDead, "threshold reached"))
	require.NoError(t, st.ReviveDocument(ctx, doc.ID))

	got, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestSQLite_ResetStaleDocument(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, st, "A")
	require.NoError(t, st.MarkProcessing(ctx, doc.ID))

	// Cutoff in the past: the fresh attempt is not stale yet.
	reset, err := st.ResetStaleDocument(ctx, doc.ID, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, reset)

	// Cutoff in the future covers the attempt.
	reset, err = st.ResetStaleDocument(ctx, doc.ID, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, reset)

	got, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.ProcessingStartedAt)
}

func TestSQLite_SetPhasesDone_Roundtrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, st, "A")
	phases := []model.Phase{model.PhaseDomainClassification, model.PhaseKnowledgeExtraction}
	require.NoError(t, st.SetPhasesDone(ctx, doc.ID, phases))

	got, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, phases, got.PhasesDone)
	assert.True(t, got.PhaseDone(model.PhaseKnowledgeExtraction))
	assert.False(t, got.PhaseDone(model.PhaseChunking))

	require.NoError(t, st.SetPhasesDone(ctx, doc.ID, nil))
	got, err = st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, got.PhasesDone)
}

// --- Extraction attempts ---

func TestSQLite_CreateAttempt_And_FinishAttempt(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, st, "A")
	attempt, err := st.CreateAttempt(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptRunning, attempt.Status)

	err = st.FinishAttempt(ctx, attempt.ID, model.AttemptFailed,
		model.PhaseKnowledgeExtraction, model.ErrorClassTransient, "stream interrupted")
	require.NoError(t, err)

	attempts, err := st.ListAttempts(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, model.AttemptFailed, attempts[0].Status)
	assert.Equal(t, model.PhaseKnowledgeExtraction, attempts[0].FailedPhase)
	assert.Equal(t, model.ErrorClassTransient, attempts[0].ErrorClass)
	assert.Equal(t, "stream interrupted", attempts[0].ErrorText)
	require.NotNil(t, attempts[0].FinishedAt)
}

func TestSQLite_ListAttempts_AppendOnly(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, st, "A")
	for i := 0; i < 3; i++ {
		_, err := st.CreateAttempt(ctx, doc.ID)
		require.NoError(t, err)
	}

	attempts, err := st.ListAttempts(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 3)
}

// --- Staged items ---

func stageTestItem(t *testing.T, st *SQLiteStore, docID string, phase model.Phase, typ model.ItemType, payload any) *model.StagedItem {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	item, err := st.CreateStagedItem(context.Background(), model.StagedItem{
		DocumentID: docID,
		Phase:      phase,
		Type:       typ,
		Payload:    raw,
	})
	require.NoError(t, err)
	return item
}

func TestSQLite_StagedItems_CreateAndListByPhase(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, st, "A")
	stageTestItem(t, st, doc.ID, model.PhaseDomainClassification, model.ItemDomain,
		model.DomainPayload{Domain: "pricing", Confidence: 0.9})
	stageTestItem(t, st, doc.ID, model.PhaseKnowledgeExtraction, model.ItemRule,
		model.RulePayload{Title: "X pricing", Body: "service X costs 100 units", Domain: "pricing", Confidence: 0.8})

	all, err := st.ListStagedItems(ctx, doc.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	rules, err := st.ListStagedItems(ctx, doc.ID, model.PhaseKnowledgeExtraction)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, model.ItemRule, rules[0].Type)

	var payload model.RulePayload
	require.NoError(t, json.Unmarshal(rules[0].Payload, &payload))
	assert.Equal(t, "X pricing", payload.Title)
}

func TestSQLite_MarkVerified_And_MarkRejected(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, st, "A")
	a := stageTestItem(t, st, doc.ID, model.PhaseKnowledgeExtraction, model.ItemRule, model.RulePayload{Title: "a"})
	b := stageTestItem(t, st, doc.ID, model.PhaseKnowledgeExtraction, model.ItemRule, model.RulePayload{Title: "b"})

	n, err := st.MarkVerified(ctx, doc.ID, []string{a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Rejecting a verified item flips it.
	n, err = st.MarkRejected(ctx, doc.ID, []string{b.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	committable, err := st.ListCommittable(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, committable, 1)
	assert.Equal(t, a.ID, committable[0].ID)
	require.NotNil(t, committable[0].VerifiedAt)
}

func TestSQLite_MarkVerified_ScopedToDocument(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	docA := createTestDocument(t, st, "A")
	docB := createTestDocument(t, st, "B")
	item := stageTestItem(t, st, docA.ID, model.PhaseKnowledgeExtraction, model.ItemRule, model.RulePayload{Title: "a"})

	// Stamping through the wrong document touches nothing.
	n, err := st.MarkVerified(ctx, docB.ID, []string{item.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSQLite_MarkVerified_EmptyIDs(t *testing.T) {
	st := newTestSQLiteStore(t)

	n, err := st.MarkVerified(context.Background(), "whatever", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSQLite_DeleteStagedItems_KeepsPromoted(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, st, "A")
	kept := stageTestItem(t, st, doc.ID, model.PhaseChunking, model.ItemChunk, model.ChunkPayload{Seq: 0, Content: "c"})
	stageTestItem(t, st, doc.ID, model.PhaseChunking, model.ItemChunk, model.ChunkPayload{Seq: 1, Content: "d"})

	_, err := st.MarkVerified(ctx, doc.ID, []string{kept.ID})
	require.NoError(t, err)
	require.NoError(t, st.ApplyCommit(ctx, doc.ID, CommitSet{
		Chunks: []model.Chunk{
			{ID: "c1", DocumentID: doc.ID, Domain: "general", Seq: 0, Content: "c", Embedding: []float32{0.1, 0.2}},
		},
		PromotedItemIDs: []string{kept.ID},
	}))

	n, err := st.DeleteStagedItems(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	remaining, err := st.ListStagedItems(ctx, doc.ID, "")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.True(t, remaining[0].Promoted)
}

func TestSQLite_DeleteStagedPhase_LeavesOtherPhases(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, st, "A")
	stageTestItem(t, st, doc.ID, model.PhaseDomainClassification, model.ItemDomain,
		model.DomainPayload{Domain: "pricing", Confidence: 0.9})
	stageTestItem(t, st, doc.ID, model.PhaseKnowledgeExtraction, model.ItemRule,
		model.RulePayload{Title: "X", Body: "b", Domain: "pricing", Confidence: 0.8})
	stageTestItem(t, st, doc.ID, model.PhaseKnowledgeExtraction, model.ItemQA,
		model.QAPayload{Question: "q?", Answer: "a", Domain: "pricing", Confidence: 0.8})

	n, err := st.DeleteStagedPhase(ctx, doc.ID, model.PhaseKnowledgeExtraction)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	remaining, err := st.ListStagedItems(ctx, doc.ID, "")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, model.PhaseDomainClassification, remaining[0].Phase)
}

func TestSQLite_ListStagedItems_StableOrderOnTimestampTies(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, st, "A")
	var want []string
	for i := 0; i < 6; i++ {
		it := stageTestItem(t, st, doc.ID, model.PhaseKnowledgeExtraction, model.ItemRule,
			model.RulePayload{Title: string(rune('A' + i)), Domain: "pricing"})
		want = append(want, it.ID)
	}

	// Collapse every row onto one timestamp: ordering must fall back to
	// insertion order, since rule_index back-links count in that order.
	_, err := st.db.ExecContext(ctx,
		`UPDATE staged_items SET created_at = ? WHERE document_id = ?`,
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), doc.ID)
	require.NoError(t, err)

	items, err := st.ListStagedItems(ctx, doc.ID, "")
	require.NoError(t, err)
	require.Len(t, items, len(want))
	for i, it := range items {
		assert.Equal(t, want[i], it.ID)
	}
}

// --- Commit ---

func TestSQLite_ApplyCommit_PromotesAndCompletes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, st, "A")
	rule := stageTestItem(t, st, doc.ID, model.PhaseKnowledgeExtraction, model.ItemRule, model.RulePayload{Title: "X pricing"})
	qa := stageTestItem(t, st, doc.ID, model.PhaseKnowledgeExtraction, model.ItemQA, model.QAPayload{Question: "cost?"})
	_, err := st.MarkVerified(ctx, doc.ID, []string{rule.ID, qa.ID})
	require.NoError(t, err)

	set := CommitSet{
		Rules: []model.Rule{
			{ID: "r1", DocumentID: doc.ID, Domain: "pricing", Code: "PRICING-1", Title: "X pricing", Body: "100 units", Confidence: 0.8},
		},
		QAEntries: []model.QAEntry{
			{ID: "q1", DocumentID: doc.ID, RuleID: "r1", Domain: "pricing", Question: "how much does X cost?", Answer: "100 units", Confidence: 0.8},
		},
		PromotedItemIDs: []string{rule.ID, qa.ID},
	}
	require.NoError(t, st.ApplyCommit(ctx, doc.ID, set))

	got, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)

	rules, err := st.ListRules(ctx, "pricing")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "PRICING-1", rules[0].Code)

	entries, err := st.ListQAEntries(ctx, "pricing")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "r1", entries[0].RuleID)

	// Nothing committable remains; re-invoking is idempotent-safe.
	committable, err := st.ListCommittable(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, committable)
}

func TestSQLite_ApplyCommit_SupersedesLineage(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, st, "A")
	require.NoError(t, st.ApplyCommit(ctx, doc.ID, CommitSet{
		Rules: []model.Rule{{ID: "r1", DocumentID: doc.ID, Domain: "pricing", Code: "PRICING-1", Title: "X pricing", Body: "old"}},
	}))
	require.NoError(t, st.ApplyCommit(ctx, doc.ID, CommitSet{
		Rules: []model.Rule{{ID: "r2", DocumentID: doc.ID, Domain: "pricing", Code: "PRICING-2", Title: "X pricing", Body: "new", Supersedes: "r1"}},
	}))

	rules, err := st.ListRules(ctx, "pricing")
	require.NoError(t, err)
	require.Len(t, rules, 2)

	byID := map[string]model.Rule{}
	for _, r := range rules {
		byID[r.ID] = r
	}
	assert.Equal(t, "r2", byID["r1"].SupersededBy)
	assert.Equal(t, "r1", byID["r2"].Supersedes)
}

func TestSQLite_ApplyCommit_RejectsChunkWithoutEmbedding(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, st, "A")
	err := st.ApplyCommit(ctx, doc.ID, CommitSet{
		Chunks: []model.Chunk{{ID: "c1", DocumentID: doc.ID, Domain: "general", Seq: 0, Content: "text"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no embedding")

	// Transaction rolled back: document untouched, no chunk row.
	got, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)

	n, err := st.CountChunks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLite_ListChunks_EmbeddingRoundtrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, st, "A")
	vec := []float32{0.25, -1.5, 3.75}
	require.NoError(t, st.ApplyCommit(ctx, doc.ID, CommitSet{
		Chunks: []model.Chunk{{ID: "c1", DocumentID: doc.ID, Domain: "pricing", Seq: 0, Content: "text", Embedding: vec}},
	}))

	chunks, err := st.ListChunks(ctx, []string{"pricing"})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, vec, chunks[0].Embedding)

	none, err := st.ListChunks(ctx, []string{"services"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

// --- Sessions ---

func TestSQLite_Sessions_And_Turns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess.ID)

	// Creating again is a no-op.
	_, err = st.CreateSession(ctx, "sess-1")
	require.NoError(t, err)

	_, err = st.AppendTurn(ctx, sess.ID, "user", "how much does X cost?")
	require.NoError(t, err)
	_, err = st.AppendTurn(ctx, sess.ID, "assistant", "100 units")
	require.NoError(t, err)

	turns, err := st.ListRecentTurns(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	// Chronological order.
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "assistant", turns[1].Role)
}

func TestSQLite_GetSession_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	sess, err := st.GetSession(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

// --- Stats ---

func TestSQLite_Counts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, st, "A")
	createTestDocument(t, st, "B")
	require.NoError(t, st.MarkProcessing(ctx, doc.ID))

	a := stageTestItem(t, st, doc.ID, model.PhaseKnowledgeExtraction, model.ItemRule, model.RulePayload{Title: "a"})
	stageTestItem(t, st, doc.ID, model.PhaseKnowledgeExtraction, model.ItemRule, model.RulePayload{Title: "b"})
	_, err := st.MarkVerified(ctx, doc.ID, []string{a.ID})
	require.NoError(t, err)

	byStatus, err := st.CountDocumentsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, byStatus[model.StatusPending])
	assert.Equal(t, 1, byStatus[model.StatusProcessing])

	staged, err := st.CountStagedByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, staged.Pending)
	assert.Equal(t, 1, staged.Verified)

	nRules, err := st.CountRules(ctx)
	require.NoError(t, err)
	assert.Zero(t, nRules)
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Migrate(context.Background()))
}
