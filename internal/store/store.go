package store

import (
	"context"
	"time"

	"github.com/avrora-labs/opskb/internal/model"
)

// DocumentFilter specifies criteria for listing documents.
type DocumentFilter struct {
	Status       model.DocumentStatus `json:"status,omitempty"`
	Domain       string               `json:"domain,omitempty"`
	CreatedAfter time.Time            `json:"created_after,omitempty"`
	Limit        int                  `json:"limit,omitempty"`
	Offset       int                  `json:"offset,omitempty"`
}

// CommitSet is everything one commit invocation promotes. ApplyCommit writes
// the whole set, stamps the staged rows, and advances the document to
// COMPLETED inside a single transaction.
type CommitSet struct {
	Rules           []model.Rule
	QAEntries       []model.QAEntry
	Chunks          []model.Chunk
	PromotedItemIDs []string
}

// StagedCounts is a review-state breakdown of staged items.
type StagedCounts struct {
	Pending  int `json:"pending"`
	Verified int `json:"verified"`
	Rejected int `json:"rejected"`
	Promoted int `json:"promoted"`
}

// Store defines the persistence interface for the knowledge base.
type Store interface {
	// Documents
	CreateDocument(ctx context.Context, doc model.Document) (*model.Document, error)
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	ListDocuments(ctx context.Context, filter DocumentFilter) ([]model.Document, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkExtracted(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id string, status model.DocumentStatus, lastError string) error
	SetDocumentDomain(ctx context.Context, id, domain string) error
	SetPhasesDone(ctx context.Context, id string, phases []model.Phase) error
	ReviveDocument(ctx context.Context, id string) error
	ResetStaleDocument(ctx context.Context, id string, before time.Time) (bool, error)

	// Extraction attempts (append-only audit)
	CreateAttempt(ctx context.Context, documentID string) (*model.ExtractionAttempt, error)
	FinishAttempt(ctx context.Context, attemptID string, status model.AttemptStatus, failedPhase model.Phase, class model.ErrorClass, errText string) error
	ListAttempts(ctx context.Context, documentID string) ([]model.ExtractionAttempt, error)

	// Staged items
	CreateStagedItem(ctx context.Context, item model.StagedItem) (*model.StagedItem, error)
	ListStagedItems(ctx context.Context, documentID string, phase model.Phase) ([]model.StagedItem, error)
	ListCommittable(ctx context.Context, documentID string) ([]model.StagedItem, error)
	DeleteStagedItems(ctx context.Context, documentID string) (int, error)
	DeleteStagedPhase(ctx context.Context, documentID string, phase model.Phase) (int, error)
	MarkVerified(ctx context.Context, documentID string, itemIDs []string) (int, error)
	MarkRejected(ctx context.Context, documentID string, itemIDs []string) (int, error)

	// Durable knowledge
	ApplyCommit(ctx context.Context, documentID string, set CommitSet) error
	ListRules(ctx context.Context, domain string) ([]model.Rule, error)
	ListQAEntries(ctx context.Context, domain string) ([]model.QAEntry, error)
	ListChunks(ctx context.Context, domains []string) ([]model.Chunk, error)

	// Sessions
	CreateSession(ctx context.Context, id string) (*model.Session, error)
	GetSession(ctx context.Context, id string) (*model.Session, error)
	AppendTurn(ctx context.Context, sessionID, role, content string) (*model.Turn, error)
	ListRecentTurns(ctx context.Context, sessionID string, limit int) ([]model.Turn, error)

	// Stats
	CountDocumentsByStatus(ctx context.Context) (map[model.DocumentStatus]int, error)
	CountStagedByState(ctx context.Context) (StagedCounts, error)
	CountRules(ctx context.Context) (int, error)
	CountQAEntries(ctx context.Context) (int, error)
	CountChunks(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
