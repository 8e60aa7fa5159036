package model

import (
	"encoding/json"
	"time"
)

// DocumentStatus represents the lifecycle state of an ingested document.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "PENDING"
	StatusProcessing DocumentStatus = "PROCESSING"
	StatusExtracted  DocumentStatus = "EXTRACTED"
	StatusCompleted  DocumentStatus = "COMPLETED"
	StatusFailed     DocumentStatus = "FAILED"
	StatusDead       DocumentStatus = "DEAD"
)

// Phase is one of the three ordered extraction stages.
type Phase string

const (
	PhaseDomainClassification Phase = "DOMAIN_CLASSIFICATION"
	PhaseKnowledgeExtraction  Phase = "KNOWLEDGE_EXTRACTION"
	PhaseChunking             Phase = "CHUNKING"
)

// Phases returns the extraction phases in execution order.
func Phases() []Phase {
	return []Phase{PhaseDomainClassification, PhaseKnowledgeExtraction, PhaseChunking}
}

// Document is a unit of ingested source material moving through the
// extraction lifecycle.
type Document struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	Source     string         `json:"source,omitempty"`
	MimeType   string         `json:"mime_type"`
	Domain     string         `json:"domain,omitempty"`
	Content    string         `json:"content,omitempty"`
	Status     DocumentStatus `json:"status"`
	RetryCount int            `json:"retry_count"`
	LastError  string         `json:"last_error,omitempty"`

	// PhasesDone lists phases whose staged items were fully persisted by a
	// prior attempt. Drives resume; an interrupted phase never appears here.
	PhasesDone []Phase `json:"phases_done,omitempty"`

	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// PhaseDone reports whether a phase was fully persisted by a prior attempt.
func (d *Document) PhaseDone(p Phase) bool {
	for _, done := range d.PhasesDone {
		if done == p {
			return true
		}
	}
	return false
}

// AttemptStatus represents the state of a single orchestrator invocation.
type AttemptStatus string

const (
	AttemptRunning AttemptStatus = "running"
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
)

// ErrorClass splits upstream-model failures into retry semantics.
type ErrorClass string

const (
	// ErrorClassTransient counts toward the retry threshold.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassFatal is never auto-retried (quota, auth, bad request,
	// upstream server failure).
	ErrorClassFatal ErrorClass = "fatal"
)

// ExtractionAttempt is an append-only audit row, one per orchestrator run.
type ExtractionAttempt struct {
	ID          string        `json:"id"`
	DocumentID  string        `json:"document_id"`
	Status      AttemptStatus `json:"status"`
	FailedPhase Phase         `json:"failed_phase,omitempty"`
	ErrorClass  ErrorClass    `json:"error_class,omitempty"`
	ErrorText   string        `json:"error_text,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

// ItemType classifies a staged candidate fact.
type ItemType string

const (
	ItemDomain      ItemType = "domain"
	ItemRule        ItemType = "rule"
	ItemQA          ItemType = "qa"
	ItemUncertainty ItemType = "uncertainty"
	ItemChunk       ItemType = "chunk"
)

// StagedItem is an unverified candidate fact produced by one extraction
// phase, awaiting human review. Belongs to exactly one (document, phase).
type StagedItem struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"document_id"`
	Phase      Phase           `json:"phase"`
	Type       ItemType        `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Verified   bool            `json:"verified"`
	Rejected   bool            `json:"rejected"`
	Promoted   bool            `json:"promoted"`
	CreatedAt  time.Time       `json:"created_at"`
	VerifiedAt *time.Time      `json:"verified_at,omitempty"`
	PromotedAt *time.Time      `json:"promoted_at,omitempty"`
}

// DomainPayload is the staged result of the classification phase.
type DomainPayload struct {
	Domain     string   `json:"domain"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning,omitempty"`
	Suggested  []string `json:"suggested,omitempty"`
}

// RulePayload is a staged operating rule.
type RulePayload struct {
	Title      string  `json:"title"`
	Body       string  `json:"body"`
	Domain     string  `json:"domain"`
	Confidence float64 `json:"confidence"`
}

// QAPayload is a staged question/answer pair. RuleIndex back-references the
// staged rule (by extraction order) the answer is derived from.
type QAPayload struct {
	Question   string  `json:"question"`
	Answer     string  `json:"answer"`
	Domain     string  `json:"domain"`
	Confidence float64 `json:"confidence"`
	RuleIndex  *int    `json:"rule_index,omitempty"`
}

// UncertaintyPayload records a statement the model could not extract
// confidently. Review artifact only; never promoted.
type UncertaintyPayload struct {
	Statement string `json:"statement"`
	Reason    string `json:"reason,omitempty"`
}

// ChunkPayload is a staged retrieval chunk.
type ChunkPayload struct {
	Seq     int    `json:"seq"`
	Content string `json:"content"`
	Domain  string `json:"domain"`
}

// Rule is a durable operating rule promoted at commit. Supersedes and
// SupersededBy carry revision lineage between rules of the same domain+title.
type Rule struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document_id"`
	Domain       string    `json:"domain"`
	Code         string    `json:"code"`
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	Confidence   float64   `json:"confidence"`
	Supersedes   string    `json:"supersedes,omitempty"`
	SupersededBy string    `json:"superseded_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// QAEntry is a durable question/answer pair with an optional back-link to
// the rule it was derived from.
type QAEntry struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	RuleID     string    `json:"rule_id,omitempty"`
	Domain     string    `json:"domain"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// Chunk is a durable retrieval chunk with its embedding vector.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Domain     string    `json:"domain"`
	Seq        int       `json:"seq"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// Session groups conversation turns for follow-up question expansion.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Turn is a single utterance within a session.
type Turn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
