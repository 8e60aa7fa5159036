package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/avrora-labs/opskb/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS documents (
	id                    TEXT PRIMARY KEY,
	title                 TEXT NOT NULL,
	source                TEXT,
	mime_type             TEXT NOT NULL,
	domain                TEXT,
	content               TEXT NOT NULL,
	status                TEXT NOT NULL DEFAULT 'PENDING',
	retry_count           INTEGER NOT NULL DEFAULT 0,
	last_error            TEXT,
	phases_done           TEXT NOT NULL DEFAULT '[]',
	processing_started_at DATETIME,
	created_at            DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at            DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS extraction_attempts (
	id           TEXT PRIMARY KEY,
	document_id  TEXT NOT NULL REFERENCES documents(id),
	status       TEXT NOT NULL DEFAULT 'running',
	failed_phase TEXT,
	error_class  TEXT,
	error_text   TEXT,
	started_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at  DATETIME
);

CREATE TABLE IF NOT EXISTS staged_items (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id),
	phase       TEXT NOT NULL,
	item_type   TEXT NOT NULL,
	payload     TEXT NOT NULL,
	verified    INTEGER NOT NULL DEFAULT 0,
	rejected    INTEGER NOT NULL DEFAULT 0,
	promoted    INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	verified_at DATETIME,
	promoted_at DATETIME
);

CREATE TABLE IF NOT EXISTS rules (
	id            TEXT PRIMARY KEY,
	document_id   TEXT NOT NULL REFERENCES documents(id),
	domain        TEXT NOT NULL,
	code          TEXT NOT NULL UNIQUE,
	title         TEXT NOT NULL,
	body          TEXT NOT NULL,
	confidence    REAL NOT NULL DEFAULT 0,
	supersedes    TEXT,
	superseded_by TEXT,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS qa_entries (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id),
	rule_id     TEXT,
	domain      TEXT NOT NULL,
	question    TEXT NOT NULL,
	answer      TEXT NOT NULL,
	confidence  REAL NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS chunks (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id),
	domain      TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	content     TEXT NOT NULL,
	embedding   BLOB NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS turns (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
CREATE INDEX IF NOT EXISTS idx_attempts_document_id ON extraction_attempts(document_id);
CREATE INDEX IF NOT EXISTS idx_staged_document_phase ON staged_items(document_id, phase);
CREATE INDEX IF NOT EXISTS idx_rules_domain ON rules(domain);
CREATE INDEX IF NOT EXISTS idx_qa_entries_domain ON qa_entries(domain);
CREATE INDEX IF NOT EXISTS idx_chunks_domain ON chunks(domain);
CREATE INDEX IF NOT EXISTS idx_chunks_document_id ON chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_turns_session_id ON turns(session_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Documents ---

func (s *SQLiteStore) CreateDocument(ctx context.Context, doc model.Document) (*model.Document, error) {
	doc.ID = uuid.New().String()
	doc.Status = model.StatusPending
	doc.RetryCount = 0
	doc.PhasesDone = nil
	now := time.Now().UTC()
	doc.CreatedAt, doc.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, title, source, mime_type, domain, content, status, retry_count, phases_done, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, '[]', ?, ?)`,
		doc.ID, doc.Title, nullString(doc.Source), doc.MimeType, nullString(doc.Domain),
		doc.Content, string(doc.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert document")
	}
	return &doc, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, source, mime_type, domain, content, status, retry_count, last_error,
		        phases_done, processing_started_at, created_at, updated_at
		 FROM documents WHERE id = ?`,
		id,
	)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Errorf("document not found: %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get document %s", id)
	}
	return d, nil
}

// ListDocuments returns documents matching the filter, newest first. Content
// is omitted from list results; GetDocument returns the full row.
func (s *SQLiteStore) ListDocuments(ctx context.Context, filter DocumentFilter) ([]model.Document, error) {
	query := `SELECT id, title, source, mime_type, domain, status, retry_count, last_error,
	                 phases_done, processing_started_at, created_at, updated_at
	          FROM documents WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Domain != "" {
		query += ` AND domain = ?`
		args = append(args, filter.Domain)
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list documents")
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		var d model.Document
		var source, domain, lastError sql.NullString
		var phasesJSON string
		var processingStarted sql.NullTime

		if err := rows.Scan(&d.ID, &d.Title, &source, &d.MimeType, &domain, &d.Status,
			&d.RetryCount, &lastError, &phasesJSON, &processingStarted,
			&d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan document")
		}
		d.Source = source.String
		d.Domain = domain.String
		d.LastError = lastError.String
		d.ProcessingStartedAt = nullableTime(processingStarted)
		if err := json.Unmarshal([]byte(phasesJSON), &d.PhasesDone); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal phases_done")
		}
		docs = append(docs, d)
	}
	return docs, eris.Wrap(rows.Err(), "sqlite: list documents iterate")
}

func (s *SQLiteStore) MarkProcessing(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, processing_started_at = ?, updated_at = ? WHERE id = ?`,
		string(model.StatusProcessing), now, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark document processing %s", id)
	}
	return checkRowsAffected(res, "document", id)
}

func (s *SQLiteStore) MarkExtracted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, retry_count = 0, last_error = NULL,
		        processing_started_at = NULL, updated_at = ?
		 WHERE id = ?`,
		string(model.StatusExtracted), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark document extracted %s", id)
	}
	return checkRowsAffected(res, "document", id)
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, id string, status model.DocumentStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, retry_count = retry_count + 1, last_error = ?,
		        processing_started_at = NULL, updated_at = ?
		 WHERE id = ?`,
		string(status), lastError, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record document failure %s", id)
	}
	return checkRowsAffected(res, "document", id)
}

func (s *SQLiteStore) SetDocumentDomain(ctx context.Context, id, domain string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET domain = ?, updated_at = ? WHERE id = ?`,
		domain, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set document domain %s", id)
	}
	return checkRowsAffected(res, "document", id)
}

func (s *SQLiteStore) SetPhasesDone(ctx context.Context, id string, phases []model.Phase) error {
	if phases == nil {
		phases = []model.Phase{}
	}
	phasesJSON, err := json.Marshal(phases)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal phases_done")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET phases_done = ?, updated_at = ? WHERE id = ?`,
		string(phasesJSON), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set phases_done %s", id)
	}
	return checkRowsAffected(res, "document", id)
}

// ReviveDocument moves a DEAD document back to FAILED with a fresh retry
// budget. Only DEAD documents are revivable.
func (s *SQLiteStore) ReviveDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, retry_count = 0, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.StatusFailed), time.Now().UTC(), id, string(model.StatusDead),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: revive document %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("document not found or not DEAD: %s", id)
	}
	return nil
}

// ResetStaleDocument moves a PROCESSING document whose attempt started before
// the cutoff back to FAILED. The lost attempt counts toward the retry budget.
// Returns whether a reset happened.
func (s *SQLiteStore) ResetStaleDocument(ctx context.Context, id string, before time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, retry_count = retry_count + 1, last_error = ?,
		        processing_started_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND processing_started_at IS NOT NULL AND processing_started_at <= ?`,
		string(model.StatusFailed), "stale processing window exceeded; reset",
		time.Now().UTC(), id, string(model.StatusProcessing), before.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: reset stale document %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

// --- Extraction attempts ---

func (s *SQLiteStore) CreateAttempt(ctx context.Context, documentID string) (*model.ExtractionAttempt, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO extraction_attempts (id, document_id, status, started_at) VALUES (?, ?, ?, ?)`,
		id, documentID, string(model.AttemptRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert attempt for document %s", documentID)
	}

	return &model.ExtractionAttempt{
		ID:         id,
		DocumentID: documentID,
		Status:     model.AttemptRunning,
		StartedAt:  now,
	}, nil
}

func (s *SQLiteStore) FinishAttempt(ctx context.Context, attemptID string, status model.AttemptStatus, failedPhase model.Phase, class model.ErrorClass, errText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE extraction_attempts SET status = ?, failed_phase = ?, error_class = ?, error_text = ?, finished_at = ?
		 WHERE id = ?`,
		string(status), nullString(string(failedPhase)), nullString(string(class)),
		nullString(errText), time.Now().UTC(), attemptID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish attempt %s", attemptID)
	}
	return checkRowsAffected(res, "attempt", attemptID)
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, documentID string) ([]model.ExtractionAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, status, failed_phase, error_class, error_text, started_at, finished_at
		 FROM extraction_attempts WHERE document_id = ? ORDER BY started_at DESC`,
		documentID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list attempts")
	}
	defer rows.Close()

	var attempts []model.ExtractionAttempt
	for rows.Next() {
		var a model.ExtractionAttempt
		var failedPhase, errorClass, errorText sql.NullString
		var finishedAt sql.NullTime

		if err := rows.Scan(&a.ID, &a.DocumentID, &a.Status, &failedPhase, &errorClass,
			&errorText, &a.StartedAt, &finishedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		a.FailedPhase = model.Phase(failedPhase.String)
		a.ErrorClass = model.ErrorClass(errorClass.String)
		a.ErrorText = errorText.String
		a.FinishedAt = nullableTime(finishedAt)
		attempts = append(attempts, a)
	}
	return attempts, eris.Wrap(rows.Err(), "sqlite: list attempts iterate")
}

// --- Staged items ---

func (s *SQLiteStore) CreateStagedItem(ctx context.Context, item model.StagedItem) (*model.StagedItem, error) {
	item.ID = uuid.New().String()
	item.Verified, item.Rejected, item.Promoted = false, false, false
	item.VerifiedAt, item.PromotedAt = nil, nil
	item.CreatedAt = time.Now().UTC()
	if len(item.Payload) == 0 {
		item.Payload = json.RawMessage(`{}`)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO staged_items (id, document_id, phase, item_type, payload, verified, rejected, promoted, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, 0, 0, ?)`,
		item.ID, item.DocumentID, string(item.Phase), string(item.Type),
		string(item.Payload), item.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert staged item for document %s", item.DocumentID)
	}
	return &item, nil
}

// ListStagedItems returns a document's staged items in creation order,
// optionally restricted to one phase.
func (s *SQLiteStore) ListStagedItems(ctx context.Context, documentID string, phase model.Phase) ([]model.StagedItem, error) {
	query := `SELECT id, document_id, phase, item_type, payload, verified, rejected, promoted, created_at, verified_at, promoted_at
	          FROM staged_items WHERE document_id = ?`
	args := []any{documentID}
	if phase != "" {
		query += ` AND phase = ?`
		args = append(args, string(phase))
	}
	// rowid breaks created_at ties so extraction order survives same-tick
	// inserts; QA rule_index resolution depends on it.
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list staged items")
	}
	defer rows.Close()
	return scanStagedItems(rows)
}

// ListCommittable returns verified, non-rejected, non-promoted items in
// creation order — the exact set a commit invocation promotes.
func (s *SQLiteStore) ListCommittable(ctx context.Context, documentID string) ([]model.StagedItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, phase, item_type, payload, verified, rejected, promoted, created_at, verified_at, promoted_at
		 FROM staged_items
		 WHERE document_id = ? AND verified = 1 AND rejected = 0 AND promoted = 0
		 ORDER BY created_at ASC, rowid ASC`,
		documentID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list committable items")
	}
	defer rows.Close()
	return scanStagedItems(rows)
}

// DeleteStagedItems wipes a document's non-promoted staged items. Promoted
// rows are the commit audit trail and are never deleted.
func (s *SQLiteStore) DeleteStagedItems(ctx context.Context, documentID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM staged_items WHERE document_id = ? AND promoted = 0`,
		documentID,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete staged items")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// DeleteStagedPhase drops one phase's unpromoted rows, leaving other phases
// untouched. Used to discard an interrupted phase's partial output on resume.
func (s *SQLiteStore) DeleteStagedPhase(ctx context.Context, documentID string, phase model.Phase) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM staged_items WHERE document_id = ? AND phase = ? AND promoted = 0`,
		documentID, string(phase),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete staged phase")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) MarkVerified(ctx context.Context, documentID string, itemIDs []string) (int, error) {
	return s.stampStagedItems(ctx, documentID, itemIDs,
		`UPDATE staged_items SET verified = 1, rejected = 0, verified_at = ?
		 WHERE document_id = ? AND promoted = 0 AND id IN (`)
}

func (s *SQLiteStore) MarkRejected(ctx context.Context, documentID string, itemIDs []string) (int, error) {
	return s.stampStagedItems(ctx, documentID, itemIDs,
		`UPDATE staged_items SET rejected = 1, verified = 0, verified_at = ?
		 WHERE document_id = ? AND promoted = 0 AND id IN (`)
}

func (s *SQLiteStore) stampStagedItems(ctx context.Context, documentID string, itemIDs []string, queryPrefix string) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	query := queryPrefix + placeholders(len(itemIDs)) + `)`
	args := []any{time.Now().UTC(), documentID}
	for _, id := range itemIDs {
		args = append(args, id)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: stamp staged items")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// --- Commit ---

// ApplyCommit promotes a commit set inside one transaction: durable rows are
// inserted, supersession lineage is stamped both ways, the staged rows are
// marked promoted, and the document advances to COMPLETED. Any failure rolls
// the whole set back.
func (s *SQLiteStore) ApplyCommit(ctx context.Context, documentID string, set CommitSet) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin commit tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range set.Rules {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rules (id, document_id, domain, code, title, body, confidence, supersedes, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.DocumentID, r.Domain, r.Code, r.Title, r.Body, r.Confidence,
			nullString(r.Supersedes), now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert rule %s", r.Code)
		}
		if r.Supersedes != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE rules SET superseded_by = ? WHERE id = ?`,
				r.ID, r.Supersedes,
			); err != nil {
				return eris.Wrapf(err, "sqlite: supersede rule %s", r.Supersedes)
			}
		}
	}

	for _, qa := range set.QAEntries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO qa_entries (id, document_id, rule_id, domain, question, answer, confidence, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			qa.ID, qa.DocumentID, nullString(qa.RuleID), qa.Domain, qa.Question, qa.Answer,
			qa.Confidence, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert qa entry %s", qa.ID)
		}
	}

	for _, c := range set.Chunks {
		if len(c.Embedding) == 0 {
			return eris.Errorf("chunk %s has no embedding", c.ID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (id, document_id, domain, seq, content, embedding, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.DocumentID, c.Domain, c.Seq, c.Content, encodeVector(c.Embedding), now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert chunk %s", c.ID)
		}
	}

	if len(set.PromotedItemIDs) > 0 {
		query := `UPDATE staged_items SET promoted = 1, promoted_at = ?
		          WHERE document_id = ? AND promoted = 0 AND id IN (` + placeholders(len(set.PromotedItemIDs)) + `)`
		args := []any{now, documentID}
		for _, id := range set.PromotedItemIDs {
			args = append(args, id)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return eris.Wrap(err, "sqlite: mark staged items promoted")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "rows affected")
		}
		if int(n) != len(set.PromotedItemIDs) {
			return eris.Errorf("commit stamped %d of %d staged items", n, len(set.PromotedItemIDs))
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE documents SET status = ?, updated_at = ? WHERE id = ?`,
		string(model.StatusCompleted), now, documentID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete document %s", documentID)
	}
	if err := checkRowsAffected(res, "document", documentID); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// --- Durable knowledge ---

func (s *SQLiteStore) ListRules(ctx context.Context, domain string) ([]model.Rule, error) {
	query := `SELECT id, document_id, domain, code, title, body, confidence, supersedes, superseded_by, created_at FROM rules`
	var args []any
	if domain != "" {
		query += ` WHERE domain = ?`
		args = append(args, domain)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list rules")
	}
	defer rows.Close()

	var rules []model.Rule
	for rows.Next() {
		var r model.Rule
		var supersedes, supersededBy sql.NullString
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.Domain, &r.Code, &r.Title, &r.Body,
			&r.Confidence, &supersedes, &supersededBy, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan rule")
		}
		r.Supersedes = supersedes.String
		r.SupersededBy = supersededBy.String
		rules = append(rules, r)
	}
	return rules, eris.Wrap(rows.Err(), "sqlite: list rules iterate")
}

func (s *SQLiteStore) ListQAEntries(ctx context.Context, domain string) ([]model.QAEntry, error) {
	query := `SELECT id, document_id, rule_id, domain, question, answer, confidence, created_at FROM qa_entries`
	var args []any
	if domain != "" {
		query += ` WHERE domain = ?`
		args = append(args, domain)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list qa entries")
	}
	defer rows.Close()

	var entries []model.QAEntry
	for rows.Next() {
		var qa model.QAEntry
		var ruleID sql.NullString
		if err := rows.Scan(&qa.ID, &qa.DocumentID, &ruleID, &qa.Domain, &qa.Question,
			&qa.Answer, &qa.Confidence, &qa.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan qa entry")
		}
		qa.RuleID = ruleID.String
		entries = append(entries, qa)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list qa entries iterate")
}

func (s *SQLiteStore) ListChunks(ctx context.Context, domains []string) ([]model.Chunk, error) {
	query := `SELECT id, document_id, domain, seq, content, embedding, created_at FROM chunks`
	var args []any
	if len(domains) > 0 {
		query += ` WHERE domain IN (` + placeholders(len(domains)) + `)`
		for _, d := range domains {
			args = append(args, d)
		}
	}
	query += ` ORDER BY document_id, seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list chunks")
	}
	defer rows.Close()

	var chunks []model.Chunk
	for rows.Next() {
		var c model.Chunk
		var blob []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Domain, &c.Seq, &c.Content,
			&blob, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan chunk")
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: decode chunk %s embedding", c.ID)
		}
		c.Embedding = vec
		chunks = append(chunks, c)
	}
	return chunks, eris.Wrap(rows.Err(), "sqlite: list chunks iterate")
}

// --- Sessions ---

// CreateSession inserts a session if it does not already exist. A caller may
// supply its own id; an empty id gets a generated one.
func (s *SQLiteStore) CreateSession(ctx context.Context, id string) (*model.Session, error) {
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`,
		id, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert session")
	}
	return &model.Session{ID: id, CreatedAt: now}, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var sess model.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get session")
	}
	return &sess, nil
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, sessionID, role, content string) (*model.Turn, error) {
	turn := model.Turn{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		turn.ID, turn.SessionID, turn.Role, turn.Content, turn.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert turn for session %s", sessionID)
	}
	return &turn, nil
}

// ListRecentTurns returns the last limit turns of a session in chronological
// order.
func (s *SQLiteStore) ListRecentTurns(ctx context.Context, sessionID string, limit int) ([]model.Turn, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM turns
		 WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list turns")
	}
	defer rows.Close()

	var turns []model.Turn
	for rows.Next() {
		var tr model.Turn
		if err := rows.Scan(&tr.ID, &tr.SessionID, &tr.Role, &tr.Content, &tr.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan turn")
		}
		turns = append(turns, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list turns iterate")
	}
	reverseTurns(turns)
	return turns, nil
}

// --- Stats ---

func (s *SQLiteStore) CountDocumentsByStatus(ctx context.Context) (map[model.DocumentStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count documents")
	}
	defer rows.Close()

	counts := make(map[model.DocumentStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan document count")
		}
		counts[model.DocumentStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count documents iterate")
}

func (s *SQLiteStore) CountStagedByState(ctx context.Context) (StagedCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT verified, rejected, promoted, COUNT(*) FROM staged_items GROUP BY verified, rejected, promoted`)
	if err != nil {
		return StagedCounts{}, eris.Wrap(err, "sqlite: count staged items")
	}
	defer rows.Close()

	var counts StagedCounts
	for rows.Next() {
		var verified, rejected, promoted bool
		var n int
		if err := rows.Scan(&verified, &rejected, &promoted, &n); err != nil {
			return StagedCounts{}, eris.Wrap(err, "sqlite: scan staged count")
		}
		addStagedCount(&counts, verified, rejected, promoted, n)
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count staged items iterate")
}

func (s *SQLiteStore) CountRules(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rules`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count rules")
}

func (s *SQLiteStore) CountQAEntries(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM qa_entries`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count qa entries")
}

func (s *SQLiteStore) CountChunks(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count chunks")
}

// --- helpers ---

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDocument(row scannable) (*model.Document, error) {
	var d model.Document
	var source, domain, lastError sql.NullString
	var phasesJSON string
	var processingStarted sql.NullTime

	err := row.Scan(&d.ID, &d.Title, &source, &d.MimeType, &domain, &d.Content,
		&d.Status, &d.RetryCount, &lastError, &phasesJSON, &processingStarted,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}

	d.Source = source.String
	d.Domain = domain.String
	d.LastError = lastError.String
	d.ProcessingStartedAt = nullableTime(processingStarted)
	if err := json.Unmarshal([]byte(phasesJSON), &d.PhasesDone); err != nil {
		return nil, eris.Wrap(err, "unmarshal phases_done")
	}
	return &d, nil
}

func scanStagedItems(rows *sql.Rows) ([]model.StagedItem, error) {
	var items []model.StagedItem
	for rows.Next() {
		var it model.StagedItem
		var payload string
		var verifiedAt, promotedAt sql.NullTime

		if err := rows.Scan(&it.ID, &it.DocumentID, &it.Phase, &it.Type, &payload,
			&it.Verified, &it.Rejected, &it.Promoted, &it.CreatedAt,
			&verifiedAt, &promotedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan staged item")
		}
		it.Payload = json.RawMessage(payload)
		it.VerifiedAt = nullableTime(verifiedAt)
		it.PromotedAt = nullableTime(promotedAt)
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: staged items iterate")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = "?"
	}
	return strings.Join(ps, ", ")
}

func reverseTurns(turns []model.Turn) {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
}

func addStagedCount(counts *StagedCounts, verified, rejected, promoted bool, n int) {
	switch {
	case promoted:
		counts.Promoted += n
	case rejected:
		counts.Rejected += n
	case verified:
		counts.Verified += n
	default:
		counts.Pending += n
	}
}
