package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/avrora-labs/opskb/internal/db"
	"github.com/avrora-labs/opskb/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
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
	phases_done           JSONB NOT NULL DEFAULT '[]',
	processing_started_at TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS extraction_attempts (
	id           TEXT PRIMARY KEY,
	document_id  TEXT NOT NULL REFERENCES documents(id),
	status       TEXT NOT NULL DEFAULT 'running',
	failed_phase TEXT,
	error_class  TEXT,
	error_text   TEXT,
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS staged_items (
	id          TEXT PRIMARY KEY,
	seq         BIGSERIAL,
	document_id TEXT NOT NULL REFERENCES documents(id),
	phase       TEXT NOT NULL,
	item_type   TEXT NOT NULL,
	payload     JSONB NOT NULL,
	verified    BOOLEAN NOT NULL DEFAULT false,
	rejected    BOOLEAN NOT NULL DEFAULT false,
	promoted    BOOLEAN NOT NULL DEFAULT false,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	verified_at TIMESTAMPTZ,
	promoted_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS rules (
	id            TEXT PRIMARY KEY,
	document_id   TEXT NOT NULL REFERENCES documents(id),
	domain        TEXT NOT NULL,
	code          TEXT NOT NULL UNIQUE,
	title         TEXT NOT NULL,
	body          TEXT NOT NULL,
	confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
	supersedes    TEXT,
	superseded_by TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS qa_entries (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id),
	rule_id     TEXT,
	domain      TEXT NOT NULL,
	question    TEXT NOT NULL,
	answer      TEXT NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chunks (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id),
	domain      TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	content     TEXT NOT NULL,
	embedding   BYTEA NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS turns (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
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

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Documents ---

func (s *PostgresStore) CreateDocument(ctx context.Context, doc model.Document) (*model.Document, error) {
	doc.ID = uuid.New().String()
	doc.Status = model.StatusPending
	doc.RetryCount = 0
	doc.PhasesDone = nil
	now := time.Now().UTC()
	doc.CreatedAt, doc.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, title, source, mime_type, domain, content, status, retry_count, phases_done, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, '[]', $8, $9)`,
		doc.ID, doc.Title, nullString(doc.Source), doc.MimeType, nullString(doc.Domain),
		doc.Content, string(doc.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert document")
	}
	return &doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, title, source, mime_type, domain, content, status, retry_count, last_error,
		        phases_done, processing_started_at, created_at, updated_at
		 FROM documents WHERE id = $1`,
		id,
	)
	d, err := scanPgDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("document not found: %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get document %s", id)
	}
	return d, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, filter DocumentFilter) ([]model.Document, error) {
	query := `SELECT id, title, source, mime_type, domain, status, retry_count, last_error,
	                 phases_done, processing_started_at, created_at, updated_at
	          FROM documents WHERE 1=1`
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.Domain != "" {
		args = append(args, filter.Domain)
		query += fmt.Sprintf(` AND domain = $%d`, len(args))
	}
	if !filter.CreatedAfter.IsZero() {
		args = append(args, filter.CreatedAfter.UTC())
		query += fmt.Sprintf(` AND created_at > $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list documents")
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		var d model.Document
		var source, domain, lastError *string
		var phasesJSON []byte
		var processingStarted *time.Time

		if err := rows.Scan(&d.ID, &d.Title, &source, &d.MimeType, &domain, &d.Status,
			&d.RetryCount, &lastError, &phasesJSON, &processingStarted,
			&d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan document")
		}
		d.Source = deref(source)
		d.Domain = deref(domain)
		d.LastError = deref(lastError)
		d.ProcessingStartedAt = processingStarted
		if err := json.Unmarshal(phasesJSON, &d.PhasesDone); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal phases_done")
		}
		docs = append(docs, d)
	}
	return docs, eris.Wrap(rows.Err(), "postgres: list documents iterate")
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, id string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $1, processing_started_at = $2, updated_at = $3 WHERE id = $4`,
		string(model.StatusProcessing), now, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark document processing %s", id)
	}
	return checkPgRowsAffected(tag.RowsAffected(), "document", id)
}

func (s *PostgresStore) MarkExtracted(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $1, retry_count = 0, last_error = NULL,
		        processing_started_at = NULL, updated_at = $2
		 WHERE id = $3`,
		string(model.StatusExtracted), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark document extracted %s", id)
	}
	return checkPgRowsAffected(tag.RowsAffected(), "document", id)
}

func (s *PostgresStore) RecordFailure(ctx context.Context, id string, status model.DocumentStatus, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $1, retry_count = retry_count + 1, last_error = $2,
		        processing_started_at = NULL, updated_at = $3
		 WHERE id = $4`,
		string(status), lastError, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record document failure %s", id)
	}
	return checkPgRowsAffected(tag.RowsAffected(), "document", id)
}

func (s *PostgresStore) SetDocumentDomain(ctx context.Context, id, domain string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET domain = $1, updated_at = $2 WHERE id = $3`,
		domain, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set document domain %s", id)
	}
	return checkPgRowsAffected(tag.RowsAffected(), "document", id)
}

func (s *PostgresStore) SetPhasesDone(ctx context.Context, id string, phases []model.Phase) error {
	if phases == nil {
		phases = []model.Phase{}
	}
	phasesJSON, err := json.Marshal(phases)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal phases_done")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET phases_done = $1, updated_at = $2 WHERE id = $3`,
		phasesJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set phases_done %s", id)
	}
	return checkPgRowsAffected(tag.RowsAffected(), "document", id)
}

// ReviveDocument moves a DEAD document back to FAILED with a fresh retry
// budget. Only DEAD documents are revivable.
func (s *PostgresStore) ReviveDocument(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $1, retry_count = 0, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(model.StatusFailed), time.Now().UTC(), id, string(model.StatusDead),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: revive document %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("document not found or not DEAD: %s", id)
	}
	return nil
}

// ResetStaleDocument moves a PROCESSING document whose attempt started before
// the cutoff back to FAILED. Returns whether a reset happened.
func (s *PostgresStore) ResetStaleDocument(ctx context.Context, id string, before time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $1, retry_count = retry_count + 1, last_error = $2,
		        processing_started_at = NULL, updated_at = $3
		 WHERE id = $4 AND status = $5 AND processing_started_at IS NOT NULL AND processing_started_at <= $6`,
		string(model.StatusFailed), "stale processing window exceeded; reset",
		time.Now().UTC(), id, string(model.StatusProcessing), before.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: reset stale document %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

// --- Extraction attempts ---

func (s *PostgresStore) CreateAttempt(ctx context.Context, documentID string) (*model.ExtractionAttempt, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO extraction_attempts (id, document_id, status, started_at) VALUES ($1, $2, $3, $4)`,
		id, documentID, string(model.AttemptRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert attempt for document %s", documentID)
	}

	return &model.ExtractionAttempt{
		ID:         id,
		DocumentID: documentID,
		Status:     model.AttemptRunning,
		StartedAt:  now,
	}, nil
}

func (s *PostgresStore) FinishAttempt(ctx context.Context, attemptID string, status model.AttemptStatus, failedPhase model.Phase, class model.ErrorClass, errText string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE extraction_attempts SET status = $1, failed_phase = $2, error_class = $3, error_text = $4, finished_at = $5
		 WHERE id = $6`,
		string(status), nullString(string(failedPhase)), nullString(string(class)),
		nullString(errText), time.Now().UTC(), attemptID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish attempt %s", attemptID)
	}
	return checkPgRowsAffected(tag.RowsAffected(), "attempt", attemptID)
}

func (s *PostgresStore) ListAttempts(ctx context.Context, documentID string) ([]model.ExtractionAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, status, failed_phase, error_class, error_text, started_at, finished_at
		 FROM extraction_attempts WHERE document_id = $1 ORDER BY started_at DESC`,
		documentID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list attempts")
	}
	defer rows.Close()

	var attempts []model.ExtractionAttempt
	for rows.Next() {
		var a model.ExtractionAttempt
		var failedPhase, errorClass, errorText *string
		var finishedAt *time.Time

		if err := rows.Scan(&a.ID, &a.DocumentID, &a.Status, &failedPhase, &errorClass,
			&errorText, &a.StartedAt, &finishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		a.FailedPhase = model.Phase(deref(failedPhase))
		a.ErrorClass = model.ErrorClass(deref(errorClass))
		a.ErrorText = deref(errorText)
		a.FinishedAt = finishedAt
		attempts = append(attempts, a)
	}
	return attempts, eris.Wrap(rows.Err(), "postgres: list attempts iterate")
}

// --- Staged items ---

func (s *PostgresStore) CreateStagedItem(ctx context.Context, item model.StagedItem) (*model.StagedItem, error) {
	item.ID = uuid.New().String()
	item.Verified, item.Rejected, item.Promoted = false, false, false
	item.VerifiedAt, item.PromotedAt = nil, nil
	item.CreatedAt = time.Now().UTC()
	if len(item.Payload) == 0 {
		item.Payload = json.RawMessage(`{}`)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO staged_items (id, document_id, phase, item_type, payload, verified, rejected, promoted, created_at)
		 VALUES ($1, $2, $3, $4, $5, false, false, false, $6)`,
		item.ID, item.DocumentID, string(item.Phase), string(item.Type),
		[]byte(item.Payload), item.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert staged item for document %s", item.DocumentID)
	}
	return &item, nil
}

func (s *PostgresStore) ListStagedItems(ctx context.Context, documentID string, phase model.Phase) ([]model.StagedItem, error) {
	query := `SELECT id, document_id, phase, item_type, payload, verified, rejected, promoted, created_at, verified_at, promoted_at
	          FROM staged_items WHERE document_id = $1`
	args := []any{documentID}
	if phase != "" {
		args = append(args, string(phase))
		query += fmt.Sprintf(` AND phase = $%d`, len(args))
	}
	// seq breaks created_at ties so extraction order survives same-tick
	// inserts; QA rule_index resolution depends on it.
	query += ` ORDER BY created_at ASC, seq ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list staged items")
	}
	defer rows.Close()
	return scanPgStagedItems(rows)
}

func (s *PostgresStore) ListCommittable(ctx context.Context, documentID string) ([]model.StagedItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, phase, item_type, payload, verified, rejected, promoted, created_at, verified_at, promoted_at
		 FROM staged_items
		 WHERE document_id = $1 AND verified AND NOT rejected AND NOT promoted
		 ORDER BY created_at ASC, seq ASC`,
		documentID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list committable items")
	}
	defer rows.Close()
	return scanPgStagedItems(rows)
}

func (s *PostgresStore) DeleteStagedItems(ctx context.Context, documentID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM staged_items WHERE document_id = $1 AND NOT promoted`,
		documentID,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete staged items")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) DeleteStagedPhase(ctx context.Context, documentID string, phase model.Phase) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM staged_items WHERE document_id = $1 AND phase = $2 AND NOT promoted`,
		documentID, string(phase),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete staged phase")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) MarkVerified(ctx context.Context, documentID string, itemIDs []string) (int, error) {
	return s.stampStagedItems(ctx, documentID, itemIDs,
		`UPDATE staged_items SET verified = true, rejected = false, verified_at = $1
		 WHERE document_id = $2 AND NOT promoted AND id = ANY($3)`)
}

func (s *PostgresStore) MarkRejected(ctx context.Context, documentID string, itemIDs []string) (int, error) {
	return s.stampStagedItems(ctx, documentID, itemIDs,
		`UPDATE staged_items SET rejected = true, verified = false, verified_at = $1
		 WHERE document_id = $2 AND NOT promoted AND id = ANY($3)`)
}

func (s *PostgresStore) stampStagedItems(ctx context.Context, documentID string, itemIDs []string, query string) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, query, time.Now().UTC(), documentID, itemIDs)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: stamp staged items")
	}
	return int(tag.RowsAffected()), nil
}

// --- Commit ---

// ApplyCommit promotes a commit set inside one transaction. Any failure rolls
// the whole set back.
func (s *PostgresStore) ApplyCommit(ctx context.Context, documentID string, set CommitSet) error {
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin commit tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, r := range set.Rules {
		if _, err := tx.Exec(ctx,
			`INSERT INTO rules (id, document_id, domain, code, title, body, confidence, supersedes, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.ID, r.DocumentID, r.Domain, r.Code, r.Title, r.Body, r.Confidence,
			nullString(r.Supersedes), now,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert rule %s", r.Code)
		}
		if r.Supersedes != "" {
			if _, err := tx.Exec(ctx,
				`UPDATE rules SET superseded_by = $1 WHERE id = $2`,
				r.ID, r.Supersedes,
			); err != nil {
				return eris.Wrapf(err, "postgres: supersede rule %s", r.Supersedes)
			}
		}
	}

	for _, qa := range set.QAEntries {
		if _, err := tx.Exec(ctx,
			`INSERT INTO qa_entries (id, document_id, rule_id, domain, question, answer, confidence, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			qa.ID, qa.DocumentID, nullString(qa.RuleID), qa.Domain, qa.Question, qa.Answer,
			qa.Confidence, now,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert qa entry %s", qa.ID)
		}
	}

	if len(set.Chunks) > 0 {
		rows := make([][]any, 0, len(set.Chunks))
		for _, c := range set.Chunks {
			if len(c.Embedding) == 0 {
				return eris.Errorf("chunk %s has no embedding", c.ID)
			}
			rows = append(rows, []any{c.ID, c.DocumentID, c.Domain, c.Seq, c.Content, encodeVector(c.Embedding), now})
		}
		if _, err := db.CopyFrom(ctx, tx, "chunks",
			[]string{"id", "document_id", "domain", "seq", "content", "embedding", "created_at"},
			rows,
		); err != nil {
			return eris.Wrap(err, "postgres: copy chunks")
		}
	}

	if len(set.PromotedItemIDs) > 0 {
		tag, err := tx.Exec(ctx,
			`UPDATE staged_items SET promoted = true, promoted_at = $1
			 WHERE document_id = $2 AND NOT promoted AND id = ANY($3)`,
			now, documentID, set.PromotedItemIDs,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: mark staged items promoted")
		}
		if int(tag.RowsAffected()) != len(set.PromotedItemIDs) {
			return eris.Errorf("commit stamped %d of %d staged items", tag.RowsAffected(), len(set.PromotedItemIDs))
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE documents SET status = $1, updated_at = $2 WHERE id = $3`,
		string(model.StatusCompleted), now, documentID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete document %s", documentID)
	}
	if err := checkPgRowsAffected(tag.RowsAffected(), "document", documentID); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}

// --- Durable knowledge ---

func (s *PostgresStore) ListRules(ctx context.Context, domain string) ([]model.Rule, error) {
	query := `SELECT id, document_id, domain, code, title, body, confidence, supersedes, superseded_by, created_at FROM rules`
	var args []any
	if domain != "" {
		args = append(args, domain)
		query += ` WHERE domain = $1`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list rules")
	}
	defer rows.Close()

	var rules []model.Rule
	for rows.Next() {
		var r model.Rule
		var supersedes, supersededBy *string
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.Domain, &r.Code, &r.Title, &r.Body,
			&r.Confidence, &supersedes, &supersededBy, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan rule")
		}
		r.Supersedes = deref(supersedes)
		r.SupersededBy = deref(supersededBy)
		rules = append(rules, r)
	}
	return rules, eris.Wrap(rows.Err(), "postgres: list rules iterate")
}

func (s *PostgresStore) ListQAEntries(ctx context.Context, domain string) ([]model.QAEntry, error) {
	query := `SELECT id, document_id, rule_id, domain, question, answer, confidence, created_at FROM qa_entries`
	var args []any
	if domain != "" {
		args = append(args, domain)
		query += ` WHERE domain = $1`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list qa entries")
	}
	defer rows.Close()

	var entries []model.QAEntry
	for rows.Next() {
		var qa model.QAEntry
		var ruleID *string
		if err := rows.Scan(&qa.ID, &qa.DocumentID, &ruleID, &qa.Domain, &qa.Question,
			&qa.Answer, &qa.Confidence, &qa.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan qa entry")
		}
		qa.RuleID = deref(ruleID)
		entries = append(entries, qa)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list qa entries iterate")
}

func (s *PostgresStore) ListChunks(ctx context.Context, domains []string) ([]model.Chunk, error) {
	query := `SELECT id, document_id, domain, seq, content, embedding, created_at FROM chunks`
	var args []any
	if len(domains) > 0 {
		args = append(args, domains)
		query += ` WHERE domain = ANY($1)`
	}
	query += ` ORDER BY document_id, seq`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list chunks")
	}
	defer rows.Close()

	var chunks []model.Chunk
	for rows.Next() {
		var c model.Chunk
		var blob []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Domain, &c.Seq, &c.Content,
			&blob, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan chunk")
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: decode chunk %s embedding", c.ID)
		}
		c.Embedding = vec
		chunks = append(chunks, c)
	}
	return chunks, eris.Wrap(rows.Err(), "postgres: list chunks iterate")
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, id string) (*model.Session, error) {
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, created_at) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		id, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert session")
	}
	return &model.Session{ID: id, CreatedAt: now}, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var sess model.Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, created_at FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get session")
	}
	return &sess, nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, sessionID, role, content string) (*model.Turn, error) {
	turn := model.Turn{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO turns (id, session_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		turn.ID, turn.SessionID, turn.Role, turn.Content, turn.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert turn for session %s", sessionID)
	}
	return &turn, nil
}

func (s *PostgresStore) ListRecentTurns(ctx context.Context, sessionID string, limit int) ([]model.Turn, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, created_at FROM turns
		 WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list turns")
	}
	defer rows.Close()

	var turns []model.Turn
	for rows.Next() {
		var tr model.Turn
		if err := rows.Scan(&tr.ID, &tr.SessionID, &tr.Role, &tr.Content, &tr.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan turn")
		}
		turns = append(turns, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list turns iterate")
	}
	reverseTurns(turns)
	return turns, nil
}

// --- Stats ---

func (s *PostgresStore) CountDocumentsByStatus(ctx context.Context) (map[model.DocumentStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count documents")
	}
	defer rows.Close()

	counts := make(map[model.DocumentStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan document count")
		}
		counts[model.DocumentStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count documents iterate")
}

func (s *PostgresStore) CountStagedByState(ctx context.Context) (StagedCounts, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT verified, rejected, promoted, COUNT(*) FROM staged_items GROUP BY verified, rejected, promoted`)
	if err != nil {
		return StagedCounts{}, eris.Wrap(err, "postgres: count staged items")
	}
	defer rows.Close()

	var counts StagedCounts
	for rows.Next() {
		var verified, rejected, promoted bool
		var n int
		if err := rows.Scan(&verified, &rejected, &promoted, &n); err != nil {
			return StagedCounts{}, eris.Wrap(err, "postgres: scan staged count")
		}
		addStagedCount(&counts, verified, rejected, promoted, n)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count staged items iterate")
}

func (s *PostgresStore) CountRules(ctx context.Context) (int, error) {
	return s.countTable(ctx, "rules")
}

func (s *PostgresStore) CountQAEntries(ctx context.Context) (int, error) {
	return s.countTable(ctx, "qa_entries")
}

func (s *PostgresStore) CountChunks(ctx context.Context) (int, error) {
	return s.countTable(ctx, "chunks")
}

func (s *PostgresStore) countTable(ctx context.Context, table string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+table).Scan(&count)
	return count, eris.Wrapf(err, "postgres: count %s", table)
}

// --- helpers ---

func checkPgRowsAffected(n int64, entity, id string) error {
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func scanPgDocument(row pgx.Row) (*model.Document, error) {
	var d model.Document
	var source, domain, lastError *string
	var phasesJSON []byte
	var processingStarted *time.Time

	err := row.Scan(&d.ID, &d.Title, &source, &d.MimeType, &domain, &d.Content,
		&d.Status, &d.RetryCount, &lastError, &phasesJSON, &processingStarted,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}

	d.Source = deref(source)
	d.Domain = deref(domain)
	d.LastError = deref(lastError)
	d.ProcessingStartedAt = processingStarted
	if err := json.Unmarshal(phasesJSON, &d.PhasesDone); err != nil {
		return nil, eris.Wrap(err, "unmarshal phases_done")
	}
	return &d, nil
}

func scanPgStagedItems(rows pgx.Rows) ([]model.StagedItem, error) {
	var items []model.StagedItem
	for rows.Next() {
		var it model.StagedItem
		var payload []byte
		var verifiedAt, promotedAt *time.Time

		if err := rows.Scan(&it.ID, &it.DocumentID, &it.Phase, &it.Type, &payload,
			&it.Verified, &it.Rejected, &it.Promoted, &it.CreatedAt,
			&verifiedAt, &promotedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan staged item")
		}
		it.Payload = json.RawMessage(payload)
		it.VerifiedAt = verifiedAt
		it.PromotedAt = promotedAt
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: staged items iterate")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
