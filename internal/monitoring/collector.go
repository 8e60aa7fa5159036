package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/avrora-labs/opskb/internal/model"
	"github.com/avrora-labs/opskb/internal/store"
)

// Snapshot holds a point-in-time view of knowledge-base health.
type Snapshot struct {
	// Document lifecycle.
	DocumentsTotal      int `json:"documents_total"`
	DocumentsPending    int `json:"documents_pending"`
	DocumentsProcessing int `json:"documents_processing"`
	DocumentsExtracted  int `json:"documents_extracted"`
	DocumentsCompleted  int `json:"documents_completed"`
	DocumentsFailed     int `json:"documents_failed"`
	DocumentsDead       int `json:"documents_dead"`

	// Staged review backlog.
	StagedPending  int `json:"staged_pending"`
	StagedVerified int `json:"staged_verified"`
	StagedRejected int `json:"staged_rejected"`
	StagedPromoted int `json:"staged_promoted"`

	// Committed knowledge.
	Rules     int `json:"rules"`
	QAEntries int `json:"qa_entries"`
	Chunks    int `json:"chunks"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers knowledge-base metrics from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of knowledge-base state.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{CollectedAt: time.Now().UTC()}

	byStatus, err := c.store.CountDocumentsByStatus(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count documents")
	}
	snap.DocumentsPending = byStatus[model.StatusPending]
	snap.DocumentsProcessing = byStatus[model.StatusProcessing]
	snap.DocumentsExtracted = byStatus[model.StatusExtracted]
	snap.DocumentsCompleted = byStatus[model.StatusCompleted]
	snap.DocumentsFailed = byStatus[model.StatusFailed]
	snap.DocumentsDead = byStatus[model.StatusDead]
	for _, n := range byStatus {
		snap.DocumentsTotal += n
	}

	staged, err := c.store.CountStagedByState(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count staged items")
	}
	snap.StagedPending = staged.Pending
	snap.StagedVerified = staged.Verified
	snap.StagedRejected = staged.Rejected
	snap.StagedPromoted = staged.Promoted

	if snap.Rules, err = c.store.CountRules(ctx); err != nil {
		return nil, eris.Wrap(err, "monitoring: count rules")
	}
	if snap.QAEntries, err = c.store.CountQAEntries(ctx); err != nil {
		return nil, eris.Wrap(err, "monitoring: count qa entries")
	}
	if snap.Chunks, err = c.store.CountChunks(ctx); err != nil {
		return nil, eris.Wrap(err, "monitoring: count chunks")
	}

	return snap, nil
}
