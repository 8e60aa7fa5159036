package extract

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/avrora-labs/opskb/internal/model"
	"github.com/avrora-labs/opskb/internal/resilience"
	"github.com/avrora-labs/opskb/internal/store"
	"github.com/avrora-labs/opskb/pkg/anthropic"
)

// ChatGateway is the model-call surface the orchestrator depends on.
// *anthropic.Gateway satisfies it.
type ChatGateway interface {
	Complete(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error)
	Stream(ctx context.Context, req anthropic.MessageRequest, onDelta func(text string)) (*anthropic.MessageResponse, error)
}

// Config tunes the orchestrator.
type Config struct {
	// ClassifyModel runs domain classification; ExtractModel runs knowledge
	// extraction.
	ClassifyModel string
	ExtractModel  string
	MaxTokens     int64

	// RetryThreshold is the dead-letter threshold: a document whose
	// retry count reaches it goes DEAD. Default: 3.
	RetryThreshold int

	// Heartbeat is the idle-event interval keeping transports alive.
	// Default: 15s.
	Heartbeat time.Duration

	// ChunkRunes is the chunking window size. Default: 1000.
	ChunkRunes int

	// StaleAfter is how long a PROCESSING document with no live run may sit
	// before reset-stale reclaims it. Default: 30m.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryThreshold <= 0 {
		c.RetryThreshold = 3
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 15 * time.Second
	}
	if c.ChunkRunes <= 0 {
		c.ChunkRunes = 1000
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	return c
}

// Orchestrator runs the three-phase extraction state machine for documents.
type Orchestrator struct {
	store    store.Store
	gateway  ChatGateway
	taxonomy *Taxonomy
	cfg      Config
	guard    *runGuard
}

// New creates an Orchestrator.
func New(st store.Store, gateway ChatGateway, taxonomy *Taxonomy, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:    st,
		gateway:  gateway,
		taxonomy: taxonomy,
		cfg:      cfg.withDefaults(),
		guard:    newRunGuard(),
	}
}

// Run starts an extraction run for a document and returns its progress
// stream. Preconditions are checked synchronously with no side effects; once
// Run returns, the work is caller-independent — dropping the stream does not
// stop it. The stream ends with exactly one of complete, error, fatal_error.
func (o *Orchestrator) Run(ctx context.Context, documentID string, resume bool) (*Stream, error) {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(doc.Content) == "" {
		return nil, eris.Errorf("document %s has no extracted text", documentID)
	}
	if doc.Status == model.StatusDead {
		return nil, eris.Errorf("document %s is DEAD; revive it before retrying", documentID)
	}
	// A fully extracted document is only ever replayed.
	if doc.Status == model.StatusExtracted {
		resume = true
	}

	// The run owns a context detached from the caller: consumers may vanish,
	// only administrative cancel stops the work.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if !o.guard.acquire(documentID, cancel) {
		cancel()
		return nil, eris.Errorf("document %s already has a running extraction", documentID)
	}

	stream := newStream(documentID)
	go o.execute(runCtx, doc, resume, stream)
	return stream, nil
}

// Cancel administratively cancels a running extraction. The run notices at
// its next checkpoint and records a transient failure.
func (o *Orchestrator) Cancel(documentID string) bool {
	return o.guard.cancel(documentID)
}

// ResetStale reclaims PROCESSING documents whose window expired and whose
// slot no live run holds. Returns the ids reset.
func (o *Orchestrator) ResetStale(ctx context.Context) ([]string, error) {
	docs, err := o.store.ListDocuments(ctx, store.DocumentFilter{Status: model.StatusProcessing})
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-o.cfg.StaleAfter)
	var reset []string
	for _, doc := range docs {
		if o.guard.holds(doc.ID) {
			continue
		}
		ok, err := o.store.ResetStaleDocument(ctx, doc.ID, cutoff)
		if err != nil {
			return reset, err
		}
		if ok {
			reset = append(reset, doc.ID)
			zap.L().Info("extract: reset stale document", zap.String("document_id", doc.ID))
		}
	}
	return reset, nil
}

// execute is the run body. It always releases the guard and always emits
// exactly one terminal event.
func (o *Orchestrator) execute(ctx context.Context, doc *model.Document, resume bool, stream *Stream) {
	defer o.guard.release(doc.ID)

	log := zap.L().With(zap.String("document_id", doc.ID))
	log.Info("extract: run starting", zap.Bool("resume", resume))

	// Heartbeat until the run ends; emit closes the stream on the terminal
	// event, after which idle emits become no-ops.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go o.heartbeat(hbCtx, stream)

	attempt, err := o.store.CreateAttempt(ctx, doc.ID)
	if err != nil {
		o.finishRun(ctx, doc, "", nil, eris.Wrap(err, "extract: create attempt"), stream, log)
		return
	}

	failedPhase, runErr := o.runPhases(ctx, doc, resume, stream, log)
	o.finishRun(ctx, doc, failedPhase, attempt, runErr, stream, log)
}

func (o *Orchestrator) runPhases(ctx context.Context, doc *model.Document, resume bool, stream *Stream, log *zap.Logger) (model.Phase, error) {
	// Clean run: wipe prior staged work before computing anything.
	if !resume {
		if len(doc.PhasesDone) > 0 || doc.Status == model.StatusFailed {
			if _, err := o.store.DeleteStagedItems(ctx, doc.ID); err != nil {
				return "", eris.Wrap(err, "extract: wipe staged items")
			}
		}
		if err := o.store.SetPhasesDone(ctx, doc.ID, nil); err != nil {
			return "", eris.Wrap(err, "extract: clear phases")
		}
		doc.PhasesDone = nil
	}

	if doc.Status != model.StatusExtracted {
		if err := o.store.MarkProcessing(ctx, doc.ID); err != nil {
			return "", eris.Wrap(err, "extract: mark processing")
		}
	}

	for _, phase := range model.Phases() {
		if resume && doc.PhaseDone(phase) {
			if err := o.replayPhase(ctx, doc.ID, phase, stream); err != nil {
				return phase, err
			}
			continue
		}

		// A phase missing from PhasesDone may still have partial rows from
		// an interrupted attempt; they are recomputed from scratch.
		if resume {
			if err := o.wipePartialPhase(ctx, doc, phase); err != nil {
				return phase, err
			}
		}

		if err := ctx.Err(); err != nil {
			return phase, resilience.NewTransientError(eris.Wrap(err, "extract: run canceled"))
		}

		stream.emit(EventPhaseStart, Event{Phase: phase})
		start := time.Now()

		var err error
		switch phase {
		case model.PhaseDomainClassification:
			err = o.classifyPhase(ctx, doc, stream)
		case model.PhaseKnowledgeExtraction:
			err = o.extractPhase(ctx, doc, stream)
		case model.PhaseChunking:
			err = o.chunkPhase(ctx, doc, stream)
		}
		if err != nil {
			log.Error("extract: phase failed",
				zap.String("phase", string(phase)),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.Error(err),
			)
			return phase, err
		}

		// The phase is only resumable once its items are fully persisted.
		doc.PhasesDone = append(doc.PhasesDone, phase)
		if err := o.store.SetPhasesDone(ctx, doc.ID, doc.PhasesDone); err != nil {
			return phase, eris.Wrap(err, "extract: record phase done")
		}

		stream.emit(EventPhaseComplete, Event{Phase: phase})
		log.Info("extract: phase complete",
			zap.String("phase", string(phase)),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}
	return "", nil
}

// replayPhase re-emits a completed phase's events from storage instead of
// recomputing it. Token events are not replayed.
func (o *Orchestrator) replayPhase(ctx context.Context, documentID string, phase model.Phase, stream *Stream) error {
	items, err := o.store.ListStagedItems(ctx, documentID, phase)
	if err != nil {
		return eris.Wrap(err, "extract: load staged items for replay")
	}

	stream.emit(EventPhaseStart, Event{Phase: phase, Replayed: true})
	for i := range items {
		stream.emit(EventItemExtracted, Event{Phase: phase, Item: &items[i], Replayed: true})
	}
	stream.emit(EventPhaseComplete, Event{Phase: phase, Replayed: true})
	return nil
}

// wipePartialPhase drops rows an interrupted attempt left behind for a phase
// that never completed. Completed phases' rows are untouched.
func (o *Orchestrator) wipePartialPhase(ctx context.Context, doc *model.Document, phase model.Phase) error {
	n, err := o.store.DeleteStagedPhase(ctx, doc.ID, phase)
	if err != nil {
		return eris.Wrap(err, "extract: wipe partial phase")
	}
	if n > 0 {
		zap.L().Info("extract: discarded interrupted phase rows",
			zap.String("document_id", doc.ID),
			zap.String("phase", string(phase)),
			zap.Int("items", n),
		)
	}
	return nil
}

func (o *Orchestrator) classifyPhase(ctx context.Context, doc *model.Document, stream *Stream) error {
	req := classifyRequest(o.cfg.ClassifyModel, o.cfg.MaxTokens, o.taxonomy, doc.Title, doc.Content)
	stream.emit(EventPromptIssued, Event{Phase: model.PhaseDomainClassification, Message: o.cfg.ClassifyModel})

	resp, err := o.gateway.Complete(ctx, req)
	if err != nil {
		return err
	}
	resp.Usage.LogCost(o.cfg.ClassifyModel, string(model.PhaseDomainClassification))

	payload, err := parseClassification(resp.Text(), o.taxonomy)
	if err != nil {
		return resilience.NewTransientError(err)
	}

	item, err := o.stageItem(ctx, doc.ID, model.PhaseDomainClassification, model.ItemDomain, payload)
	if err != nil {
		return err
	}
	stream.emit(EventItemExtracted, Event{Phase: model.PhaseDomainClassification, Item: item})

	if err := o.store.SetDocumentDomain(ctx, doc.ID, payload.Domain); err != nil {
		return eris.Wrap(err, "extract: stamp document domain")
	}
	doc.Domain = payload.Domain
	return nil
}

func (o *Orchestrator) extractPhase(ctx context.Context, doc *model.Document, stream *Stream) error {
	domain := doc.Domain
	if domain == "" {
		domain = "general"
	}

	req := extractRequest(o.cfg.ExtractModel, o.cfg.MaxTokens, domain, doc.Title, doc.Content)
	stream.emit(EventPromptIssued, Event{Phase: model.PhaseKnowledgeExtraction, Message: o.cfg.ExtractModel})

	resp, err := o.gateway.Stream(ctx, req, func(text string) {
		stream.emit(EventToken, Event{Phase: model.PhaseKnowledgeExtraction, Token: text})
	})
	if err != nil {
		return err
	}
	resp.Usage.LogCost(o.cfg.ExtractModel, string(model.PhaseKnowledgeExtraction))

	k, err := parseExtraction(resp.Text(), domain)
	if err != nil {
		return resilience.NewTransientError(err)
	}

	for _, rule := range k.Rules {
		item, err := o.stageItem(ctx, doc.ID, model.PhaseKnowledgeExtraction, model.ItemRule, rule)
		if err != nil {
			return err
		}
		stream.emit(EventItemExtracted, Event{Phase: model.PhaseKnowledgeExtraction, Item: item})
	}
	for _, qa := range k.QAPairs {
		item, err := o.stageItem(ctx, doc.ID, model.PhaseKnowledgeExtraction, model.ItemQA, qa)
		if err != nil {
			return err
		}
		stream.emit(EventItemExtracted, Event{Phase: model.PhaseKnowledgeExtraction, Item: item})
	}
	for _, u := range k.Uncertainties {
		item, err := o.stageItem(ctx, doc.ID, model.PhaseKnowledgeExtraction, model.ItemUncertainty, u)
		if err != nil {
			return err
		}
		stream.emit(EventItemExtracted, Event{Phase: model.PhaseKnowledgeExtraction, Item: item})
	}
	return nil
}

func (o *Orchestrator) chunkPhase(ctx context.Context, doc *model.Document, stream *Stream) error {
	domain := doc.Domain
	if domain == "" {
		domain = "general"
	}

	for _, chunk := range chunkDocument(doc.Content, domain, o.cfg.ChunkRunes) {
		item, err := o.stageItem(ctx, doc.ID, model.PhaseChunking, model.ItemChunk, chunk)
		if err != nil {
			return err
		}
		stream.emit(EventItemExtracted, Event{Phase: model.PhaseChunking, Item: item})
	}
	return nil
}

func (o *Orchestrator) stageItem(ctx context.Context, documentID string, phase model.Phase, typ model.ItemType, payload any) (*model.StagedItem, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "extract: marshal staged payload")
	}
	item, err := o.store.CreateStagedItem(ctx, model.StagedItem{
		DocumentID: documentID,
		Phase:      phase,
		Type:       typ,
		Payload:    raw,
	})
	if err != nil {
		return nil, eris.Wrap(err, "extract: persist staged item")
	}
	return item, nil
}

// finishRun records the attempt outcome and document state transition, then
// emits the terminal event. Terminal state always reaches the store even
// when nobody is reading the stream.
func (o *Orchestrator) finishRun(ctx context.Context, doc *model.Document, failedPhase model.Phase, attempt *model.ExtractionAttempt, runErr error, stream *Stream, log *zap.Logger) {
	// State updates must survive administrative cancel.
	ctx = context.WithoutCancel(ctx)

	if runErr == nil {
		if err := o.store.MarkExtracted(ctx, doc.ID); err != nil {
			runErr = eris.Wrap(err, "extract: mark extracted")
		}
	}

	if runErr == nil {
		if attempt != nil {
			if err := o.store.FinishAttempt(ctx, attempt.ID, model.AttemptSuccess, "", "", ""); err != nil {
				log.Warn("extract: finish attempt", zap.Error(err))
			}
		}
		stream.emit(EventComplete, Event{})
		log.Info("extract: run complete")
		return
	}

	class := model.ErrorClassTransient
	if resilience.IsFatal(runErr) {
		class = model.ErrorClassFatal
	}

	status := model.StatusFailed
	if class == model.ErrorClassTransient && doc.RetryCount+1 >= o.cfg.RetryThreshold {
		status = model.StatusDead
	}

	if err := o.store.RecordFailure(ctx, doc.ID, status, runErr.Error()); err != nil {
		log.Error("extract: record failure", zap.Error(err))
	}
	if attempt != nil {
		if err := o.store.FinishAttempt(ctx, attempt.ID, model.AttemptFailed, failedPhase, class, runErr.Error()); err != nil {
			log.Warn("extract: finish attempt", zap.Error(err))
		}
	}

	kind := EventError
	if class == model.ErrorClassFatal {
		kind = EventFatalError
	}
	stream.emit(kind, Event{Phase: failedPhase, Message: runErr.Error()})
	log.Error("extract: run failed",
		zap.String("phase", string(failedPhase)),
		zap.String("class", string(class)),
		zap.String("status", string(status)),
		zap.Error(runErr),
	)
}

func (o *Orchestrator) heartbeat(ctx context.Context, stream *Stream) {
	ticker := time.NewTicker(o.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stream.emit(EventIdle, Event{})
		}
	}
}
