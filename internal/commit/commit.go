package commit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/avrora-labs/opskb/internal/model"
	"github.com/avrora-labs/opskb/internal/store"
	"github.com/avrora-labs/opskb/pkg/embedding"
)

// Result reports what one commit promoted.
type Result struct {
	RulesCreated  int `json:"rules_created"`
	QACreated     int `json:"qa_created"`
	ChunksCreated int `json:"chunks_created"`
}

// Config tunes the committer.
type Config struct {
	// EmbedBatchSize bounds memory during chunk embedding. Default: 16.
	EmbedBatchSize int
}

// Committer drives the staged review lifecycle: verify/reject stamps and the
// all-or-nothing promotion transaction.
type Committer struct {
	store    store.Store
	embedder embedding.Embedder
	cfg      Config
}

// New creates a Committer.
func New(st store.Store, embedder embedding.Embedder, cfg Config) *Committer {
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = 16
	}
	return &Committer{store: st, embedder: embedder, cfg: cfg}
}

// Verify stamps staged items verified. With all=true every reviewable item of
// the document is stamped; otherwise only the given ids. Returns the number
// stamped.
func (c *Committer) Verify(ctx context.Context, documentID string, itemIDs []string, all bool) (int, error) {
	ids, err := c.resolveIDs(ctx, documentID, itemIDs, all)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	return c.store.MarkVerified(ctx, documentID, ids)
}

// Reject stamps staged items rejected, excluding them from promotion.
func (c *Committer) Reject(ctx context.Context, documentID string, itemIDs []string, all bool) (int, error) {
	ids, err := c.resolveIDs(ctx, documentID, itemIDs, all)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	return c.store.MarkRejected(ctx, documentID, ids)
}

func (c *Committer) resolveIDs(ctx context.Context, documentID string, itemIDs []string, all bool) ([]string, error) {
	if !all {
		return itemIDs, nil
	}
	items, err := c.store.ListStagedItems(ctx, documentID, "")
	if err != nil {
		return nil, eris.Wrap(err, "commit: list staged items")
	}
	var ids []string
	for _, it := range items {
		if !it.Promoted {
			ids = append(ids, it.ID)
		}
	}
	return ids, nil
}

// Commit promotes every verified, unrejected, unpromoted staged item of a
// document in one transaction. Rules get domain-sequential codes and
// supersede same-titled predecessors; QA back-links resolve to promoted rule
// ids; chunk embeddings are computed in batches before anything is written.
// Domain and uncertainty items are review artifacts and stay unpromoted.
// Re-invoking commit is safe: promoted rows never promote twice.
func (c *Committer) Commit(ctx context.Context, documentID string) (*Result, error) {
	doc, err := c.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status != model.StatusExtracted && doc.Status != model.StatusCompleted {
		return nil, eris.Errorf("commit: document %s is %s, not ready to commit", documentID, doc.Status)
	}

	items, err := c.store.ListCommittable(ctx, documentID)
	if err != nil {
		return nil, eris.Wrap(err, "commit: list committable items")
	}

	var ruleItems, qaItems, chunkItems []model.StagedItem
	for _, it := range items {
		switch it.Type {
		case model.ItemRule:
			ruleItems = append(ruleItems, it)
		case model.ItemQA:
			qaItems = append(qaItems, it)
		case model.ItemChunk:
			chunkItems = append(chunkItems, it)
		}
	}
	if len(ruleItems) == 0 && len(qaItems) == 0 && len(chunkItems) == 0 {
		return &Result{}, nil
	}

	// RuleIndex back-links count in extraction order over every staged rule,
	// committed or not; a rejected rule must not shift later indexes.
	allKnowledge, err := c.store.ListStagedItems(ctx, documentID, model.PhaseKnowledgeExtraction)
	if err != nil {
		return nil, eris.Wrap(err, "commit: list staged knowledge")
	}
	var allRuleItems []model.StagedItem
	for _, it := range allKnowledge {
		if it.Type == model.ItemRule {
			allRuleItems = append(allRuleItems, it)
		}
	}
	committable := make(map[string]bool, len(ruleItems))
	for _, it := range ruleItems {
		committable[it.ID] = true
	}

	set := store.CommitSet{}

	rules, ruleIDByIndex, err := c.buildRules(ctx, documentID, allRuleItems, committable)
	if err != nil {
		return nil, err
	}
	set.Rules = rules

	qaEntries, err := buildQAEntries(documentID, qaItems, ruleIDByIndex)
	if err != nil {
		return nil, err
	}
	set.QAEntries = qaEntries

	chunks, err := c.buildChunks(ctx, documentID, chunkItems)
	if err != nil {
		return nil, err
	}
	set.Chunks = chunks

	for _, it := range ruleItems {
		set.PromotedItemIDs = append(set.PromotedItemIDs, it.ID)
	}
	for _, it := range qaItems {
		set.PromotedItemIDs = append(set.PromotedItemIDs, it.ID)
	}
	for _, it := range chunkItems {
		set.PromotedItemIDs = append(set.PromotedItemIDs, it.ID)
	}

	if err := c.store.ApplyCommit(ctx, documentID, set); err != nil {
		return nil, eris.Wrap(err, "commit: apply")
	}

	zap.L().Info("commit: promoted staged knowledge",
		zap.String("document_id", documentID),
		zap.Int("rules", len(set.Rules)),
		zap.Int("qa_entries", len(set.QAEntries)),
		zap.Int("chunks", len(set.Chunks)),
	)
	return &Result{
		RulesCreated:  len(set.Rules),
		QACreated:     len(set.QAEntries),
		ChunksCreated: len(set.Chunks),
	}, nil
}

// buildRules assigns codes and supersession lineage. ruleIDByIndex maps the
// staged rule's extraction order (creation order of rule items) to its
// durable id for QA back-link resolution — for rules promoted by an earlier
// commit invocation, the id of the durable rule that invocation created.
//
// Code assignment reads max-per-domain then increments; two concurrent
// commits into one domain can race to the same code. Single-instance
// deployments only.
func (c *Committer) buildRules(ctx context.Context, documentID string, allRuleItems []model.StagedItem, committable map[string]bool) ([]model.Rule, map[int]string, error) {
	ruleIDByIndex := make(map[int]string, len(allRuleItems))

	nextCode := map[string]int{}
	active := map[string]string{}   // domain+title → active rule id
	promoted := map[string]string{} // domain+title → this document's durable rule id

	loadDomain := func(domain string) error {
		if _, seen := nextCode[domain]; seen {
			return nil
		}
		existing, err := c.store.ListRules(ctx, domain)
		if err != nil {
			return eris.Wrapf(err, "commit: list rules for %s", domain)
		}
		nextCode[domain] = maxCodeNumber(existing) + 1
		for _, r := range existing {
			key := ruleKey(r.Domain, r.Title)
			if r.SupersededBy == "" {
				active[key] = r.ID
			}
			if r.DocumentID == documentID {
				if _, ok := promoted[key]; !ok || r.SupersededBy == "" {
					promoted[key] = r.ID
				}
			}
		}
		return nil
	}

	var rules []model.Rule
	for i, it := range allRuleItems {
		if !committable[it.ID] && !it.Promoted {
			continue
		}
		var payload model.RulePayload
		if err := json.Unmarshal(it.Payload, &payload); err != nil {
			return nil, nil, eris.Wrapf(err, "commit: decode staged rule %s", it.ID)
		}
		if err := loadDomain(payload.Domain); err != nil {
			return nil, nil, err
		}

		if it.Promoted {
			// Promoted by a prior invocation; QA committed now still links to
			// the durable rule that invocation wrote.
			if id, ok := promoted[ruleKey(payload.Domain, payload.Title)]; ok {
				ruleIDByIndex[i] = id
			}
			continue
		}

		rule := model.Rule{
			ID:         uuid.NewString(),
			DocumentID: documentID,
			Domain:     payload.Domain,
			Code:       fmt.Sprintf("%s-%d", strings.ToUpper(payload.Domain), nextCode[payload.Domain]),
			Title:      payload.Title,
			Body:       payload.Body,
			Confidence: payload.Confidence,
		}
		nextCode[payload.Domain]++

		key := ruleKey(rule.Domain, rule.Title)
		if prev, ok := active[key]; ok {
			rule.Supersedes = prev
		}
		active[key] = rule.ID

		rules = append(rules, rule)
		ruleIDByIndex[i] = rule.ID
	}
	return rules, ruleIDByIndex, nil
}

func buildQAEntries(documentID string, qaItems []model.StagedItem, ruleIDByIndex map[int]string) ([]model.QAEntry, error) {
	var entries []model.QAEntry
	for _, it := range qaItems {
		var payload model.QAPayload
		if err := json.Unmarshal(it.Payload, &payload); err != nil {
			return nil, eris.Wrapf(err, "commit: decode staged qa %s", it.ID)
		}

		entry := model.QAEntry{
			ID:         uuid.NewString(),
			DocumentID: documentID,
			Domain:     payload.Domain,
			Question:   payload.Question,
			Answer:     payload.Answer,
			Confidence: payload.Confidence,
		}
		if payload.RuleIndex != nil {
			// The back-link only resolves when the referenced rule made it
			// through review; a rejected rule leaves the entry unlinked.
			entry.RuleID = ruleIDByIndex[*payload.RuleIndex]
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// buildChunks embeds chunk contents in fixed-size batches, then pairs every
// chunk with its vector. Any embedding failure aborts the whole commit.
func (c *Committer) buildChunks(ctx context.Context, documentID string, chunkItems []model.StagedItem) ([]model.Chunk, error) {
	if len(chunkItems) == 0 {
		return nil, nil
	}

	payloads := make([]model.ChunkPayload, len(chunkItems))
	contents := make([]string, len(chunkItems))
	for i, it := range chunkItems {
		if err := json.Unmarshal(it.Payload, &payloads[i]); err != nil {
			return nil, eris.Wrapf(err, "commit: decode staged chunk %s", it.ID)
		}
		contents[i] = payloads[i].Content
	}

	vectors := make([][]float32, 0, len(contents))
	for start := 0; start < len(contents); start += c.cfg.EmbedBatchSize {
		end := start + c.cfg.EmbedBatchSize
		if end > len(contents) {
			end = len(contents)
		}
		batch, err := c.embedder.EmbedTexts(ctx, contents[start:end])
		if err != nil {
			return nil, eris.Wrapf(err, "commit: embed chunks %d-%d", start, end-1)
		}
		if len(batch) != end-start {
			return nil, eris.Errorf("commit: embedder returned %d vectors for %d chunks", len(batch), end-start)
		}
		vectors = append(vectors, batch...)
	}

	chunks := make([]model.Chunk, len(chunkItems))
	for i := range chunkItems {
		chunks[i] = model.Chunk{
			ID:         uuid.NewString(),
			DocumentID: documentID,
			Domain:     payloads[i].Domain,
			Seq:        payloads[i].Seq,
			Content:    payloads[i].Content,
			Embedding:  vectors[i],
		}
	}
	return chunks, nil
}

func ruleKey(domain, title string) string {
	return domain + "\x00" + strings.ToLower(strings.TrimSpace(title))
}

// maxCodeNumber extracts the highest numeric suffix among a domain's codes.
func maxCodeNumber(rules []model.Rule) int {
	max := 0
	for _, r := range rules {
		idx := strings.LastIndexByte(r.Code, '-')
		if idx < 0 {
			continue
		}
		if n, err := strconv.Atoi(r.Code[idx+1:]); err == nil && n > max {
			max = n
		}
	}
	return max
}
