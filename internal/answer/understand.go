package answer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/avrora-labs/opskb/internal/normalize"
	"github.com/avrora-labs/opskb/pkg/anthropic"
)

// IntentKind is the fixed intent classification set.
var intentKinds = map[string]struct{}{
	"factual": {}, "procedural": {}, "pricing": {}, "availability": {},
	"comparison": {}, "smalltalk": {}, "other": {},
}

// Entities are typed values pulled from the question.
type Entities struct {
	Dates         []string `json:"dates,omitempty"`
	Prices        []string `json:"prices,omitempty"`
	DocumentTypes []string `json:"document_types,omitempty"`
	Services      []string `json:"services,omitempty"`
}

// Intent is the classified purpose of the question.
type Intent struct {
	Kind       string   `json:"kind"`
	Domains    []string `json:"domains,omitempty"`
	Confidence float64  `json:"confidence"`
}

// QueryAnalysis is the combined output of query understanding.
type QueryAnalysis struct {
	Expansions []string `json:"expansions,omitempty"`
	Ambiguous  bool     `json:"ambiguous"`
	Clarifying string   `json:"clarifying_question,omitempty"`
	Entities   Entities `json:"entities"`
	Intent     Intent   `json:"intent"`
}

const expandSystemPrompt = `You rephrase knowledge-base questions for retrieval. Respond with a valid JSON object:
{"expansions": ["<2-3 rephrasings using different wording>"], "ambiguous": <bool>, "clarifying_question": "<one question to disambiguate, or empty>"}`

const entitySystemPrompt = `You extract typed entities from a question. Respond with a valid JSON object:
{"dates": [], "prices": [], "document_types": [], "services": []}`

const intentSystemPrompt = `You classify the intent of a knowledge-base question. kind must be one of: factual, procedural, pricing, availability, comparison, smalltalk, other. domains lists the knowledge domains the question touches, chosen from:
%s
Respond with a valid JSON object:
{"kind": "<kind>", "domains": ["<domain>"], "confidence": <0.0-1.0>}`

// neutralIntent is the degraded default when intent classification fails.
func neutralIntent() Intent {
	return Intent{Kind: "other", Confidence: 0.5}
}

// understand runs expansion, entity extraction, and intent classification
// concurrently. Each sub-call degrades to a neutral default on error; the
// analysis itself never fails.
func (a *Answerer) understand(ctx context.Context, question string) QueryAnalysis {
	analysis := QueryAnalysis{Intent: neutralIntent()}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		resp, err := a.gateway.Complete(gctx, a.subRequest(expandSystemPrompt, question))
		if err != nil {
			zap.L().Warn("answer: query expansion degraded", zap.Error(err))
			return nil
		}
		var parsed struct {
			Expansions []string `json:"expansions"`
			Ambiguous  bool     `json:"ambiguous"`
			Clarifying string   `json:"clarifying_question"`
		}
		if err := json.Unmarshal([]byte(normalize.Repair(resp.Text())), &parsed); err != nil {
			zap.L().Warn("answer: query expansion unparseable", zap.Error(err))
			return nil
		}
		for _, e := range parsed.Expansions {
			if e = strings.TrimSpace(e); e != "" && !strings.EqualFold(e, question) {
				analysis.Expansions = append(analysis.Expansions, e)
			}
		}
		analysis.Ambiguous = parsed.Ambiguous
		analysis.Clarifying = strings.TrimSpace(parsed.Clarifying)
		return nil
	})

	g.Go(func() error {
		resp, err := a.gateway.Complete(gctx, a.subRequest(entitySystemPrompt, question))
		if err != nil {
			zap.L().Warn("answer: entity extraction degraded", zap.Error(err))
			return nil
		}
		var parsed Entities
		if err := json.Unmarshal([]byte(normalize.Repair(resp.Text())), &parsed); err != nil {
			zap.L().Warn("answer: entity extraction unparseable", zap.Error(err))
			return nil
		}
		analysis.Entities = parsed
		return nil
	})

	g.Go(func() error {
		system := fmt.Sprintf(intentSystemPrompt, a.taxonomy.PromptList())
		resp, err := a.gateway.Complete(gctx, a.subRequest(system, question))
		if err != nil {
			zap.L().Warn("answer: intent classification degraded", zap.Error(err))
			return nil
		}
		var parsed Intent
		if err := json.Unmarshal([]byte(normalize.Repair(resp.Text())), &parsed); err != nil {
			zap.L().Warn("answer: intent classification unparseable", zap.Error(err))
			return nil
		}
		parsed.Kind = strings.ToLower(strings.TrimSpace(parsed.Kind))
		if _, known := intentKinds[parsed.Kind]; !known {
			parsed.Kind = "other"
		}
		if parsed.Confidence < 0 {
			parsed.Confidence = 0
		}
		if parsed.Confidence > 1 {
			parsed.Confidence = 1
		}
		var domains []string
		for _, d := range parsed.Domains {
			d = strings.ToLower(strings.TrimSpace(d))
			if a.taxonomy.Has(d) {
				domains = append(domains, d)
			}
		}
		parsed.Domains = domains
		analysis.Intent = parsed
		return nil
	})

	// Sub-goroutines only ever return nil; Wait orders the writes above
	// before the read below.
	_ = g.Wait()
	return analysis
}

func (a *Answerer) subRequest(system, question string) anthropic.MessageRequest {
	return anthropic.MessageRequest{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		System:    []anthropic.SystemBlock{{Text: system}},
		Messages:  []anthropic.Message{{Role: "user", Content: question}},
	}
}
