package answer

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/avrora-labs/opskb/internal/extract"
	"github.com/avrora-labs/opskb/internal/model"
	"github.com/avrora-labs/opskb/internal/search"
	"github.com/avrora-labs/opskb/internal/store"
)

// Tier grades answer confidence.
type Tier string

const (
	TierHigh         Tier = "high"
	TierMedium       Tier = "medium"
	TierLow          Tier = "low"
	TierInsufficient Tier = "insufficient"
)

// Citation points an answer at one piece of committed evidence.
type Citation struct {
	ID        string  `json:"id"`
	Snippet   string  `json:"snippet"`
	Relevance float64 `json:"relevance"`
}

// Debug carries retrieval internals when requested.
type Debug struct {
	Queries []string        `json:"queries"`
	Results []search.Result `json:"results"`
	Context []search.Result `json:"context"`
	Rules   int             `json:"rules"`
	QAPairs int             `json:"qa_pairs"`
}

// Response is the full answer envelope.
type Response struct {
	Answer                 string        `json:"answer"`
	Confidence             float64       `json:"confidence"`
	Tier                   Tier          `json:"tier"`
	NeedsClarification     bool          `json:"needs_clarification"`
	SuggestedClarification string        `json:"suggested_clarification,omitempty"`
	Citations              []Citation    `json:"citations,omitempty"`
	DomainsUsed            []string      `json:"domains_used,omitempty"`
	QueryAnalysis          QueryAnalysis `json:"query_analysis"`
	Debug                  *Debug        `json:"debug,omitempty"`
}

// Config tunes the answerer.
type Config struct {
	Model     string
	MaxTokens int64

	// IntentWeight and ContextWeight blend confidence. Defaults: 0.4 / 0.6.
	IntentWeight  float64
	ContextWeight float64

	// MaxTurns bounds conversation history read for follow-up detection.
	MaxTurns int
}

func (c Config) withDefaults() Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 2048
	}
	if c.IntentWeight <= 0 && c.ContextWeight <= 0 {
		c.IntentWeight = 0.4
		c.ContextWeight = 0.6
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 6
	}
	return c
}

// Answerer turns questions into confidence-graded answers backed by the
// committed knowledge base.
type Answerer struct {
	store    store.Store
	gateway  extract.ChatGateway
	searcher *search.Searcher
	taxonomy *extract.Taxonomy
	cfg      Config
}

// New creates an Answerer.
func New(st store.Store, gateway extract.ChatGateway, searcher *search.Searcher, taxonomy *extract.Taxonomy, cfg Config) *Answerer {
	return &Answerer{
		store:    st,
		gateway:  gateway,
		searcher: searcher,
		taxonomy: taxonomy,
		cfg:      cfg.withDefaults(),
	}
}

// Answer runs the full pipeline: query understanding, multi-query hybrid
// retrieval, evidence assembly, confidence grading, and composition. With a
// session id the question is first resolved against conversation history and
// the turn pair is recorded.
func (a *Answerer) Answer(ctx context.Context, question, sessionID string, debug bool) (*Response, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, eris.New("answer: empty question")
	}

	effective := question
	if sessionID != "" {
		effective = a.resolveFollowUp(ctx, sessionID, question)
	}

	analysis := a.understand(ctx, effective)

	queries := append([]string{effective}, analysis.Expansions...)
	results, err := a.searcher.Search(ctx, queries, analysis.Intent.Domains)
	if err != nil {
		return nil, err
	}
	contextResults := a.searcher.Context(results)

	rules, qaEntries := a.loadStructuredEvidence(ctx, analysis.Intent.Domains)

	topScore := 0.0
	if len(contextResults) > 0 {
		topScore = contextResults[0].Combined
	}
	confidence := clamp(a.cfg.IntentWeight*analysis.Intent.Confidence + a.cfg.ContextWeight*topScore)
	tier := gradeTier(confidence, len(contextResults))

	resp := &Response{
		Confidence:    confidence,
		Tier:          tier,
		QueryAnalysis: analysis,
		DomainsUsed:   domainsUsed(contextResults, rules, qaEntries),
	}
	if debug {
		resp.Debug = &Debug{
			Queries: queries,
			Results: results,
			Context: contextResults,
			Rules:   len(rules),
			QAPairs: len(qaEntries),
		}
	}

	if tier == TierInsufficient {
		resp.Answer = "I could not find this in the knowledge base."
		resp.NeedsClarification = true
		resp.SuggestedClarification = clarification(analysis)
		a.recordTurns(ctx, sessionID, question, resp.Answer)
		return resp, nil
	}

	answerText, err := a.compose(ctx, effective, tier, rules, qaEntries, contextResults)
	if err != nil {
		// Composition failure is user-visible, not silently degraded.
		return nil, eris.Wrap(err, "answer: compose")
	}
	resp.Answer = answerText
	resp.Citations = citations(contextResults)
	if tier == TierLow || analysis.Ambiguous {
		resp.NeedsClarification = true
		resp.SuggestedClarification = clarification(analysis)
	}

	a.recordTurns(ctx, sessionID, question, resp.Answer)
	return resp, nil
}

// gradeTier maps blended confidence and context depth to a tier.
func gradeTier(confidence float64, contextEntries int) Tier {
	switch {
	case confidence >= 0.7 && contextEntries >= 2:
		return TierHigh
	case confidence >= 0.5 && contextEntries >= 1:
		return TierMedium
	case confidence >= 0.3:
		return TierLow
	default:
		return TierInsufficient
	}
}

// loadStructuredEvidence fetches rules and QA entries for the classified
// domains, or across all domains when none were classified. Storage errors
// degrade to an empty evidence set.
func (a *Answerer) loadStructuredEvidence(ctx context.Context, domains []string) ([]model.Rule, []model.QAEntry) {
	if len(domains) == 0 {
		domains = []string{""}
	}

	var rules []model.Rule
	var qaEntries []model.QAEntry
	for _, domain := range domains {
		r, err := a.store.ListRules(ctx, domain)
		if err != nil {
			zap.L().Warn("answer: load rules degraded", zap.String("domain", domain), zap.Error(err))
			continue
		}
		for _, rule := range r {
			// Superseded rules are history, not evidence.
			if rule.SupersededBy == "" {
				rules = append(rules, rule)
			}
		}
		qa, err := a.store.ListQAEntries(ctx, domain)
		if err != nil {
			zap.L().Warn("answer: load qa degraded", zap.String("domain", domain), zap.Error(err))
			continue
		}
		qaEntries = append(qaEntries, qa...)
	}
	return rules, qaEntries
}

func (a *Answerer) recordTurns(ctx context.Context, sessionID, question, answerText string) {
	if sessionID == "" {
		return
	}
	if _, err := a.store.AppendTurn(ctx, sessionID, "user", question); err != nil {
		zap.L().Warn("answer: record user turn", zap.Error(err))
		return
	}
	if _, err := a.store.AppendTurn(ctx, sessionID, "assistant", answerText); err != nil {
		zap.L().Warn("answer: record assistant turn", zap.Error(err))
	}
}

func citations(contextResults []search.Result) []Citation {
	out := make([]Citation, 0, len(contextResults))
	for i, r := range contextResults {
		if i == 5 {
			break
		}
		out = append(out, Citation{
			ID:        r.ID,
			Snippet:   snippet(r.Text, 200),
			Relevance: 0.95 - 0.1*float64(i),
		})
	}
	return out
}

func snippet(text string, maxRunes int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= maxRunes {
		return string(runes)
	}
	return string(runes[:maxRunes]) + "…"
}

func clarification(analysis QueryAnalysis) string {
	if analysis.Clarifying != "" {
		return analysis.Clarifying
	}
	return "Could you rephrase the question or name the service, document, or policy you mean?"
}

func domainsUsed(contextResults []search.Result, rules []model.Rule, qaEntries []model.QAEntry) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(domain string) {
		if domain == "" {
			return
		}
		if _, ok := seen[domain]; ok {
			return
		}
		seen[domain] = struct{}{}
		out = append(out, domain)
	}
	for _, r := range contextResults {
		add(r.Domain)
	}
	for _, r := range rules {
		add(r.Domain)
	}
	for _, qa := range qaEntries {
		add(qa.Domain)
	}
	return out
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
