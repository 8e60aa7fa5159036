package answer

import (
	"context"
	"fmt"
	"strings"

	"github.com/avrora-labs/opskb/internal/model"
	"github.com/avrora-labs/opskb/internal/search"
	"github.com/avrora-labs/opskb/pkg/anthropic"
)

const composeSystemConfident = `You answer questions strictly from the evidence below. The evidence is reliable for this question: answer directly and concretely. Never invent facts beyond the evidence.`

const composeSystemHedged = `You answer questions strictly from the evidence below. The evidence only partially covers this question: answer what the evidence supports, say plainly what it does not cover, and do not guess. Never invent facts beyond the evidence.`

// compose issues the single composition call: structured facts first, then
// scored context, framed by tier.
func (a *Answerer) compose(ctx context.Context, question string, tier Tier, rules []model.Rule, qaEntries []model.QAEntry, contextResults []search.Result) (string, error) {
	system := composeSystemHedged
	if tier == TierHigh {
		system = composeSystemConfident
	}

	evidence := buildEvidence(rules, qaEntries, contextResults)
	resp, err := a.gateway.Complete(ctx, anthropic.MessageRequest{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		System: []anthropic.SystemBlock{
			{Text: system},
			{Text: evidence},
		},
		Messages: []anthropic.Message{{Role: "user", Content: question}},
	})
	if err != nil {
		return "", err
	}
	resp.Usage.LogCost(a.cfg.Model, "compose")

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("answer: composition returned empty text")
	}
	return text, nil
}

// buildEvidence renders the evidence block. Rules and QA pairs lead; scored
// context follows in rank order.
func buildEvidence(rules []model.Rule, qaEntries []model.QAEntry, contextResults []search.Result) string {
	var sb strings.Builder
	sb.WriteString("Evidence from the knowledge base:\n")

	if len(rules) > 0 {
		sb.WriteString("\nOperating rules:\n")
		for _, r := range rules {
			fmt.Fprintf(&sb, "- [%s] %s: %s\n", r.Code, r.Title, r.Body)
		}
	}

	if len(qaEntries) > 0 {
		sb.WriteString("\nKnown answers:\n")
		for _, qa := range qaEntries {
			fmt.Fprintf(&sb, "- Q: %s\n  A: %s\n", qa.Question, qa.Answer)
		}
	}

	if len(contextResults) > 0 {
		sb.WriteString("\nRelevant document excerpts, most relevant first:\n")
		for i, r := range contextResults {
			fmt.Fprintf(&sb, "\n[excerpt %d, score %.2f]\n%s\n", i+1, r.Combined, r.Text)
		}
	}

	return sb.String()
}
