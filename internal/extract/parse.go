package extract

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/avrora-labs/opskb/internal/model"
	"github.com/avrora-labs/opskb/internal/normalize"
)

// parseClassification validates a classification response against the
// taxonomy. An unknown domain becomes "general" with the model's choice
// carried as a suggestion for the reviewer.
func parseClassification(raw string, taxonomy *Taxonomy) (*model.DomainPayload, error) {
	repaired := normalize.Repair(raw)

	var payload model.DomainPayload
	if err := json.Unmarshal([]byte(repaired), &payload); err != nil {
		return nil, eris.Wrap(err, "extract: parse classification")
	}

	payload.Domain = strings.ToLower(strings.TrimSpace(payload.Domain))
	if payload.Domain == "" {
		return nil, eris.New("extract: classification returned no domain")
	}
	payload.Confidence = clampUnit(payload.Confidence)
	if payload.Suggested == nil {
		payload.Suggested = []string{}
	}

	if !taxonomy.Has(payload.Domain) {
		payload.Suggested = append(payload.Suggested, payload.Domain)
		payload.Domain = "general"
	}
	return &payload, nil
}

// extractionResult is the wire shape of the knowledge extraction response.
type extractionResult struct {
	Rules []struct {
		Title      string  `json:"title"`
		Body       string  `json:"body"`
		Confidence float64 `json:"confidence"`
	} `json:"rules"`
	QAPairs []struct {
		Question   string  `json:"question"`
		Answer     string  `json:"answer"`
		Confidence float64 `json:"confidence"`
		RuleIndex  *int    `json:"rule_index"`
	} `json:"qa_pairs"`
	Uncertainties []struct {
		Statement string `json:"statement"`
		Reason    string `json:"reason"`
	} `json:"uncertainties"`
}

// knowledge holds the validated output of the extraction phase.
type knowledge struct {
	Rules         []model.RulePayload
	QAPairs       []model.QAPayload
	Uncertainties []model.UncertaintyPayload
}

// parseExtraction normalizes and validates an extraction response. Missing
// arrays default to empty; entries without their required fields are dropped;
// a rule_index pointing outside the rule list is cleared rather than kept
// dangling. A response with no usable items at all is an error, treated as a
// transient phase failure by the caller.
func parseExtraction(raw, domain string) (*knowledge, error) {
	repaired := normalize.Repair(raw)

	var result extractionResult
	if err := json.Unmarshal([]byte(repaired), &result); err != nil {
		return nil, eris.Wrap(err, "extract: parse extraction")
	}

	k := &knowledge{
		Rules:         []model.RulePayload{},
		QAPairs:       []model.QAPayload{},
		Uncertainties: []model.UncertaintyPayload{},
	}

	for _, r := range result.Rules {
		if strings.TrimSpace(r.Title) == "" || strings.TrimSpace(r.Body) == "" {
			continue
		}
		k.Rules = append(k.Rules, model.RulePayload{
			Title:      strings.TrimSpace(r.Title),
			Body:       strings.TrimSpace(r.Body),
			Domain:     domain,
			Confidence: clampUnit(r.Confidence),
		})
	}

	for _, qa := range result.QAPairs {
		if strings.TrimSpace(qa.Question) == "" || strings.TrimSpace(qa.Answer) == "" {
			continue
		}
		ruleIndex := qa.RuleIndex
		if ruleIndex != nil && (*ruleIndex < 0 || *ruleIndex >= len(k.Rules)) {
			ruleIndex = nil
		}
		k.QAPairs = append(k.QAPairs, model.QAPayload{
			Question:   strings.TrimSpace(qa.Question),
			Answer:     strings.TrimSpace(qa.Answer),
			Domain:     domain,
			Confidence: clampUnit(qa.Confidence),
			RuleIndex:  ruleIndex,
		})
	}

	for _, u := range result.Uncertainties {
		if strings.TrimSpace(u.Statement) == "" {
			continue
		}
		k.Uncertainties = append(k.Uncertainties, model.UncertaintyPayload{
			Statement: strings.TrimSpace(u.Statement),
			Reason:    strings.TrimSpace(u.Reason),
		})
	}

	if len(k.Rules) == 0 && len(k.QAPairs) == 0 && len(k.Uncertainties) == 0 {
		return nil, eris.New("extract: model returned no extractable knowledge")
	}
	return k, nil
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
