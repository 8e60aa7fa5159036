package extract

import (
	"fmt"

	"github.com/avrora-labs/opskb/pkg/anthropic"
)

const classifySystemPrompt = `You are a knowledge-base curator classifying an internal document into exactly one operating domain. Respond with a valid JSON object:
{"domain": "<domain name>", "confidence": <0.0-1.0>, "reasoning": "<one sentence>", "suggested": ["<new domain name if none fits well>"]}`

const classifyUserPrompt = `Available domains:
%s
Classify the document into exactly one of the available domains. Suggest a new domain name in "suggested" only if nothing fits.`

const extractSystemPrompt = `You are a knowledge-base curator extracting operating knowledge from an internal document. Extract:
- rules: concrete operating facts (prices, terms, procedures) a colleague could rely on
- qa_pairs: natural questions a colleague would ask, answered strictly from the document; set rule_index to the 0-based index of the rule a pair is derived from, or omit it
- uncertainties: statements too vague or contradictory to extract confidently

Respond with a valid JSON object:
{"rules": [{"title": "<short title>", "body": "<the fact>", "confidence": <0.0-1.0>}],
 "qa_pairs": [{"question": "<question>", "answer": "<answer>", "confidence": <0.0-1.0>, "rule_index": <int, optional>}],
 "uncertainties": [{"statement": "<quoted text>", "reason": "<why it is unclear>"}]}`

const extractUserPrompt = `Document domain: %s

Extract every reliable operating fact from the document. Do not invent information that is not in the document.`

// documentBlock renders the document for the cached system block both phases
// share: the first call warms the prompt cache, the second reads from it.
func documentBlock(title, content string) string {
	return fmt.Sprintf("Document title: %s\n\nDocument content:\n%s", title, content)
}

func classifyRequest(model string, maxTokens int64, taxonomy *Taxonomy, title, content string) anthropic.MessageRequest {
	system := []anthropic.SystemBlock{{Text: classifySystemPrompt}}
	system = append(system, anthropic.BuildCachedSystemBlocks(documentBlock(title, content))...)
	return anthropic.MessageRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    system,
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: fmt.Sprintf(classifyUserPrompt, taxonomy.PromptList()),
		}},
	}
}

func extractRequest(model string, maxTokens int64, domain, title, content string) anthropic.MessageRequest {
	system := []anthropic.SystemBlock{{Text: extractSystemPrompt}}
	system = append(system, anthropic.BuildCachedSystemBlocks(documentBlock(title, content))...)
	return anthropic.MessageRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    system,
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: fmt.Sprintf(extractUserPrompt, domain),
		}},
	}
}
