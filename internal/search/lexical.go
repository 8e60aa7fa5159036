package search

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stopwords are dropped before token-overlap scoring. The list covers the
// filler of natural-language questions; domain terms always survive.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "can": {}, "do": {}, "does": {}, "for": {}, "from": {},
	"has": {}, "have": {}, "how": {}, "i": {}, "if": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "my": {}, "of": {}, "on": {}, "or": {}, "our": {},
	"that": {}, "the": {}, "their": {}, "there": {}, "this": {}, "to": {},
	"was": {}, "we": {}, "what": {}, "when": {}, "where": {}, "which": {},
	"who": {}, "why": {}, "will": {}, "with": {}, "you": {}, "your": {},
}

// foldTransformer strips diacritic marks: NFD decomposition, drop combining
// marks, NFC recomposition.
var foldTransformer = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// fold lowercases text and removes diacritics, so "café" matches "cafe".
func fold(text string) string {
	folded, _, err := transform.String(foldTransformer, text)
	if err != nil {
		folded = text
	}
	return strings.ToLower(folded)
}

// tokenize splits folded text into content tokens, dropping stopwords and
// single-rune fragments.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(fold(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// lexicalScore is the fraction of query tokens present in the content,
// weighted toward full coverage: matched/queryTokens. Zero when either side
// has no content tokens.
func lexicalScore(queryTokens []string, content string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}

	contentTokens := make(map[string]struct{})
	for _, tok := range tokenize(content) {
		contentTokens[tok] = struct{}{}
	}
	if len(contentTokens) == 0 {
		return 0
	}

	matched := 0
	for _, tok := range queryTokens {
		if _, ok := contentTokens[tok]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens))
}
