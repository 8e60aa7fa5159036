package extract

import (
	"regexp"
	"strings"

	"github.com/avrora-labs/opskb/internal/model"
)

var blankLines = regexp.MustCompile(`\n[ \t]*\n+`)

// chunkDocument packs document paragraphs into retrieval windows of roughly
// maxRunes, carrying one paragraph of overlap between consecutive chunks so
// a fact split across a boundary is still retrievable. Deterministic; no
// model call.
func chunkDocument(content, domain string, maxRunes int) []model.ChunkPayload {
	if maxRunes <= 0 {
		maxRunes = 1000
	}

	var paragraphs []string
	for _, p := range blankLines.Split(content, -1) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		// A single paragraph longer than the window is split hard.
		for len([]rune(p)) > maxRunes {
			runes := []rune(p)
			paragraphs = append(paragraphs, string(runes[:maxRunes]))
			p = strings.TrimSpace(string(runes[maxRunes:]))
		}
		if p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	if len(paragraphs) == 0 {
		return nil
	}

	var chunks []model.ChunkPayload
	var window []string
	windowRunes := 0

	flush := func() {
		if len(window) == 0 {
			return
		}
		chunks = append(chunks, model.ChunkPayload{
			Seq:     len(chunks),
			Content: strings.Join(window, "\n\n"),
			Domain:  domain,
		})
		// One-paragraph overlap into the next window.
		last := window[len(window)-1]
		window = []string{last}
		windowRunes = len([]rune(last))
	}

	for _, p := range paragraphs {
		runes := len([]rune(p))
		if windowRunes > 0 && windowRunes+runes > maxRunes {
			flush()
		}
		window = append(window, p)
		windowRunes += runes
	}

	// Final window: drop it if it only holds the overlap paragraph again.
	if len(window) > 1 || len(chunks) == 0 {
		chunks = append(chunks, model.ChunkPayload{
			Seq:     len(chunks),
			Content: strings.Join(window, "\n\n"),
			Domain:  domain,
		})
	}
	return chunks
}
