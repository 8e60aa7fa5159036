package search

import "sort"

// Result is one ephemeral retrieval hit. Never persisted.
type Result struct {
	ID       string  `json:"id"`
	Text     string  `json:"text"`
	Domain   string  `json:"domain,omitempty"`
	Semantic float64 `json:"semantic_score"`
	Lexical  float64 `json:"lexical_score"`
	Combined float64 `json:"combined_score"`
}

// fuse merges a semantic and a lexical ranking of the same candidate set by
// weighted reciprocal-rank fusion. Scores are normalized so a candidate
// ranked first on both sides scores exactly 1.0. Candidates with zero score
// on a side get no contribution from it.
func fuse(candidates []Result, k int, semanticWeight, lexicalWeight float64) []Result {
	if len(candidates) == 0 {
		return nil
	}

	semRank := rankBy(candidates, func(r Result) float64 { return r.Semantic })
	lexRank := rankBy(candidates, func(r Result) float64 { return r.Lexical })

	// 1/(k+1) is the best possible reciprocal rank; dividing by the weighted
	// best makes a double rank-1 score 1.0.
	best := (semanticWeight + lexicalWeight) / float64(k+1)

	fused := make([]Result, len(candidates))
	for i, c := range candidates {
		var score float64
		if rank, ok := semRank[c.ID]; ok {
			score += semanticWeight / float64(k+rank)
		}
		if rank, ok := lexRank[c.ID]; ok {
			score += lexicalWeight / float64(k+rank)
		}
		c.Combined = score / best
		fused[i] = c
	}

	sort.SliceStable(fused, func(i, j int) bool {
		return fused[i].Combined > fused[j].Combined
	})
	return fused
}

// rankBy assigns 1-based ranks by descending score. Zero-scored candidates
// are unranked: absence from a ranking contributes nothing at fusion.
func rankBy(candidates []Result, score func(Result) float64) map[string]int {
	order := make([]Result, len(candidates))
	copy(order, candidates)
	sort.SliceStable(order, func(i, j int) bool {
		return score(order[i]) > score(order[j])
	})

	ranks := make(map[string]int, len(order))
	for i, c := range order {
		if score(c) <= 0 {
			continue
		}
		ranks[c.ID] = i + 1
	}
	return ranks
}

// SelectContext applies the adaptive elbow: keep results scoring at least
// minRatio of the top score, capped at limit. Input must be sorted by
// Combined descending.
func SelectContext(results []Result, minRatio float64, limit int) []Result {
	if len(results) == 0 || results[0].Combined <= 0 {
		return nil
	}

	cutoff := results[0].Combined * minRatio
	var kept []Result
	for _, r := range results {
		if r.Combined < cutoff {
			break
		}
		kept = append(kept, r)
		if len(kept) == limit {
			break
		}
	}
	return kept
}
