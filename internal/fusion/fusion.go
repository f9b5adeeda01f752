// Package fusion implements the hybrid ranking combinators from spec.md
// §4.7: reciprocal rank fusion and weighted min-max normalized fusion
// of a fulltext ranked list and a vector ranked list. Pure arithmetic
// over the stdlib sort/math packages — no third-party ranking library
// appears anywhere in the retrieval pack, so this is stdlib by
// necessity rather than by omission; see DESIGN.md.
package fusion

import "sort"

// Ranked is one (pk, score) pair from a source ranked list. For the
// fulltext list, higher score is better; for the vector list, score is
// a distance where lower is better — RRF only uses rank, so this
// distinction is irrelevant there, but Weighted needs it (see Weighted).
type Ranked struct {
	PK    string
	Score float64
}

// Fused is one pk with its combined score, after fusion.
type Fused struct {
	PK    string
	Score float64
}

const defaultKRRF = 60

// RRF computes reciprocal rank fusion across any number of ranked
// lists: score(pk) = Σ 1/(kRRF + rank(pk)) over every list containing
// pk, where rank is 1-based position in that list. kRRF <= 0 uses the
// spec default of 60.
func RRF(kRRF int, lists ...[]Ranked) []Fused {
	if kRRF <= 0 {
		kRRF = defaultKRRF
	}
	scores := map[string]float64{}
	for _, list := range lists {
		for i, r := range list {
			rank := i + 1
			scores[r.PK] += 1.0 / float64(kRRF+rank)
		}
	}
	return sortedFused(scores)
}

// Weighted fuses one fulltext list (higher score better) and one
// vector list (lower distance better) via min-max normalization:
// vector similarity = 1 - (d-min)/(max-min), then
// fused = alpha*textScore + (1-alpha)*vectorSimilarity, where alpha is
// weightText in [0,1]. A pk present in only one list uses 0 for the
// other's contribution.
func Weighted(text []Ranked, vector []Ranked, weightText float64) []Fused {
	textNorm := minMaxNormalize(text, false)
	vectorNorm := minMaxNormalize(vector, true)

	scores := map[string]float64{}
	seen := map[string]bool{}
	for pk, v := range textNorm {
		scores[pk] += weightText * v
		seen[pk] = true
	}
	for pk, v := range vectorNorm {
		scores[pk] += (1 - weightText) * v
		seen[pk] = true
	}
	return sortedFused(scores)
}

// minMaxNormalize maps each entry's score into [0,1]. If invert is
// true (for a distance list), lower raw scores map to higher normalized
// values — spec.md's "similarity = 1 - (d-min)/(max-min)".
func minMaxNormalize(list []Ranked, invert bool) map[string]float64 {
	out := map[string]float64{}
	if len(list) == 0 {
		return out
	}
	min, max := list[0].Score, list[0].Score
	for _, r := range list {
		if r.Score < min {
			min = r.Score
		}
		if r.Score > max {
			max = r.Score
		}
	}
	spread := max - min
	for _, r := range list {
		var v float64
		if spread == 0 {
			v = 1
		} else {
			v = (r.Score - min) / spread
			if invert {
				v = 1 - v
			}
		}
		out[r.PK] = v
	}
	return out
}

func sortedFused(scores map[string]float64) []Fused {
	out := make([]Fused, 0, len(scores))
	for pk, s := range scores {
		out = append(out, Fused{PK: pk, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].PK < out[j].PK
	})
	return out
}

// TopK truncates fused to the top k entries.
func TopK(fused []Fused, k int) []Fused {
	if k <= 0 || k >= len(fused) {
		return fused
	}
	return fused[:k]
}
