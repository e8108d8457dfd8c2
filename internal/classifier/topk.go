package classifier

import (
	"cmp"
	"math"
	"slices"
)

// Ranked is a score paired with its position in the score vector.
type Ranked struct {
	Index int
	Score float32
}

// TopK returns the k highest scores in descending order. Equal scores keep
// their original index order and NaN sorts last.
func TopK(scores []float32, k int) ([]Ranked, error) {
	if k <= 0 || k > len(scores) {
		return nil, &InvalidTopKError{K: k, Max: len(scores)}
	}

	ranked := make([]Ranked, len(scores))
	for i, s := range scores {
		ranked[i] = Ranked{Index: i, Score: s}
	}
	slices.SortStableFunc(ranked, func(a, b Ranked) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return slices.Clone(ranked[:k]), nil
}

// Softmax converts logits into probabilities that sum to one. NaN logits get
// probability zero. If any logit is +Inf the mass is split evenly among the
// +Inf logits, and a vector of only -Inf logits becomes uniform.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	out := make([]float32, len(logits))

	maxLogit := math.Inf(-1)
	valid := 0
	for _, v := range logits {
		if f := float64(v); !math.IsNaN(f) {
			maxLogit = math.Max(maxLogit, f)
			valid++
		}
	}
	if valid == 0 {
		return out
	}

	exps := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		f := float64(v)
		switch {
		case math.IsNaN(f):
			continue
		case math.IsInf(maxLogit, 0):
			// exp(Inf-Inf) is NaN; only logits tied with the infinite max count.
			if f == maxLogit {
				exps[i] = 1
			}
		default:
			exps[i] = math.Exp(f - maxLogit)
		}
		sum += exps[i]
	}

	for i, e := range exps {
		out[i] = float32(e / sum)
	}
	return out
}
