package stage

import (
	"strings"

	"github.com/mkondo/graphflow/internal/model"
)

// DefaultSimilarityThreshold is the bigram-overlap score at or above which a
// candidate entity name is treated as a near-duplicate of an existing one.
const DefaultSimilarityThreshold = 0.80

// Resolver matches candidate entity names against existing entities so the
// same real-world concept referenced with slightly different names across
// continuation iterations does not get silently duplicated.
type Resolver struct {
	threshold float64
}

func NewResolver(threshold float64) *Resolver {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSimilarityThreshold
	}
	return &Resolver{threshold: threshold}
}

// Resolve returns the identifier of an existing entity the label should
// reuse, preferring an exact case-insensitive match, then the best
// bigram-similarity match at or above the threshold. Returns false when the
// label names a genuinely new entity.
func (r *Resolver) Resolve(label string, existing []model.NodeRef) (string, bool) {
	for _, ref := range existing {
		if strings.EqualFold(ref.Label, label) {
			return ref.ID, true
		}
	}

	bestID := ""
	bestScore := 0.0
	for _, ref := range existing {
		score := DiceSimilarity(label, ref.Label)
		if score > bestScore {
			bestScore = score
			bestID = ref.ID
		}
	}
	if bestScore >= r.threshold {
		return bestID, true
	}
	return "", false
}

// DiceSimilarity computes the bigram overlap between two strings:
// 2×|shared bigrams| / (|bigrams(a)| + |bigrams(b)|), case-insensitive.
func DiceSimilarity(a, b string) float64 {
	ba := bigrams(strings.ToLower(a))
	bb := bigrams(strings.ToLower(b))
	if len(ba) == 0 && len(bb) == 0 {
		if strings.EqualFold(a, b) {
			return 1
		}
		return 0
	}
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}

	counts := make(map[string]int, len(ba))
	for _, g := range ba {
		counts[g]++
	}
	shared := 0
	for _, g := range bb {
		if counts[g] > 0 {
			counts[g]--
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(ba)+len(bb))
}

func bigrams(s string) []string {
	runes := []rune(s)
	if len(runes) < 2 {
		return nil
	}
	out := make([]string, 0, len(runes)-1)
	for i := 0; i < len(runes)-1; i++ {
		out = append(out, string(runes[i:i+2]))
	}
	return out
}
