package match

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type Suggestion struct {
	Types   Operation
	Product string
	Ratio   float64
}

type Operation int8

const (
	// Unknown item represents no known product is close enough.
	Unknown Operation = 0
	// Exact item represents the name equals a known product.
	Exact Operation = 1
	// Similar item represents the name looks like a known product.
	Similar Operation = 2
)

const (
	similarLow  = 0.70
	similarHigh = 0.99
)

func fold(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("_", " ", "-", " ").Replace(s)
}

// Ratio is the share of characters both strings have in common.
func Ratio(a, b string) float64 {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)
	matches := 0
	for _, diff := range diffs {
		if diff.Type == diffmatchpatch.DiffEqual {
			matches += len(diff.Text)
		}
	}

	sums := len(a) + len(b)
	if sums > 0 {
		return 2.0 * float64(matches) / float64(sums)
	}

	return 1.0
}

// Closest returns the candidate with the best ratio above cutoff. Ties go
// to the earlier candidate.
func Closest(name string, candidates []string, cutoff float64) (string, float64) {
	n := fold(name)
	best, bestRatio := "", 0.0
	for _, c := range candidates {
		r := Ratio(n, fold(c))
		if r > bestRatio {
			best, bestRatio = c, r
		}
	}
	if bestRatio < cutoff {
		return "", bestRatio
	}
	return best, bestRatio
}

// Suggest looks for a known product the name was probably meant to be.
func Suggest(name string, products []string) Suggestion {
	t := Suggestion{
		Types: Unknown,
	}
	if strings.TrimSpace(name) == "" {
		return t
	}

	p, ratio := Closest(name, products, similarLow)
	switch {
	case p == "":
	case ratio >= similarHigh:
		t.Types = Exact
		t.Product = p
		t.Ratio = ratio
	case ratio > similarLow:
		t.Types = Similar
		t.Product = p
		t.Ratio = ratio
	}
	return t
}
