package severity

import (
	"sort"
	"strings"
)

const (
	Critical = "critical"
	High     = "high"
	Medium   = "medium"
	Low      = "low"
	None     = "none"
	Unknown  = "unknown"
)

// Where a label came from.
const (
	SourceLabel = "label"
	SourceCVSS  = "cvss"
	SourceKEV   = "kev"
	SourceEPSS  = "epss"
	SourceFloor = "floor"
)

var rankMap = map[string]int{
	Critical: 5,
	High:     4,
	Medium:   3,
	Low:      2,
	None:     1,
	Unknown:  0,
}

// Thresholds are the cut-offs used to infer a label from numeric signals.
// Reports downstream assume the defaults, so override only for experiments.
type Thresholds struct {
	Critical float64
	High     float64
	Medium   float64
	Low      float64

	EPSSHigh   float64
	EPSSMedium float64
}

var DefaultThresholds = Thresholds{
	Critical:   9.0,
	High:       7.5,
	Medium:     4.0,
	Low:        0.1,
	EPSSHigh:   0.70,
	EPSSMedium: 0.30,
}

// Signals is the subset of a vulnerability record the normalizer looks at.
type Signals struct {
	Label              string
	Score              *float64
	KnownExploited     bool
	ExploitProbability *float64
}

// Rank returns the ordinal of a label, unknown and garbage are 0.
func Rank(label string) int {
	return rankMap[strings.ToLower(label)]
}

// Valid reports whether label is a concrete bucket.
func Valid(label string) bool {
	switch strings.ToLower(label) {
	case Critical, High, Medium, Low, None:
		return true
	}
	return false
}

// Canonical lowercases a known label and maps anything else to unknown.
func Canonical(label string) string {
	l := strings.ToLower(strings.TrimSpace(label))
	if Valid(l) {
		return l
	}
	return Unknown
}

func (t Thresholds) FromScore(score float64) string {
	switch {
	case score >= t.Critical:
		return Critical
	case score >= t.High:
		return High
	case score >= t.Medium:
		return Medium
	case score >= t.Low:
		return Low
	default:
		return None
	}
}

func (t Thresholds) FromEPSS(p float64) string {
	switch {
	case p >= t.EPSSHigh:
		return High
	case p >= t.EPSSMedium:
		return Medium
	default:
		return Low
	}
}

// Classify picks the label by precedence: existing label, numeric score,
// known exploitation, exploit probability, then the low floor. The result
// is never unknown.
func (t Thresholds) Classify(s Signals) (string, string) {
	if Valid(s.Label) {
		return strings.ToLower(s.Label), SourceLabel
	}
	if s.Score != nil {
		return t.FromScore(*s.Score), SourceCVSS
	}
	if s.KnownExploited {
		return High, SourceKEV
	}
	if s.ExploitProbability != nil {
		return t.FromEPSS(*s.ExploitProbability), SourceEPSS
	}
	return Low, SourceFloor
}

func Classify(s Signals) (string, string) {
	return DefaultThresholds.Classify(s)
}

// Key is the sortable projection of a record.
type Key struct {
	ID             string
	Label          string
	Score          float64
	KnownExploited bool
}

// Less orders by rank desc, score desc, exploited first and id asc.
func Less(a, b Key) bool {
	ra, rb := Rank(a.Label), Rank(b.Label)
	if ra != rb {
		return ra > rb
	}
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.KnownExploited != b.KnownExploited {
		return a.KnownExploited
	}
	return a.ID < b.ID
}

// Sort orders any slice through its rank key.
func Sort[T any](items []T, key func(T) Key) {
	sort.SliceStable(items, func(i, j int) bool {
		return Less(key(items[i]), key(items[j]))
	})
}

// Max returns the highest-ranked label of the list, unknown when empty.
func Max(labels []string) string {
	best := Unknown
	for _, l := range labels {
		if Rank(l) > Rank(best) {
			best = strings.ToLower(l)
		}
	}
	return best
}
