package vulnlib

import (
	"time"

	"github.com/kvesta/quietpatch/pkg/severity"
)

// Record is the canonical vulnerability entry. Every table shape is
// adapted into it at load time.
type Record struct {
	ID                 string     `json:"id"`
	Score              *float64   `json:"severity_score"`
	Label              string     `json:"severity_label"`
	PublishedAt        *time.Time `json:"published_at,omitempty"`
	Summary            string     `json:"summary"`
	KnownExploited     bool       `json:"is_known_exploited"`
	KEVAction          string     `json:"kev_action,omitempty"`
	ExploitProbability *float64   `json:"exploit_probability"`
	RemediationHint    string     `json:"remediation_hint,omitempty"`
	SeveritySource     string     `json:"severity_source,omitempty"`
	Source             string     `json:"source,omitempty"`

	Products []string `json:"-"`
}

// AffectedRange bounds the versions of a product hit by one CVE. Bounds
// are inclusive, an empty bound is open.
type AffectedRange struct {
	Prefix string `json:"product_identifier_prefix"`
	CVEID  string `json:"vulnerability_id"`
	Min    string `json:"version_min,omitempty"`
	Max    string `json:"version_max,omitempty"`
}

func (r *Record) Signals() severity.Signals {
	return severity.Signals{
		Label:              r.Label,
		Score:              r.Score,
		KnownExploited:     r.KnownExploited,
		ExploitProbability: r.ExploitProbability,
	}
}

// Normalize settles the label. Calling it again is a no-op.
func (r *Record) Normalize(t severity.Thresholds) {
	label, src := t.Classify(r.Signals())
	if src != severity.SourceLabel || r.SeveritySource == "" {
		r.SeveritySource = src
	}
	r.Label = label
}

func (r *Record) Key() severity.Key {
	k := severity.Key{
		ID:             r.ID,
		Label:          r.Label,
		KnownExploited: r.KnownExploited,
	}
	if r.Score != nil {
		k.Score = *r.Score
	}
	return k
}

// Sort orders records by the ranking key.
func Sort(records []Record) {
	severity.Sort(records, func(r Record) severity.Key { return r.Key() })
}
