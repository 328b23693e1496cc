package vulnscan

import (
	"github.com/kvesta/quietpatch/pkg/inventory"
	"github.com/kvesta/quietpatch/pkg/severity"
	"github.com/kvesta/quietpatch/pkg/vulnlib"
)

// ScanResult is the outcome for one inventory item.
type ScanResult struct {
	Item            inventory.Item   `json:"item"`
	Identifier      string           `json:"resolved_identifier,omitempty"`
	Vulnerabilities []vulnlib.Record `json:"vulnerabilities"`
	Note            string           `json:"note,omitempty"`
}

// Rollup is the highest rank among the findings, 0 without findings.
func (r *ScanResult) Rollup() int {
	best := 0
	for _, v := range r.Vulnerabilities {
		if n := severity.Rank(v.Label); n > best {
			best = n
		}
	}
	return best
}

func (r *ScanResult) MaxScore() float64 {
	var best float64
	for _, v := range r.Vulnerabilities {
		if v.Score != nil && *v.Score > best {
			best = *v.Score
		}
	}
	return best
}

func (r *ScanResult) KEVCount() int {
	n := 0
	for _, v := range r.Vulnerabilities {
		if v.KnownExploited {
			n++
		}
	}
	return n
}
