package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kvesta/quietpatch/internal/vulnscan"
	"github.com/kvesta/quietpatch/pkg/severity"
	"github.com/kvesta/quietpatch/pkg/vulnlib"

	"github.com/tidwall/match"
)

const (
	StrategyInfer = "infer"
	StrategyDrop  = "drop"
	StrategyFail  = "fail"
)

var ErrPolicyViolation = errors.New("policy violation")

// Policy filters and orders scan results.
type Policy struct {
	Allow            []string `yaml:"allow" json:"allow"`
	Deny             []string `yaml:"deny" json:"deny"`
	MinSeverity      string   `yaml:"min_severity" json:"min_severity"`
	OnlyWithFindings bool     `yaml:"only_with_findings" json:"only_with_findings"`
	LimitPerItem     int      `yaml:"limit_per_item" json:"limit_per_item"`
	TreatUnknownAs   string   `yaml:"treat_unknown_as" json:"treat_unknown_as"`
	UnknownStrategy  string   `yaml:"unknown_strategy" json:"unknown_strategy"`

	// Older policy files used these names.
	OnlyWithCVEs *bool `yaml:"only_with_cves,omitempty" json:"-"`
	LimitPerApp  *int  `yaml:"limit_per_app,omitempty" json:"-"`
}

func Default() Policy {
	return Policy{
		MinSeverity:      severity.Medium,
		OnlyWithFindings: true,
		LimitPerItem:     50,
		TreatUnknownAs:   severity.Low,
		UnknownStrategy:  StrategyInfer,
	}
}

func matches(pattern, name string) bool {
	p := strings.ToLower(strings.TrimSpace(pattern))
	if p == "" {
		return false
	}
	if match.IsPattern(p) {
		return match.Match(name, p)
	}
	return strings.Contains(name, p)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if matches(p, name) {
			return true
		}
	}
	return false
}

// Admits applies deny first, then the allowlist when one is set.
func (p *Policy) Admits(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	if matchAny(p.Deny, n) {
		return false
	}
	if len(p.Allow) == 0 {
		return true
	}
	return matchAny(p.Allow, n)
}

// coerceLabel accepts a label or its numeric rank.
func coerceLabel(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	switch v {
	case "5":
		return severity.Critical
	case "4":
		return severity.High
	case "3":
		return severity.Medium
	case "2":
		return severity.Low
	case "1":
		return severity.None
	}
	return severity.Canonical(v)
}

func (p *Policy) normalize() {
	if p.OnlyWithCVEs != nil {
		p.OnlyWithFindings = *p.OnlyWithCVEs
		p.OnlyWithCVEs = nil
	}
	if p.LimitPerApp != nil {
		p.LimitPerItem = *p.LimitPerApp
		p.LimitPerApp = nil
	}
	p.MinSeverity = coerceLabel(p.MinSeverity)
	p.TreatUnknownAs = coerceLabel(p.TreatUnknownAs)
	p.UnknownStrategy = strings.ToLower(strings.TrimSpace(p.UnknownStrategy))
}

// Validate reports every problem at once.
func (p *Policy) Validate() error {
	var problems []string

	if !severity.Valid(p.MinSeverity) {
		problems = append(problems, fmt.Sprintf("min_severity %q is not a severity label", p.MinSeverity))
	}
	if !severity.Valid(p.TreatUnknownAs) {
		problems = append(problems, fmt.Sprintf("treat_unknown_as %q is not a severity label", p.TreatUnknownAs))
	}
	switch p.UnknownStrategy {
	case StrategyInfer, StrategyDrop, StrategyFail:
	default:
		problems = append(problems, fmt.Sprintf("unknown_strategy %q must be infer, drop or fail", p.UnknownStrategy))
	}
	if p.LimitPerItem < 0 {
		problems = append(problems, fmt.Sprintf("limit_per_item %d is negative", p.LimitPerItem))
	}

	for field, patterns := range map[string][]string{"allow": p.Allow, "deny": p.Deny} {
		for _, pat := range patterns {
			if msg := checkPattern(pat); msg != "" {
				problems = append(problems, fmt.Sprintf("%s pattern %q %s", field, pat, msg))
			}
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid policy: %s", strings.Join(problems, "; "))
	}
	return nil
}

func checkPattern(pat string) string {
	p := strings.TrimSpace(pat)
	if p == "" {
		return "is empty"
	}
	if strings.HasSuffix(p, `\`) && !strings.HasSuffix(p, `\\`) {
		return "ends with a dangling escape"
	}
	return ""
}

// settle resolves unknown labels of one finding per the strategy. The bool
// is false when the finding is dropped.
func (p *Policy) settle(r vulnscan.ScanResult, rec vulnlib.Record) (vulnlib.Record, bool, error) {
	if severity.Valid(rec.Label) {
		rec.Label = strings.ToLower(rec.Label)
		return rec, true, nil
	}

	switch p.UnknownStrategy {
	case StrategyDrop:
		return rec, false, nil
	case StrategyFail:
		return rec, false, fmt.Errorf("%w: %s has %s with unknown severity", ErrPolicyViolation, r.Item, rec.ID)
	default:
		rec.Label = p.TreatUnknownAs
		return rec, true, nil
	}
}

// Apply filters results and sorts them. Inputs are not modified, and
// applying the output again yields the same output.
func Apply(results []vulnscan.ScanResult, p Policy) ([]vulnscan.ScanResult, error) {
	p.normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}

	minRank := severity.Rank(p.MinSeverity)
	out := make([]vulnscan.ScanResult, 0, len(results))

	for _, r := range results {
		if !p.Admits(r.Item.Name) {
			continue
		}

		vulns := make([]vulnlib.Record, 0, len(r.Vulnerabilities))
		for _, rec := range r.Vulnerabilities {
			settled, keep, err := p.settle(r, rec)
			if err != nil {
				return nil, err
			}
			if keep {
				vulns = append(vulns, settled)
			}
		}

		vulnlib.Sort(vulns)
		if p.LimitPerItem > 0 && len(vulns) > p.LimitPerItem {
			vulns = vulns[:p.LimitPerItem]
		}
		r.Vulnerabilities = vulns

		if r.Rollup() < minRank {
			continue
		}
		if p.OnlyWithFindings && len(vulns) == 0 {
			continue
		}
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := &out[i], &out[j]
		if ra, rb := a.Rollup(), b.Rollup(); ra != rb {
			return ra > rb
		}
		if sa, sb := a.MaxScore(), b.MaxScore(); sa != sb {
			return sa > sb
		}
		if a.Item.Name != b.Item.Name {
			return a.Item.Name < b.Item.Name
		}
		return a.Item.Version < b.Item.Version
	})

	return out, nil
}
