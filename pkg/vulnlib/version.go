package vulnlib

import (
	"errors"
	"strconv"
	"strings"

	version2 "github.com/hashicorp/go-version"
	rpmversion "github.com/knqyf263/go-rpm-version"
)

var errNonNumeric = errors.New("non-numeric version segment")

// Comparator decides range containment. Implementations fail open: when a
// version cannot be interpreted the item counts as affected.
type Comparator interface {
	InRange(v, min, max string) bool
}

func NewComparator(scheme string) Comparator {
	switch scheme {
	case "semver":
		return semverComparator{}
	case "rpm":
		return rpmComparator{}
	default:
		return numericComparator{}
	}
}

func parseSegments(v string) ([]int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, errNonNumeric
	}

	parts := strings.Split(v, ".")
	segs := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, errNonNumeric
		}
		segs = append(segs, n)
	}
	return segs, nil
}

// CompareNumeric compares dot-separated integer versions, padding the
// shorter one with zeros.
func CompareNumeric(a, b string) (int, error) {
	sa, err := parseSegments(a)
	if err != nil {
		return 0, err
	}
	sb, err := parseSegments(b)
	if err != nil {
		return 0, err
	}

	n := len(sa)
	if len(sb) > n {
		n = len(sb)
	}
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(sa) {
			x = sa[i]
		}
		if i < len(sb) {
			y = sb[i]
		}
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
	}
	return 0, nil
}

type numericComparator struct{}

func (numericComparator) InRange(v, min, max string) bool {
	if _, err := parseSegments(v); err != nil {
		return true
	}
	for _, bound := range []string{min, max} {
		if bound == "" {
			continue
		}
		if _, err := parseSegments(bound); err != nil {
			return true
		}
	}

	if min != "" {
		if c, _ := CompareNumeric(v, min); c < 0 {
			return false
		}
	}
	if max != "" {
		if c, _ := CompareNumeric(v, max); c > 0 {
			return false
		}
	}
	return true
}

type semverComparator struct{}

func (semverComparator) InRange(v, min, max string) bool {
	current, err := version2.NewVersion(v)
	if err != nil {
		return true
	}

	if min != "" {
		lo, err := version2.NewVersion(min)
		if err != nil {
			return true
		}
		if current.LessThan(lo) {
			return false
		}
	}
	if max != "" {
		hi, err := version2.NewVersion(max)
		if err != nil {
			return true
		}
		if current.GreaterThan(hi) {
			return false
		}
	}
	return true
}

type rpmComparator struct{}

func (rpmComparator) InRange(v, min, max string) bool {
	if strings.TrimSpace(v) == "" {
		return true
	}

	current := rpmversion.NewVersion(v)
	if min != "" && current.LessThan(rpmversion.NewVersion(min)) {
		return false
	}
	if max != "" && current.GreaterThan(rpmversion.NewVersion(max)) {
		return false
	}
	return true
}
