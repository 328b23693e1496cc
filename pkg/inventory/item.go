package inventory

import (
	"context"
	"sort"
	"strings"
)

// Item is one installed application instance.
type Item struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Source  string `json:"source,omitempty"`
}

func (i Item) String() string {
	if i.Version == "" {
		return i.Name
	}
	return i.Name + " " + i.Version
}

// Source lists installed applications. A bad entry is skipped, never
// fatal for the whole listing.
type Source interface {
	Name() string
	ListInstalled(ctx context.Context) ([]Item, error)
}

func key(i Item) string {
	return strings.ToLower(strings.TrimSpace(i.Name)) + "\x00" + strings.TrimSpace(i.Version)
}

// Dedupe drops repeated name/version pairs, keeping the first occurrence,
// and returns the items sorted by name then version.
func Dedupe(items []Item) []Item {
	seen := make(map[string]struct{}, len(items))
	out := make([]Item, 0, len(items))
	for _, it := range items {
		it.Name = strings.TrimSpace(it.Name)
		it.Version = strings.TrimSpace(it.Version)
		if it.Name == "" {
			continue
		}
		k := key(it)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, it)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if a != b {
			return a < b
		}
		return out[i].Version < out[j].Version
	})
	return out
}
