package cpe

import (
	"context"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Searcher is a remote identifier index queried by keyword.
type Searcher interface {
	SearchCPE(ctx context.Context, keyword string) ([]string, error)
}

type Resolver struct {
	cache    Cache
	searcher Searcher
}

// NewResolver works without a searcher, remote resolution then always misses.
func NewResolver(cache Cache, searcher Searcher) *Resolver {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Resolver{cache: cache, searcher: searcher}
}

func (r *Resolver) Cache() Cache {
	return r.cache
}

func normalizeVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return Wildcard
	}
	return strings.ReplaceAll(v, " ", "_")
}

// versionPrefixes yields "1", "1.2", "1.2.3" for "1.2.3".
func versionPrefixes(v string) []string {
	if v == Wildcard {
		return nil
	}

	segs := strings.Split(v, ".")
	out := make([]string, 0, len(segs))
	for i := range segs {
		out = append(out, strings.Join(segs[:i+1], "."))
	}
	return out
}

// Candidates lists every identifier considered for a (name, version) pair
// in generation order, without duplicates and before validation.
func Candidates(name, version string) []string {
	n := NormalizeName(name)
	if n == "" {
		return nil
	}
	v := normalizeVersion(version)

	raw := []string{
		NewApplication(Wildcard, n, v).String(),
		NewApplication(n, n, v).String(),
		NewApplication(Wildcard, n, Wildcard).String(),
		NewApplication(n, n, Wildcard).String(),
	}
	for _, p := range versionPrefixes(v) {
		raw = append(raw,
			NewApplication(Wildcard, n, p).String(),
			NewApplication(n, n, p).String(),
		)
	}

	seen := make(map[string]struct{}, len(raw))
	out := raw[:0]
	for _, c := range raw {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// best applies the selection policy: the first concrete candidate, else
// the highest specificity with generation order breaking ties.
func best(candidates []string) (Identifier, error) {
	var valid []Identifier
	for _, c := range candidates {
		if !Validate(c) {
			continue
		}
		id, err := Parse(c)
		if err != nil {
			continue
		}
		valid = append(valid, id)
	}

	if len(valid) == 0 {
		return Identifier{}, ErrResolutionFailure
	}

	for _, id := range valid {
		if id.Wildcards() == 0 {
			return id, nil
		}
	}

	top := valid[0]
	for _, id := range valid[1:] {
		if id.Specificity() > top.Specificity() {
			top = id
		}
	}
	return top, nil
}

// Resolve never fails; a miss is reported through the boolean.
func (r *Resolver) Resolve(name, version string) (Identifier, bool) {
	if v, ok := r.cache.Get(name, version); ok {
		if v == "" {
			return Identifier{}, false
		}
		if id, err := Parse(v); err == nil {
			return id, true
		}
	}

	id, err := best(Candidates(name, version))
	if err != nil {
		_ = r.cache.Put(name, version, "")
		return Identifier{}, false
	}

	_ = r.cache.Put(name, version, id.String())
	return id, true
}

// ResolveRemote asks the searcher and returns its first structurally valid
// hit. Failures are swallowed and logged by kind only.
func (r *Resolver) ResolveRemote(ctx context.Context, name, version string) (Identifier, bool) {
	if r.searcher == nil {
		return Identifier{}, false
	}

	keyword := strings.TrimSpace(name + " " + version)
	if keyword == "" {
		return Identifier{}, false
	}

	hits, err := r.searcher.SearchCPE(ctx, keyword)
	if err != nil {
		kind := "request failed"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			kind = "cancelled"
		}
		log.WithField("item", name).Debugf("failed to resolve cpe remotely: %s", kind)
		return Identifier{}, false
	}

	for _, h := range hits {
		if !Validate(h) {
			continue
		}
		id, err := Parse(h)
		if err != nil {
			continue
		}
		return id, true
	}

	return Identifier{}, false
}
