package vulnscan

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kvesta/quietpatch/internal/remediation"
	"github.com/kvesta/quietpatch/pkg/cpe"
	"github.com/kvesta/quietpatch/pkg/inventory"
	"github.com/kvesta/quietpatch/pkg/match"
	"github.com/kvesta/quietpatch/pkg/severity"
	"github.com/kvesta/quietpatch/pkg/vulnlib"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers = 4
	defaultLimit   = 50

	noteCancelled = "cancelled before completion"
	noteTimedOut  = "timed out"
)

// Filter decides which applications are scanned at all.
type Filter interface {
	Admits(name string) bool
}

// Remediator turns a finding into an actionable hint. Lookup answers from
// the configured action table only, Hint always answers.
type Remediator interface {
	Lookup(appName string, id cpe.Identifier) (string, bool)
	Hint(appName string, id cpe.Identifier, label string, kev bool) string
}

// Online is the remote vulnerability source used when the local store has
// nothing for an item.
type Online interface {
	CVEsByCPE(ctx context.Context, id cpe.Identifier, limit int) ([]vulnlib.Record, error)
	CVEsByKeyword(ctx context.Context, keyword string, limit int) ([]vulnlib.Record, error)
}

// Counters are updated while a scan runs.
type Counters struct {
	Items         atomic.Int64
	Resolved      atomic.Int64
	Unresolved    atomic.Int64
	RemoteLookups atomic.Int64
	Fallbacks     atomic.Int64
	Failures      atomic.Int64
}

type Scanner struct {
	Store    *vulnlib.Store
	Resolver *cpe.Resolver
	Filter   Filter
	Actions  Remediator
	NVD      Online

	Workers     int
	ItemTimeout time.Duration
	Limit       int
	Thresholds  severity.Thresholds

	Counters Counters

	products []string
}

// Correlate matches every admitted item against the store. Results keep
// the input order. Per item failures end up in ScanResult.Note, only a
// missing store fails the call.
func (s *Scanner) Correlate(ctx context.Context, items []inventory.Item) ([]ScanResult, error) {
	if s.Store == nil {
		return nil, fmt.Errorf("%w: no store loaded", vulnlib.ErrStoreLoadFailure)
	}
	if s.Resolver == nil {
		s.Resolver = cpe.NewResolver(cpe.NewMemoryCache(), nil)
	}
	if s.Thresholds == (severity.Thresholds{}) {
		s.Thresholds = severity.DefaultThresholds
	}
	s.products = s.Store.Products()

	admitted := make([]inventory.Item, 0, len(items))
	for _, it := range items {
		if s.Filter != nil && !s.Filter.Admits(it.Name) {
			log.WithField("item", it.Name).Debugf("skipped by allow/deny filter")
			continue
		}
		admitted = append(admitted, it)
	}

	workers := s.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	results := make([]ScanResult, len(admitted))
	g := new(errgroup.Group)
	g.SetLimit(workers)

	for i, it := range admitted {
		if ctx.Err() != nil {
			results[i] = ScanResult{Item: it, Vulnerabilities: []vulnlib.Record{}, Note: noteCancelled}
			continue
		}

		i, it := i, it
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					s.Counters.Failures.Add(1)
					log.WithField("item", it.Name).Errorf("failed to correlate: %v", r)
					results[i] = ScanResult{
						Item:            it,
						Vulnerabilities: []vulnlib.Record{},
						Note:            fmt.Sprintf("correlation failed: %v", r),
					}
				}
			}()

			if ctx.Err() != nil {
				results[i] = ScanResult{Item: it, Vulnerabilities: []vulnlib.Record{}, Note: noteCancelled}
				return nil
			}
			results[i] = s.scanItem(ctx, it)
			return nil
		})
	}
	g.Wait()

	return results, nil
}

// limit bounds remote result pages. Limit 0 keeps every finding but still
// asks the remote side for one page.
func (s *Scanner) limit() int {
	if s.Limit <= 0 {
		return defaultLimit
	}
	return s.Limit
}

func (s *Scanner) applicable(id cpe.Identifier, version string, recs []vulnlib.Record) []vulnlib.Record {
	out := recs[:0:0]
	for _, r := range recs {
		if s.Store.Applicable(id, r.ID, version) {
			out = append(out, r)
		}
	}
	return out
}

// enrich copies the local exploitation data onto remote records the
// snapshot also knows.
func (s *Scanner) enrich(recs []vulnlib.Record) []vulnlib.Record {
	for i := range recs {
		local, ok := s.Store.Get(recs[i].ID)
		if !ok {
			continue
		}
		if local.KnownExploited && !recs[i].KnownExploited {
			recs[i].KnownExploited = true
			recs[i].KEVAction = local.KEVAction
		}
		if recs[i].ExploitProbability == nil {
			recs[i].ExploitProbability = local.ExploitProbability
		}
		if recs[i].RemediationHint == "" {
			recs[i].RemediationHint = local.RemediationHint
		}
	}
	return recs
}

func describe(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, vulnlib.ErrNetworkTimeout):
		return noteTimedOut
	case errors.Is(err, context.Canceled):
		return noteCancelled
	case errors.Is(err, vulnlib.ErrRateLimited):
		return "online lookup rate limited"
	default:
		return "online lookup failed"
	}
}

func (s *Scanner) scanItem(ctx context.Context, item inventory.Item) ScanResult {
	s.Counters.Items.Add(1)

	if s.ItemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.ItemTimeout)
		defer cancel()
	}

	logger := log.WithField("item", item.Name)
	res := ScanResult{Item: item}
	var notes []string

	name := item.Name
	if canonical, ok := s.Store.LookupByAlias(name); ok {
		name = canonical
	}

	id, resolved := s.Resolver.Resolve(name, item.Version)
	if resolved {
		s.Counters.Resolved.Add(1)
		res.Identifier = id.String()
	} else {
		s.Counters.Unresolved.Add(1)
		id = cpe.NewApplication(cpe.Wildcard, cpe.NormalizeName(name), cpe.Wildcard)
	}

	var found []vulnlib.Record
	indexed := false
	if resolved {
		candidates := s.Store.LookupByIdentifier(id)
		indexed = len(candidates) > 0
		found = s.applicable(id, item.Version, candidates)
	}

	if !indexed && s.NVD != nil {
		s.Counters.RemoteLookups.Add(1)
		if rid, ok := s.Resolver.ResolveRemote(ctx, name, item.Version); ok {
			id = rid
			res.Identifier = rid.String()
			candidates := s.Store.LookupByIdentifier(rid)
			indexed = len(candidates) > 0
			found = s.applicable(rid, item.Version, candidates)

			if !indexed {
				recs, err := s.NVD.CVEsByCPE(ctx, rid, s.limit())
				if err != nil {
					s.Counters.Failures.Add(1)
					notes = append(notes, describe(err))
				}
				indexed = len(recs) > 0
				found = append(found, s.enrich(recs)...)
			}
		}
	}

	if !indexed {
		s.Counters.Fallbacks.Add(1)
		found = s.applicable(id, item.Version, s.Store.Search(name))

		if len(found) == 0 && s.NVD != nil && ctx.Err() == nil {
			recs, err := s.NVD.CVEsByKeyword(ctx, match.Keyword(item.Name), s.limit())
			if err != nil {
				s.Counters.Failures.Add(1)
				notes = append(notes, describe(err))
			}
			found = append(found, s.enrich(recs)...)
		}
	}

	res.Vulnerabilities = s.finish(item, id, found)

	if len(res.Vulnerabilities) == 0 && len(notes) == 0 {
		if ctx.Err() != nil {
			notes = append(notes, describe(ctx.Err()))
		} else if hint := match.Suggest(name, s.products); hint.Types == match.Similar {
			notes = append(notes, fmt.Sprintf("no match, closest known product is %q", hint.Product))
		}
	}
	res.Note = joinNotes(notes)

	logger.Debugf("%d findings", len(res.Vulnerabilities))
	return res
}

func joinNotes(notes []string) string {
	seen := make(map[string]struct{}, len(notes))
	out := ""
	for _, n := range notes {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		if out != "" {
			out += "; "
		}
		out += n
	}
	return out
}

// finish dedupes by id, settles labels, orders, caps and attaches hints.
// The action table wins over a hint shipped in the snapshot.
func (s *Scanner) finish(item inventory.Item, id cpe.Identifier, found []vulnlib.Record) []vulnlib.Record {
	seen := make(map[string]struct{}, len(found))
	out := make([]vulnlib.Record, 0, len(found))
	for _, r := range found {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		r.Normalize(s.Thresholds)
		out = append(out, r)
	}

	vulnlib.Sort(out)
	if s.Limit > 0 && len(out) > s.Limit {
		out = out[:s.Limit]
	}

	for i := range out {
		if s.Actions != nil {
			if v, ok := s.Actions.Lookup(item.Name, id); ok {
				out[i].RemediationHint = v
				continue
			}
		}
		if out[i].RemediationHint != "" {
			continue
		}
		if s.Actions == nil {
			out[i].RemediationHint = remediation.Generic
			continue
		}
		out[i].RemediationHint = s.Actions.Hint(item.Name, id, out[i].Label, out[i].KnownExploited)
	}
	return out
}
