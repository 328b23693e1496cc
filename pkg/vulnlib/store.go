package vulnlib

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kvesta/quietpatch/pkg/cpe"
	"github.com/kvesta/quietpatch/pkg/severity"

	log "github.com/sirupsen/logrus"
)

const (
	CPEToCVEsFile = "cpe_to_cves.json"
	CVEMetaFile   = "cve_meta.json"
	KEVFile       = "kev.json"
	EPSSFile      = "epss.csv"
	AliasesFile   = "aliases.json"
	AffectsFile   = "affects.json"

	minKeywordLen = 3
)

// TableFiles lists every table a snapshot may carry.
var TableFiles = []string{CPEToCVEsFile, CVEMetaFile, KEVFile, EPSSFile, AliasesFile, AffectsFile}

var ErrStoreLoadFailure = errors.New("vulnerability store failed to load")

// Options tune a Store at load time.
type Options struct {
	Thresholds    severity.Thresholds
	VersionScheme string
}

// Store is immutable after Load and safe for concurrent readers.
type Store struct {
	Dir string

	records   map[string]*Record
	exact     map[string][]string
	byProduct map[string][]string
	byName    map[string][]string

	rangesByProduct map[string]map[string][]AffectedRange
	rangesByName    map[string]map[string][]AffectedRange

	aliases map[string]string

	kevCount   int
	epssCount  int
	rangeCount int

	compare Comparator
}

// Stats summarises the loaded tables.
type Stats struct {
	TotalCVEs         int `json:"total_cves"`
	KEVCount          int `json:"kev_count"`
	HighCriticalCount int `json:"high_critical_count"`
	EPSSCoverage      int `json:"epss_coverage"`
	VersionRules      int `json:"version_aware_rules"`
	Identifiers       int `json:"identifiers"`
	Aliases           int `json:"aliases"`
}

// keysFor splits a table key into its exact, vendor:product and product
// forms. Legacy tables key by plain application name.
func keysFor(key string) (exact, product, name string) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(strings.ToLower(key), "cpe:") {
		parts := strings.Split(key, ":")
		if len(parts) < 5 {
			return "", "", ""
		}
		vendor := strings.ToLower(parts[3])
		prod := strings.ToLower(parts[4])
		if cpe.Validate(key) {
			if id, err := cpe.Parse(key); err == nil {
				exact = id.String()
			}
		}
		if vendor == "" || vendor == cpe.Wildcard || vendor == "-" {
			vendor = cpe.Wildcard
		}
		return exact, vendor + ":" + prod, prod
	}

	return "", "", cpe.NormalizeName(key)
}

func appendUnique(m map[string][]string, key, id string) {
	if key == "" {
		return
	}
	for _, v := range m[key] {
		if v == id {
			return
		}
	}
	m[key] = append(m[key], id)
}

func readTable(dir, name string) ([]byte, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func loadFailure(table string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreLoadFailure, table, err)
}

// Load builds the store from a verified snapshot directory. Missing tables
// are empty, unreadable or malformed ones fail the load.
func Load(dir string, opts Options) (*Store, error) {
	if opts.Thresholds == (severity.Thresholds{}) {
		opts.Thresholds = severity.DefaultThresholds
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, loadFailure(dir, err)
	}
	if !info.IsDir() {
		return nil, loadFailure(dir, errors.New("not a directory"))
	}

	s := &Store{
		Dir:             dir,
		records:         make(map[string]*Record),
		exact:           make(map[string][]string),
		byProduct:       make(map[string][]string),
		byName:          make(map[string][]string),
		rangesByProduct: make(map[string]map[string][]AffectedRange),
		rangesByName:    make(map[string]map[string][]AffectedRange),
		aliases:         make(map[string]string),
		compare:         NewComparator(opts.VersionScheme),
	}

	logger := log.WithField("dir", dir)

	if data, ok, err := readTable(dir, CVEMetaFile); err != nil {
		return nil, loadFailure(CVEMetaFile, err)
	} else if ok {
		meta, err := parseMeta(data)
		if err != nil {
			return nil, loadFailure(CVEMetaFile, err)
		}
		s.records = meta
	} else {
		logger.Infof("table %s missing, treating as empty", CVEMetaFile)
	}

	if data, ok, err := readTable(dir, CPEToCVEsFile); err != nil {
		return nil, loadFailure(CPEToCVEsFile, err)
	} else if ok {
		m, err := parseCPEMap(data)
		if err != nil {
			return nil, loadFailure(CPEToCVEsFile, err)
		}
		s.index(m)
	} else {
		logger.Infof("table %s missing, treating as empty", CPEToCVEsFile)
	}

	if data, ok, err := readTable(dir, KEVFile); err != nil {
		return nil, loadFailure(KEVFile, err)
	} else if ok {
		kev, err := parseKEV(data)
		if err != nil {
			return nil, loadFailure(KEVFile, err)
		}
		s.kevCount = len(kev)
		for id, action := range kev {
			r, ok := s.records[id]
			if !ok {
				continue
			}
			r.KnownExploited = true
			if action != "" {
				r.KEVAction = action
			}
		}
	} else {
		logger.Debugf("table %s missing, treating as empty", KEVFile)
	}

	if f, err := os.Open(filepath.Join(dir, EPSSFile)); err == nil {
		epss, perr := parseEPSS(f)
		f.Close()
		if perr != nil {
			return nil, loadFailure(EPSSFile, perr)
		}
		s.epssCount = len(epss)
		for id, p := range epss {
			if r, ok := s.records[id]; ok {
				v := p
				r.ExploitProbability = &v
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, loadFailure(EPSSFile, err)
	} else {
		logger.Debugf("table %s missing, treating as empty", EPSSFile)
	}

	if data, ok, err := readTable(dir, AliasesFile); err != nil {
		return nil, loadFailure(AliasesFile, err)
	} else if ok {
		aliases, err := parseAliases(data)
		if err != nil {
			return nil, loadFailure(AliasesFile, err)
		}
		s.aliases = aliases
	}

	if data, ok, err := readTable(dir, AffectsFile); err != nil {
		return nil, loadFailure(AffectsFile, err)
	} else if ok {
		ranges, err := parseAffects(data)
		if err != nil {
			return nil, loadFailure(AffectsFile, err)
		}
		s.indexRanges(ranges)
	}

	for _, r := range s.records {
		r.Normalize(opts.Thresholds)
		sort.Strings(r.Products)
	}

	if len(s.records) == 0 {
		logger.Warnf("vulnerability store is empty, scans will yield no findings")
	}

	return s, nil
}

// record returns the entry for id, creating a bare one for ids only
// referenced by an auxiliary table.
func (s *Store) record(id string) *Record {
	r, ok := s.records[id]
	if !ok {
		r = &Record{ID: id, Source: "local_db"}
		s.records[id] = r
	}
	return r
}

func (s *Store) index(m map[string][]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		exact, product, name := keysFor(k)
		for _, id := range m[k] {
			r := s.record(id)
			appendUnique(s.exact, exact, id)
			appendUnique(s.byProduct, product, id)
			appendUnique(s.byName, name, id)

			if name != "" && !contains(r.Products, name) {
				r.Products = append(r.Products, name)
			}
		}
	}
}

func (s *Store) indexRanges(ranges []AffectedRange) {
	add := func(m map[string]map[string][]AffectedRange, key string, ar AffectedRange) {
		if key == "" {
			return
		}
		if m[key] == nil {
			m[key] = make(map[string][]AffectedRange)
		}
		m[key][ar.CVEID] = append(m[key][ar.CVEID], ar)
	}

	for _, ar := range ranges {
		_, product, name := keysFor(ar.Prefix)
		if product != "" && !strings.HasPrefix(product, cpe.Wildcard+":") {
			add(s.rangesByProduct, product, ar)
		}
		add(s.rangesByName, name, ar)
		s.rangeCount++
	}
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func (s *Store) copies(ids []string) []Record {
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LookupByIdentifier returns every record indexed under the identifier
// itself, its vendor/product pair or its product name, ordered by id.
func (s *Store) LookupByIdentifier(id cpe.Identifier) []Record {
	seen := make(map[string]struct{})
	var ids []string
	collect := func(list []string) {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			ids = append(ids, v)
		}
	}

	collect(s.exact[id.String()])
	if pk := id.ProductKey(); !strings.HasPrefix(pk, cpe.Wildcard+":") {
		collect(s.byProduct[pk])
	}
	collect(s.byProduct[cpe.Wildcard+":"+id.Product])
	collect(s.byName[id.Product])

	return s.copies(ids)
}

// LookupByAlias maps a display name onto its canonical product name.
func (s *Store) LookupByAlias(name string) (string, bool) {
	v, ok := s.aliases[strings.ToLower(strings.TrimSpace(name))]
	return v, ok
}

// Get returns one record by id.
func (s *Store) Get(id string) (Record, bool) {
	r, ok := s.records[strings.ToUpper(id)]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Ranges returns the version rules of a CVE for the identifier's product.
func (s *Store) Ranges(id cpe.Identifier, cveID string) []AffectedRange {
	if pk := id.ProductKey(); !strings.HasPrefix(pk, cpe.Wildcard+":") {
		if rs := s.rangesByProduct[pk][cveID]; len(rs) > 0 {
			return rs
		}
	}
	return s.rangesByName[id.Product][cveID]
}

// Applicable applies version-aware filtering. Without a rule the CVE hits
// every version of the product.
func (s *Store) Applicable(id cpe.Identifier, cveID, version string) bool {
	rules := s.Ranges(id, cveID)
	if len(rules) == 0 {
		return true
	}

	for _, r := range rules {
		if s.compare.InRange(version, r.Min, r.Max) {
			return true
		}
	}
	return false
}

// Search is the low-precision fallback: a case-insensitive substring match
// over summaries and product names.
func (s *Store) Search(keyword string) []Record {
	kw := strings.ToLower(strings.TrimSpace(keyword))
	if len(kw) < minKeywordLen {
		return nil
	}
	norm := cpe.NormalizeName(kw)

	var ids []string
	for id, r := range s.records {
		if strings.Contains(strings.ToLower(r.Summary), kw) {
			ids = append(ids, id)
			continue
		}
		for _, p := range r.Products {
			if p == norm || (norm != "" && strings.Contains(p, norm)) {
				ids = append(ids, id)
				break
			}
		}
	}
	return s.copies(ids)
}

// Products lists every known product and alias name.
func (s *Store) Products() []string {
	set := make(map[string]struct{}, len(s.byName)+len(s.aliases))
	for k := range s.byName {
		set[k] = struct{}{}
	}
	for k := range s.aliases {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Store) Stats() Stats {
	st := Stats{
		TotalCVEs:    len(s.records),
		KEVCount:     s.kevCount,
		EPSSCoverage: s.epssCount,
		VersionRules: s.rangeCount,
		Identifiers:  len(s.exact) + len(s.byName),
		Aliases:      len(s.aliases),
	}
	for _, r := range s.records {
		if r.Label == severity.High || r.Label == severity.Critical {
			st.HighCriticalCount++
		}
	}
	return st
}

// Empty is a store without data, valid but never matching.
func Empty() *Store {
	return &Store{
		records:         map[string]*Record{},
		exact:           map[string][]string{},
		byProduct:       map[string][]string{},
		byName:          map[string][]string{},
		rangesByProduct: map[string]map[string][]AffectedRange{},
		rangesByName:    map[string]map[string][]AffectedRange{},
		aliases:         map[string]string{},
		compare:         numericComparator{},
	}
}
