package vulnscan_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/kvesta/quietpatch/internal/policy"
	"github.com/kvesta/quietpatch/internal/remediation"
	"github.com/kvesta/quietpatch/internal/vulnscan"
	"github.com/kvesta/quietpatch/pkg/cpe"
	"github.com/kvesta/quietpatch/pkg/inventory"
	"github.com/kvesta/quietpatch/pkg/severity"
	"github.com/kvesta/quietpatch/pkg/vulnlib"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	fixtureCPEMap = `{
  "cpe:2.3:a:mozilla:firefox:*:*:*:*:*:*:*:*": ["CVE-2024-9680"],
  "cpe:2.3:a:foxit:pdf_reader:*:*:*:*:*:*:*:*": ["CVE-2023-0002"]
}`

	fixtureMeta = `{
  "CVE-2024-9680": {"cvss": 9.8, "description": "Use-after-free in animation timelines"},
  "CVE-2023-0002": {"cvss": 5.5, "description": "Foxit Reader heap overflow"}
}`

	fixtureKEV = `{"CVE-2024-9680": {"cisaRequiredAction": "Apply mitigations per vendor instructions."}}`

	fixtureAffects = `{
  "cpe:2.3:a:mozilla:firefox": {"CVE-2024-9680": {"min_version": "90.0", "max_version": "110.0"}}
}`
)

func loadStore(t *testing.T) *vulnlib.Store {
	t.Helper()

	dir := t.TempDir()
	for name, body := range map[string]string{
		vulnlib.CPEToCVEsFile: fixtureCPEMap,
		vulnlib.CVEMetaFile:   fixtureMeta,
		vulnlib.KEVFile:       fixtureKEV,
		vulnlib.AffectsFile:   fixtureAffects,
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}

	s, err := vulnlib.Load(dir, vulnlib.Options{})
	require.NoError(t, err)
	return s
}

func ids(records []vulnlib.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func TestCriticalKEVSurvivesPolicy(t *testing.T) {
	s := &vulnscan.Scanner{Store: loadStore(t), Actions: remediation.New(nil)}

	results, err := s.Correlate(context.Background(), []inventory.Item{{Name: "Firefox", Version: "100.0"}})
	require.NoError(t, err)
	require.Len(t, results, 1)

	got := results[0]
	require.Len(t, got.Vulnerabilities, 1)
	v := got.Vulnerabilities[0]
	assert.Equal(t, "CVE-2024-9680", v.ID)
	assert.Equal(t, severity.Critical, v.Label)
	assert.True(t, v.KnownExploited)
	assert.Equal(t, "brew upgrade --cask firefox || brew install --cask firefox", v.RemediationHint)
	assert.NotEmpty(t, got.Identifier)

	kept, err := policy.Apply(results, policy.Default())
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, severity.Rank(severity.Critical), kept[0].Rollup())
}

func TestNoMatchIsDropped(t *testing.T) {
	s := &vulnscan.Scanner{Store: vulnlib.Empty()}

	results, err := s.Correlate(context.Background(), []inventory.Item{{Name: "Firefox", Version: "100.0"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Vulnerabilities)

	p := policy.Default()
	p.MinSeverity = severity.Low
	p.OnlyWithFindings = true

	kept, err := policy.Apply(results, p)
	require.NoError(t, err)
	assert.Empty(t, kept)
}

func TestVersionRanges(t *testing.T) {
	s := &vulnscan.Scanner{Store: loadStore(t)}

	tests := []struct {
		version string
		want    []string
	}{
		{version: "89.9", want: []string{}},
		{version: "90.0", want: []string{"CVE-2024-9680"}},
		{version: "110.0", want: []string{"CVE-2024-9680"}},
		{version: "120.0", want: []string{}},
		{version: "nightly", want: []string{"CVE-2024-9680"}},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			results, err := s.Correlate(context.Background(), []inventory.Item{{Name: "Firefox", Version: tt.version}})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(results[0].Vulnerabilities))
		})
	}
}

func TestKeywordFallbackAndSuggestion(t *testing.T) {
	s := &vulnscan.Scanner{Store: loadStore(t)}

	results, err := s.Correlate(context.Background(), []inventory.Item{
		{Name: "Foxit Reader", Version: "12.1"},
		{Name: "Firefx", Version: "1.0"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, []string{"CVE-2023-0002"}, ids(results[0].Vulnerabilities))
	assert.Equal(t, remediation.Generic, results[0].Vulnerabilities[0].RemediationHint)

	assert.Empty(t, results[1].Vulnerabilities)
	assert.Contains(t, results[1].Note, `"firefox"`)
}

func TestFilterIsApplied(t *testing.T) {
	p := policy.Default()
	p.Deny = []string{"firefox"}
	s := &vulnscan.Scanner{Store: loadStore(t), Filter: &p}

	results, err := s.Correlate(context.Background(), []inventory.Item{
		{Name: "Firefox", Version: "100.0"},
		{Name: "Foxit Reader", Version: "12.1"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Foxit Reader", results[0].Item.Name)
}

type fakeSearcher struct {
	hits []string
}

func (f fakeSearcher) SearchCPE(context.Context, string) ([]string, error) {
	return f.hits, nil
}

type fakeNVD struct {
	byCPE     []vulnlib.Record
	byKeyword []vulnlib.Record
	err       error
}

func (f fakeNVD) CVEsByCPE(context.Context, cpe.Identifier, int) ([]vulnlib.Record, error) {
	return f.byCPE, f.err
}

func (f fakeNVD) CVEsByKeyword(context.Context, string, int) ([]vulnlib.Record, error) {
	return f.byKeyword, f.err
}

func TestOnlineLookup(t *testing.T) {
	score := 7.5
	searcher := fakeSearcher{hits: []string{"not-a-cpe", "cpe:2.3:a:acme:editor:2.0:*:*:*:*:*:*:*"}}

	t.Run("byIdentifier", func(t *testing.T) {
		s := &vulnscan.Scanner{
			Store:    loadStore(t),
			Resolver: cpe.NewResolver(nil, searcher),
			NVD:      fakeNVD{byCPE: []vulnlib.Record{{ID: "CVE-2024-5555", Score: &score, Source: "nvd"}}},
		}

		results, err := s.Correlate(context.Background(), []inventory.Item{{Name: "Acme Editor", Version: "2.0"}})
		require.NoError(t, err)
		require.Len(t, results[0].Vulnerabilities, 1)
		assert.Equal(t, "cpe:2.3:a:acme:editor:2.0:*:*:*:*:*:*:*", results[0].Identifier)
		assert.Equal(t, severity.High, results[0].Vulnerabilities[0].Label)
		assert.Equal(t, severity.SourceCVSS, results[0].Vulnerabilities[0].SeveritySource)
		assert.Empty(t, results[0].Note)
	})

	t.Run("rateLimited", func(t *testing.T) {
		s := &vulnscan.Scanner{
			Store:    loadStore(t),
			Resolver: cpe.NewResolver(nil, searcher),
			NVD:      fakeNVD{err: fmt.Errorf("wrapped: %w", vulnlib.ErrRateLimited)},
		}

		results, err := s.Correlate(context.Background(), []inventory.Item{{Name: "Acme Editor", Version: "2.0"}})
		require.NoError(t, err)
		assert.Empty(t, results[0].Vulnerabilities)
		assert.Equal(t, "online lookup rate limited", results[0].Note)
		assert.Equal(t, int64(2), s.Counters.Failures.Load())
	})

	t.Run("remoteGetsLocalKEV", func(t *testing.T) {
		s := &vulnscan.Scanner{
			Store:    loadStore(t),
			Resolver: cpe.NewResolver(nil, searcher),
			NVD:      fakeNVD{byCPE: []vulnlib.Record{{ID: "CVE-2024-9680", Score: &score, Source: "nvd"}}},
		}

		results, err := s.Correlate(context.Background(), []inventory.Item{{Name: "Acme Editor", Version: "2.0"}})
		require.NoError(t, err)
		require.Len(t, results[0].Vulnerabilities, 1)
		v := results[0].Vulnerabilities[0]
		assert.True(t, v.KnownExploited)
		assert.Equal(t, "Apply mitigations per vendor instructions.", v.KEVAction)
		assert.Equal(t, "nvd", v.Source)
	})

	t.Run("localHitSkipsRemote", func(t *testing.T) {
		s := &vulnscan.Scanner{
			Store:    loadStore(t),
			Resolver: cpe.NewResolver(nil, searcher),
			NVD:      fakeNVD{err: vulnlib.ErrNVDResponse},
		}

		results, err := s.Correlate(context.Background(), []inventory.Item{{Name: "Firefox", Version: "100.0"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"CVE-2024-9680"}, ids(results[0].Vulnerabilities))
		assert.Empty(t, results[0].Note)
		assert.Equal(t, int64(0), s.Counters.RemoteLookups.Load())
	})
}

func TestLimitAndDedupe(t *testing.T) {
	a, b := 4.0, 9.0
	s := &vulnscan.Scanner{
		Store:    vulnlib.Empty(),
		Resolver: cpe.NewResolver(nil, fakeSearcher{hits: []string{"cpe:2.3:a:acme:editor:2.0:*:*:*:*:*:*:*"}}),
		NVD: fakeNVD{byCPE: []vulnlib.Record{
			{ID: "CVE-1", Score: &a},
			{ID: "CVE-2", Score: &b},
			{ID: "CVE-1", Score: &b},
			{ID: "CVE-3", Score: &a},
		}},
		Limit: 2,
	}

	results, err := s.Correlate(context.Background(), []inventory.Item{{Name: "Acme Editor", Version: "2.0"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"CVE-2", "CVE-1"}, ids(results[0].Vulnerabilities))
}

func TestCancelledScanKeepsEveryItem(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &vulnscan.Scanner{Store: loadStore(t)}
	items := []inventory.Item{{Name: "Firefox", Version: "100.0"}, {Name: "Foxit Reader", Version: "12.1"}}

	results, err := s.Correlate(ctx, items)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for i, r := range results {
		assert.Equal(t, items[i], r.Item)
		assert.Empty(t, r.Vulnerabilities)
		assert.NotEmpty(t, r.Note)
	}
}

func TestResultsKeepInputOrder(t *testing.T) {
	s := &vulnscan.Scanner{Store: loadStore(t), Workers: 3}

	var items []inventory.Item
	for i := 0; i < 40; i++ {
		items = append(items, inventory.Item{Name: fmt.Sprintf("app-%02d", i), Version: "1.0"})
	}
	items = append(items, inventory.Item{Name: "Firefox", Version: "100.0"})

	results, err := s.Correlate(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, results, len(items))
	for i := range items {
		assert.Equal(t, items[i].Name, results[i].Item.Name)
	}
	assert.Len(t, results[40].Vulnerabilities, 1)
	assert.Equal(t, int64(len(items)), s.Counters.Items.Load())
}

func TestNilStore(t *testing.T) {
	s := &vulnscan.Scanner{}
	_, err := s.Correlate(context.Background(), nil)
	assert.ErrorIs(t, err, vulnlib.ErrStoreLoadFailure)
}

func TestActionTableBeatsSnapshotHint(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		vulnlib.CPEToCVEsFile: fixtureCPEMap,
		vulnlib.CVEMetaFile: `{
  "CVE-2024-9680": {"cvss": 9.8, "description": "Use-after-free", "remediation_hint": "snapshot says update firefox"},
  "CVE-2023-0002": {"cvss": 5.5, "description": "Foxit Reader heap overflow", "remediation_hint": "snapshot says update foxit"}
}`,
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	store, err := vulnlib.Load(dir, vulnlib.Options{})
	require.NoError(t, err)

	s := &vulnscan.Scanner{
		Store:   store,
		Actions: remediation.New(map[string]string{
			"firefox":         "managed by IT, open a ticket",
			"mozilla:firefox": "managed by IT, open a ticket",
		}),
	}

	results, err := s.Correlate(context.Background(), []inventory.Item{
		{Name: "Firefox", Version: "100.0"},
		{Name: "Foxit Reader", Version: "12.1"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.Len(t, results[0].Vulnerabilities, 1)
	assert.Equal(t, "managed by IT, open a ticket", results[0].Vulnerabilities[0].RemediationHint)

	require.Len(t, results[1].Vulnerabilities, 1)
	assert.Equal(t, "snapshot says update foxit", results[1].Vulnerabilities[0].RemediationHint)
}

type panickyActions struct {
	app string
}

func (p panickyActions) Lookup(appName string, _ cpe.Identifier) (string, bool) {
	if appName == p.app {
		panic("action table corrupted")
	}
	return "", false
}

func (p panickyActions) Hint(string, cpe.Identifier, string, bool) string {
	return "update it"
}

func TestPanickingItemKeepsBatch(t *testing.T) {
	s := &vulnscan.Scanner{Store: loadStore(t), Actions: panickyActions{app: "Firefox"}, Workers: 1}

	results, err := s.Correlate(context.Background(), []inventory.Item{
		{Name: "Firefox", Version: "100.0"},
		{Name: "Foxit Reader", Version: "12.1"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "Firefox", results[0].Item.Name)
	assert.Empty(t, results[0].Vulnerabilities)
	assert.Contains(t, results[0].Note, "action table corrupted")
	assert.Equal(t, int64(1), s.Counters.Failures.Load())

	require.Len(t, results[1].Vulnerabilities, 1)
	assert.Equal(t, "update it", results[1].Vulnerabilities[0].RemediationHint)
}
