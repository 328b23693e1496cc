package internal

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kvesta/quietpatch/config"
	"github.com/kvesta/quietpatch/internal/policy"
	"github.com/kvesta/quietpatch/internal/remediation"
	"github.com/kvesta/quietpatch/internal/report"
	"github.com/kvesta/quietpatch/internal/vulnscan"
	"github.com/kvesta/quietpatch/pkg/cpe"
	"github.com/kvesta/quietpatch/pkg/snapshot"
	"github.com/kvesta/quietpatch/pkg/vulnlib"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
)

func snapshotOptions(s *config.Settings) snapshot.Options {
	return snapshot.Options{
		DataDir: s.DataDir,
		PubKeys: s.PubKeys,
		Store:   vulnlib.Options{VersionScheme: s.VersionScheme},
	}
}

// openCache layers memory over the sqlite cache, or memory alone when the
// cache file cannot be opened.
func openCache(s *config.Settings) (cpe.Cache, func()) {
	path := s.ResolverCacheFile()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Warnf("failed to create cache directory: %v", err)
		return cpe.NewMemoryCache(), func() {}
	}

	persist, err := cpe.OpenSQLiteCache(path)
	if err != nil {
		log.Warnf("failed to open resolver cache %s, using memory only: %v", path, err)
		return cpe.NewMemoryCache(), func() {}
	}
	return cpe.NewLayeredCache(persist), func() { _ = persist.Close() }
}

// DoScan runs inventory, correlation, policy and reporting in that order.
// Store and snapshot problems stop it before any item is looked at.
func DoScan(ctx context.Context, s *config.Settings, opts ScanOptions, stdout io.Writer) error {
	start := time.Now()

	pol, err := policy.Load(firstNonEmpty(opts.PolicyFile, s.PolicyFile))
	if err != nil {
		return err
	}

	h, err := snapshot.Open(snapshotOptions(s))
	if err != nil {
		return err
	}
	log.Infof("Loaded vulnerability database %s (epoch %d)", config.Cyan(h.Manifest.SnapshotDate), h.Manifest.Epoch)

	actions, err := remediation.Load(s.ActionsFile)
	if err != nil {
		return err
	}

	items, err := listInventory(ctx, opts)
	if err != nil {
		return err
	}

	cache, closeCache := openCache(s)
	defer closeCache()

	scanner := &vulnscan.Scanner{
		Store:       h.Store,
		Filter:      &pol,
		Actions:     actions,
		Workers:     s.Workers,
		ItemTimeout: s.ItemTimeout,
		Limit:       pol.LimitPerItem,
	}

	if s.Online {
		client := vulnlib.NewClient(s.NVDAPIKey, s.RequestTimeout, s.EffectiveThrottle())
		scanner.Resolver = cpe.NewResolver(cache, client)
		scanner.NVD = client
		log.Info(config.Yellow("Online mode: unmatched applications are looked up on NVD"))
	} else {
		scanner.Resolver = cpe.NewResolver(cache, nil)
	}

	results, err := scanner.Correlate(ctx, items)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	reported, err := policy.Apply(results, pol)
	if err != nil {
		return err
	}

	meta := report.NewMeta(h.Manifest.SnapshotDate, h.Manifest.Epoch, s.Online)
	if !opts.Quiet {
		report.ResolveScanData(stdout, reported, meta)
	}

	if opts.Output != "" {
		if _, err := report.ScanToJson(opts.Output, reported, pol, meta); err != nil {
			return fmt.Errorf("save report: %w", err)
		}
	}
	if opts.CSV != "" {
		if err := report.ScanToCSV(opts.CSV, reported); err != nil {
			return fmt.Errorf("save csv: %w", err)
		}
	}
	if opts.MetricsFile != "" {
		m := report.NewMetrics()
		m.Observe(&scanner.Counters, reported, time.Since(start), meta)
		if err := m.WriteTextfile(opts.MetricsFile); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}

	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// DoInstall verifies and installs a snapshot archive.
func DoInstall(ctx context.Context, s *config.Settings, archive, sig string, allowDowngrade bool, stdout io.Writer) error {
	opts := snapshotOptions(s)
	opts.AllowDowngrade = allowDowngrade

	log.Infof(config.Green("Verifying %s"), archive)
	h, err := snapshot.VerifyAndLoad(ctx, archive, sig, opts)
	if err != nil {
		return err
	}

	st := h.Store.Stats()
	fmt.Fprintf(stdout, "Installed snapshot %s (epoch %d): %s CVEs, %s known exploited\n",
		config.Cyan(h.Manifest.SnapshotDate), h.Manifest.Epoch,
		config.Yellow(st.TotalCVEs), config.Red(st.KEVCount))
	return nil
}

// DoStatus prints what is installed.
func DoStatus(s *config.Settings, stdout io.Writer) error {
	st := snapshot.ReadStatus(snapshotOptions(s))

	if !st.Installed {
		fmt.Fprintf(stdout, "No snapshot installed in %s\n", s.DataDir)
		return nil
	}

	fmt.Fprintf(stdout, "Snapshot directory: %s\n", st.Dir)
	if st.Manifest != nil {
		fmt.Fprintf(stdout, "Snapshot date:      %s\n", config.Cyan(st.Manifest.SnapshotDate))
		fmt.Fprintf(stdout, "Epoch:              %d\n", st.Manifest.Epoch)
		fmt.Fprintf(stdout, "Generated at:       %s\n", st.Manifest.GeneratedAt)
	}
	if st.State.TS > 0 {
		fmt.Fprintf(stdout, "Installed at:       %s\n", time.Unix(st.State.TS, 0).UTC().Format(time.RFC3339))
	}
	if st.Locked {
		fmt.Fprintf(stdout, "%s\n", config.Yellow("An install is in progress"))
	}
	return nil
}

// DoStats prints the store summary.
func DoStats(s *config.Settings, stdout io.Writer) error {
	h, err := snapshot.Open(snapshotOptions(s))
	if err != nil {
		return err
	}
	st := h.Store.Stats()

	table := tablewriter.NewWriter(stdout)
	table.SetHeader([]string{"Metric", "Value"})
	table.AppendBulk([][]string{
		{"Total CVEs", fmt.Sprint(st.TotalCVEs)},
		{"Known exploited", fmt.Sprint(st.KEVCount)},
		{"High or critical", fmt.Sprint(st.HighCriticalCount)},
		{"EPSS coverage", fmt.Sprint(st.EPSSCoverage)},
		{"Version-aware rules", fmt.Sprint(st.VersionRules)},
		{"Identifiers", fmt.Sprint(st.Identifiers)},
		{"Aliases", fmt.Sprint(st.Aliases)},
	})
	table.Render()
	return nil
}

// BuildOptions drive `db build`.
type BuildOptions struct {
	Source   string
	Out      string
	Epoch    int
	Date     string
	Key      string
	Password string
}

// DoBuild packs and optionally signs a snapshot.
func DoBuild(opts BuildOptions, stdout io.Writer) error {
	m, err := snapshot.Build(opts.Source, opts.Out, snapshot.Manifest{Epoch: opts.Epoch, SnapshotDate: opts.Date})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Built %s with %d tables\n", opts.Out, len(m.Files))

	if opts.Key == "" {
		log.Warnf("snapshot %s is unsigned", opts.Out)
		return nil
	}

	priv, err := snapshot.LoadPrivateKey(opts.Key, opts.Password)
	if err != nil {
		return err
	}
	sig, err := snapshot.Sign(priv, opts.Out)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Signature written to %s\n", sig)
	return nil
}

// DoKeygen writes a fresh signing key pair into dir.
func DoKeygen(dir string, stdout io.Writer) error {
	pub, priv, err := snapshot.GenerateKey()
	if err != nil {
		return err
	}
	secret, err := priv.MarshalText()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	pubPath := filepath.Join(dir, "quietpatch.pub")
	keyPath := filepath.Join(dir, "quietpatch.key")
	if err := os.WriteFile(keyPath, secret, 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(pubPath, []byte(pub), 0o644); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Public key:  %s\nSecret key:  %s\n", pubPath, keyPath)
	return nil
}

// ClearCache empties the persistent resolver cache.
func ClearCache(s *config.Settings) error {
	path := s.ResolverCacheFile()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	c, err := cpe.OpenSQLiteCache(path)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Clear()
}
