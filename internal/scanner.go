package internal

import (
	"context"
	"fmt"
	"strings"

	"github.com/kvesta/quietpatch/config"
	"github.com/kvesta/quietpatch/pkg/inventory"

	log "github.com/sirupsen/logrus"
)

// ScanOptions are the per-invocation inputs of a scan.
type ScanOptions struct {
	Inventory   string
	Sources     []string
	Root        string
	Kubeconfig  string
	Node        string
	PolicyFile  string
	Output      string
	CSV         string
	MetricsFile string
	Quiet       bool
}

// buildSource maps the requested inventory kinds to sources. The closers
// release clients opened on the way.
func buildSource(opts ScanOptions) (inventory.Source, []func() error, error) {
	var sources []inventory.Source
	var closers []func() error

	if opts.Inventory != "" {
		sources = append(sources, inventory.FileSource{Path: opts.Inventory})
	}

	kinds := opts.Sources
	if len(kinds) == 0 && opts.Inventory == "" {
		kinds = []string{"host"}
	}

	for _, kind := range kinds {
		switch strings.ToLower(strings.TrimSpace(kind)) {
		case "host":
			sources = append(sources, inventory.HostSource{Root: opts.Root})
		case "dpkg", "apk":
			sources = append(sources, inventory.DpkgSource{Root: opts.Root})
		case "rpm":
			sources = append(sources, inventory.RpmSource{Root: opts.Root})
		case "pacman":
			sources = append(sources, inventory.PacmanSource{Root: opts.Root})
		case "docker":
			ds, closer, err := inventory.NewDockerSource()
			if err != nil {
				return nil, closers, fmt.Errorf("docker source: %w", err)
			}
			sources = append(sources, ds)
			closers = append(closers, closer)
		case "kube", "k8s":
			kc, err := inventory.NewKubeClient(opts.Kubeconfig)
			if err != nil {
				return nil, closers, fmt.Errorf("kube source: %w", err)
			}
			sources = append(sources, &inventory.KubeSource{KClient: kc, Node: opts.Node})
		default:
			return nil, closers, fmt.Errorf("unknown inventory source %q", kind)
		}
	}

	return inventory.Multi(sources...), closers, nil
}

func listInventory(ctx context.Context, opts ScanOptions) ([]inventory.Item, error) {
	src, closers, err := buildSource(opts)
	defer func() {
		for _, c := range closers {
			_ = c()
		}
	}()
	if err != nil {
		return nil, err
	}

	log.Infof(config.Green("Collecting installed applications from %s"), src.Name())
	items, err := src.ListInstalled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list installed applications: %w", err)
	}
	log.Infof("Found %s applications", config.Yellow(len(items)))
	return items, nil
}
