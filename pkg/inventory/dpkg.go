package inventory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	dpkgStatus   = "var/lib/dpkg/status"
	apkInstalled = "lib/apk/db/installed"
)

// DpkgSource reads the dpkg status file and the apk installed database
// below Root.
type DpkgSource struct {
	Root string
}

func (s DpkgSource) Name() string { return "dpkg" }

func (s DpkgSource) ListInstalled(ctx context.Context) ([]Item, error) {
	var items []Item
	found := false

	for _, rel := range []string{dpkgStatus, apkInstalled} {
		if err := ctx.Err(); err != nil {
			return items, err
		}

		data, err := os.ReadFile(filepath.Join(rootOf(s.Root), rel))
		if err != nil {
			if !os.IsNotExist(err) {
				log.Debugf("failed to read %s: %v", rel, err)
			}
			continue
		}
		found = true
		items = append(items, parseStanzas(string(data), s.Name())...)
	}

	if !found {
		return nil, fmt.Errorf("no dpkg or apk database under %s", rootOf(s.Root))
	}
	return items, nil
}

func rootOf(root string) string {
	if root == "" {
		return "/"
	}
	return root
}

// parseStanzas reads blank-line separated package records. dpkg uses
// Package/Version/Status, apk uses P/V.
func parseStanzas(db, source string) []Item {
	var items []Item

	packs := strings.Split(strings.ReplaceAll(db, "\r\n", "\n"), "\n\n")
	for _, pe := range packs {
		if len(strings.TrimSpace(pe)) < 1 {
			continue
		}

		p := Item{Source: source}
		installed := true
		for _, l := range strings.Split(pe, "\n") {
			k, v, ok := strings.Cut(l, ":")
			if !ok || strings.HasPrefix(l, " ") {
				continue
			}
			v = strings.TrimSpace(v)

			switch k {
			// For ubuntu/debian
			case "Package":
				p.Name = v
			case "Version":
				p.Version = v
			case "Status":
				installed = strings.HasSuffix(v, " installed")

			// For alpine linux
			case "P":
				p.Name = v
			case "V":
				p.Version = v
			}
		}

		if p.Name == "" || !installed {
			continue
		}
		items = append(items, p)
	}
	return items
}
