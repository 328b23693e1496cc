package inventory

import (
	"context"
	"fmt"
	"path/filepath"

	rpmdb "github.com/knqyf263/go-rpmdb/pkg"
	log "github.com/sirupsen/logrus"
)

var rpmDBFiles = []string{
	"var/lib/rpm/rpmdb.sqlite",
	"var/lib/rpm/Packages.db",
	"var/lib/rpm/Packages",
	"usr/lib/sysimage/rpm/rpmdb.sqlite",
}

// RpmSource reads the first rpm database found below Root.
type RpmSource struct {
	Root string
}

func (s RpmSource) Name() string { return "rpm" }

func (s RpmSource) ListInstalled(ctx context.Context) ([]Item, error) {
	for _, dbPath := range rpmDBFiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rpmPath := filepath.Join(rootOf(s.Root), dbPath)
		items, err := listRpm(rpmPath, s.Name())
		if err != nil {
			log.Debugf("failed to open rpm database %s: %v", rpmPath, err)
			continue
		}
		return items, nil
	}

	return nil, fmt.Errorf("no rpm database under %s", rootOf(s.Root))
}

func listRpm(path, source string) ([]Item, error) {
	db, err := rpmdb.Open(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	pkgList, err := db.ListPackages()
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(pkgList))
	for _, pkg := range pkgList {
		version := pkg.Version
		if pkg.Release != "" {
			version += "-" + pkg.Release
		}
		if pkg.Epoch != nil && *pkg.Epoch > 0 {
			version = fmt.Sprintf("%d:%s", *pkg.Epoch, version)
		}
		items = append(items, Item{Name: pkg.Name, Version: version, Source: source})
	}
	return items, nil
}
