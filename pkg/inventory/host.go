package inventory

import (
	"context"

	"github.com/kvesta/quietpatch/pkg/osrelease"

	log "github.com/sirupsen/logrus"
)

// HostSource picks the package database from the release files below
// Root. Unknown distributions try every database.
type HostSource struct {
	Root string
}

func (s HostSource) Name() string { return "host" }

func (s HostSource) sources() []Source {
	osv := osrelease.DetectOs(rootOf(s.Root))
	log.Debugf("host family %q", osv.Family())

	switch osv.Family() {
	case osrelease.FamilyDpkg, osrelease.FamilyApk:
		return []Source{DpkgSource{Root: s.Root}}
	case osrelease.FamilyRpm:
		return []Source{RpmSource{Root: s.Root}}
	case osrelease.FamilyPacman:
		return []Source{PacmanSource{Root: s.Root}}
	}
	return []Source{DpkgSource{Root: s.Root}, RpmSource{Root: s.Root}, PacmanSource{Root: s.Root}}
}

func (s HostSource) ListInstalled(ctx context.Context) ([]Item, error) {
	return Multi(s.sources()...).ListInstalled(ctx)
}
