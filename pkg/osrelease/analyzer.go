package osrelease

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Reference https://manpages.ubuntu.com/manpages/bionic/zh_TW/man5/os-release.5.html
var paths = []string{"etc/os-release", "etc/centos-release", "etc/photon-release", "usr/lib/os-release"}

var versionRegex = regexp.MustCompile(`(\d+\.)?(\d+\.)?(\*|\d+)$`)

// Package database families.
const (
	FamilyDpkg   = "dpkg"
	FamilyApk    = "apk"
	FamilyRpm    = "rpm"
	FamilyPacman = "pacman"
)

type OsVersion struct {
	NAME       string `json:"name"`
	OID        string `json:"oid"`
	IDLike     string `json:"id_like,omitempty"`
	VERSION    string `json:"version"`
	VERSION_ID string `json:"version_id"`
}

var families = map[string]string{
	"debian":    FamilyDpkg,
	"ubuntu":    FamilyDpkg,
	"alpine":    FamilyApk,
	"centos":    FamilyRpm,
	"rhel":      FamilyRpm,
	"ol":        FamilyRpm,
	"fedora":    FamilyRpm,
	"rocky":     FamilyRpm,
	"almalinux": FamilyRpm,
	"amzn":      FamilyRpm,
	"photon":    FamilyRpm,
	"suse":      FamilyRpm,
	"opensuse":  FamilyRpm,
	"arch":      FamilyPacman,
	"manjaro":   FamilyPacman,
}

// Family maps the distribution to its package database, checking ID and
// then ID_LIKE. Unknown distributions return "".
func (o *OsVersion) Family() string {
	ids := append([]string{o.OID}, strings.Fields(o.IDLike)...)
	for _, id := range ids {
		if f, ok := families[strings.ToLower(id)]; ok {
			return f
		}
	}
	return ""
}

// DetectOs reads the release files below root.
func DetectOs(root string) *OsVersion {
	osv := &OsVersion{
		NAME: "Linux",
		OID:  "linux",
	}

	for _, n := range paths {
		data, err := os.ReadFile(filepath.Join(root, n))
		if err != nil {
			continue
		}
		config := string(data)
		if strings.TrimSpace(config) != "" {
			osv = getOs(config, n)
			break
		}
	}

	log.Debugf("detected os %s %s", osv.NAME, osv.VERSION_ID)
	return osv
}

func parse(config, path string) map[string]string {
	lines := strings.Split(config, "\n")
	m := make(map[string]string)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		switch path {
		case "etc/os-release", "usr/lib/os-release":
			k, v, ok := strings.Cut(line, "=")
			if ok {
				m[k] = strings.Trim(v, `"'`)
			}
		case "etc/centos-release":
			m["NAME"] = "CentOS Linux"
			m["ID"] = "centos"
			for _, w := range strings.Fields(line) {
				if v := versionRegex.FindString(w); v != "" && v == w {
					m["VERSION_ID"] = v
					break
				}
			}
		case "etc/photon-release":
			if k, v, ok := strings.Cut(line, "="); ok {
				m[strings.TrimSpace(k)] = strings.TrimSpace(v)
			} else {
				m["NAME"] = "VMware Photon OS"
				m["ID"] = "photon"
				m["VERSION_ID"] = versionRegex.FindString(line)
			}
		}
	}
	return m
}

func getOs(config, path string) *OsVersion {
	osv := &OsVersion{
		NAME: "Linux",
		OID:  "linux",
	}
	for k, v := range parse(config, path) {
		switch k {
		case "NAME":
			osv.NAME = v
		case "ID":
			osv.OID = v
		case "ID_LIKE":
			osv.IDLike = v
		case "VERSION":
			osv.VERSION = v
		case "VERSION_ID":
			osv.VERSION_ID = v
		}
	}
	return osv
}
