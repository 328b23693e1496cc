package remediation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kvesta/quietpatch/pkg/cpe"
	"github.com/kvesta/quietpatch/pkg/severity"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const Generic = "Open the app → Check built-in updater or vendor site for updates."

const (
	mau         = `"/Library/Application Support/Microsoft/MAU2.0/Microsoft AutoUpdate.app/Contents/MacOS/msupdate" --install --apps `
	macOSUpdate = "softwareupdate -l && sudo softwareupdate -ia"
)

func cask(name string) string {
	return fmt.Sprintf("brew upgrade --cask %s || brew install --cask %s", name, name)
}

// defaultActions are keyed by application name or vendor:product.
var defaultActions = map[string]string{
	"safari":               macOSUpdate,
	"apple:safari":         macOSUpdate,
	"numbers":              macOSUpdate,
	"pages":                macOSUpdate,
	"keynote":              macOSUpdate,
	"microsoft word":       mau + "WORD",
	"microsoft:word":       mau + "WORD",
	"microsoft excel":      mau + "XCEL",
	"microsoft:excel":      mau + "XCEL",
	"microsoft powerpoint": mau + "PPT3",
	"microsoft:powerpoint": mau + "PPT3",
	"onedrive":             mau + "ONDR",
	"microsoft:onedrive":   mau + "ONDR",
	"zoom":                 cask("zoom"),
	"zoom:zoom":            cask("zoom"),
	"wireshark":            cask("wireshark"),
	"wireshark:wireshark":  cask("wireshark"),
	"firefox":              cask("firefox"),
	"mozilla:firefox":      cask("firefox"),
	"openvpn connect":      cask("openvpn-connect"),
	"openvpn:connect":      cask("openvpn-connect"),
	"raycast":              cask("raycast"),
	"raycast:raycast":      cask("raycast"),
	"discord":              "open https://discord.com/download",
	"discord:discord":      "open https://discord.com/download",
	"pdfgear":              "open https://pdfgear.com/download",
	"pdfgear:pdfgear":      "open https://pdfgear.com/download",
}

// Provider answers "how do I fix this app".
type Provider struct {
	actions map[string]string
}

func New(overrides map[string]string) *Provider {
	p := &Provider{actions: make(map[string]string, len(defaultActions)+len(overrides))}
	for k, v := range defaultActions {
		p.actions[k] = v
	}
	for k, v := range overrides {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || strings.TrimSpace(v) == "" {
			continue
		}
		p.actions[k] = v
	}
	return p
}

// Load merges an action table over the defaults. The format follows the
// extension: .toml for TOML, anything else is YAML. A missing file is not
// an error.
func Load(path string) (*Provider, error) {
	if path == "" {
		return New(nil), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debugf("actions file %s not found, using built-in actions", path)
			return New(nil), nil
		}
		return nil, fmt.Errorf("read actions: %w", err)
	}

	table := map[string]string{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &table); err != nil {
			return nil, fmt.Errorf("parse actions %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &table); err != nil {
			return nil, fmt.Errorf("parse actions %s: %w", path, err)
		}
	}

	return New(table), nil
}

// Lookup checks the action table by vendor:product first, then by name.
func (p *Provider) Lookup(appName string, id cpe.Identifier) (string, bool) {
	if p == nil {
		return "", false
	}
	if !id.IsZero() && id.Vendor != cpe.Wildcard && id.Product != "" {
		if v, ok := p.actions[strings.ToLower(id.Vendor+":"+id.Product)]; ok {
			return v, true
		}
	}
	if v, ok := p.actions[strings.ToLower(strings.TrimSpace(appName))]; ok {
		return v, true
	}
	return "", false
}

// Hint picks the table action, then a severity aware heuristic, then the
// generic advice.
func (p *Provider) Hint(appName string, id cpe.Identifier, label string, kev bool) string {
	if v, ok := p.Lookup(appName, id); ok {
		return v
	}
	if v := heuristic(appName, label, kev); v != "" {
		return v
	}
	return Generic
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func heuristic(appName, label string, kev bool) string {
	app := strings.ToLower(appName)

	switch {
	case label == severity.Critical || kev:
		switch {
		case strings.Contains(app, "firefox"):
			return "brew upgrade firefox || Download latest from mozilla.org"
		case strings.Contains(app, "wireshark"):
			return "brew upgrade wireshark || Download from wireshark.org"
		case strings.Contains(app, "pdfgear"):
			return "Update PDFgear immediately - critical RCE vulnerability"
		}
		return "Update immediately - critical vulnerability actively exploited"
	case label == severity.High:
		switch {
		case strings.Contains(app, "safari"):
			return "Update macOS to latest version (Safari updates included)"
		case containsAny(app, "microsoft", "word", "excel"):
			return "Update Microsoft Office via AutoUpdate or download latest"
		case strings.Contains(app, "zoom"):
			return "Update Zoom client from zoom.us/download"
		case strings.Contains(app, "openvpn"):
			return "Update OpenVPN Connect from openvpn.net"
		}
		return "Update to latest version - high severity vulnerability"
	case label == severity.Medium:
		switch {
		case containsAny(app, "numbers", "pages", "keynote"):
			return "Update macOS to latest version (iWork updates included)"
		case strings.Contains(app, "discord"):
			return "Update Discord client - restart app to trigger update"
		case strings.Contains(app, "onedrive"):
			return "Update OneDrive via Microsoft AutoUpdate"
		}
		return "Update when convenient - medium severity vulnerability"
	case label == severity.Low:
		return "Monitor for updates - low risk vulnerability"
	}
	return ""
}
