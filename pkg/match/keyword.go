package match

import (
	"sort"
	"strings"
)

var (
	knownKeywords = map[string]string{
		"google chrome":      "chrome",
		"microsoft word":     "word",
		"visual studio code": "vscode",
		"adobe acrobat":      "acrobat",
		"zoom":               "zoom",
		"vlc":                "vlc",
		"firefox":            "firefox",
		"safari":             "safari",
		"outlook":            "outlook",
	}

	knownNames = func() []string {
		names := make([]string, 0, len(knownKeywords))
		for k := range knownKeywords {
			names = append(names, k)
		}
		sort.Strings(names)
		return names
	}()
)

// Keyword reduces an application name to a search keyword.
func Keyword(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return ""
	}
	if k, ok := knownKeywords[n]; ok {
		return k
	}
	if c, _ := Closest(n, knownNames, 0.6); c != "" {
		return knownKeywords[c]
	}
	return strings.Fields(n)[0]
}
