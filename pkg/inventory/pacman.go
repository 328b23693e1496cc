package inventory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const pacmanLog = "var/log/pacman.log"

var pacmanEntry = regexp.MustCompile(`\[ALPM\] (installed|upgraded|downgraded|reinstalled|removed) (\S+) \((.*?)\)`)

// PacmanSource replays the pacman log to find what is installed now.
type PacmanSource struct {
	Root string
}

func (s PacmanSource) Name() string { return "pacman" }

func (s PacmanSource) ListInstalled(ctx context.Context) ([]Item, error) {
	data, err := os.ReadFile(filepath.Join(rootOf(s.Root), pacmanLog))
	if err != nil {
		return nil, fmt.Errorf("read pacman log: %w", err)
	}
	return parsePacmanLog(string(data), s.Name()), ctx.Err()
}

func parsePacmanLog(pacman, source string) []Item {
	installed := map[string]string{}

	for _, pe := range strings.Split(pacman, "\n") {
		value := pacmanEntry.FindStringSubmatch(pe)
		if len(value) < 4 {
			continue
		}

		name, version := value[2], value[3]
		switch value[1] {
		case "removed":
			delete(installed, name)
		case "upgraded", "downgraded":
			// "old -> new"
			if _, after, ok := strings.Cut(version, "->"); ok {
				version = strings.TrimSpace(after)
			}
			installed[name] = version
		default:
			installed[name] = version
		}
	}

	names := make([]string, 0, len(installed))
	for n := range installed {
		names = append(names, n)
	}
	sort.Strings(names)

	items := make([]Item, 0, len(names))
	for _, n := range names {
		items = append(items, Item{Name: n, Version: installed[n], Source: source})
	}
	return items
}
