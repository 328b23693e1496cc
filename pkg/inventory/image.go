package inventory

import "strings"

// imageItem turns "registry:5000/library/nginx:1.25@sha256:..." into
// nginx 1.25. An untagged reference is "latest".
func imageItem(ref, source string) (Item, bool) {
	ref = strings.TrimSpace(ref)
	if i := strings.Index(ref, "@"); i > -1 {
		ref = ref[:i]
	}
	if ref == "" || ref == "<none>:<none>" {
		return Item{}, false
	}

	repo, tag := ref, "latest"
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		repo, tag = ref[:i], ref[i+1:]
	}

	name := repo
	if i := strings.LastIndex(repo, "/"); i > -1 {
		name = repo[i+1:]
	}
	if name == "" || name == "<none>" {
		return Item{}, false
	}
	return Item{Name: name, Version: tag, Source: source}, true
}
