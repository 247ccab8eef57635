package config

import (
	"path/filepath"
	"strings"
)

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, item := range in {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// resolveRelative interprets target relative to the directory holding from.
func resolveRelative(from, target string) string {
	if target == "" || filepath.IsAbs(target) || strings.TrimSpace(from) == "" {
		return target
	}
	return filepath.Join(filepath.Dir(from), target)
}
