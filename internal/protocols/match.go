package protocols

import (
	"path"
	"strings"
)

// MatchesFilename reports whether name satisfies the expanded filename
// pattern: case-insensitive exact match, or glob semantics on the file
// portion when the pattern contains '*'.
func MatchesFilename(name, pattern string) bool {
	lowerName := strings.ToLower(name)
	lowerPattern := strings.ToLower(pattern)
	if !strings.Contains(lowerPattern, "*") {
		return lowerName == lowerPattern
	}
	ok, err := path.Match(lowerPattern, lowerName)
	return err == nil && ok
}

// MatchesExtension reports whether name carries the ".<ext>" suffix. An
// empty extension matches everything. A leading dot on ext is tolerated.
func MatchesExtension(name, ext string) bool {
	if ext == "" {
		return true
	}
	ext = strings.TrimPrefix(ext, ".")
	return strings.HasSuffix(strings.ToLower(name), "."+strings.ToLower(ext))
}

// matches combines the filename and extension predicates.
func matches(name string, req ListRequest) bool {
	return MatchesFilename(name, req.Filename) && MatchesExtension(name, req.Extension)
}
