package loader

import (
	"bufio"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// IgnoreList holds glob patterns loaded from an ignore file in the working
// directory. Matching files are left out of the directory listing.
type IgnoreList struct {
	patterns []string
}

// LoadIgnoreList reads path from fs. A missing or unreadable file yields an
// empty list (nothing is ignored). Blank lines and # comments are skipped.
func LoadIgnoreList(fs afero.Fs, path string) *IgnoreList {
	il := &IgnoreList{}

	f, err := fs.Open(path)
	if err != nil {
		return il
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Only files are listed; a trailing slash pattern can never match.
		if strings.HasSuffix(line, "/") {
			continue
		}
		il.patterns = append(il.patterns, line)
	}
	if len(il.patterns) > 0 {
		sub("navigator").Debug("ignore list loaded", "path", path, "patterns", len(il.patterns))
	}
	return il
}

// IsIgnored reports whether a file name matches any pattern.
// Patterns compare case-insensitively, like extensions do.
func (il *IgnoreList) IsIgnored(name string) bool {
	if il == nil {
		return false
	}
	lower := strings.ToLower(name)
	for _, p := range il.patterns {
		if matched, _ := filepath.Match(strings.ToLower(p), lower); matched {
			return true
		}
	}
	return false
}

// Len returns the number of patterns.
func (il *IgnoreList) Len() int {
	if il == nil {
		return 0
	}
	return len(il.patterns)
}
