package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/maruel/natural"
	"github.com/samber/lo"
	"github.com/spf13/afero"
)

// Navigator holds the working directory listing: the supported image files
// of one directory in natural order. It is owned by the tick goroutine.
type Navigator struct {
	fs         afero.Fs
	ignoreFile string

	dir   string
	files []Key
	index map[Key]int
}

// NewNavigator creates a navigator reading directories from fs.
// ignoreFile is the per-directory ignore file name; empty disables it.
func NewNavigator(fs afero.Fs, ignoreFile string) *Navigator {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Navigator{fs: fs, ignoreFile: ignoreFile, index: make(map[Key]int)}
}

// List returns the supported, non-hidden, non-ignored files of dir in
// natural order ("img2" before "img10").
func (n *Navigator) List(dir string) ([]Key, error) {
	infos, err := afero.ReadDir(n.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	var ignore *IgnoreList
	if n.ignoreFile != "" {
		ignore = LoadIgnoreList(n.fs, filepath.Join(dir, n.ignoreFile))
	}

	names := lo.FilterMap(infos, func(fi os.FileInfo, _ int) (string, bool) {
		name := fi.Name()
		if fi.IsDir() || strings.HasPrefix(name, ".") || !IsSupported(name) || ignore.IsIgnored(name) {
			return "", false
		}
		return name, true
	})
	slices.SortFunc(names, func(a, b string) int {
		switch {
		case natural.Less(a, b):
			return -1
		case natural.Less(b, a):
			return 1
		}
		return 0
	})

	keys := make([]Key, len(names))
	for i, name := range names {
		keys[i] = Key(filepath.Join(dir, name))
	}
	sub("navigator").Debug("listed", "dir", dir, "entries", len(infos), "images", len(keys), "ignored", ignore.Len())
	return keys, nil
}

// SetDir makes dir the working directory and loads its listing.
func (n *Navigator) SetDir(dir string) error {
	files, err := n.List(dir)
	if err != nil {
		return err
	}
	n.dir = dir
	n.setFiles(files)
	sub("navigator").Info("working directory set", "dir", dir, "images", len(files))
	return nil
}

// Refresh reloads the listing of the current working directory.
func (n *Navigator) Refresh() error {
	if n.dir == "" {
		return nil
	}
	files, err := n.List(n.dir)
	if err != nil {
		return err
	}
	n.setFiles(files)
	return nil
}

func (n *Navigator) setFiles(files []Key) {
	n.files = files
	n.index = make(map[Key]int, len(files))
	for i, k := range files {
		n.index[k] = i
	}
}

// Dir returns the working directory, empty before the first SetDir.
func (n *Navigator) Dir() string { return n.dir }

// Files returns a copy of the listing.
func (n *Navigator) Files() []Key { return slices.Clone(n.files) }

// Contains reports whether key is in the listing.
func (n *Navigator) Contains(key Key) bool {
	_, ok := n.index[key]
	return ok
}

// Neighbor returns the file step positions away from key (1 next, -1
// previous). There is no wraparound: stepping past either end fails.
func (n *Navigator) Neighbor(key Key, step int) (Key, bool) {
	i, ok := n.index[key]
	if !ok {
		return "", false
	}
	j := i + step
	if j < 0 || j >= len(n.files) {
		return "", false
	}
	return n.files[j], true
}

// PrefetchOrder returns the listing without center, nearest files first.
// At equal distance the next file comes before the previous one. If center
// is not listed the plain listing order is returned.
func (n *Navigator) PrefetchOrder(center Key) []Key {
	i, ok := n.index[center]
	if !ok {
		return n.Files()
	}
	out := make([]Key, 0, len(n.files))
	for d := 1; i+d < len(n.files) || i-d >= 0; d++ {
		if i+d < len(n.files) {
			out = append(out, n.files[i+d])
		}
		if i-d >= 0 {
			out = append(out, n.files[i-d])
		}
	}
	return out
}
