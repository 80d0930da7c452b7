package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
)

// nowFunc is the time source, replaceable in tests.
var nowFunc = time.Now

// Key is the canonical absolute path of an image file.
type Key string

// String returns the key as a plain path.
func (k Key) String() string { return string(k) }

// Dir returns the directory holding the keyed file.
func (k Key) Dir() string { return filepath.Dir(string(k)) }

// NormalizeKey turns any spelling of a path (relative, "~/", with "..",
// through a symlink) into its canonical Key.
func NormalizeKey(path string) (Key, error) {
	if path == "" {
		return "", fmt.Errorf("normalize key: empty path")
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("normalize key: %w", err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("normalize key: %w", err)
	}
	abs = filepath.Clean(abs)
	// Symlinks only resolve for files that exist on the real disk.
	if _, err := os.Lstat(abs); err == nil {
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			abs = resolved
		}
	}
	return Key(abs), nil
}

// Priority orders pending requests. Interactive requests are always
// dispatched before Prefetch ones.
type Priority int

const (
	Interactive Priority = iota
	Prefetch
)

func (p Priority) String() string {
	switch p {
	case Interactive:
		return "interactive"
	case Prefetch:
		return "prefetch"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority parses "interactive" or "prefetch".
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "interactive", "":
		return Interactive, nil
	case "prefetch":
		return Prefetch, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Request is a path waiting to be decoded into the cache.
type Request struct {
	Key      Key
	Priority Priority
}

// Channels describes the channel layout of the source image.
type Channels string

const (
	ChannelsGray Channels = "gray"
	ChannelsRGB  Channels = "rgb"
	ChannelsRGBA Channels = "rgba"
)

// Bitmap is tightly packed RGBA pixel data, 4 bytes per pixel, row-major.
// Alpha is premultiplied for sources with an alpha channel and 255 otherwise.
// Pix must not be modified once the bitmap is in the cache.
type Bitmap struct {
	Width  int
	Height int
	Pix    []byte
}

// RGBAAt returns the pixel at (x, y).
func (b *Bitmap) RGBAAt(x, y int) (r, g, bl, a uint8) {
	i := (y*b.Width + x) * 4
	return b.Pix[i], b.Pix[i+1], b.Pix[i+2], b.Pix[i+3]
}

// Metadata describes a decoded image.
type Metadata struct {
	Width       uint32   `json:"width" yaml:"width"`
	Height      uint32   `json:"height" yaml:"height"`
	SourcePath  string   `json:"sourcePath" yaml:"source_path"`
	Format      string   `json:"format" yaml:"format"`
	Channels    Channels `json:"channels" yaml:"channels"`
	Orientation int      `json:"orientation,omitempty" yaml:"orientation,omitempty"`
	CameraModel string   `json:"cameraModel,omitempty" yaml:"camera_model,omitempty"`
	TakenAt     string   `json:"takenAt,omitempty" yaml:"taken_at,omitempty"`
	FileSize    int64    `json:"fileSize" yaml:"file_size"`
}

// Entry is one decoded image in the content cache.
// Entries are immutable after insertion.
type Entry struct {
	Key        Key
	Bitmap     *Bitmap
	Metadata   Metadata
	Generation uint64 // directory generation the decode was started in
	Revision   uint64 // per-key revision the decode was started at
	DecodedIn  time.Duration
	LoadedAt   time.Time
}

// Origin tells the scene layer why a placeholder was created.
type Origin int

const (
	OriginDrop Origin = iota
	OriginNavigation
)

func (o Origin) String() string {
	if o == OriginNavigation {
		return "navigation"
	}
	return "drop"
}

// PlaceholderState is the lifecycle state of a placeholder.
type PlaceholderState int

const (
	PlaceholderPending PlaceholderState = iota
	PlaceholderResolved
	PlaceholderFailed
	PlaceholderDiscarded
)

func (s PlaceholderState) String() string {
	switch s {
	case PlaceholderPending:
		return "pending"
	case PlaceholderResolved:
		return "resolved"
	case PlaceholderFailed:
		return "failed"
	case PlaceholderDiscarded:
		return "discarded"
	}
	return "unknown"
}

// Placeholder stands in for a scene entity whose bitmap is still loading.
type Placeholder struct {
	ID        uint64
	Key       Key
	Origin    Origin
	CreatedAt time.Time
	State     PlaceholderState
}

// Resolved is a placeholder promoted to real content.
type Resolved struct {
	Placeholder *Placeholder
	Entry       *Entry
}

// Failure is a placeholder that will never resolve.
type Failure struct {
	Placeholder *Placeholder
	Err         error
}
