package loader

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// encodePNG returns a w×h NRGBA PNG filled with c.
func encodePNG(t *testing.T, w, h int, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// writePNG writes a real PNG into dir on disk and returns its canonical key.
func writePNG(t *testing.T, dir, name string, w, h int) Key {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, encodePNG(t, w, h, color.NRGBA{R: 10, G: 20, B: 30, A: 255}), 0644))
	key, err := NormalizeKey(path)
	require.NoError(t, err)
	return key
}

// canonicalTempDir returns t.TempDir() with symlinks resolved, so keys built
// from it compare equal to NormalizeKey output.
func canonicalTempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func setupMemFs(t *testing.T, files map[string][]byte) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for path, data := range files {
		require.NoError(t, afero.WriteFile(fs, path, data, 0644))
	}
	return fs
}

// fakeDecoder returns a small entry for every key, optionally blocking on a
// gate and failing chosen keys.
type fakeDecoder struct {
	gate  chan struct{} // nil: never block
	fail  map[Key]error
	panic map[Key]bool

	mu    sync.Mutex
	order []Key
	calls map[Key]int
	total atomic.Int32
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{
		fail:  make(map[Key]error),
		panic: make(map[Key]bool),
		calls: make(map[Key]int),
	}
}

func (f *fakeDecoder) Decode(key Key) (*Entry, error) {
	f.mu.Lock()
	f.order = append(f.order, key)
	f.calls[key]++
	failErr := f.fail[key]
	shouldPanic := f.panic[key]
	f.mu.Unlock()
	f.total.Add(1)

	if f.gate != nil {
		<-f.gate
	}
	if shouldPanic {
		panic("corrupt stream")
	}
	if failErr != nil {
		return nil, failErr
	}
	return &Entry{
		Key:      key,
		Bitmap:   &Bitmap{Width: 2, Height: 1, Pix: make([]byte, 8)},
		Metadata: Metadata{Width: 2, Height: 1, SourcePath: key.String(), Format: "png", Channels: ChannelsRGB},
	}, nil
}

func (f *fakeDecoder) callsFor(key Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeDecoder) started() []Key {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Key(nil), f.order...)
}

var errBroken = unsupported("/img/broken.png", errors.New("png: invalid format"))

// waitFor polls predicate every 10ms until it returns true or timeout.
func waitFor(t *testing.T, timeout time.Duration, predicate func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if predicate() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("waitFor timed out after %v", timeout)
}

// setNow pins nowFunc for the duration of the test.
func setNow(t *testing.T, now *time.Time) {
	t.Helper()
	nowFunc = func() time.Time { return *now }
	t.Cleanup(func() { nowFunc = time.Now })
}
