package loader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupNavigator(t *testing.T) *Navigator {
	t.Helper()
	fs := setupMemFs(t, map[string][]byte{
		"/board/img10.png":    nil,
		"/board/img2.png":     nil,
		"/board/img1.jpg":     nil,
		"/board/notes.txt":    nil,
		"/board/.hidden.png":  nil,
		"/board/draft.tga":    nil,
		"/board/Cover.PNG":    nil,
		"/board/sub/deep.png": nil,
		"/board/.towerignore": []byte("# work in progress\ndraft.*\n\nsub/\n"),
		"/other/x.png":        nil,
	})
	return NewNavigator(fs, ".towerignore")
}

func TestNavigator_ListNaturalOrder(t *testing.T) {
	n := setupNavigator(t)

	files, err := n.List("/board")
	require.NoError(t, err)
	assert.Equal(t, []Key{
		"/board/Cover.PNG",
		"/board/img1.jpg",
		"/board/img2.png",
		"/board/img10.png",
	}, files)
}

func TestNavigator_ListWithoutIgnoreFile(t *testing.T) {
	n := setupNavigator(t)
	n.ignoreFile = ""

	files, err := n.List("/board")
	require.NoError(t, err)
	assert.Contains(t, files, Key("/board/draft.tga"))
}

func TestNavigator_ListMissingDir(t *testing.T) {
	n := setupNavigator(t)
	_, err := n.List("/nowhere")
	assert.Error(t, err)
	assert.Error(t, n.SetDir("/nowhere"))
	assert.Empty(t, n.Dir())
}

func TestNavigator_Neighbor(t *testing.T) {
	n := setupNavigator(t)
	require.NoError(t, n.SetDir("/board"))
	assert.Equal(t, "/board", n.Dir())
	assert.True(t, n.Contains("/board/img2.png"))
	assert.False(t, n.Contains("/board/notes.txt"))

	next, ok := n.Neighbor("/board/img2.png", 1)
	require.True(t, ok)
	assert.Equal(t, Key("/board/img10.png"), next)

	prev, ok := n.Neighbor("/board/img2.png", -1)
	require.True(t, ok)
	assert.Equal(t, Key("/board/img1.jpg"), prev)

	_, ok = n.Neighbor("/board/img10.png", 1)
	assert.False(t, ok, "no wraparound past the end")
	_, ok = n.Neighbor("/board/Cover.PNG", -1)
	assert.False(t, ok, "no wraparound past the start")
	_, ok = n.Neighbor("/other/x.png", 1)
	assert.False(t, ok)
}

func TestNavigator_PrefetchOrder(t *testing.T) {
	n := setupNavigator(t)
	require.NoError(t, n.SetDir("/board"))

	// Cover, img1, [img2], img10
	assert.Equal(t, []Key{"/board/img10.png", "/board/img1.jpg", "/board/Cover.PNG"},
		n.PrefetchOrder("/board/img2.png"))
	assert.Equal(t, []Key{"/board/img1.jpg", "/board/img2.png", "/board/img10.png"},
		n.PrefetchOrder("/board/Cover.PNG"))
	assert.Equal(t, n.Files(), n.PrefetchOrder("/elsewhere.png"))
}

func TestNavigator_Refresh(t *testing.T) {
	n := setupNavigator(t)
	require.NoError(t, n.SetDir("/board"))
	require.Len(t, n.Files(), 4)

	require.NoError(t, n.fs.Remove("/board/img1.jpg"))
	require.NoError(t, n.Refresh())
	assert.Len(t, n.Files(), 3)
	assert.False(t, n.Contains("/board/img1.jpg"))
}

func TestIgnoreList(t *testing.T) {
	fs := setupMemFs(t, map[string][]byte{
		"/d/.towerignore": []byte("  *.tmp.png  \n# comment\nRAW_*\nfolder/\n"),
	})
	il := LoadIgnoreList(fs, "/d/.towerignore")
	assert.Equal(t, 2, il.Len())
	assert.True(t, il.IsIgnored("x.tmp.png"))
	assert.True(t, il.IsIgnored("raw_0001.tga"))
	assert.False(t, il.IsIgnored("folder"))
	assert.False(t, il.IsIgnored("keep.png"))

	missing := LoadIgnoreList(fs, "/d/none")
	assert.Zero(t, missing.Len())
	assert.False(t, missing.IsIgnored("anything.png"))

	var nilList *IgnoreList
	assert.False(t, nilList.IsIgnored("a.png"))
}
