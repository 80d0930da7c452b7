package loader

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHandlersEnv(t *testing.T, withJournal bool) (*Handlers, *Loader) {
	t.Helper()
	cfg := testConfig()
	if withJournal {
		cfg.JournalPath = filepath.Join(t.TempDir(), "journal.db")
	}
	fs := setupMemFs(t, map[string][]byte{"/board/b.png": nil, "/board/a.png": nil})
	l := setupLoader(t, cfg, WithFs(fs), WithDecoder(newFakeDecoder()))
	return NewHandlers(l, l.Journal()), l
}

func serve(h *Handlers, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	return w
}

func TestHandleStats(t *testing.T) {
	h, l := setupHandlersEnv(t, false)
	_, err := l.SubmitRequest("/board/a.png", Prefetch)
	require.NoError(t, err)

	w := serve(h, http.MethodGet, "/api/loader/stats")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var stats Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Queued)
	assert.Equal(t, 2, stats.Dispatch.Workers)
}

func TestHandleListEntries(t *testing.T) {
	h, l := setupHandlersEnv(t, false)

	w := serve(h, http.MethodGet, "/api/loader/entries")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	l.SubmitRequest("/board/b.png", Prefetch) //nolint:errcheck
	l.SubmitRequest("/board/a.png", Prefetch) //nolint:errcheck
	tickUntil(t, l, 5*time.Second, func(TickReport) bool { return l.Cache().Len() == 2 })

	w = serve(h, http.MethodGet, "/api/loader/entries")
	var entries []EntryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "/board/a.png", entries[0].Path)
	assert.Equal(t, "/board/b.png", entries[1].Path)
	assert.Equal(t, uint32(2), entries[0].Metadata.Width)
}

func TestHandleSubmit(t *testing.T) {
	h, l := setupHandlersEnv(t, false)

	w := serve(h, http.MethodPost, "/api/loader/submit?path=/board/a.png&priority=prefetch")
	assert.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp["status"])
	assert.Equal(t, "/board/a.png", resp["path"])
	assert.Equal(t, 1, l.Queue().Len())

	w = serve(h, http.MethodPost, "/api/loader/submit?priority=prefetch")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(h, http.MethodPost, "/api/loader/submit?path=/board/b.png&priority=urgent")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 1, l.Queue().Len())

	w = serve(h, http.MethodGet, "/api/loader/submit?path=/board/b.png")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleHistory_Disabled(t *testing.T) {
	h, _ := setupHandlersEnv(t, false)
	w := serve(h, http.MethodGet, "/api/loader/history")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleHistory(t *testing.T) {
	h, l := setupHandlersEnv(t, true)
	l.SubmitRequest("/board/a.png", Interactive) //nolint:errcheck
	tickUntil(t, l, 5*time.Second, func(TickReport) bool { return l.Cache().Len() == 1 })
	l.dispatcher.Wait()

	w := serve(h, http.MethodGet, "/api/loader/history?limit=5")
	assert.Equal(t, http.StatusOK, w.Code)
	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Total)
	assert.Zero(t, resp.Failed)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "/board/a.png", resp.Records[0].Path)

	w = serve(h, http.MethodGet, "/api/loader/history?limit=zero")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = serve(h, http.MethodGet, "/api/loader/history?limit=0")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleWS(t *testing.T) {
	h, l := setupHandlersEnv(t, false)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/loader/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	waitFor(t, 2*time.Second, func() bool { return l.Events().Subscribers() == 1 })
	l.Events().Publish(LoadEvent{Type: EventLoaded, Path: "/board/a.png", Width: 2, Height: 1})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	var ev LoadEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventLoaded, ev.Type)
	assert.Equal(t, "/board/a.png", ev.Path)
	assert.Equal(t, uint32(2), ev.Width)
}
