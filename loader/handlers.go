package loader

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// EntryResponse is one cached image in the API response.
type EntryResponse struct {
	Path       string   `json:"path"`
	Metadata   Metadata `json:"metadata"`
	Generation uint64   `json:"generation"`
	DecodeMs   int64    `json:"decodeMs"`
	LoadedAt   int64    `json:"loadedAt"`
}

// HistoryResponse is the journal view.
type HistoryResponse struct {
	Total   int          `json:"total"`
	Failed  int          `json:"failed"`
	Records []LoadRecord `json:"records"`
}

// Handlers holds the HTTP handlers for the loader status API.
type Handlers struct {
	loader   *Loader
	journal  *Journal // nil: history unavailable
	upgrader websocket.Upgrader
}

// NewHandlers creates the loader HTTP handlers. journal may be nil.
func NewHandlers(loader *Loader, journal *Journal) *Handlers {
	return &Handlers{
		loader:  loader,
		journal: journal,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Router returns a router with every loader route under /api/loader.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/loader").Subrouter()
	api.HandleFunc("/stats", h.HandleStats).Methods(http.MethodGet)
	api.HandleFunc("/entries", h.HandleListEntries).Methods(http.MethodGet)
	api.HandleFunc("/history", h.HandleHistory).Methods(http.MethodGet)
	api.HandleFunc("/submit", h.HandleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/events", h.HandleSSE).Methods(http.MethodGet)
	api.HandleFunc("/ws", h.HandleWS).Methods(http.MethodGet)
	return r
}

// HandleStats handles GET /api/loader/stats
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	sub("handlers").Debug("HTTP stats")
	writeJSON(w, http.StatusOK, h.loader.Stats())
}

// HandleListEntries handles GET /api/loader/entries, sorted by path.
func (h *Handlers) HandleListEntries(w http.ResponseWriter, r *http.Request) {
	entries := h.loader.Cache().Snapshot()
	slices.SortFunc(entries, func(a, b *Entry) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})

	resp := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, EntryResponse{
			Path:       e.Key.String(),
			Metadata:   e.Metadata,
			Generation: e.Generation,
			DecodeMs:   e.DecodedIn.Milliseconds(),
			LoadedAt:   e.LoadedAt.Unix(),
		})
	}
	sub("handlers").Debug("HTTP entries", "count", len(resp))
	writeJSON(w, http.StatusOK, resp)
}

// HandleHistory handles GET /api/loader/history?limit=<n>
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	l := sub("handlers")
	if h.journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, 1000)
	}

	records, err := h.journal.Recent(limit)
	if err != nil {
		l.Error("history failed", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	total, failed, err := h.journal.Counts()
	if err != nil {
		l.Error("history counts failed", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []LoadRecord{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Total: total, Failed: failed, Records: records})
}

// HandleSubmit handles POST /api/loader/submit?path=<path>&priority=<interactive|prefetch>
func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	l := sub("handlers")
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path required", http.StatusBadRequest)
		return
	}
	priority, err := ParsePriority(r.URL.Query().Get("priority"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	key, err := h.loader.SubmitRequest(path, priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	l.Info("HTTP submit", "path", key, "priority", priority)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "path": key.String()})
}

// HandleSSE handles GET /api/loader/events (Server-Sent Events stream).
func (h *Handlers) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.loader.Events().Subscribe()
	defer h.loader.Events().Unsubscribe(ch)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(event)
			fmt.Fprintf(w, "data: %s\n\n", data) //nolint:errcheck
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, ": heartbeat\n\n") //nolint:errcheck
			flusher.Flush()
		}
	}
}

// HandleWS handles GET /api/loader/ws, streaming the same events as JSON
// websocket messages.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	l := sub("handlers")
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ch := h.loader.Events().Subscribe()
	defer h.loader.Events().Unsubscribe(ch)

	// The read loop only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
			if err := conn.WriteJSON(event); err != nil {
				l.Debug("websocket write failed", "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
