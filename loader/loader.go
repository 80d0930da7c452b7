package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
)

// TickReport summarizes one PollTick.
type TickReport struct {
	Dispatched  int
	Resolved    int
	Failed      []Failure
	Invalidated int // keys dropped because their file changed on disk
}

// Stats is a point-in-time view of the loader.
type Stats struct {
	WorkingDir   string        `json:"workingDir"`
	Generation   uint64        `json:"generation"`
	Cached       int           `json:"cached"`
	Queued       int           `json:"queued"`
	InFlight     int           `json:"inFlight"`
	Outstanding  int           `json:"outstanding"`
	Parked       int           `json:"parked"`
	Ticks        int64         `json:"ticks"`
	Subscribers  int           `json:"subscribers"`
	Dispatch     DispatchStats `json:"dispatch"`
	RecentErrors []LogEntry    `json:"recentErrors"`
}

// Option customizes a Loader.
type Option func(*Loader)

// WithFs makes the loader read images and directories from fs.
func WithFs(fs afero.Fs) Option {
	return func(l *Loader) { l.fs = fs }
}

// WithDecoder replaces the image decoder.
func WithDecoder(dec ImageDecoder) Option {
	return func(l *Loader) { l.decoder = dec }
}

// WithRecorder sends decode outcomes to rec instead of the configured journal.
func WithRecorder(rec Recorder) Option {
	return func(l *Loader) { l.recorder = rec }
}

// Loader is the background image-loading cache. Its owner calls PollTick
// once per frame (or lets Run do it) and picks up finished placeholders
// with TryTakeResolved. All methods are safe for concurrent use; owner
// operations are serialized and never wait on a decode.
type Loader struct {
	cfg Config
	fs  afero.Fs

	decoder    ImageDecoder
	recorder   Recorder
	journal    *Journal // owned, closed by Close
	queue      *RequestQueue
	cache      *ContentCache
	events     *EventBus
	dispatcher *Dispatcher
	resolver   *Resolver
	navigator  *Navigator
	watcher    *Watcher

	mu    sync.Mutex // serializes ticks, drops, navigation and invalidation
	ready map[Key][]*Resolved
	ticks atomic.Int64
}

// New builds a loader from cfg.
func New(cfg Config, opts ...Option) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Loader{
		cfg:   cfg,
		queue: NewRequestQueue(),
		cache: NewContentCache(),
		ready: make(map[Key][]*Resolved),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.fs == nil {
		l.fs = afero.NewOsFs()
	}
	if l.decoder == nil {
		l.decoder = NewDecoder(l.fs)
	}
	if l.recorder == nil && cfg.JournalPath != "" {
		j, err := OpenJournal(cfg.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		l.journal = j
		l.recorder = j
	}
	if cfg.Watch {
		w, err := NewWatcher()
		if err != nil {
			l.closeJournal()
			return nil, fmt.Errorf("create watcher: %w", err)
		}
		l.watcher = w
	}

	l.events = NewEventBus()
	l.dispatcher = NewDispatcher(l.queue, l.cache, l.decoder, cfg.Workers, cfg.FailureTTL, l.events, l.recorder)
	l.resolver = NewResolver(l.cache, l.dispatcher, cfg.ResolveTimeout, l.events)
	l.navigator = NewNavigator(l.fs, cfg.IgnoreFile)

	sub("loader").Info("loader ready", "workers", cfg.Workers, "tick", cfg.TickInterval,
		"resolveTimeout", cfg.ResolveTimeout, "watch", cfg.Watch, "journal", cfg.JournalPath)
	return l, nil
}

// SubmitRequest queues path for decoding at the given priority and returns
// its canonical key.
func (l *Loader) SubmitRequest(path string, priority Priority) (Key, error) {
	key, err := NormalizeKey(path)
	if err != nil {
		return "", err
	}
	l.queue.Submit(key, priority)
	return key, nil
}

// Open handles a dropped file: it switches the working directory when the
// file is not part of the current listing, then tracks a placeholder and
// requests the file interactively. Unsupported extensions are rejected
// before anything is queued.
func (l *Loader) Open(path string, origin Origin) (*Placeholder, error) {
	key, err := NormalizeKey(path)
	if err != nil {
		return nil, err
	}
	if !IsSupported(key.String()) {
		sub("loader").Warn("invalid format", "path", key)
		return nil, unsupported(key.String(), nil)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.navigator.Contains(key):
	case key.Dir() == l.navigator.Dir():
		// New file in the working directory.
		if err := l.navigator.Refresh(); err != nil {
			sub("loader").Warn("refresh listing failed", "dir", l.navigator.Dir(), "err", err)
		}
	default:
		l.switchDirLocked(key)
	}
	return l.trackLocked(key, origin), nil
}

// Ingest tracks a placeholder for path and requests it interactively without
// touching the working directory. Used for paths given on the command line.
func (l *Loader) Ingest(path string) (*Placeholder, error) {
	key, err := NormalizeKey(path)
	if err != nil {
		return nil, err
	}
	if !IsSupported(key.String()) {
		sub("loader").Warn("invalid format", "path", key)
		return nil, unsupported(key.String(), nil)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trackLocked(key, OriginDrop), nil
}

// Navigate requests the file step positions away from current in the
// working directory listing (1 next, -1 previous).
func (l *Loader) Navigate(current string, step int) (*Placeholder, error) {
	key, err := NormalizeKey(current)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	next, ok := l.navigator.Neighbor(key, step)
	if !ok {
		return nil, fmt.Errorf("navigate from %s by %d: %w", key, step, ErrNoNeighbor)
	}
	if logEnabled(slog.LevelDebug) {
		sub("loader").Debug("navigate", "from", key, "to", next, "step", step)
	}
	return l.trackLocked(next, OriginNavigation), nil
}

// trackLocked is an explicit user request: a remembered failure of key is
// forgotten so the new placeholder waits for the retry.
func (l *Loader) trackLocked(key Key, origin Origin) *Placeholder {
	l.dispatcher.ForgetFailure(key)
	ph := l.resolver.Track(key, origin)
	l.queue.Submit(key, Interactive)
	return ph
}

// switchDirLocked makes the directory of key the working directory and
// queues its other files for prefetch, nearest first.
func (l *Loader) switchDirLocked(key Key) {
	lg := sub("loader")
	dir := key.Dir()
	l.invalidateLocked()

	if err := l.navigator.SetDir(dir); err != nil {
		lg.Warn("listing working directory failed", "dir", dir, "err", err)
		return
	}
	added := l.queue.SubmitMany(l.navigator.PrefetchOrder(key), Prefetch)
	lg.Info("new working directory, cache cleared", "dir", dir, "prefetch", added)

	if l.watcher != nil {
		if err := l.watcher.Watch(dir); err != nil {
			lg.Warn("watch failed", "dir", dir, "err", err)
		}
	}
}

// PollTick runs one dispatch pass and one resolution pass. It never waits
// on a decode or on a contended cache lock.
func (l *Loader) PollTick() TickReport {
	l.mu.Lock()
	defer l.mu.Unlock()

	var report TickReport
	report.Invalidated = l.applyChangesLocked()
	report.Dispatched = l.dispatcher.DispatchReadyWork()

	resolved, failed := l.resolver.Poll()
	for _, r := range resolved {
		l.ready[r.Placeholder.Key] = append(l.ready[r.Placeholder.Key], r)
	}
	for _, f := range failed {
		sub("loader").Warn("placeholder failed", "id", f.Placeholder.ID, "path", f.Placeholder.Key, "err", f.Err)
	}
	report.Resolved = len(resolved)
	report.Failed = failed

	l.ticks.Add(1)
	return report
}

// applyChangesLocked drops cache entries for files that changed on disk and
// queues them again for prefetch. Decodes of the old contents still running
// are refused by the cache. Returns the number of keys handled.
func (l *Loader) applyChangesLocked() int {
	if l.watcher == nil {
		return 0
	}
	handled := 0
	for {
		select {
		case batch := <-l.watcher.Batches():
			for _, key := range batch {
				l.cache.Remove(key)
				l.dispatcher.ForgetFailure(key)
				if _, err := l.fs.Stat(key.String()); err == nil {
					l.queue.Submit(key, Prefetch)
				}
				handled++
			}
			if err := l.navigator.Refresh(); err != nil {
				sub("loader").Warn("refresh listing failed", "dir", l.navigator.Dir(), "err", err)
			}
			sub("loader").Info("changed files invalidated", "count", len(batch))
		default:
			return handled
		}
	}
}

// TryTakeResolved hands out the content for path. Each resolved placeholder
// is handed out once; with none parked, a cached entry is returned directly
// with a nil Placeholder. It never waits on the cache lock.
func (l *Loader) TryTakeResolved(path string) (*Resolved, bool) {
	key, err := NormalizeKey(path)
	if err != nil {
		return nil, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if parked := l.ready[key]; len(parked) > 0 {
		r := parked[0]
		if len(parked) == 1 {
			delete(l.ready, key)
		} else {
			l.ready[key] = parked[1:]
		}
		return r, true
	}

	entry, ok, err := l.cache.TryGet(key)
	if err != nil || !ok {
		return nil, false
	}
	return &Resolved{Entry: entry}, true
}

// InvalidateDirectory drops every cached entry and queued prefetch. Decodes
// still running finish but their results are discarded.
func (l *Loader) InvalidateDirectory() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.invalidateLocked()
}

func (l *Loader) invalidateLocked() uint64 {
	gen := l.cache.Clear()
	dropped := l.queue.DropPrefetch()
	l.dispatcher.ResetFailures()
	// Pending placeholders must still resolve; their decodes may have been
	// started in the old generation and will be refused.
	for _, ph := range l.resolver.Outstanding() {
		l.queue.Submit(ph.Key, Interactive)
	}
	l.events.Publish(LoadEvent{Type: EventInvalidated, Generation: gen})
	sub("loader").Debug("directory invalidated", "gen", gen, "prefetchDropped", dropped)
	return gen
}

// DiscardPlaceholder forgets a placeholder whose entity left the scene.
func (l *Loader) DiscardPlaceholder(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resolver.Discard(id) {
		return true
	}
	for key, parked := range l.ready {
		for i, r := range parked {
			if r.Placeholder.ID == id {
				r.Placeholder.State = PlaceholderDiscarded
				l.ready[key] = append(parked[:i:i], parked[i+1:]...)
				if len(l.ready[key]) == 0 {
					delete(l.ready, key)
				}
				return true
			}
		}
	}
	return false
}

// Run ticks until ctx is cancelled, and starts the change watcher when
// configured. It returns ctx.Err().
func (l *Loader) Run(ctx context.Context) error {
	lg := sub("loader")
	lg.Info("tick loop started", "interval", l.cfg.TickInterval)

	if l.watcher != nil {
		go func() {
			if err := l.watcher.Start(ctx); err != nil && ctx.Err() == nil {
				lg.Warn("watcher stopped unexpectedly", "err", err)
			}
		}()
	}

	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			lg.Info("tick loop stopping, context cancelled")
			return ctx.Err()
		case <-ticker.C:
			l.PollTick()
		case <-l.queue.Notify():
			l.PollTick()
		}
	}
}

// Close waits for running decodes and releases the watcher and journal.
func (l *Loader) Close() error {
	l.mu.Lock()
	l.dispatcher.Wait()
	l.mu.Unlock()

	if l.watcher != nil {
		l.watcher.Close() //nolint:errcheck
	}
	sub("loader").Info("loader closed", "loaded", l.dispatcher.Stats().Loaded)
	return l.closeJournal()
}

func (l *Loader) closeJournal() error {
	if l.journal == nil {
		return nil
	}
	return l.journal.Close()
}

// Stats returns a snapshot of the loader state.
func (l *Loader) Stats() Stats {
	l.mu.Lock()
	dir := l.navigator.Dir()
	inflight := l.dispatcher.InFlightLen()
	parked := 0
	for _, p := range l.ready {
		parked += len(p)
	}
	l.mu.Unlock()

	return Stats{
		WorkingDir:   dir,
		Generation:   l.cache.Generation(),
		Cached:       l.cache.Len(),
		Queued:       l.queue.Len(),
		InFlight:     inflight,
		Outstanding:  l.resolver.Len(),
		Parked:       parked,
		Ticks:        l.ticks.Load(),
		Subscribers:  l.events.Subscribers(),
		Dispatch:     l.dispatcher.Stats(),
		RecentErrors: RecentErrors(),
	}
}

// Events returns the loader's event bus.
func (l *Loader) Events() *EventBus { return l.events }

// Cache returns the content cache.
func (l *Loader) Cache() *ContentCache { return l.cache }

// Queue returns the pending request queue.
func (l *Loader) Queue() *RequestQueue { return l.queue }

// Files returns the working directory listing.
func (l *Loader) Files() []Key {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.navigator.Files()
}

// Journal returns the journal opened from Config.JournalPath, nil if none.
func (l *Loader) Journal() *Journal { return l.journal }
