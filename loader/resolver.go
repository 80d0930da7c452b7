package loader

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// failureSource reports recent decode failures. Implemented by Dispatcher.
type failureSource interface {
	Failure(key Key) (error, bool)
}

// Resolver tracks placeholders and promotes each to its decoded content
// exactly once.
type Resolver struct {
	cache    *ContentCache
	failures failureSource
	events   *EventBus
	timeout  time.Duration

	mu          sync.Mutex
	outstanding map[uint64]*Placeholder
	nextID      atomic.Uint64
}

// NewResolver creates a resolver that fails placeholders older than timeout.
// failures and events may be nil.
func NewResolver(cache *ContentCache, failures failureSource, timeout time.Duration, events *EventBus) *Resolver {
	return &Resolver{
		cache:       cache,
		failures:    failures,
		events:      events,
		timeout:     timeout,
		outstanding: make(map[uint64]*Placeholder),
	}
}

// Track creates a pending placeholder for key.
func (r *Resolver) Track(key Key, origin Origin) *Placeholder {
	ph := &Placeholder{
		ID:        r.nextID.Add(1),
		Key:       key,
		Origin:    origin,
		CreatedAt: nowFunc(),
		State:     PlaceholderPending,
	}
	r.mu.Lock()
	r.outstanding[ph.ID] = ph
	n := len(r.outstanding)
	r.mu.Unlock()

	if logEnabled(slog.LevelDebug) {
		sub("resolver").Debug("placeholder tracked", "id", ph.ID, "path", key, "origin", origin, "outstanding", n)
	}
	return ph
}

// Discard drops a pending placeholder whose entity left the scene.
func (r *Resolver) Discard(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ph, ok := r.outstanding[id]
	if !ok {
		return false
	}
	ph.State = PlaceholderDiscarded
	delete(r.outstanding, id)
	return true
}

// Outstanding returns the pending placeholders in no particular order.
func (r *Resolver) Outstanding() []*Placeholder {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Placeholder, 0, len(r.outstanding))
	for _, ph := range r.outstanding {
		out = append(out, ph)
	}
	return out
}

// Len returns the number of pending placeholders.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outstanding)
}

// TryResolve checks one placeholder against the cache without waiting.
//
// It returns the promotion when content is present, a *LoadError when the
// load failed or timed out, and nil, nil when the placeholder should be
// checked again next tick.
func (r *Resolver) TryResolve(ph *Placeholder) (*Resolved, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(ph)
}

func (r *Resolver) resolveLocked(ph *Placeholder) (*Resolved, error) {
	if ph.State != PlaceholderPending {
		return nil, fmt.Errorf("placeholder %d: %w", ph.ID, ErrPlaceholderDone)
	}

	entry, ok, err := r.cache.TryGet(ph.Key)
	if err != nil {
		return nil, nil
	}
	if ok {
		ph.State = PlaceholderResolved
		delete(r.outstanding, ph.ID)
		r.publish(LoadEvent{Type: EventResolved, Path: ph.Key.String(), Width: entry.Metadata.Width,
			Height: entry.Metadata.Height, Generation: entry.Generation})
		return &Resolved{Placeholder: ph, Entry: entry}, nil
	}

	if r.failures != nil {
		if cause, failed := r.failures.Failure(ph.Key); failed {
			ph.State = PlaceholderFailed
			delete(r.outstanding, ph.ID)
			return nil, &LoadError{Key: ph.Key, Err: cause}
		}
	}

	if age := nowFunc().Sub(ph.CreatedAt); r.timeout > 0 && age > r.timeout {
		ph.State = PlaceholderFailed
		delete(r.outstanding, ph.ID)
		sub("resolver").Warn("placeholder timed out", "id", ph.ID, "path", ph.Key, "age", age)
		r.publish(LoadEvent{Type: EventTimeout, Path: ph.Key.String()})
		return nil, &LoadError{Key: ph.Key, Err: fmt.Errorf("waited %s: %w", age.Round(time.Millisecond), ErrLoadTimeout)}
	}
	return nil, nil
}

// Poll tries every outstanding placeholder once.
func (r *Resolver) Poll() ([]*Resolved, []Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		resolved []*Resolved
		failed   []Failure
	)
	for _, ph := range r.outstanding {
		res, err := r.resolveLocked(ph)
		switch {
		case err != nil:
			failed = append(failed, Failure{Placeholder: ph, Err: err})
		case res != nil:
			resolved = append(resolved, res)
		}
	}

	if len(resolved)+len(failed) > 0 {
		sub("resolver").Debug("poll", "resolved", len(resolved), "failed", len(failed), "outstanding", len(r.outstanding))
	}
	return resolved, failed
}

func (r *Resolver) publish(ev LoadEvent) {
	if r.events != nil {
		r.events.Publish(ev)
	}
}
