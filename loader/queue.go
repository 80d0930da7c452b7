package loader

import (
	"log/slog"
	"slices"
	"sync"
)

// RequestQueue is a thread-safe, deduplicating queue of pending load requests
// with two FIFO lanes. Interactive requests are always taken before Prefetch
// requests; a key is queued at most once.
type RequestQueue struct {
	mu          sync.Mutex
	set         map[Key]Priority
	interactive []Key
	prefetch    []Key
	notify      chan struct{} // signaled when requests are added
}

// NewRequestQueue creates an empty request queue.
func NewRequestQueue() *RequestQueue {
	return &RequestQueue{
		set:    make(map[Key]Priority),
		notify: make(chan struct{}, 1),
	}
}

// Submit queues key at the given priority and reports whether the queue
// changed. Re-submitting a queued key is a no-op, except that an Interactive
// submit promotes a queued Prefetch copy to the Interactive lane.
func (q *RequestQueue) Submit(key Key, priority Priority) bool {
	q.mu.Lock()
	changed := q.submitLocked(key, priority)
	newLen := len(q.interactive) + len(q.prefetch)
	q.mu.Unlock()

	if logEnabled(slog.LevelDebug) {
		if changed {
			sub("queue").Debug("submit", "path", key, "priority", priority, "queueLen", newLen)
		} else {
			sub("queue").Debug("submit dedup", "path", key, "priority", priority)
		}
	}
	if changed {
		q.signal()
	}
	return changed
}

// SubmitMany queues several keys at one priority and returns how many
// changed the queue.
func (q *RequestQueue) SubmitMany(keys []Key, priority Priority) int {
	q.mu.Lock()
	added := 0
	for _, key := range keys {
		if q.submitLocked(key, priority) {
			added++
		}
	}
	newLen := len(q.interactive) + len(q.prefetch)
	q.mu.Unlock()

	if logEnabled(slog.LevelDebug) {
		sub("queue").Debug("submitMany", "requested", len(keys), "added", added, "priority", priority, "queueLen", newLen)
	}
	if added > 0 {
		q.signal()
	}
	return added
}

func (q *RequestQueue) submitLocked(key Key, priority Priority) bool {
	current, queued := q.set[key]
	switch {
	case !queued:
		q.set[key] = priority
		q.appendLane(key, priority)
		return true
	case current == Prefetch && priority == Interactive:
		q.prefetch = removeKey(q.prefetch, key)
		q.set[key] = Interactive
		q.interactive = append(q.interactive, key)
		return true
	}
	return false
}

func (q *RequestQueue) appendLane(key Key, priority Priority) {
	if priority == Interactive {
		q.interactive = append(q.interactive, key)
	} else {
		q.prefetch = append(q.prefetch, key)
	}
}

// TakeNext removes and returns the next request without blocking.
// It returns false when the queue is empty.
func (q *RequestQueue) TakeNext() (Request, bool) {
	q.mu.Lock()
	var req Request
	switch {
	case len(q.interactive) > 0:
		req = Request{Key: q.interactive[0], Priority: Interactive}
		q.interactive = q.interactive[1:]
	case len(q.prefetch) > 0:
		req = Request{Key: q.prefetch[0], Priority: Prefetch}
		q.prefetch = q.prefetch[1:]
	default:
		q.mu.Unlock()
		return Request{}, false
	}
	delete(q.set, req.Key)
	remaining := len(q.interactive) + len(q.prefetch)
	q.mu.Unlock()

	if logEnabled(slog.LevelDebug) {
		sub("queue").Debug("take", "path", req.Key, "priority", req.Priority, "queueLen", remaining)
	}
	return req, true
}

// Requeue puts a taken request back at the front of its lane, so it is the
// next one taken. If the key was re-submitted in the meantime the higher
// priority wins.
func (q *RequestQueue) Requeue(req Request) {
	q.mu.Lock()
	if current, queued := q.set[req.Key]; queued {
		if current == Prefetch && req.Priority == Interactive {
			q.prefetch = removeKey(q.prefetch, req.Key)
		} else {
			q.mu.Unlock()
			return
		}
	}
	q.set[req.Key] = req.Priority
	if req.Priority == Interactive {
		q.interactive = slices.Insert(q.interactive, 0, req.Key)
	} else {
		q.prefetch = slices.Insert(q.prefetch, 0, req.Key)
	}
	q.mu.Unlock()
	q.signal()
}

// Discard removes a queued key, for requests that became stale before
// being taken.
func (q *RequestQueue) Discard(key Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	priority, queued := q.set[key]
	if !queued {
		return false
	}
	delete(q.set, key)
	if priority == Interactive {
		q.interactive = removeKey(q.interactive, key)
	} else {
		q.prefetch = removeKey(q.prefetch, key)
	}
	return true
}

// DropPrefetch removes every queued Prefetch request and returns how many
// were dropped.
func (q *RequestQueue) DropPrefetch() int {
	q.mu.Lock()
	dropped := len(q.prefetch)
	for _, key := range q.prefetch {
		delete(q.set, key)
	}
	q.prefetch = nil
	q.mu.Unlock()

	if dropped > 0 {
		sub("queue").Debug("prefetch dropped", "count", dropped)
	}
	return dropped
}

// Has reports whether key is queued in either lane.
func (q *RequestQueue) Has(key Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, queued := q.set[key]
	return queued
}

// Len returns the number of queued requests.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.interactive) + len(q.prefetch)
}

// Drain removes and returns every queued request in take order.
func (q *RequestQueue) Drain() []Request {
	q.mu.Lock()
	out := make([]Request, 0, len(q.interactive)+len(q.prefetch))
	for _, key := range q.interactive {
		out = append(out, Request{Key: key, Priority: Interactive})
	}
	for _, key := range q.prefetch {
		out = append(out, Request{Key: key, Priority: Prefetch})
	}
	q.interactive = nil
	q.prefetch = nil
	q.set = make(map[Key]Priority)
	q.mu.Unlock()

	if logEnabled(slog.LevelDebug) {
		sub("queue").Debug("drain", "count", len(out))
	}
	return out
}

// Notify returns a channel that receives a value after requests are added.
// Signals coalesce; a receiver should drain with TakeNext until empty.
func (q *RequestQueue) Notify() <-chan struct{} {
	return q.notify
}

func (q *RequestQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func removeKey(keys []Key, key Key) []Key {
	if i := slices.Index(keys, key); i >= 0 {
		return slices.Delete(keys, i, i+1)
	}
	return keys
}
