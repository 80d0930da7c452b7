package loader

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/marusama/semaphore/v2"
)

// completion is sent by a worker when its decode finishes.
type completion struct {
	key        Key
	generation uint64
	revision   uint64
	err        error
}

// inflightMark records the cache state a running decode was started against.
type inflightMark struct {
	generation uint64
	revision   uint64
}

// DispatchStats are cumulative dispatcher counters.
type DispatchStats struct {
	Spawned    int64 `json:"spawned"`
	Loaded     int64 `json:"loaded"`
	Failed     int64 `json:"failed"`
	Stale      int64 `json:"stale"`
	Suppressed int64 `json:"suppressed"`
	Active     int64 `json:"active"`
	Workers    int   `json:"workers"`
}

// Dispatcher turns pending requests into decode workers.
//
// DispatchReadyWork must only be called from the tick goroutine: the
// in-flight set is owned by it and has no lock. Workers never touch the set;
// they report back through the completions channel, which the next tick reaps.
type Dispatcher struct {
	queue    *RequestQueue
	cache    *ContentCache
	decoder  ImageDecoder
	events   *EventBus
	recorder Recorder

	sem         semaphore.Semaphore
	workers     int
	inflight    map[Key]inflightMark
	completions chan completion
	failures    *ttlcache.Cache[Key, error]
	wg          sync.WaitGroup

	spawned    atomic.Int64
	loaded     atomic.Int64
	failed     atomic.Int64
	stale      atomic.Int64
	suppressed atomic.Int64
	active     atomic.Int64
}

// NewDispatcher creates a dispatcher running at most workers decodes at once.
// Failed keys are remembered for failureTTL; events and recorder may be nil.
func NewDispatcher(queue *RequestQueue, cache *ContentCache, decoder ImageDecoder, workers int, failureTTL time.Duration, events *EventBus, recorder Recorder) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	failures := ttlcache.New[Key, error](
		ttlcache.WithTTL[Key, error](failureTTL),
		ttlcache.WithDisableTouchOnHit[Key, error](),
	)
	return &Dispatcher{
		queue:       queue,
		cache:       cache,
		decoder:     decoder,
		events:      events,
		recorder:    recorder,
		sem:         semaphore.New(workers),
		workers:     workers,
		inflight:    make(map[Key]inflightMark),
		completions: make(chan completion, workers),
		failures:    failures,
	}
}

// DispatchReadyWork reaps finished workers, then starts a worker for each
// queued request while a worker slot is free. It never blocks and returns
// the number of workers started.
func (d *Dispatcher) DispatchReadyWork() int {
	d.reap()

	l := sub("dispatcher")
	started := 0
	for d.sem.TryAcquire(1) {
		req, ok := d.queue.TakeNext()
		if !ok {
			d.sem.Release(1)
			break
		}

		cached, rev, err := d.cache.TryLookup(req.Key)
		if err != nil {
			// Writer holds the cache; try again next tick.
			d.queue.Requeue(req)
			d.sem.Release(1)
			l.Debug("cache contended, request deferred", "path", req.Key)
			break
		}
		if cached {
			d.sem.Release(1)
			if logEnabled(slog.LevelDebug) {
				l.Debug("already cached, request dropped", "path", req.Key, "priority", req.Priority)
			}
			continue
		}

		mark := inflightMark{generation: d.cache.Generation(), revision: rev}
		if running, busy := d.inflight[req.Key]; busy && running == mark {
			d.sem.Release(1)
			d.suppressed.Add(1)
			if logEnabled(slog.LevelDebug) {
				l.Debug("duplicate work suppressed", "path", req.Key, "priority", req.Priority)
			}
			continue
		}

		if req.Priority == Prefetch {
			if item := d.failures.Get(req.Key); item != nil {
				d.sem.Release(1)
				if logEnabled(slog.LevelDebug) {
					l.Debug("recently failed, prefetch skipped", "path", req.Key, "err", item.Value())
				}
				continue
			}
		} else {
			// An explicit request is the user re-triggering the load.
			d.failures.Delete(req.Key)
		}

		d.inflight[req.Key] = mark
		d.spawned.Add(1)
		d.active.Add(1)
		d.wg.Add(1)
		started++
		go d.work(req, mark)
	}

	if started > 0 && logEnabled(slog.LevelDebug) {
		l.Debug("dispatched", "started", started, "inflight", len(d.inflight), "queueLen", d.queue.Len())
	}
	return started
}

// reap drains finished workers and releases their in-flight marks.
func (d *Dispatcher) reap() {
	for {
		select {
		case c := <-d.completions:
			d.settle(c)
		default:
			return
		}
	}
}

func (d *Dispatcher) settle(c completion) {
	if running, ok := d.inflight[c.key]; ok && running == (inflightMark{generation: c.generation, revision: c.revision}) {
		delete(d.inflight, c.key)
	}
	if c.err != nil && c.generation == d.cache.Generation() {
		d.failures.Set(c.key, c.err, ttlcache.DefaultTTL)
	}
}

// work runs one decode. It holds a semaphore slot until the completion has
// been handed to the dispatcher.
func (d *Dispatcher) work(req Request, mark inflightMark) {
	defer d.wg.Done()
	defer d.sem.Release(1)
	defer d.active.Add(-1)

	l := sub("worker")
	gen := mark.generation
	rec := LoadRecord{
		Path:       req.Key.String(),
		Priority:   req.Priority.String(),
		Generation: gen,
		LoadedAt:   nowFunc(),
	}

	entry, err := d.decodeSafely(req.Key)
	inserted := false
	if err == nil {
		entry.Generation = gen
		entry.Revision = mark.revision
		entry.LoadedAt = nowFunc()
		inserted = d.cache.InsertIfAbsent(entry)
		rec.Format = entry.Metadata.Format
		rec.Width = entry.Metadata.Width
		rec.Height = entry.Metadata.Height
		rec.FileSize = entry.Metadata.FileSize
		rec.DecodeTime = entry.DecodedIn
		rec.Inserted = inserted

		switch {
		case inserted:
			d.loaded.Add(1)
			l.Info("image cached", "path", req.Key, "width", entry.Metadata.Width, "height", entry.Metadata.Height,
				"format", entry.Metadata.Format, "took", entry.DecodedIn, "priority", req.Priority)
			d.publish(LoadEvent{Type: EventLoaded, Path: req.Key.String(), Width: entry.Metadata.Width,
				Height: entry.Metadata.Height, Generation: gen})
		case gen != d.cache.Generation():
			d.stale.Add(1)
			l.Debug("decode finished after invalidation, result discarded", "path", req.Key, "gen", gen)
		case mark.revision != d.cache.Revision(req.Key):
			d.stale.Add(1)
			l.Debug("file changed during decode, result discarded", "path", req.Key, "rev", mark.revision)
		default:
			l.Debug("entry already present, result discarded", "path", req.Key)
		}
	} else {
		d.failed.Add(1)
		rec.Error = err.Error()
		l.Warn("decode failed", "path", req.Key, "priority", req.Priority, "err", err)
		d.publish(LoadEvent{Type: EventFailed, Path: req.Key.String(), Generation: gen, Error: err.Error()})
	}

	if d.recorder != nil {
		if rerr := d.recorder.Record(rec); rerr != nil {
			l.Warn("journal record failed", "path", req.Key, "err", rerr)
		}
	}

	d.completions <- completion{key: req.Key, generation: gen, revision: mark.revision, err: err}
}

// decodeSafely turns a decoder panic into an error so one bad file cannot
// take the process down.
func (d *Dispatcher) decodeSafely(key Key) (entry *Entry, err error) {
	defer func() {
		if r := recover(); r != nil {
			entry = nil
			err = unsupported(key.String(), fmt.Errorf("decoder panic: %v", r))
		}
	}()
	return d.decoder.Decode(key)
}

func (d *Dispatcher) publish(ev LoadEvent) {
	if d.events != nil {
		d.events.Publish(ev)
	}
}

// InFlight reports whether a decode for key is running in the current generation.
// Tick goroutine only.
func (d *Dispatcher) InFlight(key Key) bool {
	running, ok := d.inflight[key]
	return ok && running.generation == d.cache.Generation()
}

// InFlightLen returns the number of in-flight marks. Tick goroutine only.
func (d *Dispatcher) InFlightLen() int {
	return len(d.inflight)
}

// Failure returns the error of a recent failed decode of key, if any.
func (d *Dispatcher) Failure(key Key) (error, bool) {
	item := d.failures.Get(key)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// ForgetFailure drops the remembered failure for key.
func (d *Dispatcher) ForgetFailure(key Key) {
	d.failures.Delete(key)
}

// ResetFailures forgets every remembered failure.
func (d *Dispatcher) ResetFailures() {
	d.failures.DeleteAll()
}

// Wait blocks until every started worker has finished, reaping them as
// they complete. Tick goroutine only.
func (d *Dispatcher) Wait() {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	for {
		select {
		case c := <-d.completions:
			d.settle(c)
		case <-done:
			d.reap()
			return
		}
	}
}

// Stats returns the cumulative counters. Safe from any goroutine.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Spawned:    d.spawned.Load(),
		Loaded:     d.loaded.Load(),
		Failed:     d.failed.Load(),
		Stale:      d.stale.Load(),
		Suppressed: d.suppressed.Load(),
		Active:     d.active.Load(),
		Workers:    d.workers,
	}
}

// IsDecodeError reports whether err is a terminal decode failure.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
