package loader

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRecorder struct {
	mu      sync.Mutex
	records []LoadRecord
}

func (m *memRecorder) Record(rec LoadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memRecorder) all() []LoadRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LoadRecord(nil), m.records...)
}

type dispatchEnv struct {
	queue   *RequestQueue
	cache   *ContentCache
	decoder *fakeDecoder
	events  *EventBus
	rec     *memRecorder
	d       *Dispatcher
}

func setupDispatcher(t *testing.T, workers int) *dispatchEnv {
	t.Helper()
	env := &dispatchEnv{
		queue:   NewRequestQueue(),
		cache:   NewContentCache(),
		decoder: newFakeDecoder(),
		events:  NewEventBus(),
		rec:     &memRecorder{},
	}
	env.d = NewDispatcher(env.queue, env.cache, env.decoder, workers, time.Minute, env.events, env.rec)
	t.Cleanup(func() {
		if env.decoder.gate != nil {
			select {
			case <-env.decoder.gate:
			default:
				close(env.decoder.gate)
			}
		}
		env.d.Wait()
	})
	return env
}

func TestDispatcher_LoadsIntoCache(t *testing.T) {
	env := setupDispatcher(t, 2)
	ch := env.events.Subscribe()

	env.queue.Submit("/img/a.png", Interactive)
	assert.Equal(t, 1, env.d.DispatchReadyWork())
	env.d.Wait()

	e, ok := env.cache.Get("/img/a.png")
	require.True(t, ok)
	assert.Equal(t, env.cache.Generation(), e.Generation)
	assert.False(t, e.LoadedAt.IsZero())
	assert.Zero(t, env.d.InFlightLen())

	select {
	case ev := <-ch:
		assert.Equal(t, EventLoaded, ev.Type)
		assert.Equal(t, "/img/a.png", ev.Path)
	case <-time.After(time.Second):
		t.Fatal("expected a loaded event")
	}

	recs := env.rec.all()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Inserted)
	assert.Equal(t, "interactive", recs[0].Priority)
	assert.Equal(t, "png", recs[0].Format)
}

func TestDispatcher_NoDuplicateDispatch(t *testing.T) {
	env := setupDispatcher(t, 4)
	env.decoder.gate = make(chan struct{})

	env.queue.Submit("/img/a.png", Interactive)
	require.Equal(t, 1, env.d.DispatchReadyWork())
	assert.True(t, env.d.InFlight("/img/a.png"))

	env.queue.Submit("/img/a.png", Interactive)
	env.queue.Submit("/img/a.png", Prefetch)
	assert.Equal(t, 0, env.d.DispatchReadyWork())
	assert.Equal(t, int64(1), env.d.Stats().Suppressed)

	close(env.decoder.gate)
	env.d.Wait()
	assert.Equal(t, 1, env.decoder.callsFor("/img/a.png"))
	assert.False(t, env.d.InFlight("/img/a.png"))
}

func TestDispatcher_SkipsCached(t *testing.T) {
	env := setupDispatcher(t, 2)
	require.True(t, env.cache.InsertIfAbsent(newEntry("/img/a.png", env.cache.Generation())))

	env.queue.Submit("/img/a.png", Interactive)
	assert.Equal(t, 0, env.d.DispatchReadyWork())
	assert.Zero(t, env.decoder.callsFor("/img/a.png"))
	assert.Zero(t, env.queue.Len())
}

func TestDispatcher_InteractiveBeforePrefetch(t *testing.T) {
	env := setupDispatcher(t, 1)
	env.decoder.gate = make(chan struct{})

	env.queue.Submit("/img/p.png", Prefetch)
	env.queue.Submit("/img/i.png", Interactive)

	require.Equal(t, 1, env.d.DispatchReadyWork())
	waitFor(t, time.Second, func() bool { return len(env.decoder.started()) == 1 })
	assert.Equal(t, []Key{"/img/i.png"}, env.decoder.started())

	// Pool is full: nothing else starts.
	assert.Equal(t, 0, env.d.DispatchReadyWork())
	assert.Equal(t, 1, env.queue.Len())

	close(env.decoder.gate)
	env.d.Wait()
	require.Equal(t, 1, env.d.DispatchReadyWork())
	env.d.Wait()
	assert.Equal(t, []Key{"/img/i.png", "/img/p.png"}, env.decoder.started())
}

func TestDispatcher_PoolBound(t *testing.T) {
	env := setupDispatcher(t, 2)
	env.decoder.gate = make(chan struct{})

	keys := []Key{"/img/1.png", "/img/2.png", "/img/3.png", "/img/4.png", "/img/5.png"}
	env.queue.SubmitMany(keys, Prefetch)

	assert.Equal(t, 2, env.d.DispatchReadyWork())
	assert.Equal(t, int64(2), env.d.Stats().Active)
	assert.Equal(t, 3, env.queue.Len())

	close(env.decoder.gate)
	for env.queue.Len() > 0 {
		env.d.Wait()
		env.d.DispatchReadyWork()
	}
	env.d.Wait()

	for _, k := range keys {
		assert.True(t, env.cache.Contains(k), k)
	}
	assert.Equal(t, int64(5), env.d.Stats().Spawned)
	assert.Zero(t, env.d.Stats().Active)
}

func TestDispatcher_CacheContentionRequeues(t *testing.T) {
	env := setupDispatcher(t, 2)
	env.queue.Submit("/img/a.png", Interactive)

	env.cache.mu.Lock()
	assert.Equal(t, 0, env.d.DispatchReadyWork())
	env.cache.mu.Unlock()

	assert.True(t, env.queue.Has("/img/a.png"))
	assert.Zero(t, env.d.Stats().Active)

	assert.Equal(t, 1, env.d.DispatchReadyWork())
}

func TestDispatcher_FailureMemo(t *testing.T) {
	env := setupDispatcher(t, 2)
	env.decoder.fail["/img/broken.png"] = errBroken

	env.queue.Submit("/img/broken.png", Interactive)
	require.Equal(t, 1, env.d.DispatchReadyWork())
	env.d.Wait()

	err, failed := env.d.Failure("/img/broken.png")
	require.True(t, failed)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.False(t, env.cache.Contains("/img/broken.png"))

	// Prefetch skips a recently failed file.
	env.queue.Submit("/img/broken.png", Prefetch)
	assert.Equal(t, 0, env.d.DispatchReadyWork())
	assert.Equal(t, 1, env.decoder.callsFor("/img/broken.png"))

	// An explicit request retries it.
	env.queue.Submit("/img/broken.png", Interactive)
	assert.Equal(t, 1, env.d.DispatchReadyWork())
	env.d.Wait()
	assert.Equal(t, 2, env.decoder.callsFor("/img/broken.png"))

	env.d.ResetFailures()
	_, failed = env.d.Failure("/img/broken.png")
	assert.False(t, failed)

	recs := env.rec.all()
	require.Len(t, recs, 2)
	assert.NotEmpty(t, recs[0].Error)
}

func TestDispatcher_FailureMemoExpires(t *testing.T) {
	env := setupDispatcher(t, 1)
	env.d = NewDispatcher(env.queue, env.cache, env.decoder, 1, 50*time.Millisecond, nil, nil)
	env.decoder.fail["/img/broken.png"] = errBroken

	env.queue.Submit("/img/broken.png", Prefetch)
	env.d.DispatchReadyWork()
	env.d.Wait()
	_, failed := env.d.Failure("/img/broken.png")
	require.True(t, failed)

	waitFor(t, time.Second, func() bool {
		_, failed := env.d.Failure("/img/broken.png")
		return !failed
	})
}

func TestDispatcher_PanicIsRecovered(t *testing.T) {
	env := setupDispatcher(t, 1)
	env.decoder.panic["/img/evil.png"] = true

	env.queue.Submit("/img/evil.png", Interactive)
	env.d.DispatchReadyWork()
	env.d.Wait()

	err, failed := env.d.Failure("/img/evil.png")
	require.True(t, failed)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.Contains(t, err.Error(), "decoder panic")
	assert.Equal(t, int64(1), env.d.Stats().Failed)

	// The slot was returned.
	env.queue.Submit("/img/fine.png", Interactive)
	assert.Equal(t, 1, env.d.DispatchReadyWork())
}

func TestDispatcher_StaleGeneration(t *testing.T) {
	env := setupDispatcher(t, 2)
	env.decoder.gate = make(chan struct{})

	env.queue.Submit("/img/a.png", Interactive)
	require.Equal(t, 1, env.d.DispatchReadyWork())

	env.cache.Clear()
	assert.False(t, env.d.InFlight("/img/a.png"))

	// The same key in the new generation is dispatched again.
	env.queue.Submit("/img/a.png", Interactive)
	require.Equal(t, 1, env.d.DispatchReadyWork())

	close(env.decoder.gate)
	env.d.Wait()

	e, ok := env.cache.Get("/img/a.png")
	require.True(t, ok)
	assert.Equal(t, env.cache.Generation(), e.Generation)
	assert.Equal(t, 2, env.decoder.callsFor("/img/a.png"))
	assert.Zero(t, env.d.InFlightLen())
	assert.Equal(t, int64(1), env.d.Stats().Stale)
}

func TestDispatcher_ChangedFileIsDecodedAgain(t *testing.T) {
	env := setupDispatcher(t, 2)
	env.decoder.gate = make(chan struct{})

	env.queue.Submit("/img/a.png", Prefetch)
	require.Equal(t, 1, env.d.DispatchReadyWork())

	// The file changes while its first decode is still running.
	env.cache.Remove("/img/a.png")
	env.queue.Submit("/img/a.png", Prefetch)
	assert.Equal(t, 1, env.d.DispatchReadyWork(), "re-submit not suppressed")
	assert.Zero(t, env.d.Stats().Suppressed)

	close(env.decoder.gate)
	env.d.Wait()

	e, ok := env.cache.Get("/img/a.png")
	require.True(t, ok)
	assert.Equal(t, uint64(1), e.Revision)
	assert.Equal(t, 2, env.decoder.callsFor("/img/a.png"))
	assert.Equal(t, int64(1), env.d.Stats().Stale)
	assert.Zero(t, env.d.InFlightLen())
}
