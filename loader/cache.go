package loader

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"
)

// ContentCache maps canonical paths to decoded entries.
//
// The lock guards only map operations; decoding and I/O always happen
// outside it, so writers hold it for a map assignment at most. Callers on
// the tick goroutine use the Try variants and skip a tick instead of waiting.
//
// Every Clear starts a new directory generation. Entries decoded under an
// older generation are refused by InsertIfAbsent, so a slow decode from the
// previous working directory cannot land after the invalidation. Remove
// does the same for a single key by bumping its revision.
type ContentCache struct {
	mu         sync.RWMutex
	entries    map[Key]*Entry
	revisions  map[Key]uint64 // keys removed since the last Clear
	generation atomic.Uint64  // written only with mu held
}

// NewContentCache creates an empty cache at generation 1.
func NewContentCache() *ContentCache {
	c := &ContentCache{entries: make(map[Key]*Entry), revisions: make(map[Key]uint64)}
	c.generation.Store(1)
	return c
}

// Get returns the entry for key, waiting briefly if a writer holds the lock.
func (c *ContentCache) Get(key Key) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// TryGet returns the entry for key without waiting. If the lock is held by
// a writer it returns ErrLockContention and the caller retries next tick.
func (c *ContentCache) TryGet(key Key) (*Entry, bool, error) {
	if !c.mu.TryRLock() {
		return nil, false, ErrLockContention
	}
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok, nil
}

// Contains reports whether key is cached.
func (c *ContentCache) Contains(key Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[key]
	return ok
}

// TryContains is Contains without waiting; see TryGet.
func (c *ContentCache) TryContains(key Key) (bool, error) {
	if !c.mu.TryRLock() {
		return false, ErrLockContention
	}
	defer c.mu.RUnlock()
	_, ok := c.entries[key]
	return ok, nil
}

// TryLookup reports whether key is cached and its current revision, without
// waiting; see TryGet.
func (c *ContentCache) TryLookup(key Key) (cached bool, revision uint64, err error) {
	if !c.mu.TryRLock() {
		return false, 0, ErrLockContention
	}
	defer c.mu.RUnlock()
	_, cached = c.entries[key]
	return cached, c.revisions[key], nil
}

// Revision returns the revision of key. Decodes must carry it into the entry.
func (c *ContentCache) Revision(key Key) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.revisions[key]
}

// InsertIfAbsent stores entry under entry.Key unless the key is already
// cached (first writer wins) or the entry belongs to a stale generation or
// revision. It reports whether the entry was stored.
func (c *ContentCache) InsertIfAbsent(entry *Entry) bool {
	c.mu.Lock()
	current := c.generation.Load()
	if entry.Generation != current {
		c.mu.Unlock()
		sub("cache").Debug("stale insert refused", "path", entry.Key, "entryGen", entry.Generation, "gen", current)
		return false
	}
	if rev := c.revisions[entry.Key]; entry.Revision != rev {
		c.mu.Unlock()
		sub("cache").Debug("superseded insert refused", "path", entry.Key, "entryRev", entry.Revision, "rev", rev)
		return false
	}
	if _, exists := c.entries[entry.Key]; exists {
		c.mu.Unlock()
		if logEnabled(slog.LevelDebug) {
			sub("cache").Debug("insert dedup", "path", entry.Key)
		}
		return false
	}
	c.entries[entry.Key] = entry
	size := len(c.entries)
	c.mu.Unlock()

	if logEnabled(slog.LevelDebug) {
		sub("cache").Debug("insert", "path", entry.Key, "gen", current, "len", size)
	}
	return true
}

// Remove drops the entry for key and reports whether one existed. Decodes
// of key started before the call are refused afterwards.
func (c *ContentCache) Remove(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	c.revisions[key]++
	return ok
}

// Clear drops every entry and starts a new generation, returned to the caller.
func (c *ContentCache) Clear() uint64 {
	c.mu.Lock()
	dropped := len(c.entries)
	c.entries = make(map[Key]*Entry)
	c.revisions = make(map[Key]uint64)
	gen := c.generation.Add(1)
	c.mu.Unlock()

	sub("cache").Info("cache cleared", "dropped", dropped, "gen", gen)
	return gen
}

// Generation returns the current directory generation.
func (c *ContentCache) Generation() uint64 {
	return c.generation.Load()
}

// Len returns the number of cached entries.
func (c *ContentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Keys returns the cached keys in no particular order.
func (c *ContentCache) Keys() []Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lo.Keys(c.entries)
}

// Snapshot returns the cached entries in no particular order.
func (c *ContentCache) Snapshot() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lo.Values(c.entries)
}
