// Package dedupe provides time-limited suppression of replayed message IDs.
package dedupe

import (
	"sync"
	"time"
)

// Window tracks recently seen identifiers for a bounded time and count.
// It answers one question: has this id been seen within the TTL?
type Window struct {
	mu      sync.Mutex
	entries map[string]int64 // id -> unix millis of last sighting
	ttl     time.Duration
	maxSize int
}

// Options configures a Window.
type Options struct {
	// TTL is how long a sighting counts as a duplicate. Zero means forever.
	TTL time.Duration
	// MaxSize bounds the number of tracked ids; the oldest are evicted.
	MaxSize int
}

// NewWindow creates a deduplication window.
func NewWindow(opts Options) *Window {
	ttl := opts.TTL
	if ttl < 0 {
		ttl = 0
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Window{
		entries: make(map[string]int64),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Seen reports whether id was recorded within the TTL, and records it either
// way. Empty ids are never considered duplicates and are not stored.
func (w *Window) Seen(id string) bool {
	return w.SeenAt(id, time.Now())
}

// SeenAt is Seen with an explicit clock, for tests.
func (w *Window) SeenAt(id string, now time.Time) bool {
	if id == "" {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	nowMs := now.UnixMilli()
	if ts, ok := w.entries[id]; ok {
		if w.ttl <= 0 || nowMs-ts < w.ttl.Milliseconds() {
			w.entries[id] = nowMs
			return true
		}
	}

	w.entries[id] = nowMs
	w.prune(nowMs)
	return false
}

// Forget drops an id so the next sighting is treated as new.
func (w *Window) Forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, id)
}

// Len returns the number of tracked ids.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func (w *Window) prune(nowMs int64) {
	if w.ttl > 0 {
		cutoff := nowMs - w.ttl.Milliseconds()
		for id, ts := range w.entries {
			if ts < cutoff {
				delete(w.entries, id)
			}
		}
	}

	for len(w.entries) > w.maxSize {
		var oldest string
		oldestTs := int64(1<<63 - 1)
		for id, ts := range w.entries {
			if ts < oldestTs {
				oldestTs = ts
				oldest = id
			}
		}
		if oldest == "" {
			return
		}
		delete(w.entries, oldest)
	}
}
