package dedupe

import (
	"fmt"
	"testing"
	"time"
)

func TestSeen(t *testing.T) {
	w := NewWindow(Options{TTL: time.Minute})

	if w.Seen("a") {
		t.Error("first sighting should not be a duplicate")
	}
	if !w.Seen("a") {
		t.Error("second sighting should be a duplicate")
	}
	if w.Seen("b") {
		t.Error("distinct id should not be a duplicate")
	}
}

func TestEmptyIDNeverDuplicate(t *testing.T) {
	w := NewWindow(Options{TTL: time.Minute})
	if w.Seen("") || w.Seen("") {
		t.Error("empty id must never report as duplicate")
	}
}

func TestTTLExpiry(t *testing.T) {
	w := NewWindow(Options{TTL: time.Minute})
	now := time.Now()

	if w.SeenAt("a", now) {
		t.Fatal("first sighting should not be a duplicate")
	}
	if !w.SeenAt("a", now.Add(30*time.Second)) {
		t.Error("sighting within TTL should be a duplicate")
	}
	if w.SeenAt("a", now.Add(2*time.Minute)) {
		t.Error("sighting after TTL should not be a duplicate")
	}
}

func TestMaxSizeEviction(t *testing.T) {
	w := NewWindow(Options{TTL: time.Hour, MaxSize: 4})
	now := time.Now()

	for i := 0; i < 8; i++ {
		w.SeenAt(fmt.Sprintf("id-%d", i), now.Add(time.Duration(i)*time.Second))
	}
	if got := w.Len(); got > 4 {
		t.Errorf("Len() = %d, want <= 4", got)
	}
	// The newest entry must survive eviction.
	if !w.SeenAt("id-7", now.Add(9*time.Second)) {
		t.Error("newest entry should still be tracked")
	}
}

func TestForget(t *testing.T) {
	w := NewWindow(Options{TTL: time.Minute})
	w.Seen("a")
	w.Forget("a")
	if w.Seen("a") {
		t.Error("forgotten id should not be a duplicate")
	}
}
