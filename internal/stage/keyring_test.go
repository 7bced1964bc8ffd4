package stage

import (
	"sync"
	"testing"
)

func TestKeyRing_RotateCycles(t *testing.T) {
	k := newKeyRing([]string{"a", "b", "c"})

	want := []string{"a", "b", "c", "a"}
	for i, w := range want {
		if got := k.current(); got != w {
			t.Errorf("position %d = %q, want %q", i, got, w)
		}
		k.rotate()
	}
}

func TestKeyRing_Empty(t *testing.T) {
	k := newKeyRing(nil)
	if !k.empty() || k.size() != 0 {
		t.Errorf("empty ring: empty() = %v, size() = %d", k.empty(), k.size())
	}
}

// Concurrent rotation must not corrupt the ring; the race detector
// checks the synchronization.
func TestKeyRing_ConcurrentRotation(t *testing.T) {
	k := newKeyRing([]string{"a", "b", "c"})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if got := k.current(); got == "" {
					t.Error("current() returned an empty key")
				}
				k.rotate()
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for range k.size() {
		seen[k.current()] = true
		k.rotate()
	}
	if len(seen) != 3 {
		t.Errorf("ring yields %d distinct keys after concurrent rotation, want 3", len(seen))
	}
}
