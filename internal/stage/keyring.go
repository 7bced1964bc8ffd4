package stage

import "sync/atomic"

// keyRing hands out Gemini API keys round-robin. One adapter instance
// serves every concurrent worker, so rotation must be safe to call from
// multiple goroutines at once.
type keyRing struct {
	keys []string
	cur  atomic.Int64
}

func newKeyRing(keys []string) *keyRing {
	return &keyRing{keys: keys}
}

func (k *keyRing) empty() bool { return len(k.keys) == 0 }

func (k *keyRing) size() int { return len(k.keys) }

// current returns the key at the ring's present position.
func (k *keyRing) current() string {
	return k.keys[int(k.cur.Load())%len(k.keys)]
}

// rotate advances to the next key. The counter grows without wrapping;
// current reduces it modulo the ring size.
func (k *keyRing) rotate() {
	k.cur.Add(1)
}
