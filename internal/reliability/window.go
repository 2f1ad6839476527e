package reliability

import (
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// receivedWindow remembers the most recently received DATA sequence numbers.
// Membership checks use Contains, which does not refresh recency, so the
// oldest insertion is evicted first.
type receivedWindow struct {
	lru *simplelru.LRU[uint32, struct{}]
}

func newReceivedWindow(size int) *receivedWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	// NewLRU only fails for a non-positive size.
	lru, _ := simplelru.NewLRU[uint32, struct{}](size, nil)
	return &receivedWindow{lru: lru}
}

// seen reports whether seq was recorded and is still in the window.
func (w *receivedWindow) seen(seq uint32) bool {
	return w.lru.Contains(seq)
}

// record adds seq, evicting the oldest entry when full.
func (w *receivedWindow) record(seq uint32) {
	w.lru.Add(seq, struct{}{})
}

func (w *receivedWindow) len() int {
	return w.lru.Len()
}

func (w *receivedWindow) reset() {
	w.lru.Purge()
}
