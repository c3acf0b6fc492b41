// Package sink holds the consumers of encoded chunks: a fanout that feeds
// several consumers from the single worker callback, a websocket preview
// server and a WebRTC publisher.
package sink

import (
	"sync"

	"github.com/castlink/cast-agent/internal/capture"
	"github.com/castlink/cast-agent/internal/logging"
)

var log = logging.L("sink")

// Fanout forwards every chunk to each attached handler in order. A handler
// that panics is logged and skipped; the others still see the chunk.
type Fanout struct {
	mu       sync.RWMutex
	handlers []namedHandler
}

type namedHandler struct {
	name string
	fn   capture.ChunkHandler
}

// NewFanout returns an empty Fanout.
func NewFanout() *Fanout {
	return &Fanout{}
}

// Add attaches fn under name. Names only show up in logs.
func (f *Fanout) Add(name string, fn capture.ChunkHandler) {
	if fn == nil {
		return
	}
	f.mu.Lock()
	next := make([]namedHandler, len(f.handlers), len(f.handlers)+1)
	copy(next, f.handlers)
	f.handlers = append(next, namedHandler{name: name, fn: fn})
	f.mu.Unlock()
}

// Remove detaches every handler registered under name.
func (f *Fanout) Remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Handle iterates a snapshot outside the lock, so never edit in place.
	kept := make([]namedHandler, 0, len(f.handlers))
	for _, h := range f.handlers {
		if h.name != name {
			kept = append(kept, h)
		}
	}
	f.handlers = kept
}

// Len reports the number of attached handlers.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.handlers)
}

// Handle is a capture.ChunkHandler.
func (f *Fanout) Handle(c capture.EncodedChunk) {
	f.mu.RLock()
	handlers := f.handlers
	f.mu.RUnlock()
	for _, h := range handlers {
		deliver(h, c)
	}
}

func deliver(h namedHandler, c capture.EncodedChunk) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("sink panicked", "sink", h.name, logging.KeyMedia, c.Media.String(), "panic", r)
		}
	}()
	h.fn(c)
}
