package source

import (
	"context"
	"sync"
)

// pcmRing is a bounded byte ring between a device callback and Read. When
// full it drops the oldest whole frames so latency stays bounded.
type pcmRing struct {
	mu         sync.Mutex
	buf        []byte
	head, size int
	frameBytes int
	dropped    int64
	closed     bool
	notify     chan struct{}
}

func newPCMRing(capacity, frameBytes int) *pcmRing {
	capacity -= capacity % frameBytes
	return &pcmRing{
		buf:        make([]byte, capacity),
		frameBytes: frameBytes,
		notify:     make(chan struct{}, 1),
	}
}

// Write appends whole frames, evicting the oldest data on overflow.
func (r *pcmRing) Write(p []byte) {
	p = p[:len(p)-len(p)%r.frameBytes]
	if len(p) == 0 {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if len(p) > len(r.buf) {
		r.dropped += int64(len(p) - len(r.buf))
		p = p[len(p)-len(r.buf):]
	}
	if over := r.size + len(p) - len(r.buf); over > 0 {
		r.head = (r.head + over) % len(r.buf)
		r.size -= over
		r.dropped += int64(over)
	}
	tail := (r.head + r.size) % len(r.buf)
	n := copy(r.buf[tail:], p)
	copy(r.buf, p[n:])
	r.size += len(p)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Read blocks until data is buffered and copies whole frames into dst. It
// returns 0 once the ring is closed or ctx ends.
func (r *pcmRing) Read(ctx context.Context, dst []byte) int {
	want := len(dst) - len(dst)%r.frameBytes
	if want == 0 {
		return 0
	}
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return 0
		}
		if r.size > 0 {
			n := min(want, r.size)
			first := copy(dst[:n], r.buf[r.head:min(r.head+n, len(r.buf))])
			copy(dst[first:n], r.buf)
			r.head = (r.head + n) % len(r.buf)
			r.size -= n
			r.mu.Unlock()
			return n
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0
		case <-r.notify:
		}
	}
}

// Dropped is the number of bytes evicted so far.
func (r *pcmRing) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *pcmRing) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
