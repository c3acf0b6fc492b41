package capture

import (
	"sync"
	"time"
)

// SessionMetrics tracks counters for one capture session. The worker writes,
// anyone may snapshot.
type SessionMetrics struct {
	mu sync.RWMutex

	unitsSubmitted  uint64
	chunksDelivered uint64
	keyFrames       uint64
	bytesDelivered  uint64
	acquireTimeouts uint64
	bitrateChanges  uint64
	lastChunkSize   int
	lastPTS         int64
	drainDuration   time.Duration
	startTime       time.Time
}

func newSessionMetrics() *SessionMetrics {
	return &SessionMetrics{startTime: time.Now()}
}

func (m *SessionMetrics) recordSubmit() {
	m.mu.Lock()
	m.unitsSubmitted++
	m.mu.Unlock()
}

func (m *SessionMetrics) recordChunk(c *EncodedChunk) {
	m.mu.Lock()
	m.chunksDelivered++
	m.bytesDelivered += uint64(len(c.Payload))
	m.lastChunkSize = len(c.Payload)
	m.lastPTS = c.PTSMicros
	if c.KeyFrame {
		m.keyFrames++
	}
	m.mu.Unlock()
}

func (m *SessionMetrics) recordAcquireTimeout() {
	m.mu.Lock()
	m.acquireTimeouts++
	m.mu.Unlock()
}

func (m *SessionMetrics) recordBitrateChange() {
	m.mu.Lock()
	m.bitrateChanges++
	m.mu.Unlock()
}

func (m *SessionMetrics) recordDrain(d time.Duration) {
	m.mu.Lock()
	m.drainDuration = d
	m.mu.Unlock()
}

// MetricsSnapshot is a point-in-time copy of SessionMetrics.
type MetricsSnapshot struct {
	UnitsSubmitted  uint64
	ChunksDelivered uint64
	KeyFrames       uint64
	BytesDelivered  uint64
	AcquireTimeouts uint64
	BitrateChanges  uint64
	LastChunkSize   int
	LastPTSMicros   int64
	DrainMs         float64
	BandwidthKbps   float64
	Uptime          time.Duration
}

func (m *SessionMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uptime := time.Since(m.startTime)
	var kbps float64
	if s := uptime.Seconds(); s > 0 {
		kbps = float64(m.bytesDelivered*8) / s / 1000
	}
	return MetricsSnapshot{
		UnitsSubmitted:  m.unitsSubmitted,
		ChunksDelivered: m.chunksDelivered,
		KeyFrames:       m.keyFrames,
		BytesDelivered:  m.bytesDelivered,
		AcquireTimeouts: m.acquireTimeouts,
		BitrateChanges:  m.bitrateChanges,
		LastChunkSize:   m.lastChunkSize,
		LastPTSMicros:   m.lastPTS,
		DrainMs:         float64(m.drainDuration.Microseconds()) / 1000,
		BandwidthKbps:   kbps,
		Uptime:          uptime,
	}
}
