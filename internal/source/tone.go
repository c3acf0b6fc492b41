package source

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/castlink/cast-agent/internal/capture"
	"github.com/castlink/cast-agent/internal/grant"
)

const (
	defaultToneHz = 440
	toneAmplitude = 0.25 * math.MaxInt16
	toneMinBatch  = 5 * time.Millisecond
	toneStopPoll  = 20 * time.Millisecond
)

// Tone generates a sine wave in real time: Read hands out only as many
// samples as wall-clock time has produced since Start.
type Tone struct {
	grant  *grant.Grant
	params capture.AudioParams
	hz     float64

	mu      sync.Mutex
	start   time.Time
	emitted int64 // frames handed out
	phase   float64

	started atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}
	once    sync.Once
}

func NewTone(g *grant.Grant, p capture.AudioParams, hz float64) *Tone {
	if hz <= 0 {
		hz = defaultToneHz
	}
	return &Tone{grant: g, params: p, hz: hz, stopCh: make(chan struct{})}
}

func (t *Tone) Start(context.Context) error {
	if err := checkGrant(t.grant); err != nil {
		return err
	}
	t.mu.Lock()
	if t.start.IsZero() {
		t.start = time.Now()
	}
	t.mu.Unlock()
	t.started.Store(true)
	return nil
}

func (t *Tone) Stopped() bool { return t.stopped.Load() }

func (t *Tone) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		close(t.stopCh)
	})
}

func (t *Tone) Read(ctx context.Context, buf []byte) (int, error) {
	frameBytes := 2 * t.params.Channels
	maxFrames := int64(len(buf) / frameBytes)
	if maxFrames == 0 || !t.started.Load() {
		return 0, nil
	}
	minFrames := max(1, int64(toneMinBatch.Seconds()*float64(t.params.SampleRate)))
	minFrames = min(minFrames, maxFrames)

	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if t.stopped.Load() || ctx.Err() != nil {
			return 0, nil
		}
		due := int64(time.Since(t.start).Seconds()*float64(t.params.SampleRate)) - t.emitted
		if due >= minFrames {
			n := min(due, maxFrames)
			t.fill(buf[:n*int64(frameBytes)])
			t.emitted += n
			return int(n) * frameBytes, nil
		}
		wait := time.Duration(float64(minFrames-due) / float64(t.params.SampleRate) * float64(time.Second))
		timer := time.NewTimer(min(wait, toneStopPoll))
		select {
		case <-ctx.Done():
		case <-t.stopCh:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (t *Tone) fill(buf []byte) {
	step := 2 * math.Pi * t.hz / float64(t.params.SampleRate)
	ch := t.params.Channels
	for i := 0; i+2*ch <= len(buf); i += 2 * ch {
		v := uint16(int16(toneAmplitude * math.Sin(t.phase)))
		for c := 0; c < ch; c++ {
			binary.LittleEndian.PutUint16(buf[i+2*c:], v)
		}
		t.phase += step
		if t.phase > 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
}
