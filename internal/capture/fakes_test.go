package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/castlink/cast-agent/internal/grant"
)

// fakeEncoder is a synchronous stand-in for a hardware codec: every submitted
// input produces exactly one output chunk whose payload records the bitrate
// in effect when the input was encoded.
type fakeEncoder struct {
	format Format
	caps   Capabilities

	slots    chan *InputSlot
	out      chan *EncodedChunk
	released chan struct{}

	mu           sync.Mutex
	bitrate      int
	seq          int
	stopped      bool
	releaseCalls int
	inputSizes   []int

	// silentDrain makes DrainOutput wait out its timeout and return nothing.
	silentDrain bool
	// hangDrain makes DrainOutput block until Release.
	hangDrain atomic.Bool
	// ptsJitter emits every other chunk with a timestamp in the past.
	ptsJitter bool
	// failAfter makes SubmitInput fail once this many inputs were accepted.
	failAfter int
}

func newFakeEncoder(f Format) *fakeEncoder {
	e := &fakeEncoder{
		format:   f,
		caps:     Capabilities{DynamicBitrate: true, EndOfStream: true},
		slots:    make(chan *InputSlot, 4),
		out:      make(chan *EncodedChunk, 64),
		released: make(chan struct{}),
		bitrate:  f.BitrateBits,
	}
	for i := 0; i < cap(e.slots); i++ {
		slot := &InputSlot{Index: i}
		if f.Media == Video {
			slot.Surface = image.NewRGBA(image.Rect(0, 0, f.Video.Width, f.Video.Height))
		} else {
			slot.Buffer = make([]byte, f.Audio.BytesFor(MaxAudioBlock))
		}
		e.slots <- slot
	}
	return e
}

func (e *fakeEncoder) isReleased() bool {
	select {
	case <-e.released:
		return true
	default:
		return false
	}
}

func (e *fakeEncoder) AcquireInputSlot(ctx context.Context, timeout time.Duration) (*InputSlot, error) {
	if e.isReleased() {
		return nil, ErrEncoderStopped
	}
	if timeout == NoWait {
		select {
		case s := <-e.slots:
			return s, nil
		default:
			return nil, ErrTimeout
		}
	}
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case s := <-e.slots:
		return s, nil
	case <-expired:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.released:
		return nil, ErrEncoderStopped
	}
}

func (e *fakeEncoder) SubmitInput(slot *InputSlot, n int, pts int64, eos bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isReleased() {
		return ErrEncoderStopped
	}
	if e.stopped && !eos {
		return ErrEncoderStopped
	}
	defer func() { e.slots <- slot }()

	if eos {
		if !e.silentDrain {
			e.out <- &EncodedChunk{PTSMicros: pts, EndOfStream: true}
		}
		return nil
	}
	if e.failAfter > 0 && e.seq >= e.failAfter {
		return errors.New("hardware fault")
	}

	e.seq++
	e.inputSizes = append(e.inputSizes, n)
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[0:4], uint32(e.bitrate))
	binary.BigEndian.PutUint32(payload[4:8], uint32(e.seq))
	if e.ptsJitter && e.seq%2 == 0 {
		pts -= 5000
	}
	select {
	case e.out <- &EncodedChunk{Payload: payload, PTSMicros: pts, KeyFrame: e.seq == 1}:
	default:
	}
	return nil
}

func (e *fakeEncoder) DrainOutput(timeout time.Duration) (*EncodedChunk, error) {
	if e.isReleased() {
		return nil, ErrEncoderStopped
	}
	if e.hangDrain.Load() {
		<-e.released
		return nil, ErrEncoderStopped
	}
	if e.silentDrain {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return nil, nil
	}
	if timeout <= 0 {
		select {
		case c := <-e.out:
			return c, nil
		default:
			return nil, nil
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c := <-e.out:
		return c, nil
	case <-t.C:
		return nil, nil
	case <-e.released:
		return nil, ErrEncoderStopped
	}
}

func (e *fakeEncoder) ReconfigureBitrate(bits int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isReleased() {
		return ErrEncoderStopped
	}
	e.bitrate = bits
	return nil
}

func (e *fakeEncoder) currentBitrate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bitrate
}

func (e *fakeEncoder) sizes() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.inputSizes...)
}

func (e *fakeEncoder) Capabilities() Capabilities { return e.caps }

func (e *fakeEncoder) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isReleased() {
		return ErrEncoderStopped
	}
	e.stopped = true
	return nil
}

func (e *fakeEncoder) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseCalls++
	if !e.isReleased() {
		close(e.released)
	}
	return nil
}

// fakeFactory records every encoder it configures.
type fakeFactory struct {
	mu       sync.Mutex
	encoders []*fakeEncoder
	err      error
	tweak    func(*fakeEncoder)
}

func (f *fakeFactory) Configure(format Format) (Encoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	e := newFakeEncoder(format)
	if f.tweak != nil {
		f.tweak(e)
	}
	f.encoders = append(f.encoders, e)
	return e, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.encoders)
}

func (f *fakeFactory) last() *fakeEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.encoders) == 0 {
		return nil
	}
	return f.encoders[len(f.encoders)-1]
}

type fakeFrames struct {
	starts  atomic.Int32
	stopped atomic.Bool
	frames  atomic.Int64
}

func (s *fakeFrames) Start(context.Context) error { s.starts.Add(1); return nil }
func (s *fakeFrames) Stop()                       { s.stopped.Store(true) }

func (s *fakeFrames) Render(ctx context.Context, dst *image.RGBA) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Millisecond):
	}
	n := s.frames.Add(1)
	dst.Pix[0] = byte(n)
	return nil
}

type fakeSamples struct {
	stopped atomic.Bool
	reads   atomic.Int64
}

func (s *fakeSamples) Start(context.Context) error { return nil }
func (s *fakeSamples) Stop()                       { s.stopped.Store(true) }
func (s *fakeSamples) Stopped() bool               { return s.stopped.Load() }

func (s *fakeSamples) Read(ctx context.Context, buf []byte) (int, error) {
	if s.stopped.Load() {
		return 0, nil
	}
	select {
	case <-ctx.Done():
		return 0, nil
	case <-time.After(time.Millisecond):
	}
	s.reads.Add(1)
	clear(buf)
	return len(buf), nil
}

// chunkLog is a thread-safe sink.
type chunkLog struct {
	mu     sync.Mutex
	chunks []EncodedChunk
}

func (l *chunkLog) handle(c EncodedChunk) {
	l.mu.Lock()
	l.chunks = append(l.chunks, c)
	l.mu.Unlock()
}

func (l *chunkLog) snapshot() []EncodedChunk {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]EncodedChunk(nil), l.chunks...)
}

func (l *chunkLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chunks)
}

type harness struct {
	ctrl    *Controller
	factory *fakeFactory
	frames  *fakeFrames
	samples *fakeSamples
	sink    *chunkLog
	errs    chan *PipelineError
}

func newHarness(t *testing.T, tweak func(*Config)) *harness {
	t.Helper()
	h := &harness{
		factory: &fakeFactory{},
		frames:  &fakeFrames{},
		samples: &fakeSamples{},
		sink:    &chunkLog{},
		errs:    make(chan *PipelineError, 8),
	}
	cfg := Config{
		Encoders: h.factory,
		FrameSources: func(*grant.Grant, VideoParams) (FrameSource, error) {
			return h.frames, nil
		},
		SampleSources: func(*grant.Grant, AudioParams) (SampleSource, error) {
			return h.samples, nil
		},
		Sink:    h.sink.handle,
		OnError: func(pe *PipelineError) { h.errs <- pe },
	}
	if tweak != nil {
		tweak(&cfg)
	}
	ctrl, err := NewController(cfg)
	if err != nil {
		t.Fatal(err)
	}
	h.ctrl = ctrl
	t.Cleanup(func() { ctrl.StopAll() })
	return h
}

func validGrant(t *testing.T) *grant.Grant {
	t.Helper()
	g, err := grant.Issue(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func videoConfig(bitrate int) SessionConfig {
	return SessionConfig{
		Codec:            "fake",
		Video:            VideoParams{Width: 64, Height: 48, FrameRate: 30},
		BitrateBits:      bitrate,
		KeyFrameInterval: time.Second,
	}
}

func audioConfig() SessionConfig {
	return SessionConfig{
		Codec:       "fake",
		Audio:       AudioParams{SampleRate: 48000, Channels: 2},
		BitrateBits: 128_000,
	}
}

func chunkBitrate(c EncodedChunk) int {
	return int(binary.BigEndian.Uint32(c.Payload[0:4]))
}

func chunkSeq(c EncodedChunk) int {
	return int(binary.BigEndian.Uint32(c.Payload[4:8]))
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
