package codec

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/castlink/cast-agent/internal/capture"
)

const releaseWait = time.Second

type job struct {
	slot *capture.InputSlot
	n    int
	pts  int64
	eos  bool
}

// asyncEncoder runs a Backend on its own goroutine behind the input-slot and
// output-queue pair of capture.Encoder. Input slots return to the free ring
// only after the backend is done with them, so a slow backend shows up as
// acquire timeouts rather than unbounded memory.
type asyncEncoder struct {
	media   capture.MediaType
	format  capture.Format
	factory BackendFactory
	caps    capture.Capabilities
	log     *slog.Logger

	// backend and format are owned by the encode goroutine once it starts;
	// backendMu guards replacing backend so Release can read it.
	backend   Backend
	backendMu sync.Mutex

	free    chan *capture.InputSlot
	pending chan job
	out     chan *capture.EncodedChunk

	stopped   chan struct{}
	released  chan struct{}
	failed    chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	relOnce   sync.Once
	failOnce  sync.Once
	failure   error
	submitMu  sync.Mutex
	eosQueued bool

	// liveBitrate is applied between frames; queuedBitrate at the next
	// reconfigure of a fixed-bitrate backend.
	liveBitrate   atomic.Int64
	queuedBitrate atomic.Int64

	keyInterval int64
	lastKeyPTS  int64
	lastInPTS   int64
	sentFirst   bool
}

func newAsyncEncoder(f capture.Format, backend Backend, factory BackendFactory, slots, depth int) *asyncEncoder {
	e := &asyncEncoder{
		media:       f.Media,
		format:      f,
		factory:     factory,
		backend:     backend,
		log:         log.With("codec", f.Codec, "media", f.Media.String()),
		free:        make(chan *capture.InputSlot, slots),
		pending:     make(chan job, slots),
		out:         make(chan *capture.EncodedChunk, depth),
		stopped:     make(chan struct{}),
		released:    make(chan struct{}),
		failed:      make(chan struct{}),
		done:        make(chan struct{}),
		keyInterval: f.KeyFrameInterval.Microseconds(),
	}
	_, dynamic := backend.(bitrateSetter)
	hw := false
	if h, ok := backend.(hardwareBackend); ok {
		hw = h.IsHardware()
	}
	e.caps = capture.Capabilities{DynamicBitrate: dynamic, EndOfStream: true, Hardware: hw}
	if fr, ok := backend.(fixedRater); ok {
		e.caps.FixedBitrate = fr.FixedBitrate()
	}

	for i := 0; i < slots; i++ {
		slot := &capture.InputSlot{Index: i}
		if f.Media == capture.Video {
			slot.Surface = image.NewRGBA(image.Rect(0, 0, f.Video.Width, f.Video.Height))
		} else {
			slot.Buffer = make([]byte, f.Audio.BytesFor(capture.MaxAudioBlock))
		}
		e.free <- slot
	}

	go e.run()
	return e
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (e *asyncEncoder) AcquireInputSlot(ctx context.Context, timeout time.Duration) (*capture.InputSlot, error) {
	if isClosed(e.released) || isClosed(e.stopped) {
		return nil, capture.ErrEncoderStopped
	}
	if isClosed(e.failed) {
		return nil, e.failure
	}
	if timeout == capture.NoWait {
		select {
		case s := <-e.free:
			return s, nil
		default:
			return nil, capture.ErrTimeout
		}
	}
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case s := <-e.free:
		return s, nil
	case <-expired:
		return nil, capture.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.stopped:
		return nil, capture.ErrEncoderStopped
	case <-e.released:
		return nil, capture.ErrEncoderStopped
	case <-e.failed:
		return nil, e.failure
	}
}

func (e *asyncEncoder) SubmitInput(slot *capture.InputSlot, n int, ptsMicros int64, eos bool) error {
	if slot == nil {
		return errors.New("codec: submit without a slot")
	}
	e.submitMu.Lock()
	defer e.submitMu.Unlock()
	if isClosed(e.released) || isClosed(e.stopped) || e.eosQueued {
		return capture.ErrEncoderStopped
	}
	if isClosed(e.failed) {
		return e.failure
	}
	if e.media == capture.Audio && (n < 0 || n > len(slot.Buffer)) {
		return fmt.Errorf("codec: %d bytes do not fit slot of %d", n, len(slot.Buffer))
	}
	e.eosQueued = eos
	// pending has one entry per slot, so this never blocks.
	e.pending <- job{slot: slot, n: n, pts: ptsMicros, eos: eos}
	return nil
}

func (e *asyncEncoder) DrainOutput(timeout time.Duration) (*capture.EncodedChunk, error) {
	if isClosed(e.released) {
		return nil, capture.ErrEncoderStopped
	}
	select {
	case c := <-e.out:
		return c, nil
	default:
	}
	if isClosed(e.failed) {
		return nil, e.failure
	}
	if timeout == capture.NoWait {
		return nil, nil
	}
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case c := <-e.out:
		return c, nil
	case <-expired:
		return nil, nil
	case <-e.released:
		return nil, capture.ErrEncoderStopped
	case <-e.failed:
		return nil, e.failure
	}
}

func (e *asyncEncoder) ReconfigureBitrate(bits int) error {
	if isClosed(e.released) {
		return capture.ErrEncoderStopped
	}
	if bits <= 0 {
		return fmt.Errorf("%w: bitrate %d", capture.ErrConfigRejected, bits)
	}
	switch {
	case e.caps.FixedBitrate > 0:
		// Nothing to rebuild; the output rate cannot change.
	case e.caps.DynamicBitrate:
		e.liveBitrate.Store(int64(bits))
	default:
		e.queuedBitrate.Store(int64(bits))
	}
	return nil
}

func (e *asyncEncoder) Capabilities() capture.Capabilities { return e.caps }

// Stop refuses further input. Inputs already submitted are still encoded
// and can be drained until Release.
func (e *asyncEncoder) Stop() error {
	if isClosed(e.released) {
		return capture.ErrEncoderStopped
	}
	e.stopOnce.Do(func() { close(e.stopped) })
	return nil
}

// Release stops the encode goroutine and frees the backend. Safe to call
// more than once.
func (e *asyncEncoder) Release() error {
	var err error
	e.relOnce.Do(func() {
		e.stopOnce.Do(func() { close(e.stopped) })
		close(e.released)
		select {
		case <-e.done:
		case <-time.After(releaseWait):
			// Closing the backend is what unblocks a wedged Encode.
			e.log.Warn("encoder busy at release, closing backend under it")
		}
		e.backendMu.Lock()
		backend := e.backend
		e.backendMu.Unlock()
		err = backend.Close()
	})
	return err
}

func (e *asyncEncoder) fail(err error) {
	e.failOnce.Do(func() {
		e.failure = fmt.Errorf("%s encode: %w", e.format.Codec, err)
		close(e.failed)
	})
}

func (e *asyncEncoder) run() {
	defer close(e.done)
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("encoder backend panicked", "panic", r)
			e.fail(fmt.Errorf("panic: %v", r))
		}
	}()
	for {
		select {
		case <-e.released:
			return
		case j := <-e.pending:
			if !e.process(j) {
				return
			}
		}
	}
}

// process encodes one job and reports whether the goroutine should continue.
func (e *asyncEncoder) process(j job) bool {
	defer func() { e.free <- j.slot }()

	if j.eos {
		stop, err := e.flush(e.backend, j.pts)
		if err != nil {
			e.fail(err)
			return false
		}
		if stop {
			return false
		}
		return !e.emit(&capture.EncodedChunk{PTSMicros: j.pts, Media: e.media, EndOfStream: true})
	}
	stop, err := e.applyBitrate()
	if err != nil {
		e.fail(err)
		return false
	}
	if stop {
		return false
	}
	e.lastInPTS = j.pts

	in := &Input{PTSMicros: j.pts}
	if e.format.Media == capture.Video {
		in.Surface = j.slot.Surface
		if !e.sentFirst || (e.keyInterval > 0 && j.pts-e.lastKeyPTS >= e.keyInterval) {
			in.ForceKey = true
		}
	} else {
		in.PCM = j.slot.Buffer[:j.n]
	}

	silent := e.format.Media == capture.Audio && isSilent(in.PCM)
	err = e.backend.Encode(in, func(o Output) {
		if stop || len(o.Payload) == 0 {
			return
		}
		if o.KeyFrame {
			e.lastKeyPTS = j.pts
		}
		e.sentFirst = true
		stop = e.emit(e.chunk(o, j.pts, silent))
	})
	if err != nil {
		e.fail(err)
		return false
	}
	return !stop
}

// chunk copies o so the backend can reuse its buffer.
func (e *asyncEncoder) chunk(o Output, pts int64, silent bool) *capture.EncodedChunk {
	return &capture.EncodedChunk{
		Payload:   append([]byte(nil), o.Payload...),
		PTSMicros: pts,
		Media:     e.media,
		KeyFrame:  o.KeyFrame,
		Silence:   silent,
	}
}

// emit blocks until the chunk is queued or the encoder is released, and
// reports whether it was released.
func (e *asyncEncoder) emit(c *capture.EncodedChunk) bool {
	select {
	case e.out <- c:
		return false
	case <-e.released:
		return true
	}
}

// flush emits whatever b still buffers and reports whether the encoder was
// released meanwhile.
func (e *asyncEncoder) flush(b Backend, pts int64) (bool, error) {
	f, ok := b.(flusher)
	if !ok {
		return false, nil
	}
	stop := false
	err := f.Flush(func(o Output) {
		if !stop && len(o.Payload) > 0 {
			stop = e.emit(e.chunk(o, pts, false))
		}
	})
	if err != nil {
		return false, fmt.Errorf("flush: %w", err)
	}
	return stop, nil
}

// applyBitrate runs between frames so a change never splits one. A rebuilt
// backend replaces the old one only after the old one's buffered output
// has been emitted. It reports whether the encoder was released meanwhile.
func (e *asyncEncoder) applyBitrate() (bool, error) {
	if bits := int(e.liveBitrate.Swap(0)); bits > 0 {
		setter := e.backend.(bitrateSetter)
		if err := setter.SetBitrate(bits); err != nil {
			return false, fmt.Errorf("set bitrate %d: %w", bits, err)
		}
		e.format.BitrateBits = bits
		e.log.Debug("bitrate applied", "bitrate", bits)
	}
	bits := int(e.queuedBitrate.Swap(0))
	if bits <= 0 || bits == e.format.BitrateBits {
		return false, nil
	}
	next := e.format
	next.BitrateBits = bits
	backend, err := e.factory(next)
	if err != nil {
		return false, fmt.Errorf("reconfigure at %d: %w", bits, err)
	}
	stop, err := e.flush(e.backend, e.lastInPTS)
	if err != nil || stop {
		_ = backend.Close()
		return stop, err
	}
	if err := e.backend.Close(); err != nil {
		e.log.Warn("closing replaced backend", "error", err)
	}
	e.backendMu.Lock()
	e.backend = backend
	e.backendMu.Unlock()
	e.format = next
	e.sentFirst = false
	e.log.Debug("backend reconfigured", "bitrate", bits)
	return false, nil
}

// isSilent reports whether every PCM16 sample is within a few LSB of zero.
func isSilent(pcm []byte) bool {
	const threshold = 8
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		if s > threshold || s < -threshold {
			return false
		}
	}
	return len(pcm) > 0
}
