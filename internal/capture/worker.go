package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/castlink/cast-agent/internal/grant"
	"github.com/castlink/cast-agent/internal/logging"
)

// errStopObserved ends the RUNNING loop without an error.
var errStopObserved = errors.New("stop observed")

// worker drives one capture session. Its goroutine is the only writer of
// state; the controller communicates through stopRequested, pendingBitrate
// and the run context.
type worker struct {
	id      string
	media   MediaType
	format  Format
	timing  Timing
	grant   *grant.Grant
	log     *slog.Logger
	metrics *SessionMetrics
	started time.Time

	newFrames  FrameSourceFactory
	newSamples SampleSourceFactory
	encoders   EncoderFactory
	sink       ChunkHandler
	onError    ErrorHandler

	state          stateCell
	ctx            context.Context
	cancel         context.CancelFunc
	stopRequested  atomic.Bool
	pendingBitrate atomic.Int64
	targetBitrate  atomic.Int64
	abandoned      atomic.Bool
	detached       atomic.Bool

	resMu       sync.Mutex
	frames      FrameSource
	samples     SampleSource
	enc         Encoder
	caps        Capabilities
	srcReleased bool
	encReleased bool

	ready chan *PipelineError
	done  chan struct{}

	stopOnce   sync.Once
	stopResult *PipelineError

	// Owned by the worker goroutine.
	lastPTS     int64
	samplesRead int64
	frameBytes  int
	block       []byte
	heldSlot    *InputSlot
}

type workerDeps struct {
	frames   FrameSourceFactory
	samples  SampleSourceFactory
	encoders EncoderFactory
	sink     ChunkHandler
	onError  ErrorHandler
}

func newWorker(id string, f Format, g *grant.Grant, timing Timing, deps workerDeps) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		id:         id,
		media:      f.Media,
		format:     f,
		timing:     timing,
		grant:      g,
		log:        logging.WithSession(logging.L("capture"), id, f.Media.String()),
		metrics:    newSessionMetrics(),
		newFrames:  deps.frames,
		newSamples: deps.samples,
		encoders:   deps.encoders,
		sink:       deps.sink,
		onError:    deps.onError,
		ctx:        ctx,
		cancel:     cancel,
		ready:      make(chan *PipelineError, 1),
		done:       make(chan struct{}),
	}
	w.targetBitrate.Store(int64(f.BitrateBits))
	return w
}

func (w *worker) run() {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			pe := w.fail("run", fmt.Errorf("panic: %v", r), ErrEncoderStopped)
			if !w.signalReady(pe) {
				w.report(pe)
			}
		}
	}()

	if pe := w.configure(); pe != nil {
		w.signalReady(pe)
		return
	}
	w.signalReady(nil)

	if err := w.loop(); err != nil && !w.stopRequested.Load() {
		w.report(w.fail("encode", err, ErrEncoderStopped))
		return
	}
	w.drain()
}

// signalReady reports the outcome of CONFIGURING to Start. Only the first
// call is delivered.
func (w *worker) signalReady(pe *PipelineError) bool {
	select {
	case w.ready <- pe:
		return true
	default:
		return false
	}
}

// configure acquires the source and encoder. Resources acquired here are
// released on every exit path.
func (w *worker) configure() *PipelineError {
	w.state.transition(StateConfiguring)
	w.log.Debug("configuring", "format", w.format.String())

	if err := w.openSource(); err != nil {
		if w.stopRequested.Load() {
			return w.abort(err)
		}
		return w.fail("configure source", err, ErrConfigRejected)
	}

	enc, err := w.encoders.Configure(w.format)
	if err != nil {
		return w.fail("configure encoder", err, ErrConfigRejected)
	}
	w.resMu.Lock()
	w.enc = enc
	w.caps = enc.Capabilities()
	w.resMu.Unlock()
	if fixed := int64(w.caps.FixedBitrate); fixed > 0 && fixed != w.targetBitrate.Load() {
		w.log.Info("codec bitrate is fixed", logging.KeyBitrate, fixed, "requested", w.format.BitrateBits)
		w.targetBitrate.Store(fixed)
	}

	if w.media == Audio {
		w.frameBytes = 2 * w.format.Audio.Channels
		n := int(w.timing.AudioBlock.Seconds() * float64(w.format.Audio.SampleRate))
		if n < 1 {
			n = 1
		}
		w.block = make([]byte, n*w.frameBytes)
	}

	w.started = time.Now()
	w.state.transition(StateRunning)
	w.log.Info("session running",
		"format", w.format.String(),
		"dynamicBitrate", w.caps.DynamicBitrate,
		"hardware", w.caps.Hardware,
	)
	return nil
}

func (w *worker) openSource() error {
	switch w.media {
	case Video:
		if w.newFrames == nil {
			return fmt.Errorf("%w: no frame source", ErrUnsupportedFormat)
		}
		src, err := w.newFrames(w.grant, w.format.Video)
		if err != nil {
			return err
		}
		w.resMu.Lock()
		w.frames = src
		w.resMu.Unlock()
		return src.Start(w.ctx)
	default:
		if w.newSamples == nil {
			return fmt.Errorf("%w: no sample source", ErrUnsupportedFormat)
		}
		src, err := w.newSamples(w.grant, w.format.Audio)
		if err != nil {
			return err
		}
		w.resMu.Lock()
		w.samples = src
		w.resMu.Unlock()
		return src.Start(w.ctx)
	}
}

// abort handles a stop that arrived while still configuring.
func (w *worker) abort(cause error) *PipelineError {
	w.releaseResources()
	w.state.transition(StateStopped)
	return newError(ErrNotRunning, w.media, "start", cause)
}

// fail moves the session to ERROR and releases everything it holds.
func (w *worker) fail(op string, err, fallback error) *PipelineError {
	pe := newError(kindOf(err, fallback), w.media, op, err)
	if terr := w.state.transition(StateError); terr != nil {
		w.log.Debug("error after terminal state", logging.KeyError, terr)
	}
	w.releaseResources()
	w.log.Error("session failed", "op", op, logging.KeyError, err)
	return pe
}

func (w *worker) report(pe *PipelineError) {
	if w.onError == nil || pe == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("error handler panicked", "panic", r)
		}
	}()
	w.onError(pe)
}

func (w *worker) loop() error {
	for !w.stopRequested.Load() {
		if err := w.applyPendingBitrate(); err != nil {
			return err
		}

		var err error
		if w.media == Video {
			err = w.stepVideo()
		} else {
			err = w.stepAudio()
		}
		if errors.Is(err, errStopObserved) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) applyPendingBitrate() error {
	bits := w.pendingBitrate.Swap(0)
	if bits == 0 || bits == w.targetBitrate.Load() {
		return nil
	}
	if w.caps.FixedBitrate > 0 {
		w.log.Debug("bitrate change ignored, codec rate is fixed", logging.KeyBitrate, bits)
		return nil
	}
	if err := w.enc.ReconfigureBitrate(int(bits)); err != nil {
		if errors.Is(err, ErrEncoderStopped) {
			return err
		}
		w.log.Warn("bitrate change rejected", logging.KeyBitrate, bits, logging.KeyError, err)
		return nil
	}
	prev := w.targetBitrate.Swap(bits)
	w.metrics.recordBitrateChange()
	w.log.Info("bitrate applied",
		logging.KeyBitrate, bits,
		"prev", prev,
		"live", w.caps.DynamicBitrate,
	)
	return nil
}

func (w *worker) stepVideo() error {
	slot, err := w.enc.AcquireInputSlot(w.ctx, w.timing.VideoAcquireTimeout)
	if err != nil {
		if w.ctx.Err() != nil {
			return errStopObserved
		}
		if errors.Is(err, ErrTimeout) {
			w.metrics.recordAcquireTimeout()
			return w.drainReady()
		}
		return fmt.Errorf("acquire input: %w", err)
	}

	if err := w.frames.Render(w.ctx, slot.Surface); err != nil {
		if w.ctx.Err() != nil {
			w.heldSlot = slot
			return errStopObserved
		}
		return fmt.Errorf("render frame: %w", err)
	}

	pts := time.Since(w.started).Microseconds()
	if err := w.enc.SubmitInput(slot, 0, pts, false); err != nil {
		return fmt.Errorf("submit frame: %w", err)
	}
	w.metrics.recordSubmit()
	return w.drainReady()
}

func (w *worker) stepAudio() error {
	n, err := w.samples.Read(w.ctx, w.block)
	if err != nil {
		if w.ctx.Err() != nil {
			return errStopObserved
		}
		return fmt.Errorf("read samples: %w", err)
	}
	if n == 0 {
		// Source stopped on its own or ctx ended.
		return errStopObserved
	}
	n -= n % w.frameBytes

	// A block longer than one slot continues in the next one.
	for off := 0; off < n; {
		slot, err := w.acquireAudioSlot()
		if err != nil {
			return err
		}
		copied := copy(slot.Buffer, w.block[off:n])
		copied -= copied % w.frameBytes
		if copied == 0 {
			return fmt.Errorf("input slot of %d bytes holds no whole frame", len(slot.Buffer))
		}

		// PTS from the sample count keeps audio timestamps free of scheduling jitter.
		pts := w.samplesRead * 1_000_000 / int64(w.format.Audio.SampleRate)
		if err := w.enc.SubmitInput(slot, copied, pts, false); err != nil {
			return fmt.Errorf("submit samples: %w", err)
		}
		w.samplesRead += int64(copied / w.frameBytes)
		w.metrics.recordSubmit()
		off += copied

		if err := w.drainReady(); err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) acquireAudioSlot() (*InputSlot, error) {
	for {
		slot, err := w.enc.AcquireInputSlot(w.ctx, w.timing.AudioAcquireTimeout)
		if err == nil {
			return slot, nil
		}
		if w.ctx.Err() != nil {
			return nil, errStopObserved
		}
		if !errors.Is(err, ErrTimeout) {
			return nil, fmt.Errorf("acquire input: %w", err)
		}
		w.metrics.recordAcquireTimeout()
		if err := w.drainReady(); err != nil {
			return nil, err
		}
		if w.stopRequested.Load() {
			return nil, errStopObserved
		}
	}
}

// drainReady delivers every chunk that is ready right now.
func (w *worker) drainReady() error {
	for {
		chunk, err := w.enc.DrainOutput(NoWait)
		if err != nil {
			return fmt.Errorf("drain output: %w", err)
		}
		if chunk == nil {
			return nil
		}
		w.deliver(chunk)
	}
}

func (w *worker) deliver(chunk *EncodedChunk) {
	if chunk.EndOfStream && len(chunk.Payload) == 0 {
		return
	}
	chunk.Media = w.media
	if chunk.PTSMicros < w.lastPTS {
		chunk.PTSMicros = w.lastPTS
	}
	w.lastPTS = chunk.PTSMicros
	w.metrics.recordChunk(chunk)

	if w.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("sink panicked", "panic", r)
		}
	}()
	w.sink(*chunk)
}

// drain runs DRAINING: submit EOS when supported, deliver what is left,
// give up at DrainTimeout, then release and enter STOPPED.
func (w *worker) drain() {
	w.state.transition(StateDraining)
	start := time.Now()

	clean := w.drainUntil(start.Add(w.timing.DrainTimeout))
	w.metrics.recordDrain(time.Since(start))
	if !clean {
		w.abandoned.Store(true)
		w.log.Warn("drain abandoned", logging.KeyDurationMs, time.Since(start).Milliseconds())
	}

	w.releaseResources()
	w.state.transition(StateStopped)
}

func (w *worker) drainUntil(deadline time.Time) bool {
	if w.caps.EndOfStream {
		slot := w.heldSlot
		w.heldSlot = nil
		if slot == nil {
			ctx, cancel := context.WithDeadline(context.Background(), deadline)
			var err error
			slot, err = w.enc.AcquireInputSlot(ctx, time.Until(deadline))
			cancel()
			if err != nil {
				w.log.Debug("no slot for end-of-stream", logging.KeyError, err)
				return false
			}
		}
		if err := w.enc.SubmitInput(slot, 0, w.lastPTS, true); err != nil {
			w.log.Debug("end-of-stream rejected", logging.KeyError, err)
			return false
		}
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		chunk, err := w.enc.DrainOutput(min(w.timing.DrainPoll, remaining))
		if err != nil {
			w.log.Debug("drain ended by encoder", logging.KeyError, err)
			return false
		}
		if chunk == nil {
			if !w.caps.EndOfStream {
				return true
			}
			continue
		}
		eos := chunk.EndOfStream
		w.deliver(chunk)
		if eos {
			return true
		}
	}
}

// releaseResources stops the source and stops/releases the encoder. Each
// resource is released at most once, even when the controller and the
// worker both get here. Anything acquired afterwards is released by the
// next call.
func (w *worker) releaseResources() {
	w.cancel()

	w.resMu.Lock()
	var (
		frames  FrameSource
		samples SampleSource
		enc     Encoder
	)
	if !w.srcReleased {
		frames, samples = w.frames, w.samples
		w.srcReleased = frames != nil || samples != nil
	}
	if !w.encReleased && w.enc != nil {
		enc = w.enc
		w.encReleased = true
	}
	w.resMu.Unlock()

	if frames != nil {
		frames.Stop()
	}
	if samples != nil {
		samples.Stop()
	}
	if enc != nil {
		if err := enc.Stop(); err != nil && !errors.Is(err, ErrEncoderStopped) {
			w.log.Debug("encoder stop", logging.KeyError, err)
		}
		if err := enc.Release(); err != nil && !errors.Is(err, ErrEncoderStopped) {
			w.log.Warn("encoder release", logging.KeyError, err)
		}
	}
}

func (w *worker) requestStop() {
	w.stopRequested.Store(true)
	w.cancel()
}

// acceptingIntents is true while bitrate changes can still take effect.
func (w *worker) acceptingIntents() bool {
	if w.stopRequested.Load() || w.detached.Load() {
		return false
	}
	s := w.state.load()
	return s == StateIdle || s == StateConfiguring || s == StateRunning
}

// shutdown asks the worker to stop and waits up to bound. A worker that
// misses the bound is detached and its resources are released from here.
func (w *worker) shutdown(bound time.Duration) *PipelineError {
	w.requestStop()

	timer := time.NewTimer(bound)
	defer timer.Stop()

	select {
	case <-w.done:
		if w.abandoned.Load() {
			return newError(ErrForcedTeardown, w.media, "stop",
				fmt.Errorf("drain abandoned after %s", w.timing.DrainTimeout))
		}
		return nil
	case <-timer.C:
		w.detached.Store(true)
		w.releaseResources()
		return newError(ErrForcedTeardown, w.media, "stop",
			fmt.Errorf("worker did not stop within %s", bound))
	}
}

// fixedBitrate is the codec's own rate when it ignores bitrate requests.
func (w *worker) fixedBitrate() int {
	w.resMu.Lock()
	defer w.resMu.Unlock()
	return w.caps.FixedBitrate
}

// reaped means the slot for this media type is free for a new session.
func (w *worker) reaped() bool {
	return w.detached.Load() || w.state.load().Terminal()
}

func (w *worker) info() SessionInfo {
	f := w.format
	f.BitrateBits = int(w.targetBitrate.Load())
	return SessionInfo{
		ID:                w.id,
		Media:             w.media,
		State:             w.state.load(),
		Format:            f,
		TargetBitrateBits: f.BitrateBits,
		Detached:          w.detached.Load(),
		Metrics:           w.metrics.Snapshot(),
	}
}
