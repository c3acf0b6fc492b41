package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castlink/cast-agent/internal/grant"
	"github.com/castlink/cast-agent/internal/logging"
)

var log = logging.L("capture")

// Config wires a Controller to its collaborators.
type Config struct {
	Encoders      EncoderFactory
	FrameSources  FrameSourceFactory
	SampleSources SampleSourceFactory
	Sink          ChunkHandler
	OnError       ErrorHandler

	Timing       Timing
	VideoBitrate BitrateRange
	AudioBitrate BitrateRange

	// Now is the clock used for grant checks. Defaults to time.Now.
	Now func() time.Time
}

// SessionInfo is a snapshot of one capture session.
type SessionInfo struct {
	ID                string
	Media             MediaType
	State             State
	Format            Format
	TargetBitrateBits int
	// Detached is set when Stop gave up waiting and released resources itself.
	Detached bool
	Metrics  MetricsSnapshot
}

// Controller is the public control surface: Start, Stop and SetBitrate per
// media type. At most one session per media type is active at a time.
type Controller struct {
	cfg Config

	mu      sync.Mutex
	workers map[MediaType]*worker
}

// NewController validates cfg and fills in defaults.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Encoders == nil {
		return nil, errors.New("capture: encoder factory is required")
	}
	if cfg.FrameSources == nil && cfg.SampleSources == nil {
		return nil, errors.New("capture: at least one source factory is required")
	}
	cfg.Timing = cfg.Timing.withDefaults()
	if !cfg.VideoBitrate.valid() {
		cfg.VideoBitrate = DefaultVideoBitrate
	}
	if !cfg.AudioBitrate.valid() {
		cfg.AudioBitrate = DefaultAudioBitrate
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		cfg:     cfg,
		workers: make(map[MediaType]*worker),
	}, nil
}

// BitrateRange returns the clamp range for media.
func (c *Controller) BitrateRange(media MediaType) BitrateRange {
	if media == Video {
		return c.cfg.VideoBitrate
	}
	return c.cfg.AudioBitrate
}

// TeardownBound is the longest Stop waits before forcing release.
func (c *Controller) TeardownBound() time.Duration {
	return c.cfg.Timing.DrainTimeout + c.cfg.Timing.JoinGrace
}

// Start launches a session for media and returns once it is RUNNING or has
// failed. The grant is checked here and handed verbatim to the source factory.
func (c *Controller) Start(ctx context.Context, media MediaType, g *grant.Grant, sc SessionConfig) error {
	c.mu.Lock()
	if prev := c.workers[media]; prev != nil && !prev.reaped() {
		c.mu.Unlock()
		return newError(ErrAlreadyRunning, media, "start", nil)
	}
	if !g.Valid(c.cfg.Now()) {
		c.mu.Unlock()
		return newError(ErrGrantInvalid, media, "start", nil)
	}

	f := sc.format(media)
	if f.BitrateBits > 0 {
		f.BitrateBits = c.BitrateRange(media).Clamp(f.BitrateBits)
	}
	if err := f.Validate(); err != nil {
		c.mu.Unlock()
		return newError(ErrConfigRejected, media, "start", err)
	}

	w := newWorker(uuid.NewString(), f, g, c.cfg.Timing, workerDeps{
		frames:   c.cfg.FrameSources,
		samples:  c.cfg.SampleSources,
		encoders: c.cfg.Encoders,
		sink:     c.cfg.Sink,
		onError:  c.cfg.OnError,
	})
	c.workers[media] = w
	c.mu.Unlock()

	go w.run()

	select {
	case pe := <-w.ready:
		if pe != nil {
			return pe
		}
		return nil
	case <-ctx.Done():
		c.Stop(media)
		return fmt.Errorf("capture: start %s: %w", media, ctx.Err())
	}
}

// Stop leaves RUNNING, waits for the worker within the teardown bound and
// force-releases if it does not make it. Stop is idempotent; a session that
// is already stopped, failed or absent returns nil. A forced or abandoned
// teardown returns a warning-level ErrForcedTeardown.
func (c *Controller) Stop(media MediaType) error {
	c.mu.Lock()
	w := c.workers[media]
	c.mu.Unlock()
	if w == nil {
		return nil
	}

	first := false
	w.stopOnce.Do(func() {
		first = true
		w.stopResult = w.shutdown(c.TeardownBound())
	})
	if !first {
		return nil
	}

	snap := w.metrics.Snapshot()
	l := logging.WithSession(log, w.id, media.String())
	if w.stopResult != nil {
		l.Warn("session torn down", logging.KeyError, w.stopResult,
			"chunks", snap.ChunksDelivered, "drainMs", snap.DrainMs)
		return w.stopResult
	}
	l.Info("session stopped",
		logging.KeyState, w.state.load().String(),
		"chunks", snap.ChunksDelivered,
		"bytes", snap.BytesDelivered,
		"keyFrames", snap.KeyFrames,
		"acquireTimeouts", snap.AcquireTimeouts,
		"bitrateChanges", snap.BitrateChanges,
		"drainMs", snap.DrainMs,
		"kbps", snap.BandwidthKbps,
	)
	return nil
}

// StopAll stops every media type in parallel and joins the results.
func (c *Controller) StopAll() error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, m := range MediaTypes {
		wg.Add(1)
		go func(m MediaType) {
			defer wg.Done()
			if err := c.Stop(m); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(m)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// SetBitrate clamps bits to the media's range and queues it for the worker,
// which applies it between loop iterations. Returns the clamped value, or
// the codec's own rate when it cannot change.
func (c *Controller) SetBitrate(media MediaType, bits int) (int, error) {
	c.mu.Lock()
	w := c.workers[media]
	c.mu.Unlock()
	if w == nil || !w.acceptingIntents() {
		return 0, newError(ErrNotRunning, media, "set bitrate", nil)
	}
	if fixed := w.fixedBitrate(); fixed > 0 {
		return fixed, nil
	}

	clamped := c.BitrateRange(media).Clamp(bits)
	if clamped != bits {
		log.Debug("bitrate clamped", logging.KeyMedia, media.String(), "requested", bits, logging.KeyBitrate, clamped)
	}
	w.pendingBitrate.Store(int64(clamped))
	return clamped, nil
}

// Session returns the current or most recent session for media.
func (c *Controller) Session(media MediaType) (SessionInfo, bool) {
	c.mu.Lock()
	w := c.workers[media]
	c.mu.Unlock()
	if w == nil {
		return SessionInfo{}, false
	}
	return w.info(), true
}

// Running reports whether media has an active session.
func (c *Controller) Running(media MediaType) bool {
	info, ok := c.Session(media)
	return ok && !info.Detached && info.State.Active()
}
