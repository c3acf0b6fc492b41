// Package recorder writes encoded chunks to rotating elementary-stream
// segment files with YAML manifests, and uploads closed segments to a
// storage provider.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castlink/cast-agent/internal/capture"
	"github.com/castlink/cast-agent/internal/health"
	"github.com/castlink/cast-agent/internal/logging"
	"github.com/castlink/cast-agent/internal/probe"
)

var log = logging.L("record")

const (
	defaultSegmentDuration = time.Minute
	diskCheckInterval      = 10 * time.Second
	healthComponent        = "record"
)

// ErrClosed is returned by operations on a closed Recorder.
var ErrClosed = errors.New("recorder: closed")

// Options configures a Recorder.
type Options struct {
	// Dir is the root under which a directory per recording is created.
	Dir string
	// SegmentDuration is the target span of one segment. Video segments
	// only rotate on a key frame, so they may run longer.
	SegmentDuration time.Duration
	// MinFreeMB pauses recording while the filesystem holding Dir has less
	// free space. Zero disables the check.
	MinFreeMB uint64
	Host      probe.HostInfo
	// OnSegment is called after each segment is closed and its manifest is
	// written. It runs on the capture worker, so it must not block.
	OnSegment func(Segment)
	Health    *health.Monitor
	Now       func() time.Time
	// diskFree is replaced in tests.
	diskFree func(path string) (uint64, error)
}

// Manifest is the recording-level manifest.yaml.
type Manifest struct {
	RecordingID string                `yaml:"recording_id"`
	StartedAt   time.Time             `yaml:"started_at"`
	ClosedAt    *time.Time            `yaml:"closed_at,omitempty"`
	Host        probe.HostInfo        `yaml:"host"`
	Tracks      map[string]trackEntry `yaml:"tracks"`
}

type trackEntry struct {
	SessionID string     `yaml:"session_id,omitempty"`
	Format    formatInfo `yaml:"format"`
	Segments  []string   `yaml:"segments"`
}

// track is the per-media writer state.
type track struct {
	media     capture.MediaType
	sessionID string
	format    capture.Format
	current   *segmentWriter
	next      int
	skipped   int64
	// lowDiskUntil suppresses disk checks after a failed one.
	lowDiskUntil time.Time
}

// Recorder is a capture.ChunkHandler that persists chunks to disk.
type Recorder struct {
	opts Options
	id   string
	dir  string

	mu       sync.Mutex
	tracks   map[capture.MediaType]*track
	manifest Manifest
	closed   bool
}

// New creates the recording directory and returns a Recorder for it.
func New(opts Options) (*Recorder, error) {
	if opts.Dir == "" {
		return nil, errors.New("recorder: directory is required")
	}
	if opts.SegmentDuration <= 0 {
		opts.SegmentDuration = defaultSegmentDuration
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.diskFree == nil {
		opts.diskFree = func(path string) (uint64, error) {
			free, _, err := probe.DiskFree(context.Background(), path)
			return free, err
		}
	}

	id := uuid.NewString()
	dir := filepath.Join(opts.Dir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: create %s: %w", dir, err)
	}
	r := &Recorder{
		opts:   opts,
		id:     id,
		dir:    dir,
		tracks: make(map[capture.MediaType]*track),
		manifest: Manifest{
			RecordingID: id,
			StartedAt:   opts.Now().UTC(),
			Host:        opts.Host,
			Tracks:      make(map[string]trackEntry),
		},
	}
	if err := writeYAML(filepath.Join(dir, ManifestName), r.manifest); err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	log.Info("recording started", "recording", id, "dir", dir)
	return r, nil
}

// ID is the recording id, also the name of the recording directory.
func (r *Recorder) ID() string { return r.id }

// Dir is the recording directory.
func (r *Recorder) Dir() string { return r.dir }

// SetFormat tells the recorder which session and format feed media. A
// format or session change closes the open segment so every segment has one
// format; bitrate alone does not count. An empty sessionID may be set ahead
// of Start and is later filled in without rotating.
func (r *Recorder) SetFormat(sessionID string, f capture.Format) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	t := r.trackLocked(f.Media)
	var done []Segment
	sessionChanged := t.sessionID != "" && t.sessionID != sessionID
	if t.current != nil && (sessionChanged || !sameLayout(t.format, f)) {
		if seg, ok := r.closeSegmentLocked(t); ok {
			done = append(done, seg)
		}
	}
	t.sessionID = sessionID
	t.format = f
	if t.current != nil {
		t.current.seg.SessionID = sessionID
	}
	r.manifest.Tracks[f.Media.String()] = trackEntry{
		SessionID: sessionID,
		Format:    newFormatInfo(f),
		Segments:  r.manifest.Tracks[f.Media.String()].Segments,
	}
	err := r.writeManifestLocked()
	r.mu.Unlock()

	r.notify(done)
	return err
}

// Handle writes c to the current segment of its media, rotating as needed.
func (r *Recorder) Handle(c capture.EncodedChunk) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	done := r.handleLocked(c)
	r.mu.Unlock()

	r.notify(done)
}

func (r *Recorder) handleLocked(c capture.EncodedChunk) []Segment {
	if len(c.Payload) == 0 {
		return nil
	}
	t := r.trackLocked(c.Media)
	var done []Segment

	if t.current != nil && r.rotateDue(t, c) {
		if seg, ok := r.closeSegmentLocked(t); ok {
			done = append(done, seg)
		}
	}

	if t.current == nil {
		// A video segment must start decodable.
		if c.Media == capture.Video && !c.KeyFrame {
			t.skipped++
			return done
		}
		if !r.openSegmentLocked(t) {
			t.skipped++
			return done
		}
	}
	if err := t.current.write(c); err != nil {
		log.Error("segment write failed", logging.KeyMedia, c.Media.String(), "file", t.current.seg.File, logging.KeyError, err)
		r.setHealth(health.Unhealthy, err.Error())
		if seg, ok := r.closeSegmentLocked(t); ok {
			done = append(done, seg)
		}
	}
	return done
}

func (r *Recorder) rotateDue(t *track, c capture.EncodedChunk) bool {
	if t.current.elapsed(c.PTSMicros) < r.opts.SegmentDuration {
		return false
	}
	return c.Media != capture.Video || c.KeyFrame
}

// sameLayout compares formats ignoring bitrate, which varies within a stream.
func sameLayout(a, b capture.Format) bool {
	a.BitrateBits, b.BitrateBits = 0, 0
	return a == b
}

func (r *Recorder) trackLocked(media capture.MediaType) *track {
	t, ok := r.tracks[media]
	if !ok {
		t = &track{media: media, next: 1, format: capture.Format{Media: media}}
		r.tracks[media] = t
	}
	return t
}

func (r *Recorder) openSegmentLocked(t *track) bool {
	now := r.opts.Now()
	if r.opts.MinFreeMB > 0 {
		if now.Before(t.lowDiskUntil) {
			return false
		}
		free, err := r.opts.diskFree(r.dir)
		if err != nil {
			log.Warn("disk free check failed", logging.KeyError, err)
		} else if free < r.opts.MinFreeMB {
			t.lowDiskUntil = now.Add(diskCheckInterval)
			log.Warn("low disk space, segment skipped", logging.KeyMedia, t.media.String(), "freeMB", free, "minFreeMB", r.opts.MinFreeMB)
			r.setHealth(health.Degraded, fmt.Sprintf("low disk space: %d MB free", free))
			return false
		}
	}

	seg := Segment{
		RecordingID: r.id,
		SessionID:   t.sessionID,
		Media:       t.media.String(),
		Codec:       t.format.Codec,
		Index:       t.next,
		OpenedAt:    now.UTC(),
	}
	w, err := openSegment(filepath.Join(r.dir, t.media.String()), seg, newFormatInfo(t.format))
	if err != nil {
		log.Error("segment open failed", logging.KeyMedia, t.media.String(), logging.KeyError, err)
		r.setHealth(health.Unhealthy, err.Error())
		return false
	}
	t.next++
	t.current = w
	if t.skipped > 0 {
		log.Debug("chunks skipped before segment start", logging.KeyMedia, t.media.String(), "count", t.skipped)
		t.skipped = 0
	}
	r.setHealth(health.Healthy, "")
	return true
}

func (r *Recorder) closeSegmentLocked(t *track) (Segment, bool) {
	w := t.current
	t.current = nil
	seg, err := w.close(r.opts.Host, r.opts.Now().UTC())
	if err != nil {
		log.Error("segment close failed", logging.KeyMedia, t.media.String(), logging.KeyError, err)
		r.setHealth(health.Unhealthy, err.Error())
		return seg, false
	}

	key := t.media.String()
	entry := r.manifest.Tracks[key]
	if entry.SessionID == "" {
		entry.SessionID = t.sessionID
		entry.Format = newFormatInfo(t.format)
	}
	entry.Segments = append(entry.Segments, filepath.ToSlash(filepath.Join(key, seg.File)))
	r.manifest.Tracks[key] = entry
	if err := r.writeManifestLocked(); err != nil {
		log.Warn("manifest update failed", logging.KeyError, err)
	}

	log.Info("segment closed",
		logging.KeyMedia, key,
		"file", seg.File,
		"chunks", seg.Chunks,
		"bytes", seg.Bytes,
		logging.KeyDurationMs, seg.Duration().Milliseconds(),
	)
	return seg, true
}

func (r *Recorder) writeManifestLocked() error {
	return writeYAML(filepath.Join(r.dir, ManifestName), r.manifest)
}

func (r *Recorder) notify(done []Segment) {
	if r.opts.OnSegment == nil {
		return
	}
	for _, seg := range done {
		r.opts.OnSegment(seg)
	}
}

func (r *Recorder) setHealth(status health.Status, msg string) {
	if r.opts.Health != nil {
		r.opts.Health.Update(healthComponent, status, msg)
	}
}

// Close finishes every open segment and stamps the manifest. Chunks that
// arrive afterwards are discarded.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var done []Segment
	for _, media := range capture.MediaTypes {
		t, ok := r.tracks[media]
		if !ok || t.current == nil {
			continue
		}
		if seg, ok := r.closeSegmentLocked(t); ok {
			done = append(done, seg)
		}
	}
	closedAt := r.opts.Now().UTC()
	r.manifest.ClosedAt = &closedAt
	err := r.writeManifestLocked()
	r.mu.Unlock()

	r.notify(done)
	log.Info("recording closed", "recording", r.id)
	return err
}
