package config

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/castlink/cast-agent/internal/capture"
	"github.com/castlink/cast-agent/internal/storage"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var videoSources = map[string]bool{"screen": true, "pattern": true}

var audioSources = map[string]bool{"microphone": true, "tone": true}

var uploadProviders = map[string]bool{
	storage.Local: true,
	storage.S3:    true,
	storage.GCS:   true,
	storage.Azure: true,
	storage.B2:    true,
}

// Hard limits for clamped values.
const (
	maxDimension     = 7680
	maxFrameRate     = 120
	minSegment       = time.Second
	maxSegment       = time.Hour
	maxPeers         = 64
	maxUploadWorkers = 32
)

// ValidationResult separates problems that must stop startup from values
// that were clamped into range.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether startup must be refused.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// All returns fatals followed by warnings.
func (r ValidationResult) All() []error {
	return append(append([]error(nil), r.Fatals...), r.Warnings...)
}

// Validate checks the config and returns all problems found. Out-of-range
// numbers are clamped to safe values. Every problem is logged as a warning.
func (c *Config) Validate() []error {
	return c.ValidateTiered().All()
}

// ValidateTiered is Validate with fatals and clamp warnings kept apart.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult
	fatal := func(format string, args ...any) {
		r.Fatals = append(r.Fatals, fmt.Errorf(format, args...))
	}
	warn := func(format string, args ...any) {
		r.Warnings = append(r.Warnings, fmt.Errorf(format, args...))
	}
	clampInt := func(name string, v *int, lo, hi int) {
		switch {
		case *v < lo:
			warn("%s %d is below minimum %d, clamping", name, *v, lo)
			*v = lo
		case *v > hi:
			warn("%s %d exceeds maximum %d, clamping", name, *v, hi)
			*v = hi
		}
	}
	clampDuration := func(name string, v *time.Duration, lo, hi time.Duration) {
		switch {
		case *v < lo:
			warn("%s %s is below minimum %s, clamping", name, *v, lo)
			*v = lo
		case *v > hi:
			warn("%s %s exceeds maximum %s, clamping", name, *v, hi)
			*v = hi
		}
	}

	if c.Logging.Level != "" && !validLogLevels[strings.ToLower(c.Logging.Level)] {
		fatal("logging.level %q is not valid (use debug, info, warn, error)", c.Logging.Level)
	}
	if c.Logging.Format != "" && c.Logging.Format != "text" && c.Logging.Format != "json" {
		fatal("logging.format %q is not valid (use text or json)", c.Logging.Format)
	}

	if c.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Listen); err != nil {
			fatal("listen %q is not host:port: %v", c.Listen, err)
		}
	}

	if !c.Video.Enabled && !c.Audio.Enabled {
		fatal("video and audio are both disabled")
	}

	v := &c.Video
	if v.Enabled {
		if !videoSources[v.Source] {
			fatal("video.source %q is not valid (use screen or pattern)", v.Source)
		}
		if v.Display < 0 {
			warn("video.display %d is negative, using 0", v.Display)
			v.Display = 0
		}
		clampInt("video.width", &v.Width, 16, maxDimension)
		clampInt("video.height", &v.Height, 16, maxDimension)
		// Chroma subsampling needs even dimensions.
		if v.Width%2 != 0 || v.Height%2 != 0 {
			warn("video size %dx%d rounded down to even", v.Width, v.Height)
			v.Width &^= 1
			v.Height &^= 1
		}
		clampInt("video.frame_rate", &v.FrameRate, 1, maxFrameRate)
		clampBitrates(v.MinBitrateBits, v.MaxBitrateBits, capture.DefaultVideoBitrate, "video", &v.MinBitrateBits, &v.MaxBitrateBits, warn)
		clampInt("video.bitrate_bits", &v.BitrateBits, v.MinBitrateBits, v.MaxBitrateBits)
		clampDuration("video.key_frame_interval", &v.KeyFrameInterval, 100*time.Millisecond, time.Minute)
	}

	a := &c.Audio
	if a.Enabled {
		if !audioSources[a.Source] {
			fatal("audio.source %q is not valid (use microphone or tone)", a.Source)
		}
		if a.SampleRate <= 0 {
			warn("audio.sample_rate %d is not positive, using %d", a.SampleRate, capture.DefaultSampleRate)
			a.SampleRate = capture.DefaultSampleRate
		}
		clampInt("audio.channels", &a.Channels, 1, 2)
		clampBitrates(a.MinBitrateBits, a.MaxBitrateBits, capture.DefaultAudioBitrate, "audio", &a.MinBitrateBits, &a.MaxBitrateBits, warn)
		clampInt("audio.bitrate_bits", &a.BitrateBits, a.MinBitrateBits, a.MaxBitrateBits)
		if a.Source == "tone" && (a.ToneHz <= 0 || a.ToneHz >= float64(a.SampleRate)/2) {
			warn("audio.tone_hz %.1f is outside (0, %d), using 440", a.ToneHz, a.SampleRate/2)
			a.ToneHz = 440
		}
	}

	p := &c.Pipeline
	clampDuration("pipeline.drain_timeout", &p.DrainTimeout, 50*time.Millisecond, 10*time.Second)
	clampDuration("pipeline.join_grace", &p.JoinGrace, 10*time.Millisecond, 5*time.Second)
	clampDuration("pipeline.drain_poll", &p.DrainPoll, time.Millisecond, p.DrainTimeout)
	clampDuration("pipeline.audio_acquire_timeout", &p.AudioAcquireTimeout, time.Millisecond, time.Second)
	clampDuration("pipeline.audio_block", &p.AudioBlock, 5*time.Millisecond, capture.MaxAudioBlock)

	if c.Grant.TTL < 0 {
		warn("grant.ttl %s is negative, grants will not expire", c.Grant.TTL)
		c.Grant.TTL = 0
	}

	if c.Preview.Enabled {
		clampInt("preview.client_queue", &c.Preview.ClientQueue, 1, 1024)
	}

	if c.WebRTC.Enabled {
		clampInt("webrtc.max_peers", &c.WebRTC.MaxPeers, 1, maxPeers)
		clampDuration("webrtc.gather_timeout", &c.WebRTC.GatherTimeout, time.Second, time.Minute)
		for i, s := range c.WebRTC.ICEServers {
			if len(s.URLs) == 0 {
				fatal("webrtc.ice_servers[%d] has no urls", i)
			}
			for _, u := range s.URLs {
				if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
					fatal("webrtc.ice_servers[%d] url %q must start with stun:, turn: or turns:", i, u)
				}
			}
		}
	}

	if c.Record.Enabled {
		if c.Record.Dir == "" {
			fatal("record.dir is required when recording is enabled")
		}
		clampDuration("record.segment_duration", &c.Record.SegmentDuration, minSegment, maxSegment)
	}

	if c.Upload.Enabled {
		if !c.Record.Enabled {
			fatal("upload requires record.enabled")
		}
		if !uploadProviders[c.Upload.Provider] {
			fatal("upload.provider %q is not valid (use local, s3, gcs, azure or b2)", c.Upload.Provider)
		}
		if c.Upload.Provider == storage.Local && c.Upload.Path == "" {
			fatal("upload.path is required for the local provider")
		}
		if c.Upload.Provider != storage.Local && c.Upload.Provider != "" && c.Upload.Bucket == "" {
			fatal("upload.bucket is required for %s", c.Upload.Provider)
		}
		clampInt("upload.workers", &c.Upload.Workers, 1, maxUploadWorkers)
		clampInt("upload.queue_size", &c.Upload.QueueSize, 1, 100000)
		clampInt("upload.max_retries", &c.Upload.MaxRetries, 0, 20)
	}

	if c.Adaptive.Enabled {
		clampDuration("adaptive.cooldown", &c.Adaptive.Cooldown, 100*time.Millisecond, time.Minute)
	}

	for _, err := range r.All() {
		slog.Warn("config validation", "error", err)
	}
	return r
}

// clampBitrates repairs a [min, max] pair, falling back to def for bounds
// that are missing or inverted.
func clampBitrates(lo, hi int, def capture.BitrateRange, media string, outLo, outHi *int, warn func(string, ...any)) {
	if lo <= 0 {
		warn("%s.min_bitrate_bits %d is not positive, using %d", media, lo, def.Min)
		lo = def.Min
	}
	if hi < lo {
		warn("%s.max_bitrate_bits %d is below min %d, using %d", media, hi, lo, max(def.Max, lo))
		hi = max(def.Max, lo)
	}
	*outLo, *outHi = lo, hi
}
