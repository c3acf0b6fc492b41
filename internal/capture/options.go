package capture

import "time"

// Default bitrate bounds. Out-of-range requests are clamped, never rejected.
var (
	DefaultVideoBitrate = BitrateRange{Min: 1_000_000, Max: 10_000_000}
	DefaultAudioBitrate = BitrateRange{Min: 16_000, Max: 320_000}
)

// Session defaults.
const (
	DefaultFrameRate        = 30
	DefaultVideoBitrateBits = 5_000_000
	DefaultAudioBitrateBits = 128_000
	DefaultKeyFrameInterval = time.Second
	DefaultSampleRate       = 48000
	DefaultChannels         = 2
)

// BitrateRange bounds operator bitrate requests.
type BitrateRange struct {
	Min int
	Max int
}

// Clamp pulls bits into [Min, Max].
func (r BitrateRange) Clamp(bits int) int {
	if bits < r.Min {
		return r.Min
	}
	if bits > r.Max {
		return r.Max
	}
	return bits
}

func (r BitrateRange) valid() bool {
	return r.Min > 0 && r.Max >= r.Min
}

// Timing holds every bound the worker and controller wait on.
type Timing struct {
	// DrainTimeout caps the DRAINING phase; leftover output is abandoned.
	DrainTimeout time.Duration
	// JoinGrace is added to DrainTimeout before Stop force-releases.
	JoinGrace time.Duration
	// DrainPoll is the per-call timeout while draining.
	DrainPoll time.Duration
	// VideoAcquireTimeout may be WaitForever; the wait still ends on stop.
	VideoAcquireTimeout time.Duration
	AudioAcquireTimeout time.Duration
	// AudioBlock is the duration of PCM pulled from the source per iteration.
	// A block longer than MaxAudioBlock is spread over several input slots.
	AudioBlock time.Duration
}

// MaxAudioBlock is the span of PCM one audio input slot holds.
const MaxAudioBlock = 100 * time.Millisecond

// DefaultTiming returns the production bounds.
func DefaultTiming() Timing {
	return Timing{
		DrainTimeout:        500 * time.Millisecond,
		JoinGrace:           250 * time.Millisecond,
		DrainPoll:           10 * time.Millisecond,
		VideoAcquireTimeout: WaitForever,
		AudioAcquireTimeout: 20 * time.Millisecond,
		AudioBlock:          20 * time.Millisecond,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.DrainTimeout <= 0 {
		t.DrainTimeout = d.DrainTimeout
	}
	if t.JoinGrace <= 0 {
		t.JoinGrace = d.JoinGrace
	}
	if t.DrainPoll <= 0 {
		t.DrainPoll = d.DrainPoll
	}
	if t.VideoAcquireTimeout == 0 {
		t.VideoAcquireTimeout = d.VideoAcquireTimeout
	}
	if t.AudioAcquireTimeout == 0 {
		t.AudioAcquireTimeout = d.AudioAcquireTimeout
	}
	if t.AudioBlock <= 0 {
		t.AudioBlock = d.AudioBlock
	}
	return t
}

// SessionConfig is the initial configuration passed to Controller.Start.
// Only the params matching the started media type are used.
type SessionConfig struct {
	Codec            string
	Video            VideoParams
	Audio            AudioParams
	BitrateBits      int
	KeyFrameInterval time.Duration
}

func (sc SessionConfig) format(media MediaType) Format {
	f := Format{
		Media:            media,
		Codec:            sc.Codec,
		BitrateBits:      sc.BitrateBits,
		KeyFrameInterval: sc.KeyFrameInterval,
	}
	if media == Video {
		f.Video = sc.Video
	} else {
		f.Audio = sc.Audio
	}
	return f
}

// ChunkHandler receives every drained chunk on the worker goroutine.
// It must not block indefinitely and must not call back into the Controller.
type ChunkHandler func(EncodedChunk)

// ErrorHandler receives failures that happen after Start returned.
type ErrorHandler func(err *PipelineError)

// DefaultSessionConfig returns the stock configuration for media with the
// given video size. The size is ignored for audio.
func DefaultSessionConfig(media MediaType, width, height int) SessionConfig {
	if media == Video {
		return SessionConfig{
			Video:            VideoParams{Width: width, Height: height, FrameRate: DefaultFrameRate},
			BitrateBits:      DefaultVideoBitrateBits,
			KeyFrameInterval: DefaultKeyFrameInterval,
		}
	}
	return SessionConfig{
		Audio:       AudioParams{SampleRate: DefaultSampleRate, Channels: DefaultChannels},
		BitrateBits: DefaultAudioBitrateBits,
	}
}
