// Package capture implements the capture-and-encode pipeline: per-media
// workers that pull raw units from a source, push them through an
// asynchronous encoder and hand drained chunks to a sink, plus the
// controller that starts, reconfigures and tears those workers down.
package capture

import (
	"fmt"
	"time"
)

// MediaType selects one of the two independent pipelines.
type MediaType int

const (
	Video MediaType = iota
	Audio
)

// MediaTypes lists every media type in controller order.
var MediaTypes = []MediaType{Video, Audio}

func (m MediaType) String() string {
	switch m {
	case Video:
		return "video"
	case Audio:
		return "audio"
	default:
		return fmt.Sprintf("media(%d)", int(m))
	}
}

// ParseMediaType accepts "video" or "audio".
func ParseMediaType(s string) (MediaType, error) {
	switch s {
	case "video":
		return Video, nil
	case "audio":
		return Audio, nil
	}
	return 0, fmt.Errorf("capture: unknown media type %q", s)
}

// EncodedChunk is one unit of encoder output. The sink owns it after hand-off.
type EncodedChunk struct {
	Payload   []byte
	PTSMicros int64
	Media     MediaType
	KeyFrame  bool
	Silence   bool
	// EndOfStream marks the encoder's final output after an EOS input.
	EndOfStream bool
}

// PTS returns the presentation timestamp as a duration.
func (c EncodedChunk) PTS() time.Duration {
	return time.Duration(c.PTSMicros) * time.Microsecond
}

// VideoParams are immutable once a video session is running.
type VideoParams struct {
	Width     int `yaml:"width"`
	Height    int `yaml:"height"`
	FrameRate int `yaml:"frame_rate"`
}

// AudioParams are immutable once an audio session is running.
type AudioParams struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// BytesPerSecond of interleaved PCM16.
func (p AudioParams) BytesPerSecond() int {
	return p.SampleRate * p.Channels * 2
}

// BytesFor is the size of d of interleaved PCM16, in whole frames.
func (p AudioParams) BytesFor(d time.Duration) int {
	frames := int(int64(p.SampleRate) * int64(d) / int64(time.Second))
	return frames * p.Channels * 2
}

// Format is the full encoder configuration for one session.
type Format struct {
	Media            MediaType
	Codec            string
	Video            VideoParams
	Audio            AudioParams
	BitrateBits      int
	KeyFrameInterval time.Duration
}

// Validate checks that the parameters for f.Media are usable at all.
// Codec-specific limits are checked by the encoder and reported as
// ErrConfigRejected.
func (f Format) Validate() error {
	if f.BitrateBits <= 0 {
		return fmt.Errorf("bitrate %d must be positive", f.BitrateBits)
	}
	switch f.Media {
	case Video:
		v := f.Video
		if v.Width <= 0 || v.Height <= 0 {
			return fmt.Errorf("invalid dimensions %dx%d", v.Width, v.Height)
		}
		if v.FrameRate <= 0 {
			return fmt.Errorf("invalid frame rate %d", v.FrameRate)
		}
	case Audio:
		a := f.Audio
		if a.SampleRate <= 0 || a.Channels <= 0 {
			return fmt.Errorf("invalid audio params %d Hz x %d", a.SampleRate, a.Channels)
		}
	default:
		return fmt.Errorf("unknown media %v", f.Media)
	}
	return nil
}

func (f Format) String() string {
	if f.Media == Video {
		return fmt.Sprintf("%s %dx%d@%d %dbps", f.Codec, f.Video.Width, f.Video.Height, f.Video.FrameRate, f.BitrateBits)
	}
	return fmt.Sprintf("%s %dHz/%dch %dbps", f.Codec, f.Audio.SampleRate, f.Audio.Channels, f.BitrateBits)
}
