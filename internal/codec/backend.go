// Package codec provides the encoders behind capture.Encoder: a registry of
// named backends and an asynchronous queue-pair engine that turns a
// frame-at-a-time backend into the slot/drain model the capture worker
// drives.
package codec

import (
	"errors"
	"image"

	"github.com/castlink/cast-agent/internal/capture"
)

var (
	// ErrStaticBitrate is returned by backends that cannot change bitrate live.
	ErrStaticBitrate = errors.New("codec: bitrate is fixed for this backend")
	errEmptyInput    = errors.New("codec: empty input")
)

// Input is one raw unit handed to a backend.
type Input struct {
	// Surface holds the rendered frame for video backends.
	Surface *image.RGBA
	// PCM holds interleaved little-endian PCM16 for audio backends.
	PCM       []byte
	PTSMicros int64
	// ForceKey asks a video backend for an intra frame.
	ForceKey bool
}

// Output is one encoded access unit or packet.
type Output struct {
	Payload  []byte
	KeyFrame bool
}

// Backend encodes one input at a time. Encode may call emit zero or more
// times; payloads passed to emit must not be retained by the backend.
type Backend interface {
	Encode(in *Input, emit func(Output)) error
	Close() error
	Name() string
}

// bitrateSetter is implemented by backends that apply bitrate changes to a
// running instance.
type bitrateSetter interface {
	SetBitrate(bits int) error
}

// flusher is implemented by backends that hold frames internally. Flush
// emits everything still buffered; the backend takes no input afterwards.
type flusher interface {
	Flush(emit func(Output)) error
}

// fixedRater is implemented by backends whose output rate is set by the
// codec itself. Bitrate requests to them are ignored.
type fixedRater interface {
	FixedBitrate() int
}

// hardwareBackend is implemented by backends that run on a GPU or DSP.
type hardwareBackend interface {
	IsHardware() bool
}

// BackendFactory builds a backend for a format or fails with
// capture.ErrConfigRejected.
type BackendFactory func(f capture.Format) (Backend, error)
