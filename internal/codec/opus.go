//go:build opus

package codec

import (
	"encoding/binary"

	"github.com/hraban/opus"

	"github.com/castlink/cast-agent/internal/capture"
)

// The Opus backend wraps libopus. Built only with -tags opus since it needs
// cgo and the libopus headers.
func init() {
	Register(Registration{Name: Opus, Media: capture.Audio, Priority: 20, MimeType: "audio/opus", Factory: newOpus})
}

const (
	opusFrameMs   = 20
	maxOpusPacket = 4000
)

type opusBackend struct {
	enc       *opus.Encoder
	channels  int
	frameSize int // samples per channel per packet

	pending []int16
	packet  []byte
}

func newOpus(f capture.Format) (Backend, error) {
	a := f.Audio
	switch a.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, rejectf("opus: unsupported sample rate %d", a.SampleRate)
	}
	if a.Channels < 1 || a.Channels > 2 {
		return nil, rejectf("opus: %d channels", a.Channels)
	}
	enc, err := opus.NewEncoder(a.SampleRate, a.Channels, opus.AppAudio)
	if err != nil {
		return nil, rejectf("opus: %v", err)
	}
	if err := enc.SetBitrate(f.BitrateBits); err != nil {
		return nil, rejectf("opus bitrate %d: %v", f.BitrateBits, err)
	}
	return &opusBackend{
		enc:       enc,
		channels:  a.Channels,
		frameSize: a.SampleRate * opusFrameMs / 1000,
		packet:    make([]byte, maxOpusPacket),
	}, nil
}

func (b *opusBackend) Name() string { return Opus }

// Encode emits one packet per complete 20ms frame and carries the rest.
func (b *opusBackend) Encode(in *Input, emit func(Output)) error {
	for i := 0; i+1 < len(in.PCM); i += 2 {
		b.pending = append(b.pending, int16(binary.LittleEndian.Uint16(in.PCM[i:])))
	}
	per := b.frameSize * b.channels
	consumed := 0
	for len(b.pending)-consumed >= per {
		n, err := b.enc.Encode(b.pending[consumed:consumed+per], b.packet)
		if err != nil {
			return err
		}
		consumed += per
		emit(Output{Payload: b.packet[:n], KeyFrame: true})
	}
	b.pending = append(b.pending[:0], b.pending[consumed:]...)
	return nil
}

func (b *opusBackend) SetBitrate(bits int) error {
	return b.enc.SetBitrate(bits)
}

func (b *opusBackend) Close() error { return nil }
