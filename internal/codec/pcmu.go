package codec

import (
	"encoding/binary"

	"github.com/castlink/cast-agent/internal/capture"
)

// PCMU is G.711 mu-law at 8 kHz mono. Its bitrate is fixed at 64 kbps and
// bitrate requests are ignored.
const PCMU = "pcmu"

func init() {
	Register(Registration{Name: PCMU, Media: capture.Audio, Priority: 10, MimeType: "audio/PCMU", Factory: newPCMU})
}

const (
	pcmuRate      = 8000
	pcmuFrameSize = 160 // 20ms at 8 kHz
	pcmuBitrate   = pcmuRate * 8
)

type pcmuBackend struct {
	channels int
	ratio    int

	accum      int64
	accumCount int
	frame      [pcmuFrameSize]byte
	frameLen   int
}

func newPCMU(f capture.Format) (Backend, error) {
	a := f.Audio
	if a.SampleRate%pcmuRate != 0 {
		return nil, rejectf("pcmu: sample rate %d is not a multiple of %d", a.SampleRate, pcmuRate)
	}
	if a.Channels > 8 {
		return nil, rejectf("pcmu: %d channels", a.Channels)
	}
	return &pcmuBackend{channels: a.Channels, ratio: a.SampleRate / pcmuRate}, nil
}

func (b *pcmuBackend) Name() string { return PCMU }

func (b *pcmuBackend) FixedBitrate() int { return pcmuBitrate }

// Encode mixes to mono, box-filters down to 8 kHz and emits complete
// 20ms frames. Partial frames carry over to the next input.
func (b *pcmuBackend) Encode(in *Input, emit func(Output)) error {
	frameBytes := 2 * b.channels
	for i := 0; i+frameBytes <= len(in.PCM); i += frameBytes {
		var mono int64
		for ch := 0; ch < b.channels; ch++ {
			mono += int64(int16(binary.LittleEndian.Uint16(in.PCM[i+2*ch:])))
		}
		b.accum += mono / int64(b.channels)
		b.accumCount++
		if b.accumCount < b.ratio {
			continue
		}

		b.frame[b.frameLen] = linearToMulaw(int32(b.accum / int64(b.accumCount)))
		b.frameLen++
		b.accum, b.accumCount = 0, 0
		if b.frameLen == pcmuFrameSize {
			emit(Output{Payload: b.frame[:], KeyFrame: true})
			b.frameLen = 0
		}
	}
	return nil
}

func (b *pcmuBackend) Close() error { return nil }

// linearToMulaw encodes one PCM16 sample as G.711 mu-law. The sample is
// widened so that -32768 negates without overflow.
func linearToMulaw(sample int32) byte {
	const bias = 0x84
	const clip = 32635

	sign := byte(0)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > clip {
		sample = clip
	}
	sample += bias

	exp := 7
	for mask := int32(0x4000); exp > 0; exp-- {
		if sample&mask != 0 {
			break
		}
		mask >>= 1
	}
	mantissa := (sample >> (uint(exp) + 3)) & 0x0F
	return ^(sign | byte(exp<<4) | byte(mantissa))
}
