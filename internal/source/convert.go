package source

import (
	"encoding/binary"
	"math"
)

// pcmConverter turns device-native PCM (int16 or float32, any rate and
// channel count) into interleaved PCM16 at the session's rate and channel
// count. Resampling is linear interpolation, carried across calls.
type pcmConverter struct {
	srcRate, srcCh int
	dstRate, dstCh int
	float          bool
	bytesPerSample int

	step    float64
	pos     float64
	prev    []float64
	hasPrev bool
	frames  [][]float64
}

func newPCMConverter(srcRate, srcCh, bitsPerSample int, float bool, dstRate, dstCh int) *pcmConverter {
	return &pcmConverter{
		srcRate:        srcRate,
		srcCh:          srcCh,
		dstRate:        dstRate,
		dstCh:          dstCh,
		float:          float,
		bytesPerSample: bitsPerSample / 8,
		step:           float64(srcRate) / float64(dstRate),
		prev:           make([]float64, dstCh),
	}
}

func (c *pcmConverter) sample(raw []byte) float64 {
	switch {
	case c.float && c.bytesPerSample == 4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(raw)))
	case c.bytesPerSample == 2:
		return float64(int16(binary.LittleEndian.Uint16(raw))) / 32768.0
	case c.bytesPerSample == 4:
		return float64(int32(binary.LittleEndian.Uint32(raw))) / 2147483648.0
	}
	return 0
}

// remap maps one source frame onto dstCh channels.
func (c *pcmConverter) remap(raw []byte, out []float64) {
	switch {
	case c.dstCh == c.srcCh:
		for ch := range out {
			out[ch] = c.sample(raw[ch*c.bytesPerSample:])
		}
	case c.dstCh == 1:
		var sum float64
		for ch := 0; ch < c.srcCh; ch++ {
			sum += c.sample(raw[ch*c.bytesPerSample:])
		}
		out[0] = sum / float64(c.srcCh)
	default:
		for ch := range out {
			out[ch] = c.sample(raw[min(ch, c.srcCh-1)*c.bytesPerSample:])
		}
	}
}

// Convert appends the converted PCM16 for raw to dst.
func (c *pcmConverter) Convert(raw []byte, dst []byte) []byte {
	frameBytes := c.srcCh * c.bytesPerSample
	if frameBytes == 0 {
		return dst
	}
	n := len(raw) / frameBytes

	c.frames = c.frames[:0]
	if c.hasPrev {
		c.frames = append(c.frames, c.prev)
	}
	for i := 0; i < n; i++ {
		f := make([]float64, c.dstCh)
		c.remap(raw[i*frameBytes:], f)
		c.frames = append(c.frames, f)
	}
	if len(c.frames) == 0 {
		return dst
	}

	for {
		i := int(c.pos)
		if i+1 >= len(c.frames) {
			break
		}
		frac := c.pos - float64(i)
		a, b := c.frames[i], c.frames[i+1]
		for ch := 0; ch < c.dstCh; ch++ {
			v := a[ch] + (b[ch]-a[ch])*frac
			dst = binary.LittleEndian.AppendUint16(dst, uint16(toInt16(v)))
		}
		c.pos += c.step
	}
	c.pos -= float64(len(c.frames) - 1)
	c.prev = c.frames[len(c.frames)-1]
	c.hasPrev = true
	return dst
}

func toInt16(v float64) int16 {
	v = min(max(v, -1), 1)
	return int16(math.Round(v * 32767))
}
