package codec

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/castlink/cast-agent/internal/capture"
)

// MJPEG is the software video codec that is always available. Every frame is
// an independent JPEG, so every chunk is a key frame.
const MJPEG = "mjpeg"

func init() {
	Register(Registration{Name: MJPEG, Media: capture.Video, Priority: 10, Factory: newMJPEG})
}

const (
	minJPEGQuality = 10
	maxJPEGQuality = 95
	maxMJPEGPixels = 3840 * 2160
)

type mjpegBackend struct {
	width, height, fps int
	quality            int
	i420               *image.YCbCr
	buf                bytes.Buffer
}

func newMJPEG(f capture.Format) (Backend, error) {
	v := f.Video
	if v.Width*v.Height > maxMJPEGPixels {
		return nil, rejectf("mjpeg: %dx%d exceeds %d pixels", v.Width, v.Height, maxMJPEGPixels)
	}
	b := &mjpegBackend{
		width:  v.Width,
		height: v.Height,
		fps:    v.FrameRate,
		i420:   newI420(v.Width, v.Height),
	}
	b.quality = b.qualityFor(f.BitrateBits)
	return b, nil
}

// qualityFor maps a bitrate to a JPEG quality through bits per pixel. About
// 1.5 bpp looks like quality 75 on desktop content.
func (b *mjpegBackend) qualityFor(bits int) int {
	bpp := float64(bits) / float64(b.width*b.height*b.fps)
	q := int(bpp * 50)
	return min(max(q, minJPEGQuality), maxJPEGQuality)
}

func (b *mjpegBackend) Name() string { return MJPEG }

func (b *mjpegBackend) Encode(in *Input, emit func(Output)) error {
	if in.Surface == nil {
		return errEmptyInput
	}
	rgbaToI420(in.Surface, b.i420)
	b.buf.Reset()
	if err := jpeg.Encode(&b.buf, b.i420, &jpeg.Options{Quality: b.quality}); err != nil {
		return err
	}
	emit(Output{Payload: b.buf.Bytes(), KeyFrame: true})
	return nil
}

func (b *mjpegBackend) SetBitrate(bits int) error {
	b.quality = b.qualityFor(bits)
	return nil
}

func (b *mjpegBackend) Close() error { return nil }
