package source

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/kbinani/screenshot"

	"github.com/castlink/cast-agent/internal/capture"
	"github.com/castlink/cast-agent/internal/grant"
)

// maxCaptureFailures is how many consecutive failed grabs are covered by
// repeating the last good frame before Render gives up.
const maxCaptureFailures = 30

// Screen captures one display and scales it into the encoder surface.
type Screen struct {
	grant   *grant.Grant
	params  capture.VideoParams
	display int

	mu       sync.Mutex
	pace     *pacer
	bounds   image.Rectangle
	last     *image.RGBA
	failures int
	started  atomic.Bool
	stopped  atomic.Bool
}

func NewScreen(g *grant.Grant, p capture.VideoParams, display int) (*Screen, error) {
	if display < 0 {
		return nil, fmt.Errorf("source: invalid display index %d", display)
	}
	return &Screen{grant: g, params: p, display: display, pace: newPacer(p.FrameRate)}, nil
}

// Displays lists the bounds of every active display.
func Displays() []image.Rectangle {
	n := screenshot.NumActiveDisplays()
	out := make([]image.Rectangle, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, screenshot.GetDisplayBounds(i))
	}
	return out
}

func (s *Screen) Start(context.Context) error {
	if err := checkGrant(s.grant); err != nil {
		return err
	}
	if s.started.Load() {
		return nil
	}
	total := screenshot.NumActiveDisplays()
	if total == 0 {
		return fmt.Errorf("source: no active displays: %w", capture.ErrUnsupportedFormat)
	}
	if s.display >= total {
		return fmt.Errorf("source: display %d out of range (have %d): %w", s.display, total, capture.ErrConfigRejected)
	}
	bounds := screenshot.GetDisplayBounds(s.display)
	if bounds.Empty() {
		return fmt.Errorf("source: display %d has zero bounds: %w", s.display, capture.ErrUnsupportedFormat)
	}

	s.mu.Lock()
	s.bounds = bounds
	s.mu.Unlock()
	s.started.Store(true)
	log.Info("screen source started",
		"display", s.display,
		"bounds", bounds.String(),
		"target", fmt.Sprintf("%dx%d@%d", s.params.Width, s.params.Height, s.params.FrameRate),
	)
	return nil
}

func (s *Screen) Render(ctx context.Context, dst *image.RGBA) error {
	if s.stopped.Load() || !s.started.Load() {
		return errStopped
	}
	if err := checkGrant(s.grant); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pace.wait(ctx); err != nil {
		return err
	}

	img, err := screenshot.CaptureRect(s.bounds)
	if err != nil {
		s.failures++
		if s.last == nil || s.failures > maxCaptureFailures {
			return fmt.Errorf("source: capture display %d: %w", s.display, err)
		}
		if s.failures == 1 {
			log.Warn("screen capture failed, repeating last frame", "display", s.display, "error", err)
		}
		scaleInto(dst, s.last)
		return nil
	}
	if s.failures > 0 {
		log.Info("screen capture recovered", "display", s.display, "failedFrames", s.failures)
		s.failures = 0
	}
	s.last = img
	scaleInto(dst, img)
	return nil
}

func (s *Screen) Stop() { s.stopped.Store(true) }

// scaleInto copies src into dst with nearest-neighbour scaling.
func scaleInto(dst, src *image.RGBA) {
	dw, dh := dst.Rect.Dx(), dst.Rect.Dy()
	sw, sh := src.Rect.Dx(), src.Rect.Dy()
	if dw == 0 || dh == 0 || sw == 0 || sh == 0 {
		return
	}
	if dw == sw && dh == sh {
		for y := 0; y < dh; y++ {
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+dw*4], src.Pix[y*src.Stride:y*src.Stride+sw*4])
		}
		return
	}

	xmap := make([]int, dw)
	for x := range xmap {
		xmap[x] = (x * sw / dw) * 4
	}
	for y := 0; y < dh; y++ {
		srow := src.Pix[(y*sh/dh)*src.Stride:]
		drow := dst.Pix[y*dst.Stride : y*dst.Stride+dw*4]
		for x, sx := range xmap {
			copy(drow[x*4:x*4+4], srow[sx:sx+4])
		}
	}
}
