package source

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"

	"github.com/castlink/cast-agent/internal/capture"
	"github.com/castlink/cast-agent/internal/grant"
)

var errStopped = errors.New("source: stopped")

// SMPTE-ish bar colors.
var bars = [...][3]byte{
	{235, 235, 235},
	{235, 235, 16},
	{16, 235, 235},
	{16, 235, 16},
	{235, 16, 235},
	{235, 16, 16},
	{16, 16, 235},
	{16, 16, 16},
}

// Pattern paints scrolling color bars with a bouncing box, paced at the
// session frame rate.
type Pattern struct {
	grant  *grant.Grant
	params capture.VideoParams

	mu      sync.Mutex
	pace    *pacer
	frame   int
	started atomic.Bool
	stopped atomic.Bool
}

func NewPattern(g *grant.Grant, p capture.VideoParams) *Pattern {
	return &Pattern{grant: g, params: p, pace: newPacer(p.FrameRate)}
}

func (s *Pattern) Start(context.Context) error {
	if err := checkGrant(s.grant); err != nil {
		return err
	}
	s.started.Store(true)
	return nil
}

func (s *Pattern) Render(ctx context.Context, dst *image.RGBA) error {
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
	paintPattern(dst, s.frame)
	s.frame++
	return nil
}

func (s *Pattern) Stop() { s.stopped.Store(true) }

func paintPattern(dst *image.RGBA, frame int) {
	b := dst.Rect
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return
	}
	barW := max(1, w/len(bars))
	shift := frame * 4

	for y := 0; y < h; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for x := 0; x < w; x++ {
			c := bars[((x+shift)/barW)%len(bars)]
			pi := x * 4
			row[pi], row[pi+1], row[pi+2], row[pi+3] = c[0], c[1], c[2], 255
		}
	}

	box := max(4, min(w, h)/8)
	bx := bounce(frame*3, w-box)
	by := bounce(frame*2, h-box)
	for y := by; y < by+box && y < h; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := bx; x < bx+box && x < w; x++ {
			pi := x * 4
			row[pi], row[pi+1], row[pi+2], row[pi+3] = 255, 255, 255, 255
		}
	}
}

// bounce maps a monotonically increasing position onto [0, span] back and forth.
func bounce(pos, span int) int {
	if span <= 0 {
		return 0
	}
	p := pos % (2 * span)
	if p > span {
		return 2*span - p
	}
	return p
}
