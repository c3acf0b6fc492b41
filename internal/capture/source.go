package capture

import (
	"context"
	"image"

	"github.com/castlink/cast-agent/internal/grant"
)

// FrameSource renders captured frames straight into an encoder surface.
// Start and Stop are idempotent.
type FrameSource interface {
	Start(ctx context.Context) error
	// Render blocks until the next frame is due and paints it into dst.
	// Returns ctx.Err() when ctx ends first.
	Render(ctx context.Context, dst *image.RGBA) error
	Stop()
}

// SampleSource delivers interleaved PCM16 audio. Start and Stop are idempotent.
type SampleSource interface {
	Start(ctx context.Context) error
	// Read blocks until at least one sample is available and copies up to
	// len(buf) bytes. Returns 0 once the source is stopped or ctx ends.
	Read(ctx context.Context, buf []byte) (int, error)
	Stopped() bool
	Stop()
}

// FrameSourceFactory builds a frame source. The grant is passed through
// untouched; sources that talk to an OS capture API hand it over there.
type FrameSourceFactory func(g *grant.Grant, p VideoParams) (FrameSource, error)

// SampleSourceFactory builds a sample source.
type SampleSourceFactory func(g *grant.Grant, p AudioParams) (SampleSource, error)
