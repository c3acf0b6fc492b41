// Package source implements the frame and sample sources the capture
// worker pulls from: the screen, the microphone and synthetic generators
// for tests and demos.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/castlink/cast-agent/internal/capture"
	"github.com/castlink/cast-agent/internal/grant"
	"github.com/castlink/cast-agent/internal/logging"
)

var log = logging.L("source")

// ErrNotSupported is returned when a source kind has no implementation on
// this platform.
var ErrNotSupported = errors.New("source: not supported on this platform")

// Frame source kinds.
const (
	KindScreen  = "screen"
	KindPattern = "pattern"
)

// Sample source kinds.
const (
	KindMicrophone = "microphone"
	KindTone       = "tone"
)

// FrameOptions select and tune the video source.
type FrameOptions struct {
	Kind    string
	Display int
}

// SampleOptions select and tune the audio source.
type SampleOptions struct {
	Kind string
	// Device is a platform endpoint id; empty means the default capture device.
	Device string
	// ToneHz is the tone source frequency.
	ToneHz float64
}

// Frames returns a factory for the configured video source kind.
func Frames(opts FrameOptions) (capture.FrameSourceFactory, error) {
	switch opts.Kind {
	case KindScreen, "":
		return func(g *grant.Grant, p capture.VideoParams) (capture.FrameSource, error) {
			return NewScreen(g, p, opts.Display)
		}, nil
	case KindPattern:
		return func(g *grant.Grant, p capture.VideoParams) (capture.FrameSource, error) {
			return NewPattern(g, p), nil
		}, nil
	default:
		return nil, fmt.Errorf("source: unknown video source %q", opts.Kind)
	}
}

// Samples returns a factory for the configured audio source kind.
func Samples(opts SampleOptions) (capture.SampleSourceFactory, error) {
	switch opts.Kind {
	case KindMicrophone, "":
		return func(g *grant.Grant, p capture.AudioParams) (capture.SampleSource, error) {
			return NewMicrophone(g, p, opts.Device)
		}, nil
	case KindTone:
		return func(g *grant.Grant, p capture.AudioParams) (capture.SampleSource, error) {
			return NewTone(g, p, opts.ToneHz), nil
		}, nil
	default:
		return nil, fmt.Errorf("source: unknown audio source %q", opts.Kind)
	}
}

func checkGrant(g *grant.Grant) error {
	if !g.Valid(time.Now()) {
		return fmt.Errorf("source: %w", capture.ErrGrantInvalid)
	}
	return nil
}

// pacer releases one tick per interval. A caller that falls more than one
// interval behind skips the missed ticks instead of bursting.
type pacer struct {
	interval time.Duration
	next     time.Time
}

func newPacer(fps int) *pacer {
	if fps <= 0 {
		fps = 30
	}
	return &pacer{interval: time.Second / time.Duration(fps)}
}

func (p *pacer) wait(ctx context.Context) error {
	now := time.Now()
	if p.next.IsZero() || now.Sub(p.next) > p.interval {
		p.next = now
	}
	if d := p.next.Sub(now); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	p.next = p.next.Add(p.interval)
	return nil
}
