package capture

import (
	"context"
	"image"
	"time"
)

// Wait values for Encoder.AcquireInputSlot.
const (
	NoWait      time.Duration = 0
	WaitForever time.Duration = -1
)

// InputSlot is one writable encoder input buffer. Video slots expose Surface,
// an encoder-owned render target the frame source paints into directly.
// Audio slots expose Buffer, which receives one copy of the PCM block.
type InputSlot struct {
	Index   int
	Surface *image.RGBA
	Buffer  []byte
}

// Capabilities describe optional encoder behavior.
type Capabilities struct {
	// DynamicBitrate means ReconfigureBitrate applies to the running
	// instance; otherwise changes are queued for the next Configure.
	DynamicBitrate bool
	// EndOfStream means an EOS input is answered by an EOS output chunk.
	EndOfStream bool
	Hardware    bool
	// FixedBitrate is the output rate of a codec that cannot change it.
	// Zero means the rate follows the configuration.
	FixedBitrate int
}

// Encoder is an asynchronous queue-pair codec instance: inputs are submitted
// to slots and outputs are polled, decoupled in time. Every blocking call
// takes a timeout so callers never wait unbounded. All methods fail with
// ErrEncoderStopped after Release.
type Encoder interface {
	// AcquireInputSlot waits up to timeout for a free input slot. NoWait
	// polls; WaitForever blocks until a slot frees up or ctx is done.
	// Returns ErrTimeout when nothing freed up in time.
	AcquireInputSlot(ctx context.Context, timeout time.Duration) (*InputSlot, error)
	// SubmitInput queues the first n bytes of slot.Buffer (audio) or the
	// slot surface (video). eos marks the final input.
	SubmitInput(slot *InputSlot, n int, ptsMicros int64, eos bool) error
	// DrainOutput returns one ready chunk, or nil with a nil error when
	// nothing became ready within timeout.
	DrainOutput(timeout time.Duration) (*EncodedChunk, error)
	ReconfigureBitrate(bits int) error
	Capabilities() Capabilities
	// Stop refuses further input; already submitted input is still drained.
	Stop() error
	// Release frees all resources. Safe to call more than once.
	Release() error
}

// EncoderFactory configures a new encoder instance for a format.
// Fails with ErrUnsupportedFormat or ErrConfigRejected.
type EncoderFactory interface {
	Configure(f Format) (Encoder, error)
}

// EncoderFactoryFunc adapts a function to EncoderFactory.
type EncoderFactoryFunc func(f Format) (Encoder, error)

func (fn EncoderFactoryFunc) Configure(f Format) (Encoder, error) { return fn(f) }
