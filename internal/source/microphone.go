package source

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/castlink/cast-agent/internal/capture"
	"github.com/castlink/cast-agent/internal/grant"
)

// ringSeconds bounds how much captured audio waits for the worker.
const ringSeconds = 0.5

// captureDevice is the platform half of the microphone. start begins
// pushing PCM16 at the session format to push and reports a lost device
// through fail; close stops it and waits.
type captureDevice interface {
	start(push func([]byte), fail func(error)) error
	close()
}

// Microphone reads the default (or a named) capture endpoint.
type Microphone struct {
	grant  *grant.Grant
	params capture.AudioParams
	dev    captureDevice
	ring   *pcmRing

	mu      sync.Mutex
	started bool
	devErr  error
	stopped atomic.Bool
}

// NewMicrophone opens the capture endpoint. It fails with ErrNotSupported
// where no capture backend exists.
func NewMicrophone(g *grant.Grant, p capture.AudioParams, device string) (*Microphone, error) {
	dev, err := openCaptureDevice(device, p)
	if err != nil {
		return nil, err
	}
	frameBytes := 2 * p.Channels
	return &Microphone{
		grant:  g,
		params: p,
		dev:    dev,
		ring:   newPCMRing(int(float64(p.BytesPerSecond())*ringSeconds), frameBytes),
	}, nil
}

func (m *Microphone) Start(context.Context) error {
	if err := checkGrant(m.grant); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped.Load() {
		return nil
	}
	if err := m.dev.start(m.ring.Write, m.fail); err != nil {
		return err
	}
	m.started = true
	return nil
}

func (m *Microphone) fail(err error) {
	m.mu.Lock()
	m.devErr = err
	m.mu.Unlock()
	m.ring.Close()
}

func (m *Microphone) Read(ctx context.Context, buf []byte) (int, error) {
	if m.stopped.Load() {
		return 0, nil
	}
	n := m.ring.Read(ctx, buf)
	if n == 0 {
		m.mu.Lock()
		err := m.devErr
		m.mu.Unlock()
		return 0, err
	}
	return n, nil
}

func (m *Microphone) Stopped() bool { return m.stopped.Load() }

func (m *Microphone) Stop() {
	if m.stopped.Swap(true) {
		return
	}
	m.ring.Close()
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		m.dev.close()
	}
	if d := m.ring.Dropped(); d > 0 {
		log.Warn("microphone dropped audio", "bytes", d)
	}
}
