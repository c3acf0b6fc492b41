package codec

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/castlink/cast-agent/internal/capture"
	"github.com/castlink/cast-agent/internal/logging"
)

var log = logging.L("codec")

// Opus names the libopus backend, which is only registered in builds with
// -tags opus.
const Opus = "opus"

// Registration describes one backend.
type Registration struct {
	Name  string
	Media capture.MediaType
	// Priority orders backends when no codec is requested by name; higher wins.
	Priority int
	// MimeType is the RTP mime type, empty when the codec has no RTP mapping.
	MimeType string
	Factory  BackendFactory
	// Available reports whether the backend can run on this host. Nil means always.
	Available func() bool
}

func (r Registration) usable() bool {
	return r.Available == nil || r.Available()
}

var (
	registryMu sync.RWMutex
	registered []Registration
)

// Register adds or replaces a backend. Backends call it from init.
func Register(r Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registered = slices.DeleteFunc(registered, func(x Registration) bool { return x.Name == r.Name })
	registered = append(registered, r)
	slices.SortStableFunc(registered, func(a, b Registration) int { return b.Priority - a.Priority })
}

func lookup(name string) (Registration, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, r := range registered {
		if r.Name == name {
			return r, true
		}
	}
	return Registration{}, false
}

// candidates returns the usable backends for media, best first.
func candidates(media capture.MediaType) []Registration {
	registryMu.RLock()
	regs := slices.Clone(registered)
	registryMu.RUnlock()

	var out []Registration
	for _, r := range regs {
		if r.Media == media && r.usable() {
			out = append(out, r)
		}
	}
	return out
}

// Available lists registered codec names for media, best first.
func Available(media capture.MediaType) []string {
	var names []string
	for _, r := range candidates(media) {
		names = append(names, r.Name)
	}
	return names
}

// MimeType returns the RTP mime type for a codec, or "" when the codec has
// no RTP mapping.
func MimeType(name string) string {
	r, ok := lookup(name)
	if !ok {
		return ""
	}
	return r.MimeType
}

// Resolve returns the codec Configure would use for media when preferred is
// requested. An empty preferred picks the highest-priority backend.
func Resolve(media capture.MediaType, preferred string) (string, error) {
	if preferred != "" {
		r, ok := lookup(preferred)
		if !ok || r.Media != media || !r.usable() {
			return "", fmt.Errorf("codec %q for %s: %w", preferred, media, capture.ErrUnsupportedFormat)
		}
		return r.Name, nil
	}
	c := candidates(media)
	if len(c) == 0 {
		return "", fmt.Errorf("no %s codec registered: %w", media, capture.ErrUnsupportedFormat)
	}
	return c[0].Name, nil
}

// Registry configures encoders from registered backends. It implements
// capture.EncoderFactory.
type Registry struct {
	// Slots is the number of input slots per encoder.
	Slots int
	// OutputDepth bounds encoded chunks waiting to be drained.
	OutputDepth int
}

const (
	defaultVideoSlots  = 4
	defaultAudioSlots  = 8
	defaultOutputDepth = 16
)

// NewRegistry returns a Registry with default queue sizes.
func NewRegistry() *Registry {
	return &Registry{OutputDepth: defaultOutputDepth}
}

// Configure builds the named codec, or the best available one when
// f.Codec is empty. When no codec is named, a backend that rejects the
// format falls through to the next candidate.
func (r *Registry) Configure(f capture.Format) (capture.Encoder, error) {
	var regs []Registration
	if f.Codec != "" {
		reg, ok := lookup(f.Codec)
		if !ok || reg.Media != f.Media || !reg.usable() {
			return nil, fmt.Errorf("codec %q for %s: %w", f.Codec, f.Media, capture.ErrUnsupportedFormat)
		}
		regs = []Registration{reg}
	} else {
		regs = candidates(f.Media)
		if len(regs) == 0 {
			return nil, fmt.Errorf("no %s codec registered: %w", f.Media, capture.ErrUnsupportedFormat)
		}
	}

	var errs []error
	for _, reg := range regs {
		f.Codec = reg.Name
		backend, err := reg.Factory(f)
		if err != nil {
			log.Debug("backend rejected format", "codec", reg.Name, "format", f.String(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", reg.Name, err))
			continue
		}
		return newAsyncEncoder(f, backend, reg.Factory, r.slots(f.Media), r.outputDepth()), nil
	}
	err := errors.Join(errs...)
	if !errors.Is(err, capture.ErrConfigRejected) && !errors.Is(err, capture.ErrUnsupportedFormat) {
		err = fmt.Errorf("%w: %w", capture.ErrConfigRejected, err)
	}
	return nil, err
}

func (r *Registry) slots(media capture.MediaType) int {
	if r != nil && r.Slots > 0 {
		return r.Slots
	}
	if media == capture.Audio {
		return defaultAudioSlots
	}
	return defaultVideoSlots
}

func (r *Registry) outputDepth() int {
	if r != nil && r.OutputDepth > 0 {
		return r.OutputDepth
	}
	return defaultOutputDepth
}

func rejectf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", capture.ErrConfigRejected, fmt.Sprintf(format, args...))
}
