package codec

import (
	"errors"
	"slices"
	"testing"

	"github.com/castlink/cast-agent/internal/capture"
)

func unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registered = slices.DeleteFunc(registered, func(r Registration) bool { return r.Name == name })
}

func TestRegistry_UnknownCodec(t *testing.T) {
	_, err := NewRegistry().Configure(videoFormat("nope"))
	if !errors.Is(err, capture.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestRegistry_CodecForWrongMedia(t *testing.T) {
	_, err := NewRegistry().Configure(audioFormat(MJPEG))
	if !errors.Is(err, capture.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestRegistry_RejectedFormat(t *testing.T) {
	f := audioFormat(PCMU)
	f.Audio.SampleRate = 44100
	_, err := NewRegistry().Configure(f)
	if !errors.Is(err, capture.ErrConfigRejected) {
		t.Fatalf("expected ErrConfigRejected, got %v", err)
	}
}

func TestRegistry_FallsThroughRejectingBackend(t *testing.T) {
	const name = "always-rejects"
	Register(Registration{
		Name:     name,
		Media:    capture.Audio,
		Priority: 1000,
		Factory: func(capture.Format) (Backend, error) {
			return nil, rejectf("never")
		},
	})
	defer unregister(name)

	if got, _ := Resolve(capture.Audio, ""); got != name {
		t.Fatalf("Resolve picked %q, want highest priority %q", got, name)
	}
	enc, err := NewRegistry().Configure(audioFormat(""))
	if err != nil {
		t.Fatalf("auto selection should fall through: %v", err)
	}
	enc.Release()
}

func TestRegistry_UnavailableBackendHidden(t *testing.T) {
	const name = "missing-hardware"
	Register(Registration{
		Name:      name,
		Media:     capture.Video,
		Priority:  1000,
		Factory:   newMJPEG,
		Available: func() bool { return false },
	})
	defer unregister(name)

	if slices.Contains(Available(capture.Video), name) {
		t.Fatal("unavailable backend listed")
	}
	if _, err := Resolve(capture.Video, name); !errors.Is(err, capture.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestRegistry_AllRejectWrapsConfigRejected(t *testing.T) {
	f := videoFormat(MJPEG)
	f.Video.Width, f.Video.Height = 8000, 8000
	_, err := NewRegistry().Configure(f)
	if !errors.Is(err, capture.ErrConfigRejected) {
		t.Fatalf("expected ErrConfigRejected, got %v", err)
	}
}

func TestMimeType(t *testing.T) {
	if got := MimeType(PCMU); got != "audio/PCMU" {
		t.Fatalf("MimeType(pcmu) = %q", got)
	}
	if got := MimeType(MJPEG); got != "" {
		t.Fatalf("MimeType(mjpeg) = %q, want none", got)
	}
	if got := MimeType("nope"); got != "" {
		t.Fatalf("MimeType(nope) = %q", got)
	}
}
