//go:build !windows

package source

import (
	"errors"
	"testing"

	"github.com/castlink/cast-agent/internal/capture"
)

func TestMicrophone_NotSupported(t *testing.T) {
	_, err := NewMicrophone(validGrant(t), capture.AudioParams{SampleRate: 48000, Channels: 2}, "")
	if !errors.Is(err, ErrNotSupported) || !errors.Is(err, capture.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrNotSupported wrapping ErrUnsupportedFormat, got %v", err)
	}
}
