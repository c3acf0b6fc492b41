//go:build !windows

package source

import (
	"fmt"

	"github.com/castlink/cast-agent/internal/capture"
)

func openCaptureDevice(string, capture.AudioParams) (captureDevice, error) {
	return nil, fmt.Errorf("microphone: %w: %w", ErrNotSupported, capture.ErrUnsupportedFormat)
}
