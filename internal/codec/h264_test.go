package codec

import (
	"bytes"
	"context"
	"os/exec"
	"testing"
	"time"
)

func au(types ...byte) []byte {
	var b []byte
	for _, t := range types {
		b = append(b, 0, 0, 0, 1, t, 0xAA, 0xBB)
	}
	return b
}

func TestSplitAccessUnits(t *testing.T) {
	// AUD, SPS, PPS, IDR | AUD, non-IDR | AUD (incomplete)
	first := au(naluAUD, 7, 8, 0x65)
	second := au(naluAUD, 0x41)
	tail := au(naluAUD)
	stream := append(append(append([]byte{}, first...), second...), tail...)

	aus, rest := splitAccessUnits(stream)
	if len(aus) != 2 {
		t.Fatalf("expected 2 complete access units, got %d", len(aus))
	}
	if !bytes.Equal(aus[0], first) || !bytes.Equal(aus[1], second) {
		t.Fatal("access unit boundaries wrong")
	}
	if !bytes.Equal(rest, tail) {
		t.Fatalf("tail = % x, want % x", rest, tail)
	}
	if !containsIDR(aus[0]) || containsIDR(aus[1]) {
		t.Fatal("IDR detection wrong")
	}
}

func TestSplitAccessUnits_NoDelimiterYet(t *testing.T) {
	buf := []byte{0, 0, 0}
	aus, rest := splitAccessUnits(buf)
	if len(aus) != 0 || !bytes.Equal(rest, buf) {
		t.Fatalf("partial start code must be kept, got %d aus rest=% x", len(aus), rest)
	}
}

func TestSplitAccessUnits_ThreeByteStartCodes(t *testing.T) {
	stream := []byte{0, 0, 1, naluAUD, 0xF0, 0, 0, 1, 0x65, 0x88, 0, 0, 1, naluAUD, 0xF0}
	aus, rest := splitAccessUnits(stream)
	if len(aus) != 1 || !containsIDR(aus[0]) {
		t.Fatalf("expected one IDR access unit, got %d", len(aus))
	}
	if len(rest) != 5 {
		t.Fatalf("rest = % x", rest)
	}
}

func TestH264_EndToEnd(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	f := videoFormat(H264)
	enc, err := NewRegistry().Configure(f)
	if err != nil {
		t.Skipf("ffmpeg without libx264: %v", err)
	}
	defer enc.Release()

	for i := 0; i < 5; i++ {
		slot, err := enc.AcquireInputSlot(context.Background(), 2*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if err := enc.SubmitInput(slot, 0, int64(i)*33_333, i == 4); err != nil {
			t.Fatal(err)
		}
	}

	var (
		frames int
		key    bool
	)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c, err := enc.DrainOutput(100 * time.Millisecond)
		if err != nil {
			t.Skipf("ffmpeg failed: %v", err)
		}
		if c == nil {
			continue
		}
		if c.EndOfStream {
			break
		}
		frames++
		key = key || c.KeyFrame
	}
	if frames == 0 || !key {
		t.Fatalf("expected encoded frames with a key frame, got %d key=%v", frames, key)
	}
}
