package source

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/castlink/cast-agent/internal/capture"
)

func TestTone_RealTimePacing(t *testing.T) {
	p := capture.AudioParams{SampleRate: 48000, Channels: 2}
	tone := NewTone(validGrant(t), p, 1000)
	if err := tone.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer tone.Stop()

	buf := make([]byte, p.BytesPerSecond())
	start := time.Now()
	total := 0
	for time.Since(start) < 100*time.Millisecond {
		n, err := tone.Read(context.Background(), buf)
		if err != nil {
			t.Fatal(err)
		}
		if n%4 != 0 {
			t.Fatalf("read %d bytes, not whole frames", n)
		}
		total += n
	}
	elapsed := time.Since(start)
	produced := time.Duration(float64(total) / float64(p.BytesPerSecond()) * float64(time.Second))
	if produced > elapsed+10*time.Millisecond {
		t.Fatalf("tone ran ahead of real time: %v of audio in %v", produced, elapsed)
	}
	if produced < 50*time.Millisecond {
		t.Fatalf("tone produced only %v of audio in %v", produced, elapsed)
	}
}

func TestTone_ChannelsCarrySameSample(t *testing.T) {
	p := capture.AudioParams{SampleRate: 8000, Channels: 2}
	tone := NewTone(validGrant(t), p, 0)
	if err := tone.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer tone.Stop()

	buf := make([]byte, 400)
	n, err := tone.Read(context.Background(), buf)
	if err != nil || n == 0 {
		t.Fatalf("read: n=%d err=%v", n, err)
	}
	var nonZero bool
	for i := 0; i+4 <= n; i += 4 {
		l := binary.LittleEndian.Uint16(buf[i:])
		r := binary.LittleEndian.Uint16(buf[i+2:])
		if l != r {
			t.Fatalf("frame %d: left %d != right %d", i/4, l, r)
		}
		nonZero = nonZero || l != 0
	}
	if !nonZero {
		t.Fatal("tone is silent")
	}
}

func TestTone_StopUnblocksRead(t *testing.T) {
	p := capture.AudioParams{SampleRate: 48000, Channels: 1}
	tone := NewTone(validGrant(t), p, 0)
	if err := tone.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		tone.Stop()
	}()

	buf := make([]byte, p.BytesPerSecond())
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		n, _ := tone.Read(context.Background(), buf)
		if n == 0 {
			if !tone.Stopped() {
				t.Fatal("read returned 0 without being stopped")
			}
			return
		}
	}
	t.Fatal("read kept returning data after stop")
}
