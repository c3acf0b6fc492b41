package source

import (
	"encoding/binary"
	"math"
	"testing"
)

func pcm16(samples ...int16) []byte {
	b := make([]byte, 0, 2*len(samples))
	for _, s := range samples {
		b = binary.LittleEndian.AppendUint16(b, uint16(s))
	}
	return b
}

func decode16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

func TestPCMConverter_PassThroughIsDelayedOneFrame(t *testing.T) {
	c := newPCMConverter(48000, 2, 16, false, 48000, 2)
	out := c.Convert(pcm16(100, -100, 200, -200, 300, -300), nil)
	got := decode16(out)
	want := []int16{100, -100, 200, -200}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	got = decode16(c.Convert(pcm16(400, -400), nil))
	if len(got) != 2 || got[0] != 300 || got[1] != -300 {
		t.Fatalf("carried frame = %v, want [300 -300]", got)
	}
}

func TestPCMConverter_DownmixAndHalveRate(t *testing.T) {
	c := newPCMConverter(48000, 2, 16, false, 24000, 1)
	var in []int16
	for i := 0; i < 100; i++ {
		in = append(in, 1000, 3000)
	}
	got := decode16(c.Convert(pcm16(in...), nil))
	if len(got) < 48 || len(got) > 50 {
		t.Fatalf("got %d samples for 100 frames at half rate", len(got))
	}
	for i, v := range got {
		if v != 2000 {
			t.Fatalf("sample %d = %d, want 2000", i, v)
		}
	}
}

func TestPCMConverter_FloatInputUpmix(t *testing.T) {
	c := newPCMConverter(16000, 1, 32, true, 16000, 2)
	raw := make([]byte, 0, 12)
	for _, f := range []float32{0.5, -0.5, 2.0} {
		raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(f))
	}
	got := decode16(c.Convert(raw, nil))
	want := []int16{16384, 16384, -16384, -16384}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	// The clipped 2.0 comes out on the next call.
	got = decode16(c.Convert(raw[:4], nil))
	if got[0] != 32767 {
		t.Fatalf("clipped sample = %d, want 32767", got[0])
	}
}

func TestPCMConverter_InterpolatesUpsampling(t *testing.T) {
	c := newPCMConverter(8000, 1, 16, false, 16000, 1)
	got := decode16(c.Convert(pcm16(0, 1000, 2000), nil))
	want := []int16{0, 500, 1000, 1500}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if d := int(got[i]) - int(want[i]); d < -1 || d > 1 {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
