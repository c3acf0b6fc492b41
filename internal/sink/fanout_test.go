package sink

import (
	"testing"

	"github.com/castlink/cast-agent/internal/capture"
)

func TestFanoutDeliversInOrder(t *testing.T) {
	f := NewFanout()
	var got []string
	f.Add("a", func(capture.EncodedChunk) { got = append(got, "a") })
	f.Add("b", func(capture.EncodedChunk) { got = append(got, "b") })

	f.Handle(capture.EncodedChunk{Payload: []byte{1}})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %v", got)
	}
}

func TestFanoutSurvivesPanickingHandler(t *testing.T) {
	f := NewFanout()
	var reached int
	f.Add("bad", func(capture.EncodedChunk) { panic("boom") })
	f.Add("good", func(capture.EncodedChunk) { reached++ })

	f.Handle(capture.EncodedChunk{})
	f.Handle(capture.EncodedChunk{})
	if reached != 2 {
		t.Fatalf("good handler ran %d times, want 2", reached)
	}
}

func TestFanoutRemove(t *testing.T) {
	f := NewFanout()
	var calls int
	f.Add("keep", func(capture.EncodedChunk) { calls++ })
	f.Add("drop", func(capture.EncodedChunk) { t.Fatal("removed handler called") })
	f.Add("nil", nil)
	if f.Len() != 2 {
		t.Fatalf("len = %d, want 2", f.Len())
	}

	f.Remove("drop")
	f.Handle(capture.EncodedChunk{})
	if calls != 1 || f.Len() != 1 {
		t.Fatalf("calls=%d len=%d", calls, f.Len())
	}
}
