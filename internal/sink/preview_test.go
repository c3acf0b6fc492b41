package sink

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/castlink/cast-agent/internal/capture"
)

type recordingSetter struct {
	mu    sync.Mutex
	calls []int
	rng   capture.BitrateRange
}

func (s *recordingSetter) SetBitrate(media capture.MediaType, bits int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clamped := s.rng.Clamp(bits)
	s.calls = append(s.calls, clamped)
	return clamped, nil
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dialPreview(t *testing.T, p *Preview) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	waitFor(t, time.Second, "viewer registration", func() bool { return p.Viewers() == 1 })
	return conn
}

func TestFrameHeaderLayout(t *testing.T) {
	c := capture.EncodedChunk{
		Media:     capture.Audio,
		PTSMicros: 0x0102030405060708,
		Silence:   true,
		Payload:   []byte("pcm"),
	}
	b := EncodeFrame(c)
	want := []byte{1, FlagSilence, 1, 2, 3, 4, 5, 6, 7, 8, 'p', 'c', 'm'}
	if !bytes.Equal(b, want) {
		t.Fatalf("frame = %v, want %v", b, want)
	}

	got, err := DecodeFrame(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Media != capture.Audio || !got.Silence || got.KeyFrame || got.PTSMicros != c.PTSMicros || string(got.Payload) != "pcm" {
		t.Fatalf("decoded %+v", got)
	}

	if _, err := DecodeFrame(b[:HeaderSize-1]); err == nil {
		t.Fatal("short frame decoded")
	}
	bad := append([]byte(nil), b...)
	bad[0] = 9
	if _, err := DecodeFrame(bad); err == nil {
		t.Fatal("unknown media decoded")
	}
}

func TestPreviewViewerStartsAtKeyFrame(t *testing.T) {
	p := NewPreview(PreviewOptions{})
	defer p.Close()
	conn := dialPreview(t, p)

	p.Handle(capture.EncodedChunk{Media: capture.Video, PTSMicros: 1, Payload: []byte("delta")})
	p.Handle(capture.EncodedChunk{Media: capture.Video, PTSMicros: 2, KeyFrame: true, Payload: []byte("key")})
	p.Handle(capture.EncodedChunk{Media: capture.Audio, PTSMicros: 3, Payload: []byte("pcm")})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []capture.EncodedChunk
	for len(got) < 2 {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		c, err := DecodeFrame(msg)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, c)
	}
	if !got[0].KeyFrame || string(got[0].Payload) != "key" {
		t.Fatalf("first frame = %+v, want the key frame", got[0])
	}
	if got[1].Media != capture.Audio || got[1].PTSMicros != 3 {
		t.Fatalf("second frame = %+v", got[1])
	}
}

func TestPreviewSlowViewerDropsAndResyncs(t *testing.T) {
	p := NewPreview(PreviewOptions{})
	cl := &previewClient{send: make(chan outbound, 1), done: make(chan struct{})}
	p.clients[cl] = struct{}{}

	key := capture.EncodedChunk{Media: capture.Video, KeyFrame: true, Payload: []byte{1}}
	delta := capture.EncodedChunk{Media: capture.Video, Payload: []byte{2}}

	p.Handle(key)
	p.Handle(key)
	p.Handle(key)
	if p.Dropped() != 2 {
		t.Fatalf("dropped = %d, want 2", p.Dropped())
	}
	<-cl.send

	p.Handle(delta)
	if len(cl.send) != 0 {
		t.Fatal("delta frame delivered before resync")
	}
	p.Handle(key)
	if len(cl.send) != 1 {
		t.Fatal("key frame not delivered after drop")
	}
	<-cl.send
	p.Handle(delta)
	if len(cl.send) != 1 {
		t.Fatal("delta frame not delivered after resync")
	}
}

func TestPreviewSetBitrate(t *testing.T) {
	setter := &recordingSetter{rng: capture.BitrateRange{Min: 1000, Max: 2000}}
	p := NewPreview(PreviewOptions{Control: setter})
	defer p.Close()
	conn := dialPreview(t, p)

	if err := conn.WriteJSON(ControlMessage{Type: "set_bitrate", Media: "video", Bits: 5000}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply ControlMessage
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != "bitrate" || reply.Bits != 2000 || reply.Media != "video" {
		t.Fatalf("reply = %+v", reply)
	}

	if err := conn.WriteJSON(ControlMessage{Type: "set_bitrate", Media: "smell", Bits: 1}); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != "error" {
		t.Fatalf("reply = %+v, want error", reply)
	}

	setter.mu.Lock()
	defer setter.mu.Unlock()
	if len(setter.calls) != 1 || setter.calls[0] != 2000 {
		t.Fatalf("setter calls = %v", setter.calls)
	}
}

func TestPreviewViewOnlyRejectsControl(t *testing.T) {
	p := NewPreview(PreviewOptions{})
	reply := p.handleControl(ControlMessage{Type: "set_bitrate", Media: "audio", Bits: 64000})
	if reply.Type != "error" {
		t.Fatalf("reply = %+v", reply)
	}
	if reply := p.handleControl(ControlMessage{Type: "ping"}); reply.Type != "pong" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestPreviewCloseDisconnectsViewers(t *testing.T) {
	p := NewPreview(PreviewOptions{})
	conn := dialPreview(t, p)

	p.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("read succeeded after Close")
	}
	if p.Viewers() != 0 {
		t.Fatalf("viewers = %d", p.Viewers())
	}
}
