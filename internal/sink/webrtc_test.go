package sink

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/castlink/cast-agent/internal/capture"
	"github.com/castlink/cast-agent/internal/codec"
)

func newTestPublisher(t *testing.T, maxPeers int) *Publisher {
	t.Helper()
	p, err := NewPublisher(PublisherOptions{
		VideoCodec:    codec.H264,
		AudioCodec:    codec.PCMU,
		MaxPeers:      maxPeers,
		GatherTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func clientOffer(t *testing.T) (*webrtc.PeerConnection, string) {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pc.Close() })
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			t.Fatal(err)
		}
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	select {
	case <-gathered:
	case <-time.After(5 * time.Second):
		t.Fatal("client gathering timed out")
	}
	return pc, pc.LocalDescription().SDP
}

func TestPublisherTracksFollowCodecs(t *testing.T) {
	p := newTestPublisher(t, 0)
	if !p.HasTrack(capture.Video) || !p.HasTrack(capture.Audio) {
		t.Fatal("expected both tracks")
	}

	only, err := NewPublisher(PublisherOptions{VideoCodec: codec.MJPEG, AudioCodec: codec.PCMU})
	if err != nil {
		t.Fatal(err)
	}
	defer only.Close()
	if only.HasTrack(capture.Video) || !only.HasTrack(capture.Audio) {
		t.Fatal("mjpeg must not get an rtp track")
	}

	if _, err := NewPublisher(PublisherOptions{VideoCodec: codec.MJPEG}); !errors.Is(err, ErrNoTracks) {
		t.Fatalf("err = %v, want ErrNoTracks", err)
	}
}

func TestPublisherNegotiatesOverHTTP(t *testing.T) {
	p := newTestPublisher(t, 1)
	srv := httptest.NewServer(p)
	defer srv.Close()

	client, offer := clientOffer(t)
	body, _ := json.Marshal(sessionDescription{Type: "offer", SDP: offer})
	resp, err := http.Post(srv.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d: %s", resp.StatusCode, msg)
	}
	var answer sessionDescription
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		t.Fatal(err)
	}
	if answer.Type != "answer" || answer.ID == "" {
		t.Fatalf("answer = %+v", answer)
	}
	for _, want := range []string{"m=video", "m=audio", "H264", "PCMU"} {
		if !strings.Contains(answer.SDP, want) {
			t.Fatalf("answer SDP lacks %q", want)
		}
	}
	if err := client.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		t.Fatalf("client rejected answer: %v", err)
	}
	if p.Peers() != 1 {
		t.Fatalf("peers = %d", p.Peers())
	}

	// The only slot is taken.
	_, second := clientOffer(t)
	resp2, err := http.Post(srv.URL, "application/sdp", strings.NewReader(second))
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp2.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"?id="+answer.ID, nil)
	resp3, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusNoContent || p.Peers() != 0 {
		t.Fatalf("delete status=%d peers=%d", resp3.StatusCode, p.Peers())
	}
}

func TestPublisherRejectsBadRequests(t *testing.T) {
	p := newTestPublisher(t, 0)
	srv := httptest.NewServer(p)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", resp.StatusCode)
	}

	for _, tc := range []struct {
		ctype, body string
	}{
		{"application/json", `{"type":"answer","sdp":"x"}`},
		{"application/json", `not json`},
		{"application/sdp", "   "},
		{"application/sdp", "v=0 garbage"},
	} {
		resp, err := http.Post(srv.URL, tc.ctype, strings.NewReader(tc.body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s %q: status = %d, want 400", tc.ctype, tc.body, resp.StatusCode)
		}
	}
	if p.Peers() != 0 {
		t.Fatalf("failed negotiations left %d peers", p.Peers())
	}
}

func TestPublisherSampleDurations(t *testing.T) {
	p := newTestPublisher(t, 0)

	if d := p.sampleDuration(capture.Video, 1_000_000); d != time.Second/30 {
		t.Fatalf("first video sample = %s", d)
	}
	if d := p.sampleDuration(capture.Video, 1_040_000); d != 40*time.Millisecond {
		t.Fatalf("second video sample = %s", d)
	}
	// A repeated timestamp falls back to the nominal duration.
	if d := p.sampleDuration(capture.Video, 1_040_000); d != time.Second/30 {
		t.Fatalf("repeated pts = %s", d)
	}
	if d := p.sampleDuration(capture.Audio, 0); d != 20*time.Millisecond {
		t.Fatalf("first audio sample = %s", d)
	}

	// A new session restarts its clock at zero.
	if d := p.sampleDuration(capture.Video, 0); d != time.Second/30 {
		t.Fatalf("after pts went back = %s", d)
	}
}

func TestRoundTripFromReceptionReport(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sent := now.Add(-150 * time.Millisecond)
	r := rtcp.ReceptionReport{
		LastSenderReport: ntpShort(sent),
		Delay:            uint32(50 * 65536 / 1000), // 50ms held by the receiver
	}
	rtt := roundTrip(r, now)
	if rtt < 99*time.Millisecond || rtt > 101*time.Millisecond {
		t.Fatalf("rtt = %s, want ~100ms", rtt)
	}

	if rtt := roundTrip(rtcp.ReceptionReport{}, now); rtt != 0 {
		t.Fatalf("no sender report yet: rtt = %s", rtt)
	}
	r.Delay = uint32(time.Second.Seconds() * 65536)
	if rtt := roundTrip(r, now); rtt != 0 {
		t.Fatalf("negative rtt = %s, want 0", rtt)
	}
}

func TestReceiverReportsDriveAdaptiveBitrate(t *testing.T) {
	setter := &recordingSetter{rng: capture.BitrateRange{Min: 1_000_000, Max: 8_000_000}}
	a, err := capture.NewAdaptiveBitrate(capture.AdaptiveConfig{
		Target:         setter,
		Media:          capture.Video,
		InitialBitrate: 4_000_000,
		Range:          setter.rng,
		Cooldown:       time.Nanosecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewPublisher(PublisherOptions{AudioCodec: codec.PCMU, Adaptive: a})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	report := &rtcp.ReceiverReport{Reports: []rtcp.ReceptionReport{{FractionLost: 64}}}
	for i := 0; i < 4; i++ {
		p.onReceiverReport(report, time.Now())
	}
	if a.Bitrate() >= 4_000_000 {
		t.Fatalf("bitrate = %d, want a decrease under 25%% loss", a.Bitrate())
	}
}
