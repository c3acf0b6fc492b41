package recorder

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/castlink/cast-agent/internal/capture"
	"github.com/castlink/cast-agent/internal/codec"
	"github.com/castlink/cast-agent/internal/health"
	"github.com/castlink/cast-agent/internal/probe"
)

type segmentLog struct {
	mu   sync.Mutex
	segs []Segment
}

func (l *segmentLog) add(s Segment) {
	l.mu.Lock()
	l.segs = append(l.segs, s)
	l.mu.Unlock()
}

func (l *segmentLog) all() []Segment {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Segment(nil), l.segs...)
}

func newTestRecorder(t *testing.T, segDur time.Duration) (*Recorder, *segmentLog) {
	t.Helper()
	var segs segmentLog
	r, err := New(Options{
		Dir:             t.TempDir(),
		SegmentDuration: segDur,
		Host:            probe.HostInfo{Hostname: "test-host"},
		OnSegment:       segs.add,
	})
	if err != nil {
		t.Fatal(err)
	}
	return r, &segs
}

func videoFormat(name string) capture.Format {
	return capture.Format{
		Media:       capture.Video,
		Codec:       name,
		Video:       capture.VideoParams{Width: 64, Height: 48, FrameRate: 10},
		BitrateBits: 1_000_000,
	}
}

func audioFormat(name string) capture.Format {
	return capture.Format{
		Media:       capture.Audio,
		Codec:       name,
		Audio:       capture.AudioParams{SampleRate: 48000, Channels: 2},
		BitrateBits: 64_000,
	}
}

func videoChunk(ptsMs int64, key bool, payload string) capture.EncodedChunk {
	return capture.EncodedChunk{Media: capture.Video, PTSMicros: ptsMs * 1000, KeyFrame: key, Payload: []byte(payload)}
}

func audioChunk(ptsMs int64, payload []byte) capture.EncodedChunk {
	return capture.EncodedChunk{Media: capture.Audio, PTSMicros: ptsMs * 1000, Payload: payload}
}

func readManifest(t *testing.T, path string) segmentManifest {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var m segmentManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestVideoWaitsForKeyFrameAndRotatesOnKey(t *testing.T) {
	r, segs := newTestRecorder(t, time.Second)
	if err := r.SetFormat("sess-1", videoFormat(codec.H264)); err != nil {
		t.Fatal(err)
	}

	r.Handle(videoChunk(0, false, "p0"))    // skipped, no key frame yet
	r.Handle(videoChunk(100, true, "K1"))   // opens seg 1
	r.Handle(videoChunk(600, false, "p1"))  // seg 1
	r.Handle(videoChunk(1200, false, "p2")) // due, but not a key frame
	r.Handle(videoChunk(1300, true, "K2"))  // rotates to seg 2
	r.Handle(videoChunk(1400, false, "p3")) // seg 2
	if got := len(segs.all()); got != 1 {
		t.Fatalf("closed segments = %d, want 1", got)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	all := segs.all()
	if len(all) != 2 {
		t.Fatalf("closed segments = %d, want 2", len(all))
	}
	first := all[0]
	if first.Index != 1 || first.Chunks != 3 || filepath.Ext(first.Path) != ".h264" {
		t.Fatalf("first segment = %+v", first)
	}
	data, err := os.ReadFile(first.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "K1p1p2" {
		t.Fatalf("segment bytes = %q", data)
	}
	if first.StartPTS != 100_000 || first.EndPTS != 1_200_000 {
		t.Fatalf("pts span = %d..%d", first.StartPTS, first.EndPTS)
	}

	m := readManifest(t, first.ManifestPath)
	if m.Host.Hostname != "test-host" || m.Format.Codec != codec.H264 || m.SessionID != "sess-1" {
		t.Fatalf("manifest header = %+v", m)
	}
	if len(m.Entries) != 3 || !m.Entries[0].KeyFrame || m.Entries[2].Offset != 4 {
		t.Fatalf("manifest entries = %+v", m.Entries)
	}

	if all[1].Index != 2 || all[1].Chunks != 2 {
		t.Fatalf("second segment = %+v", all[1])
	}
}

func TestAudioRotatesOnDuration(t *testing.T) {
	r, segs := newTestRecorder(t, 40*time.Millisecond)
	if err := r.SetFormat("a", audioFormat(codec.PCMU)); err != nil {
		t.Fatal(err)
	}
	for i := int64(0); i < 5; i++ {
		r.Handle(audioChunk(i*20, []byte{byte(i)}))
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	all := segs.all()
	// 0,20 | 40,60 | 80
	if len(all) != 3 {
		t.Fatalf("segments = %d, want 3", len(all))
	}
	if all[0].Chunks != 2 || all[2].Chunks != 1 {
		t.Fatalf("chunk counts = %d,%d,%d", all[0].Chunks, all[1].Chunks, all[2].Chunks)
	}
	if filepath.Ext(all[0].Path) != ".ulaw" || filepath.Base(filepath.Dir(all[0].Path)) != "audio" {
		t.Fatalf("path = %s", all[0].Path)
	}
}

func TestEmptyChunksOpenNoSegment(t *testing.T) {
	r, segs := newTestRecorder(t, time.Hour)
	r.SetFormat("v", videoFormat(codec.MJPEG))
	r.Handle(capture.EncodedChunk{Media: capture.Video, KeyFrame: true, EndOfStream: true})
	if _, err := os.Stat(filepath.Join(r.Dir(), "video")); !os.IsNotExist(err) {
		t.Fatalf("empty chunk created the track dir: %v", err)
	}

	r.Handle(videoChunk(0, true, "a"))
	r.Close()
	all := segs.all()
	if len(all) != 1 || all[0].Index != 1 || all[0].Chunks != 1 {
		t.Fatalf("segments = %+v", all)
	}
}

func TestOpusPacketsAreLengthPrefixed(t *testing.T) {
	r, segs := newTestRecorder(t, time.Hour)
	r.SetFormat("a", audioFormat(codec.Opus))
	r.Handle(audioChunk(0, []byte{1, 2, 3}))
	r.Handle(audioChunk(20, []byte{4}))
	r.Close()

	seg := segs.all()[0]
	if filepath.Base(seg.Path) != "seg-00001.opus.raw" {
		t.Fatalf("file = %s", seg.Path)
	}
	data, err := os.ReadFile(seg.Path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 2+3+2+1 || binary.BigEndian.Uint16(data) != 3 || binary.BigEndian.Uint16(data[5:]) != 1 {
		t.Fatalf("framed data = %v", data)
	}
	m := readManifest(t, seg.ManifestPath)
	if !m.LengthPrefix || m.Entries[1].Offset != 5 || m.Entries[1].Size != 1 {
		t.Fatalf("manifest = %+v", m)
	}
}

func TestFormatChangeStartsNewSegment(t *testing.T) {
	r, segs := newTestRecorder(t, time.Hour)
	r.SetFormat("s1", videoFormat(codec.MJPEG))
	r.Handle(videoChunk(0, true, "x"))
	r.SetFormat("s2", videoFormat(codec.MJPEG))
	if n := len(segs.all()); n != 1 {
		t.Fatalf("segments after new session = %d, want 1", n)
	}
	r.Handle(videoChunk(0, true, "y"))
	r.Close()

	data, err := os.ReadFile(filepath.Join(r.Dir(), ManifestName))
	if err != nil {
		t.Fatal(err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	video := m.Tracks["video"]
	if m.RecordingID != r.ID() || m.ClosedAt == nil || video.SessionID != "s2" || len(video.Segments) != 2 {
		t.Fatalf("recording manifest = %+v", m)
	}
	if video.Segments[1] != "video/seg-00002.mjpeg" {
		t.Fatalf("segment ref = %s", video.Segments[1])
	}
}

func TestLowDiskSkipsSegments(t *testing.T) {
	mon := health.NewMonitor()
	var segs segmentLog
	r, err := New(Options{
		Dir:       t.TempDir(),
		MinFreeMB: 500,
		OnSegment: segs.add,
		Health:    mon,
		diskFree:  func(string) (uint64, error) { return 100, nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	r.SetFormat("a", audioFormat(codec.PCMU))
	r.Handle(audioChunk(0, []byte{1}))
	r.Close()

	if n := len(segs.all()); n != 0 {
		t.Fatalf("segments = %d, want 0", n)
	}
	if c, ok := mon.Get(healthComponent); !ok || c.Status != health.Degraded {
		t.Fatalf("health = %+v", c)
	}
}

func TestHandleAfterCloseIsIgnored(t *testing.T) {
	r, segs := newTestRecorder(t, time.Hour)
	r.Close()
	r.Handle(audioChunk(0, []byte{1}))
	if len(segs.all()) != 0 {
		t.Fatal("chunk recorded after close")
	}
	if err := r.SetFormat("x", audioFormat(codec.PCMU)); err != ErrClosed {
		t.Fatalf("SetFormat after close = %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close = %v", err)
	}
}

func TestSessionIDAndBitrateUpdateWithoutRotation(t *testing.T) {
	r, segs := newTestRecorder(t, time.Hour)
	requested := audioFormat(codec.PCMU)
	requested.BitrateBits = 128_000
	r.SetFormat("", requested)
	r.Handle(audioChunk(0, []byte{1}))
	// The running session reports the codec's own rate.
	r.SetFormat("sess-9", audioFormat(codec.PCMU))
	r.Handle(audioChunk(20, []byte{2}))
	r.Close()

	all := segs.all()
	if len(all) != 1 || all[0].Chunks != 2 || all[0].SessionID != "sess-9" {
		t.Fatalf("segments = %+v", all)
	}
}
