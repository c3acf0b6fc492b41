package probe

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/castlink/cast-agent/internal/codec"
)

func TestRunListsBuiltinCodecs(t *testing.T) {
	r := Run(context.Background(), t.TempDir())
	if !slices.Contains(r.VideoCodecs, codec.MJPEG) {
		t.Fatalf("video codecs = %v, want mjpeg", r.VideoCodecs)
	}
	if !slices.Contains(r.AudioCodecs, codec.PCMU) {
		t.Fatalf("audio codecs = %v, want pcmu", r.AudioCodecs)
	}
	if r.Host.CPUs <= 0 {
		t.Fatalf("cpus = %d", r.Host.CPUs)
	}
	if r.Load.DiskFreeMB == 0 {
		t.Fatal("disk free not reported for temp dir")
	}
}

func TestReportWriteText(t *testing.T) {
	r := Report{
		Host:        HostInfo{Hostname: "studio-1", OS: "linux", CPUs: 8, MemoryTotalMB: 16384},
		Displays:    []Display{{Index: 0, Width: 1920, Height: 1080}},
		VideoCodecs: []string{"h264", "mjpeg"},
		AudioCodecs: []string{"pcmu"},
		Warnings:    []string{"something odd"},
	}
	var buf bytes.Buffer
	if err := r.WriteText(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"studio-1", "1920x1080 at (0,0)", "h264, mjpeg", "warning:", "something odd"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestReportYAMLKeys(t *testing.T) {
	r := Report{Host: HostInfo{Hostname: "h"}, VideoCodecs: []string{"mjpeg"}}
	b, err := yaml.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"hostname: h", "video_codecs:", "- mjpeg"} {
		if !strings.Contains(string(b), want) {
			t.Fatalf("yaml lacks %q:\n%s", want, b)
		}
	}
}
