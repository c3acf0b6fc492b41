// Package probe reports what this host can capture and encode: machine
// facts, attached displays, the usable codecs per media and current load.
package probe

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/castlink/cast-agent/internal/capture"
	"github.com/castlink/cast-agent/internal/codec"
	"github.com/castlink/cast-agent/internal/source"
)

// Display is one active monitor in virtual screen coordinates.
type Display struct {
	Index  int `yaml:"index" json:"index"`
	X      int `yaml:"x" json:"x"`
	Y      int `yaml:"y" json:"y"`
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// Report is the output of Run.
type Report struct {
	Host        HostInfo  `yaml:"host" json:"host"`
	Load        Load      `yaml:"load" json:"load"`
	Displays    []Display `yaml:"displays" json:"displays"`
	VideoCodecs []string  `yaml:"video_codecs" json:"videoCodecs"`
	AudioCodecs []string  `yaml:"audio_codecs" json:"audioCodecs"`
	FFmpeg      string    `yaml:"ffmpeg,omitempty" json:"ffmpeg,omitempty"`
	Warnings    []string  `yaml:"warnings,omitempty" json:"warnings,omitempty"`
}

// Run gathers a Report. dataDir, when set, is checked for free disk space.
func Run(ctx context.Context, dataDir string) Report {
	var r Report
	host, err := Host(ctx)
	if err != nil {
		r.Warnings = append(r.Warnings, err.Error())
	}
	r.Host = host
	r.Load = SampleLoad(ctx, dataDir)

	for i, b := range source.Displays() {
		r.Displays = append(r.Displays, Display{Index: i, X: b.Min.X, Y: b.Min.Y, Width: b.Dx(), Height: b.Dy()})
	}
	if len(r.Displays) == 0 {
		r.Warnings = append(r.Warnings, "no active displays; only the test pattern can be captured")
	}

	r.VideoCodecs = codec.Available(capture.Video)
	r.AudioCodecs = codec.Available(capture.Audio)
	if path, err := codec.FFmpegPath(); err == nil {
		r.FFmpeg = path
	} else {
		r.Warnings = append(r.Warnings, "ffmpeg not found; h264 is unavailable")
	}
	return r
}

// WriteText prints r as aligned key/value lines.
func (r Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	rows := [][2]string{
		{"hostname", r.Host.Hostname},
		{"os", strings.TrimSpace(fmt.Sprintf("%s %s %s", r.Host.OS, r.Host.Platform, r.Host.PlatformVersion))},
		{"arch", r.Host.KernelArch},
		{"cpus", fmt.Sprint(r.Host.CPUs)},
		{"memory", fmt.Sprintf("%d MB (%.0f%% used)", r.Host.MemoryTotalMB, r.Load.RAMPercent)},
		{"cpu load", fmt.Sprintf("%.0f%%", r.Load.CPUPercent)},
	}
	if r.Load.DiskFreeMB > 0 {
		rows = append(rows, [2]string{"disk free", fmt.Sprintf("%d MB", r.Load.DiskFreeMB)})
	}
	for _, d := range r.Displays {
		rows = append(rows, [2]string{
			fmt.Sprintf("display %d", d.Index),
			fmt.Sprintf("%dx%d at (%d,%d)", d.Width, d.Height, d.X, d.Y),
		})
	}
	rows = append(rows,
		[2]string{"video codecs", strings.Join(r.VideoCodecs, ", ")},
		[2]string{"audio codecs", strings.Join(r.AudioCodecs, ", ")},
	)
	if r.FFmpeg != "" {
		rows = append(rows, [2]string{"ffmpeg", r.FFmpeg})
	}
	for _, warn := range r.Warnings {
		rows = append(rows, [2]string{"warning", warn})
	}
	for _, row := range rows {
		if _, err := fmt.Fprintf(tw, "%s:\t%s\n", row[0], row[1]); err != nil {
			return err
		}
	}
	return tw.Flush()
}
