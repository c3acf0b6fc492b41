package recorder

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/castlink/cast-agent/internal/capture"
	"github.com/castlink/cast-agent/internal/codec"
	"github.com/castlink/cast-agent/internal/probe"
)

// ManifestName is the recording-level manifest file in each recording dir.
const ManifestName = "manifest.yaml"

// extension maps a codec to the elementary-stream file suffix.
func extension(codecName string) string {
	switch codecName {
	case codec.MJPEG:
		return ".mjpeg"
	case codec.H264:
		return ".h264"
	case codec.PCMU:
		return ".ulaw"
	case codec.Opus:
		return ".opus.raw"
	default:
		return ".bin"
	}
}

// lengthPrefixed reports whether packets need framing on disk. Opus packets
// are not self-delimiting, so each gets a big-endian uint16 length.
func lengthPrefixed(codecName string) bool {
	return codecName == codec.Opus
}

// IndexEntry locates one chunk inside a segment file.
type IndexEntry struct {
	PTSMicros int64 `yaml:"pts_us"`
	Offset    int64 `yaml:"offset"`
	Size      int   `yaml:"size"`
	KeyFrame  bool  `yaml:"key,omitempty"`
	Silence   bool  `yaml:"silence,omitempty"`
}

// Segment describes one closed segment file.
type Segment struct {
	RecordingID  string    `yaml:"recording_id"`
	SessionID    string    `yaml:"session_id,omitempty"`
	Media        string    `yaml:"media"`
	Codec        string    `yaml:"codec"`
	Index        int       `yaml:"index"`
	File         string    `yaml:"file"`
	Chunks       int       `yaml:"chunks"`
	Bytes        int64     `yaml:"bytes"`
	StartPTS     int64     `yaml:"start_pts_us"`
	EndPTS       int64     `yaml:"end_pts_us"`
	OpenedAt     time.Time `yaml:"opened_at"`
	ClosedAt     time.Time `yaml:"closed_at"`
	LengthPrefix bool      `yaml:"length_prefixed,omitempty"`

	// Path and ManifestPath are absolute and not serialized.
	Path         string `yaml:"-"`
	ManifestPath string `yaml:"-"`
}

// Duration covered by the segment's timestamps.
func (s Segment) Duration() time.Duration {
	return time.Duration(s.EndPTS-s.StartPTS) * time.Microsecond
}

// segmentManifest is written next to each segment file.
type segmentManifest struct {
	Segment `yaml:",inline"`
	Host    probe.HostInfo `yaml:"host"`
	Format  formatInfo     `yaml:"format"`
	Entries []IndexEntry   `yaml:"entries"`
}

// formatInfo is the serialized form of capture.Format.
type formatInfo struct {
	Codec            string `yaml:"codec"`
	BitrateBits      int    `yaml:"bitrate_bits"`
	Width            int    `yaml:"width,omitempty"`
	Height           int    `yaml:"height,omitempty"`
	FrameRate        int    `yaml:"frame_rate,omitempty"`
	KeyFrameInterval string `yaml:"key_frame_interval,omitempty"`
	SampleRate       int    `yaml:"sample_rate,omitempty"`
	Channels         int    `yaml:"channels,omitempty"`
}

func newFormatInfo(f capture.Format) formatInfo {
	fi := formatInfo{Codec: f.Codec, BitrateBits: f.BitrateBits}
	switch f.Media {
	case capture.Video:
		fi.Width = f.Video.Width
		fi.Height = f.Video.Height
		fi.FrameRate = f.Video.FrameRate
		if f.KeyFrameInterval > 0 {
			fi.KeyFrameInterval = f.KeyFrameInterval.String()
		}
	case capture.Audio:
		fi.SampleRate = f.Audio.SampleRate
		fi.Channels = f.Audio.Channels
	}
	return fi
}

// segmentWriter owns one open segment file.
type segmentWriter struct {
	file    *os.File
	buf     *bufio.Writer
	seg     Segment
	format  formatInfo
	entries []IndexEntry
	offset  int64
	started bool
}

func openSegment(dir string, seg Segment, format formatInfo) (*segmentWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}
	base := fmt.Sprintf("seg-%05d", seg.Index)
	seg.File = base + extension(seg.Codec)
	seg.Path = filepath.Join(dir, seg.File)
	seg.ManifestPath = filepath.Join(dir, base+".yaml")
	seg.LengthPrefix = lengthPrefixed(seg.Codec)

	f, err := os.OpenFile(seg.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment: %w", err)
	}
	return &segmentWriter{file: f, buf: bufio.NewWriterSize(f, 64*1024), seg: seg, format: format}, nil
}

func (w *segmentWriter) write(c capture.EncodedChunk) error {
	if !w.started {
		w.seg.StartPTS = c.PTSMicros
		w.started = true
	}
	start := w.offset
	if w.seg.LengthPrefix {
		if len(c.Payload) > 0xFFFF {
			return fmt.Errorf("packet of %d bytes exceeds length prefix", len(c.Payload))
		}
		var prefix [2]byte
		binary.BigEndian.PutUint16(prefix[:], uint16(len(c.Payload)))
		if _, err := w.buf.Write(prefix[:]); err != nil {
			return err
		}
		w.offset += 2
	}
	n, err := w.buf.Write(c.Payload)
	w.offset += int64(n)
	if err != nil {
		return err
	}
	w.entries = append(w.entries, IndexEntry{
		PTSMicros: c.PTSMicros,
		Offset:    start,
		Size:      len(c.Payload),
		KeyFrame:  c.KeyFrame,
		Silence:   c.Silence,
	})
	w.seg.Chunks++
	w.seg.EndPTS = c.PTSMicros
	w.seg.Bytes = w.offset
	return nil
}

// elapsed is the timestamp span from the segment's first chunk to pts.
func (w *segmentWriter) elapsed(pts int64) time.Duration {
	if !w.started {
		return 0
	}
	return time.Duration(pts-w.seg.StartPTS) * time.Microsecond
}

// close flushes the file and writes the segment manifest.
func (w *segmentWriter) close(host probe.HostInfo, closedAt time.Time) (Segment, error) {
	w.seg.ClosedAt = closedAt
	flushErr := w.buf.Flush()
	syncErr := w.file.Sync()
	closeErr := w.file.Close()
	for _, err := range []error{flushErr, syncErr, closeErr} {
		if err != nil {
			return w.seg, fmt.Errorf("close segment %s: %w", w.seg.File, err)
		}
	}

	m := segmentManifest{Segment: w.seg, Host: host, Format: w.format, Entries: w.entries}
	if err := writeYAML(w.seg.ManifestPath, m); err != nil {
		return w.seg, err
	}
	return w.seg, nil
}

// writeYAML replaces path atomically with the YAML encoding of v.
func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
