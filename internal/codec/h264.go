package codec

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/castlink/cast-agent/internal/capture"
)

// H264 encodes through an ffmpeg/libx264 child process fed raw I420 on
// stdin. ffmpeg cannot retune a running encoder, so bitrate changes rebuild
// the process at the next frame.
const H264 = "h264"

var (
	ffmpegMu     sync.RWMutex
	ffmpegBinary = "ffmpeg"
)

// SetFFmpegBinary overrides the ffmpeg executable used by the h264 backend.
func SetFFmpegBinary(path string) {
	if path == "" {
		return
	}
	ffmpegMu.Lock()
	ffmpegBinary = path
	ffmpegMu.Unlock()
}

// FFmpegPath resolves the ffmpeg executable, or returns an error when it is
// not installed.
func FFmpegPath() (string, error) {
	return ffmpegPath()
}

func ffmpegPath() (string, error) {
	ffmpegMu.RLock()
	bin := ffmpegBinary
	ffmpegMu.RUnlock()
	return exec.LookPath(bin)
}

func init() {
	Register(Registration{
		Name:     H264,
		Media:    capture.Video,
		Priority: 20,
		MimeType: "video/H264",
		Factory:  newH264,
		Available: func() bool {
			_, err := ffmpegPath()
			return err == nil
		},
	})
}

const ffmpegExitWait = 2 * time.Second

type h264Backend struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	i420  *image.YCbCr

	mu      sync.Mutex
	ready   [][]byte
	readErr error
	done    chan struct{}

	closeOnce sync.Once
	stderr    *limitedWriter
}

func newH264(f capture.Format) (Backend, error) {
	v := f.Video
	if v.Width%2 != 0 || v.Height%2 != 0 {
		return nil, rejectf("h264: %dx%d must have even dimensions", v.Width, v.Height)
	}
	bin, err := ffmpegPath()
	if err != nil {
		return nil, fmt.Errorf("%w: h264 needs ffmpeg: %v", capture.ErrUnsupportedFormat, err)
	}

	gop := v.FrameRate * 2
	if f.KeyFrameInterval > 0 {
		gop = max(1, int(f.KeyFrameInterval.Seconds()*float64(v.FrameRate)))
	}
	rate := strconv.Itoa(f.BitrateBits)
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo", "-pix_fmt", "yuv420p",
		"-s", fmt.Sprintf("%dx%d", v.Width, v.Height),
		"-r", strconv.Itoa(v.FrameRate),
		"-i", "pipe:0",
		"-an",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-b:v", rate, "-maxrate", rate, "-bufsize", strconv.Itoa(f.BitrateBits / 2),
		"-g", strconv.Itoa(gop), "-bf", "0",
		"-x264-params", "aud=1:repeat-headers=1",
		"-f", "h264", "pipe:1",
	}

	b := &h264Backend{
		cmd:  exec.Command(bin, args...),
		i420: newI420(v.Width, v.Height),
		done: make(chan struct{}),
	}
	b.stderr = &limitedWriter{limit: 4096}
	b.cmd.Stderr = b.stderr
	b.stdin, err = b.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("h264 stdin: %w", err)
	}
	stdout, err := b.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("h264 stdout: %w", err)
	}
	if err := b.cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %v", capture.ErrConfigRejected, err)
	}
	go b.readStream(stdout)
	return b, nil
}

func (b *h264Backend) Name() string { return H264 }

// readStream splits the Annex-B stream into access units on AUD boundaries.
func (b *h264Backend) readStream(r io.Reader) {
	defer close(b.done)
	br := bufio.NewReaderSize(r, 256*1024)
	chunk := make([]byte, 64*1024)
	var buf []byte
	for {
		n, err := br.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var aus [][]byte
			aus, buf = splitAccessUnits(buf)
			if len(aus) > 0 {
				b.mu.Lock()
				b.ready = append(b.ready, aus...)
				b.mu.Unlock()
			}
		}
		if err != nil {
			b.mu.Lock()
			if len(buf) > 0 {
				b.ready = append(b.ready, buf)
			}
			if !errors.Is(err, io.EOF) {
				b.readErr = err
			}
			b.mu.Unlock()
			return
		}
	}
}

func (b *h264Backend) takeReady(emit func(Output)) error {
	b.mu.Lock()
	aus := b.ready
	b.ready = nil
	err := b.readErr
	b.mu.Unlock()
	for _, au := range aus {
		emit(Output{Payload: au, KeyFrame: containsIDR(au)})
	}
	return err
}

func (b *h264Backend) Encode(in *Input, emit func(Output)) error {
	if in.Surface == nil {
		return errEmptyInput
	}
	select {
	case <-b.done:
		return fmt.Errorf("ffmpeg exited: %s", b.stderr.String())
	default:
	}
	rgbaToI420(in.Surface, b.i420)
	for _, plane := range [][]byte{b.i420.Y, b.i420.Cb, b.i420.Cr} {
		if _, err := b.stdin.Write(plane); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
	}
	return b.takeReady(emit)
}

// Flush closes stdin and emits every access unit ffmpeg still holds.
func (b *h264Backend) Flush(emit func(Output)) error {
	b.closeInput()
	select {
	case <-b.done:
	case <-time.After(ffmpegExitWait):
		return errors.New("ffmpeg did not flush in time")
	}
	return b.takeReady(emit)
}

func (b *h264Backend) closeInput() {
	b.closeOnce.Do(func() { _ = b.stdin.Close() })
}

func (b *h264Backend) Close() error {
	b.closeInput()
	select {
	case <-b.done:
	case <-time.After(ffmpegExitWait):
		_ = b.cmd.Process.Kill()
		<-b.done
	}
	err := b.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Killed or closed mid-stream; the output is gone either way.
		return nil
	}
	return err
}

const (
	naluIDR = 5
	naluAUD = 9
)

// splitAccessUnits returns every complete access unit in buf, each starting
// at an access unit delimiter, and the unfinished tail. An access unit is
// complete once the next delimiter has arrived.
func splitAccessUnits(buf []byte) ([][]byte, []byte) {
	var (
		aus   [][]byte
		start = -1
	)
	for i := 0; i+3 < len(buf); {
		sc := startCodeLen(buf[i:])
		if sc == 0 {
			i++
			continue
		}
		if i+sc >= len(buf) {
			break
		}
		if buf[i+sc]&0x1F == naluAUD {
			if start >= 0 {
				aus = append(aus, append([]byte(nil), buf[start:i]...))
			}
			start = i
		}
		i += sc
	}
	if start < 0 {
		return nil, buf
	}
	return aus, buf[start:]
}

func startCodeLen(b []byte) int {
	if len(b) >= 4 && b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 1 {
		return 4
	}
	if len(b) >= 3 && b[0] == 0 && b[1] == 0 && b[2] == 1 {
		return 3
	}
	return 0
}

func containsIDR(au []byte) bool {
	for i := 0; i+3 < len(au); {
		sc := startCodeLen(au[i:])
		if sc == 0 {
			i++
			continue
		}
		if i+sc < len(au) && au[i+sc]&0x1F == naluIDR {
			return true
		}
		i += sc
	}
	return false
}

// limitedWriter keeps the first limit bytes written to it.
type limitedWriter struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if room := w.limit - w.buf.Len(); room > 0 {
		w.buf.Write(p[:min(room, len(p))])
	}
	return len(p), nil
}

func (w *limitedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(bytes.TrimSpace(w.buf.Bytes()))
}
