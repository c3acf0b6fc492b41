package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const (
	defaultMaxSizeMB  = 50
	defaultMaxBackups = 3
)

// RotatingWriter is a size-based log file rotator safe for concurrent use.
// Backups are named path.1 (newest) through path.N (oldest).
type RotatingWriter struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	size       int64
	limit      int64
	maxBackups int
}

// NewRotatingWriter opens path for appending and rotates once it grows past maxSizeMB.
func NewRotatingWriter(path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	w := &RotatingWriter{
		path:       path,
		limit:      int64(maxSizeMB) << 20,
		maxBackups: maxBackups,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("log rotation: %w", err)
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the current file. Writes after Close fail with os.ErrClosed.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) rotate() error {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}

	os.Remove(w.backup(w.maxBackups))
	for i := w.maxBackups - 1; i >= 1; i-- {
		os.Rename(w.backup(i), w.backup(i+1))
	}
	os.Rename(w.path, w.backup(1))

	return w.open()
}

func (w *RotatingWriter) backup(i int) string {
	return fmt.Sprintf("%s.%d", w.path, i)
}

// Setup initializes logging from configuration values. When file is set,
// records go to both stderr and a rotating file; the returned closer owns
// that file.
func Setup(format, lvl, file string, maxSizeMB, maxBackups int) (io.Closer, error) {
	if file == "" {
		Init(format, lvl, os.Stderr)
		return io.NopCloser(nil), nil
	}
	rw, err := NewRotatingWriter(file, maxSizeMB, maxBackups)
	if err != nil {
		Init(format, lvl, os.Stderr)
		return io.NopCloser(nil), err
	}
	Init(format, lvl, io.MultiWriter(os.Stderr, rw))
	return rw, nil
}
