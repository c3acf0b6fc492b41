package recorder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/castlink/cast-agent/internal/health"
	"github.com/castlink/cast-agent/internal/logging"
	"github.com/castlink/cast-agent/internal/retry"
	"github.com/castlink/cast-agent/internal/storage"
	"github.com/castlink/cast-agent/internal/workerpool"
)

const (
	defaultUploadWorkers = 2
	defaultUploadQueue   = 256
	uploadHealth         = "upload"
)

// UploaderOptions configures an Uploader.
type UploaderOptions struct {
	Provider storage.Provider
	// Root is the local recordings directory; remote keys are paths
	// relative to it.
	Root   string
	Prefix string
	// DeleteAfterUpload removes segment files once they are stored. The
	// recording manifest is always kept locally.
	DeleteAfterUpload bool
	Workers           int
	QueueSize         int
	Retry             retry.Config
	Health            *health.Monitor
}

// UploadStats counts finished uploads.
type UploadStats struct {
	Uploaded int64
	Failed   int64
	Bytes    int64
	Pool     workerpool.Stats
}

// Uploader pushes closed segments to a storage provider in the background.
type Uploader struct {
	opts UploaderOptions
	pool *workerpool.Pool

	uploaded atomic.Int64
	failed   atomic.Int64
	bytes    atomic.Int64
}

// NewUploader starts the upload workers.
func NewUploader(opts UploaderOptions) (*Uploader, error) {
	if opts.Provider == nil {
		return nil, errors.New("recorder: upload provider is required")
	}
	if opts.Root == "" {
		return nil, errors.New("recorder: upload root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("recorder: upload root: %w", err)
	}
	opts.Root = root
	opts.Prefix = strings.Trim(filepath.ToSlash(opts.Prefix), "/")
	if opts.Workers <= 0 {
		opts.Workers = defaultUploadWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultUploadQueue
	}
	if opts.Retry == (retry.Config{}) {
		opts.Retry = retry.DefaultConfig()
	}
	return &Uploader{
		opts: opts,
		pool: workerpool.New("upload", opts.Workers, opts.QueueSize),
	}, nil
}

// UploadSegment queues the segment file, its manifest and the refreshed
// recording manifest. It never blocks; false means the queue was full or
// the uploader is closed.
func (u *Uploader) UploadSegment(seg Segment) bool {
	ok := u.Enqueue(seg.Path)
	ok = u.Enqueue(seg.ManifestPath) && ok
	recordingManifest := filepath.Join(filepath.Dir(filepath.Dir(seg.Path)), ManifestName)
	return u.Enqueue(recordingManifest) && ok
}

// Enqueue queues one file under Root.
func (u *Uploader) Enqueue(localPath string) bool {
	key, err := u.remoteKey(localPath)
	if err != nil {
		log.Warn("upload rejected", "path", localPath, logging.KeyError, err)
		u.failed.Add(1)
		return false
	}
	remove := u.opts.DeleteAfterUpload && filepath.Base(localPath) != ManifestName
	if !u.pool.Submit(func(ctx context.Context) { u.upload(ctx, localPath, key, remove) }) {
		log.Warn("upload queue full, file left for the next sweep", "path", localPath)
		return false
	}
	return true
}

func (u *Uploader) remoteKey(localPath string) (string, error) {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(u.opts.Root, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", localPath, u.opts.Root)
	}
	if u.opts.Prefix == "" {
		return rel, nil
	}
	return path.Join(u.opts.Prefix, rel), nil
}

func (u *Uploader) upload(ctx context.Context, localPath, key string, remove bool) {
	info, err := os.Stat(localPath)
	if err != nil {
		log.Warn("upload source missing", "path", localPath, logging.KeyError, err)
		u.failed.Add(1)
		return
	}

	err = retry.Do(ctx, u.opts.Retry, "upload "+key, func(ctx context.Context) error {
		err := u.opts.Provider.Upload(ctx, localPath, key)
		if errors.Is(err, fs.ErrNotExist) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		u.failed.Add(1)
		log.Error("upload failed", "provider", u.opts.Provider.Name(), "key", key, logging.KeyError, err)
		u.setHealth(health.Degraded, fmt.Sprintf("upload of %s failed: %v", key, err))
		return
	}

	u.uploaded.Add(1)
	u.bytes.Add(info.Size())
	u.setHealth(health.Healthy, "")
	log.Debug("uploaded", "provider", u.opts.Provider.Name(), "key", key, "bytes", info.Size())

	if remove {
		if err := os.Remove(localPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn("local copy not removed", "path", localPath, logging.KeyError, err)
		}
	}
}

// Sweep queues every finished file under dir, typically left over from an
// earlier run. Temporary manifest files are skipped. It returns how many
// files were queued.
func (u *Uploader) Sweep(dir string) (int, error) {
	queued := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		if u.Enqueue(p) {
			queued++
		}
		return nil
	})
	if err != nil {
		return queued, fmt.Errorf("recorder: sweep %s: %w", dir, err)
	}
	if queued > 0 {
		log.Info("queued leftover files", "dir", dir, "count", queued)
	}
	return queued, nil
}

// Close waits for queued uploads until ctx ends, then cancels the rest.
// It reports whether every queued upload finished.
func (u *Uploader) Close(ctx context.Context) bool {
	return u.pool.Shutdown(ctx)
}

// Stats returns the upload counters.
func (u *Uploader) Stats() UploadStats {
	return UploadStats{
		Uploaded: u.uploaded.Load(),
		Failed:   u.failed.Load(),
		Bytes:    u.bytes.Load(),
		Pool:     u.pool.Stats(),
	}
}

func (u *Uploader) setHealth(status health.Status, msg string) {
	if u.opts.Health != nil {
		u.opts.Health.Update(uploadHealth, status, msg)
	}
}
