package storage

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const maxDecompressSize = 2 * 1024 * 1024 * 1024 // 2GB decompression limit

// containedPath ensures that the resolved path stays within basePath.
func containedPath(basePath, untrustedPath string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}
	absJoined, err := filepath.Abs(filepath.Join(absBase, filepath.FromSlash(untrustedPath)))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	if !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) && absJoined != absBase {
		return "", fmt.Errorf("path traversal detected: %q resolves outside base %q", untrustedPath, absBase)
	}
	return absJoined, nil
}

// LocalProvider stores segments on a local or mounted filesystem. Remote
// paths ending in .gz are compressed on upload and expanded on download.
type LocalProvider struct {
	BasePath string
}

// NewLocalProvider creates a LocalProvider rooted at basePath.
func NewLocalProvider(basePath string) *LocalProvider {
	return &LocalProvider{BasePath: filepath.Clean(basePath)}
}

func (p *LocalProvider) Name() string { return Local }

// Upload copies a file into the store.
func (p *LocalProvider) Upload(ctx context.Context, localPath, remotePath string) error {
	if localPath == "" {
		return errors.New("local source path is required")
	}
	if remotePath == "" {
		return errors.New("remote path is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	destPath, err := containedPath(p.BasePath, remotePath)
	if err != nil {
		return err
	}
	if strings.HasSuffix(remotePath, ".gz") {
		return compressFile(localPath, destPath)
	}
	return copyFile(localPath, destPath)
}

// Download retrieves a file from the store.
func (p *LocalProvider) Download(ctx context.Context, remotePath, localPath string) error {
	if remotePath == "" {
		return errors.New("remote path is required")
	}
	if localPath == "" {
		return errors.New("local destination path is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	srcPath, err := containedPath(p.BasePath, remotePath)
	if err != nil {
		return err
	}
	if strings.HasSuffix(remotePath, ".gz") {
		return decompressFile(srcPath, localPath)
	}
	return copyFile(srcPath, localPath)
}

// List enumerates files under prefix, slash-separated and relative to the base.
func (p *LocalProvider) List(ctx context.Context, prefix string) ([]string, error) {
	root := p.BasePath
	if prefix != "" {
		var err error
		if root, err = containedPath(p.BasePath, prefix); err != nil {
			return nil, err
		}
	}
	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to stat prefix %s: %w", root, err)
	}

	base, err := filepath.Abs(p.BasePath)
	if err != nil {
		return nil, err
	}
	var results []string
	walkErr := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if entry.IsDir() {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, abs)
		if err != nil {
			return err
		}
		results = append(results, filepath.ToSlash(rel))
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("failed to list files: %w", walkErr)
	}
	return results, nil
}

// Delete removes a file and any directories it leaves empty.
func (p *LocalProvider) Delete(ctx context.Context, remotePath string) error {
	if remotePath == "" {
		return errors.New("remote path is required")
	}
	target, err := containedPath(p.BasePath, remotePath)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}
	p.cleanupEmptyDirs(filepath.Dir(target))
	return nil
}

func (p *LocalProvider) cleanupEmptyDirs(startPath string) {
	base, err := filepath.Abs(p.BasePath)
	if err != nil {
		return
	}
	path := filepath.Clean(startPath)
	for path != base && strings.HasPrefix(path, base+string(filepath.Separator)) {
		entries, err := os.ReadDir(path)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(path); err != nil {
			return
		}
		path = filepath.Dir(path)
	}
}

func copyFile(srcPath, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer srcFile.Close()
	info, err := srcFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	destFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}

	_, err = io.Copy(destFile, srcFile)
	if closeErr := destFile.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chtimes(destPath, info.ModTime(), info.ModTime())
	}
	if err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}
	return nil
}

func compressFile(srcPath, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer srcFile.Close()
	srcInfo, err := srcFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	destFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}

	zw := gzip.NewWriter(destFile)
	zw.Name = filepath.Base(srcPath)
	zw.ModTime = srcInfo.ModTime()

	_, err = io.Copy(zw, srcFile)
	if closeErr := zw.Close(); err == nil {
		err = closeErr
	}
	if closeErr := destFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to compress file: %w", err)
	}
	return nil
}

func decompressFile(srcPath, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer srcFile.Close()

	zr, err := gzip.NewReader(srcFile)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	destFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}

	_, err = io.Copy(destFile, io.LimitReader(zr, maxDecompressSize))
	if closeErr := destFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to decompress file: %w", err)
	}
	return nil
}

// writeToFile streams r into localPath, creating parent directories. Used by
// the object store downloads.
func writeToFile(localPath string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	_, err = io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(localPath)
		return err
	}
	return nil
}
