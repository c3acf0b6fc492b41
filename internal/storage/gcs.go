package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSProvider stores segments in a Google Cloud Storage bucket.
type GCSProvider struct {
	Bucket string
	client *storage.Client
}

// NewGCSProvider builds the client from a service account file, or from
// application default credentials when none is configured.
func NewGCSProvider(ctx context.Context, cfg Config) (*GCSProvider, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("gcs credentials file: %w", err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCSProvider{Bucket: cfg.Bucket, client: client}, nil
}

func (g *GCSProvider) Name() string { return GCS }

// Upload streams a local file into the bucket.
func (g *GCSProvider) Upload(ctx context.Context, localPath, remotePath string) error {
	key, err := cleanKey(remotePath)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	w := g.client.Bucket(g.Bucket).Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs upload %s: %w", key, err)
	}
	// The object only exists once Close succeeds.
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs upload %s: %w", key, err)
	}
	return nil
}

// Download retrieves an object into localPath.
func (g *GCSProvider) Download(ctx context.Context, remotePath, localPath string) error {
	key, err := cleanKey(remotePath)
	if err != nil {
		return err
	}
	r, err := g.client.Bucket(g.Bucket).Object(key).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("gcs download %s: %w", key, err)
	}
	defer r.Close()
	if err := writeToFile(localPath, r); err != nil {
		return fmt.Errorf("gcs download %s: %w", key, err)
	}
	return nil
}

// List returns every object name under prefix.
func (g *GCSProvider) List(ctx context.Context, prefix string) ([]string, error) {
	it := g.client.Bucket(g.Bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	names := []string{}
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list %s: %w", prefix, err)
		}
		names = append(names, attrs.Name)
	}
}

// Delete removes an object. Missing objects are not an error.
func (g *GCSProvider) Delete(ctx context.Context, remotePath string) error {
	key, err := cleanKey(remotePath)
	if err != nil {
		return err
	}
	err = g.client.Bucket(g.Bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete %s: %w", key, err)
	}
	return nil
}

// Close releases the client's connections.
func (g *GCSProvider) Close() error {
	return g.client.Close()
}
