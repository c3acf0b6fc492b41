package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/Backblaze/blazer/b2"
)

// B2Provider stores segments in a Backblaze B2 bucket. Authorization talks
// to the B2 API, so it happens on first use rather than at construction.
type B2Provider struct {
	BucketName string
	keyID      string
	appKey     string

	mu     sync.Mutex
	bucket *b2.Bucket
}

// NewB2Provider validates cfg without touching the network.
func NewB2Provider(cfg Config) (*B2Provider, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("b2 bucket is required")
	}
	if cfg.KeyID == "" || cfg.ApplicationKey.Empty() {
		return nil, errors.New("b2 key id and application key are required")
	}
	return &B2Provider{
		BucketName: cfg.Bucket,
		keyID:      cfg.KeyID,
		appKey:     cfg.ApplicationKey.Reveal(),
	}, nil
}

func (p *B2Provider) Name() string { return B2 }

func (p *B2Provider) connect(ctx context.Context) (*b2.Bucket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bucket != nil {
		return p.bucket, nil
	}
	client, err := b2.NewClient(ctx, p.keyID, p.appKey)
	if err != nil {
		return nil, fmt.Errorf("b2 authorize: %w", err)
	}
	bucket, err := client.Bucket(ctx, p.BucketName)
	if err != nil {
		return nil, fmt.Errorf("b2 bucket %s: %w", p.BucketName, err)
	}
	p.bucket = bucket
	log.Info("b2 authorized", "bucket", p.BucketName)
	return bucket, nil
}

// Upload streams a local file into the bucket.
func (p *B2Provider) Upload(ctx context.Context, localPath, remotePath string) error {
	key, err := cleanKey(remotePath)
	if err != nil {
		return err
	}
	bucket, err := p.connect(ctx)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	w := bucket.Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("b2 upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("b2 upload %s: %w", key, err)
	}
	return nil
}

// Download retrieves an object into localPath.
func (p *B2Provider) Download(ctx context.Context, remotePath, localPath string) error {
	key, err := cleanKey(remotePath)
	if err != nil {
		return err
	}
	bucket, err := p.connect(ctx)
	if err != nil {
		return err
	}
	r := bucket.Object(key).NewReader(ctx)
	defer r.Close()
	if err := writeToFile(localPath, r); err != nil {
		return fmt.Errorf("b2 download %s: %w", key, err)
	}
	return nil
}

// List returns every object name under prefix.
func (p *B2Provider) List(ctx context.Context, prefix string) ([]string, error) {
	bucket, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	it := bucket.List(ctx, b2.ListPrefix(prefix))
	names := []string{}
	for it.Next() {
		names = append(names, it.Object().Name())
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("b2 list %s: %w", prefix, err)
	}
	return names, nil
}

// Delete removes an object. Missing objects are not an error.
func (p *B2Provider) Delete(ctx context.Context, remotePath string) error {
	key, err := cleanKey(remotePath)
	if err != nil {
		return err
	}
	bucket, err := p.connect(ctx)
	if err != nil {
		return err
	}
	if err := bucket.Object(key).Delete(ctx); err != nil && !b2.IsNotExist(err) {
		return fmt.Errorf("b2 delete %s: %w", key, err)
	}
	return nil
}
