package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureProvider stores segments as block blobs in one container.
type AzureProvider struct {
	Container string
	client    *azblob.Client
}

// NewAzureProvider accepts a connection string, or an account name and key
// with an optional service URL in Endpoint.
func NewAzureProvider(cfg Config) (*AzureProvider, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("azure container is required")
	}

	var (
		client *azblob.Client
		err    error
	)
	switch {
	case !cfg.ConnectionString.Empty():
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString.Reveal(), nil)
	case cfg.AccountName != "" && !cfg.AccountKey.Empty():
		cred, credErr := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey.Reveal())
		if credErr != nil {
			return nil, fmt.Errorf("azure shared key: %w", credErr)
		}
		serviceURL := cfg.Endpoint
		if serviceURL == "" {
			serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	default:
		return nil, errors.New("azure needs a connection string or an account name and key")
	}
	if err != nil {
		return nil, fmt.Errorf("azure client: %w", err)
	}
	return &AzureProvider{Container: cfg.Bucket, client: client}, nil
}

func (a *AzureProvider) Name() string { return Azure }

// Upload sends a local file as a block blob.
func (a *AzureProvider) Upload(ctx context.Context, localPath, remotePath string) error {
	key, err := cleanKey(remotePath)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	if _, err := a.client.UploadFile(ctx, a.Container, key, f, nil); err != nil {
		return fmt.Errorf("azure upload %s: %w", key, err)
	}
	return nil
}

// Download retrieves a blob into localPath.
func (a *AzureProvider) Download(ctx context.Context, remotePath, localPath string) error {
	key, err := cleanKey(remotePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	_, err = a.client.DownloadFile(ctx, a.Container, key, f, nil)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(localPath)
		return fmt.Errorf("azure download %s: %w", key, err)
	}
	return nil
}

// List returns every blob name under prefix.
func (a *AzureProvider) List(ctx context.Context, prefix string) ([]string, error) {
	pager := a.client.NewListBlobsFlatPager(a.Container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	names := []string{}
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure list %s: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	return names, nil
}

// Delete removes a blob. Missing blobs are not an error.
func (a *AzureProvider) Delete(ctx context.Context, remotePath string) error {
	key, err := cleanKey(remotePath)
	if err != nil {
		return err
	}
	_, err = a.client.DeleteBlob(ctx, a.Container, key, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("azure delete %s: %w", key, err)
	}
	return nil
}
