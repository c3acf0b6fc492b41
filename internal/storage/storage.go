// Package storage puts finished recording segments somewhere durable: a
// local or mounted directory, or one of the S3, GCS, Azure Blob and B2
// object stores.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/castlink/cast-agent/internal/logging"
	"github.com/castlink/cast-agent/internal/secmem"
)

var log = logging.L("storage")

// Provider names accepted by New.
const (
	Local = "local"
	S3    = "s3"
	GCS   = "gcs"
	Azure = "azure"
	B2    = "b2"
)

// ErrUnknownProvider is returned by New for an unrecognised provider name.
var ErrUnknownProvider = errors.New("storage: unknown provider")

// Provider stores files under slash-separated remote paths.
type Provider interface {
	Name() string
	Upload(ctx context.Context, localPath, remotePath string) error
	Download(ctx context.Context, remotePath, localPath string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, remotePath string) error
}

// Config selects and configures a provider. Only the fields for Provider
// are read.
type Config struct {
	Provider string

	// Local
	Path string

	// Object stores. Bucket doubles as the Azure container name.
	Bucket   string
	Region   string
	Endpoint string

	// S3
	AccessKeyID     string
	SecretAccessKey *secmem.SecureString
	SessionToken    *secmem.SecureString

	// GCS. Empty uses application default credentials.
	CredentialsFile string

	// Azure: either a connection string or account name and key.
	AccountName      string
	AccountKey       *secmem.SecureString
	ConnectionString *secmem.SecureString

	// B2
	KeyID          string
	ApplicationKey *secmem.SecureString
}

// New builds the provider named by cfg.Provider. Providers that need the
// network to authenticate defer it to the first call.
func New(ctx context.Context, cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case Local, "":
		if cfg.Path == "" {
			return nil, errors.New("storage: local path is required")
		}
		return NewLocalProvider(cfg.Path), nil
	case S3:
		return NewS3Provider(ctx, cfg)
	case GCS:
		return NewGCSProvider(ctx, cfg)
	case Azure:
		return NewAzureProvider(cfg)
	case B2:
		return NewB2Provider(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

// cleanKey turns a remote path into an object key.
func cleanKey(remotePath string) (string, error) {
	key := strings.TrimLeft(strings.ReplaceAll(remotePath, "\\", "/"), "/")
	if key == "" {
		return "", errors.New("remote path is required")
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("remote path %q escapes the bucket", remotePath)
		}
	}
	return key, nil
}
