// Package filestore archives canonical transcript artifacts to a cloud file
// store, laid out as <root>/<YYYY>/<MM>/<recording_id>.json.
package filestore

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/snarg/cr-engine/internal/config"
)

// Store abstracts the archive backend. Upload is idempotent by name: a file
// already present at year/month/name is updated in place and its existing id
// returned.
type Store interface {
	Upload(ctx context.Context, year, month, name string, data []byte) (fileID string, err error)

	// Lookup returns the file id for an already-archived name, or "" when
	// absent.
	Lookup(ctx context.Context, year, month, name string) (string, error)

	// Type returns "drive" or "s3".
	Type() string
}

// New creates the archive backend selected by config.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (Store, error) {
	switch cfg.FileStoreBackend {
	case "drive":
		return NewDriveStore(ctx, DriveOptions{
			CredentialsPath: cfg.FileStoreCredentialsPath,
			RootFolderID:    cfg.FileStoreRootFolderID,
			Log:             log,
		})
	case "s3":
		return NewS3Store(ctx, S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Prefix:    cfg.S3Prefix,
			Log:       log,
		})
	default:
		return nil, fmt.Errorf("unknown file store backend %q", cfg.FileStoreBackend)
	}
}
