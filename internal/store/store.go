package store

import (
	"context"
	"io"
	"log/slog"

	"github.com/metal-toolbox/bmcmgmt/internal/configuration"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
)

type Repository interface {
	// Put stores the content of r under key.
	Put(ctx context.Context, key string, r io.Reader) error
	// Location returns where key is stored, for logging and API responses.
	Location(key string) string
}

// NewRepository returns the archive selected by config, nil when archiving
// is disabled.
func NewRepository(ctx context.Context, config *configuration.ArchiveOptions) (Repository, error) {
	switch config.Kind {
	case "":
		slog.Debug("sel archive disabled")
		return nil, nil
	case "s3":
		return NewS3(ctx, config)
	case "fs":
		return NewFilesystem(config.Directory)
	default:
		return nil, errors.Wrap(model.ErrConfig, "unknown archive kind: "+config.Kind)
	}
}
