package store

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
)

// Filesystem stores archives as files below a directory.
type Filesystem struct {
	dir string
}

func NewFilesystem(dir string) (*Filesystem, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "archive directory: "+err.Error())
	}

	return &Filesystem{dir: dir}, nil
}

func (f *Filesystem) path(key string) (string, error) {
	p := filepath.Join(f.dir, filepath.FromSlash(key))
	if !strings.HasPrefix(p, filepath.Clean(f.dir)+string(filepath.Separator)) {
		return "", errors.Wrap(model.ErrInvalidParameter, "archive key escapes the directory: "+key)
	}

	return p, nil
}

func (f *Filesystem) Location(key string) string {
	p, err := f.path(key)
	if err != nil {
		return ""
	}

	return p
}

// Put writes to a temporary file renamed into place once complete.
func (f *Filesystem) Put(ctx context.Context, key string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p, err := f.path(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return errors.Wrap(model.ErrArchive, err.Error())
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".archive-*")
	if err != nil {
		return errors.Wrap(model.ErrArchive, err.Error())
	}

	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return errors.Wrap(model.ErrArchive, p+": "+err.Error())
	}

	if err := tmp.Close(); err != nil {
		return errors.Wrap(model.ErrArchive, p+": "+err.Error())
	}

	if err := os.Rename(tmp.Name(), p); err != nil {
		return errors.Wrap(model.ErrArchive, p+": "+err.Error())
	}

	return nil
}
