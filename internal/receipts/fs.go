package receipts

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"chaintv/internal/logging"
)

// FSArchive implements Archive using the local filesystem, one JSON file
// per receipt.
type FSArchive struct {
	basePath string
}

// NewFSArchive creates a new filesystem-based archive.
func NewFSArchive(basePath string) (*FSArchive, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, err
	}
	return &FSArchive{basePath: basePath}, nil
}

func (a *FSArchive) path(id string) string {
	return filepath.Join(a.basePath, id+".json")
}

// Save writes through a temporary file so a crash never leaves a partial
// receipt behind.
func (a *FSArchive) Save(ctx context.Context, id string, data io.Reader, size int64) error {
	if err := validateID(id); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(a.basePath, ".receipt-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), a.path(id)); err != nil {
		return err
	}
	logging.Receipts.Debug().Str("signature", id).Str("dir", a.basePath).Msg("receipt archived")
	return nil
}

func (a *FSArchive) Load(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	f, err := os.Open(a.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}
