package receipts

import (
	"context"
	"errors"
	"io"
	"regexp"
)

var (
	ErrNotFound  = errors.New("receipt not found")
	ErrInvalidID = errors.New("invalid receipt id")
)

// validIDPattern matches base58 transaction signatures (no path traversal possible)
var validIDPattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,88}$`)

func validateID(id string) error {
	if !validIDPattern.MatchString(id) {
		return ErrInvalidID
	}
	return nil
}

// Archive stores payment receipts keyed by transaction signature.
type Archive interface {
	Save(ctx context.Context, id string, data io.Reader, size int64) error
	Load(ctx context.Context, id string) (io.ReadCloser, error)
}
