// Package storage holds job artifacts (uploaded audio, produced
// transcripts) behind opaque refs. The orchestration core never interprets
// artifact bytes; it only passes refs through.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/whisperq/whisperq/internal/config"
)

// ErrNotFound is returned by Open when no artifact exists for the ref.
var ErrNotFound = errors.New("artifact not found")

// Backend stores and retrieves artifacts by ref. Delete is idempotent:
// deleting a missing artifact is not an error, so cleanup can re-run safely.
type Backend interface {
	Save(ctx context.Context, name string, r io.Reader) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

// New selects the backend named by cfg.Provider.
func New(cfg *config.Storage) (Backend, error) {
	switch cfg.Provider {
	case "filesystem":
		return NewFS(cfg.Dir)
	case "minio":
		return NewMinio(cfg.Minio)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}
