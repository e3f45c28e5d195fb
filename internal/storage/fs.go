package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FS stores artifacts as plain files under a root directory. Refs are paths
// relative to the root.
type FS struct {
	root string
}

func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir %s: %w", root, err)
	}
	return &FS{root: root}, nil
}

func (f *FS) resolve(ref string) (string, error) {
	ref = filepath.Clean(ref)
	if ref == "." || strings.HasPrefix(ref, "..") || filepath.IsAbs(ref) {
		return "", fmt.Errorf("invalid artifact ref %q", ref)
	}
	return filepath.Join(f.root, ref), nil
}

func (f *FS) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	path, err := f.resolve(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create artifact %s: %w", name, err)
	}
	if _, err := io.Copy(dst, r); err != nil {
		dst.Close()
		os.Remove(path)
		return "", fmt.Errorf("write artifact %s: %w", name, err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close artifact %s: %w", name, err)
	}
	return filepath.ToSlash(filepath.Clean(name)), nil
}

func (f *FS) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	path, err := f.resolve(ref)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("open %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", ref, err)
	}
	return file, nil
}

func (f *FS) Delete(ctx context.Context, ref string) error {
	path, err := f.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete artifact %s: %w", ref, err)
	}
	return nil
}
