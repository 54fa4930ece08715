package filedrops

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StorageClient moves file bytes in and out of the blob store. Only
// metadata lives in the key-value store; bytes live here.
type StorageClient interface {
	Upload(ctx context.Context, storageName string, r io.Reader) (string, error)
	DownloadURL(ctx context.Context, storageName string, expiry time.Duration) (string, error)
	BatchDelete(ctx context.Context, storageNames []string) error
}

// DiskStorage keeps blobs on the local filesystem and serves them
// through the file endpoint. Storage names are room-scoped paths, so
// each room maps to one directory under root.
type DiskStorage struct {
	root    string
	baseURL string
}

func NewDiskStorage(root, baseURL string) (*DiskStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &DiskStorage{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (d *DiskStorage) Upload(ctx context.Context, storageName string, r io.Reader) (string, error) {
	path, err := d.path(storageName)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create room directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create blob: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write blob: %w", err)
	}
	return d.url(storageName), nil
}

func (d *DiskStorage) DownloadURL(ctx context.Context, storageName string, expiry time.Duration) (string, error) {
	path, err := d.path(storageName)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("stat blob: %w", err)
	}
	return d.url(storageName), nil
}

// BatchDelete removes every named blob, returning the first error
// after attempting all of them.
func (d *DiskStorage) BatchDelete(ctx context.Context, storageNames []string) error {
	var firstErr error
	for _, name := range storageNames {
		path, err := d.path(name)
		if err == nil {
			err = os.Remove(path)
		}
		if err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("delete blob %s: %w", name, err)
		}
	}
	return firstErr
}

func (d *DiskStorage) path(storageName string) (string, error) {
	path := filepath.Join(d.root, filepath.FromSlash(storageName))
	if !strings.HasPrefix(path, d.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("storage name %q escapes root", storageName)
	}
	return path, nil
}

func (d *DiskStorage) url(storageName string) string {
	return d.baseURL + "/" + url.PathEscape(storageName)
}
