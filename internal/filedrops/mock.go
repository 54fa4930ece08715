package filedrops

import (
	"context"
	"io"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockStorageClient struct {
	mock.Mock
}

func (m *MockStorageClient) Upload(ctx context.Context, storageName string, r io.Reader) (string, error) {
	args := m.Called(ctx, storageName, r)
	return args.String(0), args.Error(1)
}

func (m *MockStorageClient) DownloadURL(ctx context.Context, storageName string, expiry time.Duration) (string, error) {
	args := m.Called(ctx, storageName, expiry)
	return args.String(0), args.Error(1)
}

func (m *MockStorageClient) BatchDelete(ctx context.Context, storageNames []string) error {
	args := m.Called(ctx, storageNames)
	return args.Error(0)
}
