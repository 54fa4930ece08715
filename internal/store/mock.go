package store

import (
	"context"
	"time"

	"github.com/eventdrop/eventdrop/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type MockRoomRepository struct {
	mock.Mock
}

func (m *MockRoomRepository) SaveRoom(ctx context.Context, room types.Room, ttl time.Duration) error {
	args := m.Called(ctx, room, ttl)
	return args.Error(0)
}
func (m *MockRoomRepository) GetRoom(ctx context.Context, roomCode string) (types.Room, error) {
	args := m.Called(ctx, roomCode)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockRoomRepository) RoomExists(ctx context.Context, roomCode string) (bool, error) {
	args := m.Called(ctx, roomCode)
	return args.Bool(0), args.Error(1)
}
func (m *MockRoomRepository) DeleteRoom(ctx context.Context, roomCode string) error {
	args := m.Called(ctx, roomCode)
	return args.Error(0)
}

type MockOccupantRepository struct {
	mock.Mock
}

func (m *MockOccupantRepository) SaveOccupant(ctx context.Context, occupant types.Occupant, ttl time.Duration) error {
	args := m.Called(ctx, occupant, ttl)
	return args.Error(0)
}
func (m *MockOccupantRepository) GetOccupant(ctx context.Context, sessionID uuid.UUID) (types.Occupant, error) {
	args := m.Called(ctx, sessionID)
	return args.Get(0).(types.Occupant), args.Error(1)
}
func (m *MockOccupantRepository) DeleteOccupant(ctx context.Context, occupant types.Occupant) error {
	args := m.Called(ctx, occupant)
	return args.Error(0)
}
func (m *MockOccupantRepository) RefreshOccupant(ctx context.Context, sessionID uuid.UUID, ttl time.Duration) error {
	args := m.Called(ctx, sessionID, ttl)
	return args.Error(0)
}
func (m *MockOccupantRepository) OccupantCount(ctx context.Context, roomCode string) (int, error) {
	args := m.Called(ctx, roomCode)
	return args.Int(0), args.Error(1)
}
func (m *MockOccupantRepository) ExpireRoomOccupants(ctx context.Context, roomCode string, ttl time.Duration) (int, error) {
	args := m.Called(ctx, roomCode, ttl)
	return args.Int(0), args.Error(1)
}

type MockFileDropRepository struct {
	mock.Mock
}

func (m *MockFileDropRepository) SaveFileDrop(ctx context.Context, fd types.FileDrop, ttl time.Duration) error {
	args := m.Called(ctx, fd, ttl)
	return args.Error(0)
}
func (m *MockFileDropRepository) GetFileDrop(ctx context.Context, fileID uuid.UUID) (types.FileDrop, error) {
	args := m.Called(ctx, fileID)
	return args.Get(0).(types.FileDrop), args.Error(1)
}
func (m *MockFileDropRepository) ListFileDrops(ctx context.Context, roomCode string) ([]types.FileDrop, error) {
	args := m.Called(ctx, roomCode)
	if fds, ok := args.Get(0).([]types.FileDrop); ok {
		return fds, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockFileDropRepository) DeleteFileDrops(ctx context.Context, roomCode string, fileIDs []uuid.UUID) error {
	args := m.Called(ctx, roomCode, fileIDs)
	return args.Error(0)
}
func (m *MockFileDropRepository) MarkDeleted(ctx context.Context, fd types.FileDrop) error {
	args := m.Called(ctx, fd)
	return args.Error(0)
}
func (m *MockFileDropRepository) ExpireRoomFileDrops(ctx context.Context, roomCode string, ttl time.Duration) (int, error) {
	args := m.Called(ctx, roomCode, ttl)
	return args.Int(0), args.Error(1)
}

type MockCounterStore struct {
	mock.Mock
}

func (m *MockCounterStore) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	args := m.Called(ctx, key, ttl)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockCounterStore) GetWindow(ctx context.Context, key string) (int64, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(int64), args.Error(1)
}

type MockExpiryNotifier struct {
	mock.Mock
}

func (m *MockExpiryNotifier) ExpiredKeys(ctx context.Context) (<-chan string, error) {
	args := m.Called(ctx)
	ch, _ := args.Get(0).(<-chan string)
	return ch, args.Error(1)
}
