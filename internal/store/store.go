package store

import (
	"context"
	"errors"
	"time"

	"github.com/eventdrop/eventdrop/internal/types"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a record is absent from the store, either
// because it never existed or because its TTL elapsed.
var ErrNotFound = errors.New("store: not found")

type RoomRepository interface {
	SaveRoom(ctx context.Context, room types.Room, ttl time.Duration) error
	GetRoom(ctx context.Context, roomCode string) (types.Room, error)
	RoomExists(ctx context.Context, roomCode string) (bool, error)
	DeleteRoom(ctx context.Context, roomCode string) error
}

type OccupantRepository interface {
	SaveOccupant(ctx context.Context, occupant types.Occupant, ttl time.Duration) error
	GetOccupant(ctx context.Context, sessionID uuid.UUID) (types.Occupant, error)
	DeleteOccupant(ctx context.Context, occupant types.Occupant) error
	RefreshOccupant(ctx context.Context, sessionID uuid.UUID, ttl time.Duration) error
	OccupantCount(ctx context.Context, roomCode string) (int, error)
	// ExpireRoomOccupants sets a short secondary TTL on every occupant
	// record of a room so their deletion flows through the normal
	// key-expiry pathway. Returns the number of records touched.
	ExpireRoomOccupants(ctx context.Context, roomCode string, ttl time.Duration) (int, error)
}

type FileDropRepository interface {
	SaveFileDrop(ctx context.Context, fd types.FileDrop, ttl time.Duration) error
	GetFileDrop(ctx context.Context, fileID uuid.UUID) (types.FileDrop, error)
	// ListFileDrops returns all live metadata for a room, including
	// soft-deleted entries. Callers filter on Deleted as needed.
	ListFileDrops(ctx context.Context, roomCode string) ([]types.FileDrop, error)
	DeleteFileDrops(ctx context.Context, roomCode string, fileIDs []uuid.UUID) error
	MarkDeleted(ctx context.Context, fd types.FileDrop) error
	// ExpireRoomFileDrops sets a short secondary TTL on every file drop
	// record of a room, mirroring ExpireRoomOccupants.
	ExpireRoomFileDrops(ctx context.Context, roomCode string, ttl time.Duration) (int, error)
}

// CounterStore backs the rate limiter. Counters are shared between
// processes, so increments must be atomic in the store.
type CounterStore interface {
	IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)
	GetWindow(ctx context.Context, key string) (int64, error)
}

// ExpiryNotifier delivers the raw keys of expired records. The channel
// carries every expiring key type sharing the store; consumers validate
// and ignore keys that are not theirs.
type ExpiryNotifier interface {
	ExpiredKeys(ctx context.Context) (<-chan string, error)
}
