package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eventdrop/eventdrop/internal/store"
	"github.com/eventdrop/eventdrop/internal/types"
)

const expiredNotification = "This room has expired."

// StateBuilder composes a read-time RoomState from the room, occupant
// and file repositories. Snapshots are never cached; every call reads
// current state so a delivered snapshot fully replaces the client view.
type StateBuilder struct {
	rooms     store.RoomRepository
	occupants store.OccupantRepository
	files     store.FileDropRepository
}

func NewStateBuilder(rooms store.RoomRepository, occupants store.OccupantRepository, files store.FileDropRepository) *StateBuilder {
	return &StateBuilder{rooms: rooms, occupants: occupants, files: files}
}

// Snapshot builds the current view of a room. A room that is already
// gone from the store yields the expired snapshot rather than an error,
// since expiry racing a snapshot read is normal here.
func (b *StateBuilder) Snapshot(ctx context.Context, roomCode, notification string) (types.RoomState, error) {
	room, err := b.rooms.GetRoom(ctx, roomCode)
	if errors.Is(err, store.ErrNotFound) {
		return ExpiredSnapshot(roomCode), nil
	}
	if err != nil {
		return types.RoomState{}, fmt.Errorf("read room %s: %w", roomCode, err)
	}

	count, err := b.occupants.OccupantCount(ctx, roomCode)
	if err != nil {
		return types.RoomState{}, fmt.Errorf("count occupants of %s: %w", roomCode, err)
	}

	all, err := b.files.ListFileDrops(ctx, roomCode)
	if err != nil {
		return types.RoomState{}, fmt.Errorf("list files of %s: %w", roomCode, err)
	}
	files := make([]types.FileDrop, 0, len(all))
	for _, fd := range all {
		if !fd.Deleted {
			files = append(files, fd)
		}
	}

	return types.RoomState{
		RoomCode:      room.RoomCode,
		RoomName:      room.RoomName,
		FileDrops:     files,
		OccupantCount: count,
		Notification:  notification,
		ExpiresAt:     room.ExpiresAt,
		GeneratedAt:   time.Now(),
	}, nil
}

// ExpiredSnapshot is the terminal state pushed when a room no longer
// exists.
func ExpiredSnapshot(roomCode string) types.RoomState {
	return types.RoomState{
		RoomCode:     roomCode,
		FileDrops:    []types.FileDrop{},
		Notification: expiredNotification,
		GeneratedAt:  time.Now(),
		Expired:      true,
	}
}
