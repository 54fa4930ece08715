package types

import (
	"time"

	"github.com/google/uuid"
)

type OccupantRole string

const (
	RoleOwner    OccupantRole = "OWNER"
	RoleOccupant OccupantRole = "OCCUPANT"
)

// Room is immutable once created; it is destroyed by owner deletion or
// by TTL expiry in the backing store.
type Room struct {
	RoomCode   string    `json:"room_code"`
	RoomName   string    `json:"room_name"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	TTLSeconds int64     `json:"ttl_seconds"`
}

type Occupant struct {
	SessionID    uuid.UUID    `json:"session_id"`
	RoomCode     string       `json:"room_code"`
	OccupantName string       `json:"occupant_name"`
	Role         OccupantRole `json:"role"`
	JoinedAt     time.Time    `json:"joined_at"`
	RoomExpiry   time.Time    `json:"room_expiry"`
}

type FileDrop struct {
	FileID           uuid.UUID `json:"file_id"`
	RoomCode         string    `json:"room_code"`
	OriginalFileName string    `json:"original_file_name"`
	StorageName      string    `json:"storage_name"`
	SizeBytes        int64     `json:"size_bytes"`
	BlobURL          string    `json:"-"`
	UploadedAt       time.Time `json:"uploaded_at"`
	Deleted          bool      `json:"-"`
}

// RoomState is a read-time snapshot of a room, never cached. Each push
// fully replaces the client-side view, so delivering the same snapshot
// twice is harmless.
type RoomState struct {
	RoomCode      string     `json:"room_code"`
	RoomName      string     `json:"room_name"`
	FileDrops     []FileDrop `json:"file_drops"`
	OccupantCount int        `json:"occupant_count"`
	Notification  string     `json:"notification,omitempty"`
	ExpiresAt     time.Time  `json:"expires_at"`
	GeneratedAt   time.Time  `json:"generated_at"`
	Expired       bool       `json:"is_expired"`
}

type EventKind string

const (
	EventRoomCreate   EventKind = "ROOM_CREATE"
	EventRoomJoin     EventKind = "ROOM_JOIN"
	EventRoomLeave    EventKind = "ROOM_LEAVE"
	EventRoomExpiry   EventKind = "ROOM_EXPIRY"
	EventFileUpload   EventKind = "FILE_UPLOAD"
	EventFileDelete   EventKind = "FILE_DELETE"
	EventFileDownload EventKind = "FILE_DOWNLOAD"
)

// RoomEvent is the internal notification describing a room-state change,
// consumed by the event sequencer.
type RoomEvent struct {
	Notification string    `json:"notification,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
	Kind         EventKind `json:"kind"`
	RoomCode     string    `json:"room_code"`
	Count        int       `json:"count,omitempty"`
}

// JoinRequest is sent over the broker as a blocking request when an
// occupant joins a room.
type JoinRequest struct {
	Username   string       `json:"username"`
	SessionID  uuid.UUID    `json:"session_id"`
	Role       OccupantRole `json:"role"`
	RoomCode   string       `json:"room_code"`
	RoomExpiry time.Time    `json:"room_expiry"`
}

// JoinResponse is the structured reply to a JoinRequest. StatusCode is
// 200 on success, 409 when the room is full and 500 on internal failure.
type JoinResponse struct {
	Success    bool `json:"success"`
	StatusCode int  `json:"status_code"`
}

// LeaveRequest is published fire-and-forget when an occupant leaves.
type LeaveRequest struct {
	RoomCode     string    `json:"room_code"`
	OccupantName string    `json:"occupant_name"`
	SessionID    uuid.UUID `json:"session_id"`
}

// ExpiryAnnouncement is broadcast on the broker when a room expires so
// dependent services can clean up occupants and files independently.
type ExpiryAnnouncement struct {
	RoomCode string `json:"room_code"`
}

type JoinResult struct {
	RoomCode     string       `json:"room_code"`
	RoomName     string       `json:"room_name"`
	SessionID    string       `json:"session_id"`
	OccupantName string       `json:"occupant_name"`
	Role         OccupantRole `json:"role"`
	ExpiresAt    time.Time    `json:"expires_at"`
}
