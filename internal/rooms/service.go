package rooms

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/eventdrop/eventdrop/internal/broker"
	"github.com/eventdrop/eventdrop/internal/events"
	"github.com/eventdrop/eventdrop/internal/store"
	"github.com/eventdrop/eventdrop/internal/types"
)

var (
	ErrTTLExceeded   = errors.New("rooms: ttl exceeds configured maximum")
	ErrRoomNotFound  = errors.New("rooms: room not found")
	ErrRoomFull      = errors.New("rooms: room is full")
	ErrCodeExhausted = errors.New("rooms: could not generate a unique room code")
	ErrJoinFailed    = errors.New("rooms: join failed")
)

// RoomService is the top-level lifecycle orchestration: create room →
// provision queues → register the owner as first occupant → (later)
// expire or delete.
type RoomService struct {
	rooms       store.RoomRepository
	broker      broker.Broker
	queues      *QueueManager
	sequencer   *events.Sequencer
	cleanup     *ExpiryOrchestrator
	maxTTL      time.Duration
	joinTimeout time.Duration
	log         *log.Logger
	now         func() time.Time
}

func NewRoomService(rooms store.RoomRepository, b broker.Broker, queues *QueueManager, sequencer *events.Sequencer, cleanup *ExpiryOrchestrator, maxTTL, joinTimeout time.Duration, logger *log.Logger) *RoomService {
	return &RoomService{
		rooms:       rooms,
		broker:      b,
		queues:      queues,
		sequencer:   sequencer,
		cleanup:     cleanup,
		maxTTL:      maxTTL,
		joinTimeout: joinTimeout,
		log:         logger,
		now:         time.Now,
	}
}

// CreateRoom validates the requested TTL, generates a unique code,
// persists the room with a store-enforced TTL, provisions its broker
// queues, and joins the creator as owner. Nothing is written before
// the TTL check passes.
func (s *RoomService) CreateRoom(ctx context.Context, name string, ttl time.Duration, ownerName string) (types.JoinResult, error) {
	if ttl <= 0 || ttl > s.maxTTL {
		return types.JoinResult{}, ErrTTLExceeded
	}

	code, err := s.uniqueRoomCode(ctx)
	if err != nil {
		return types.JoinResult{}, err
	}

	now := s.now()
	room := types.Room{
		RoomCode:   code,
		RoomName:   name,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		TTLSeconds: int64(ttl.Seconds()),
	}
	if err := s.rooms.SaveRoom(ctx, room, ttl); err != nil {
		return types.JoinResult{}, fmt.Errorf("save room: %w", err)
	}

	if _, err := s.queues.Provision(code); err != nil {
		return types.JoinResult{}, fmt.Errorf("provision queues for %s: %w", code, err)
	}

	if err := s.sequencer.Publish(ctx, types.RoomEvent{
		Kind:       types.EventRoomCreate,
		RoomCode:   code,
		OccurredAt: now,
	}); err != nil {
		s.log.Printf("failed to publish create event for %s: %v", code, err)
	}

	return s.join(ctx, room, ownerName, types.RoleOwner)
}

// JoinRoom adds an occupant to an existing room via a blocking broker
// request so capacity is enforced by a single consumer per room.
func (s *RoomService) JoinRoom(ctx context.Context, roomCode, username string) (types.JoinResult, error) {
	room, err := s.rooms.GetRoom(ctx, roomCode)
	if errors.Is(err, store.ErrNotFound) {
		return types.JoinResult{}, ErrRoomNotFound
	}
	if err != nil {
		return types.JoinResult{}, fmt.Errorf("read room %s: %w", roomCode, err)
	}
	return s.join(ctx, room, username, types.RoleOccupant)
}

func (s *RoomService) join(ctx context.Context, room types.Room, username string, role types.OccupantRole) (types.JoinResult, error) {
	req := types.JoinRequest{
		Username:   username,
		SessionID:  uuid.New(),
		Role:       role,
		RoomCode:   room.RoomCode,
		RoomExpiry: room.ExpiresAt,
	}

	var resp types.JoinResponse
	err := s.broker.Request(ctx, RoomExchange, JoinRoutingKey(room.RoomCode), req, &resp, s.joinTimeout)
	if err != nil {
		if errors.Is(err, broker.ErrReplyTimeout) {
			return types.JoinResult{}, fmt.Errorf("%w: no reply for room %s", ErrJoinFailed, room.RoomCode)
		}
		return types.JoinResult{}, fmt.Errorf("%w: %v", ErrJoinFailed, err)
	}
	if !resp.Success {
		if resp.StatusCode == http.StatusConflict {
			return types.JoinResult{}, ErrRoomFull
		}
		return types.JoinResult{}, ErrJoinFailed
	}

	if err := s.sequencer.Publish(ctx, types.RoomEvent{
		Notification: fmt.Sprintf("%s joined the room", username),
		OccurredAt:   s.now(),
		Kind:         types.EventRoomJoin,
		RoomCode:     room.RoomCode,
	}); err != nil {
		s.log.Printf("failed to publish join event for %s: %v", room.RoomCode, err)
	}

	return types.JoinResult{
		RoomCode:     room.RoomCode,
		RoomName:     room.RoomName,
		SessionID:    req.SessionID.String(),
		OccupantName: username,
		Role:         role,
		ExpiresAt:    room.ExpiresAt,
	}, nil
}

// LeaveRoom removes an occupant. The record deletion happens in the
// room's leave consumer; the departing occupant's event is sequenced
// at the back of the deque so they still see everything queued before
// they left.
func (s *RoomService) LeaveRoom(ctx context.Context, occupant types.Occupant) error {
	req := types.LeaveRequest{
		RoomCode:     occupant.RoomCode,
		OccupantName: occupant.OccupantName,
		SessionID:    occupant.SessionID,
	}
	if err := s.broker.Publish(ctx, RoomExchange, LeaveRoutingKey(occupant.RoomCode), req); err != nil {
		return fmt.Errorf("publish leave for %s: %w", occupant.RoomCode, err)
	}

	if err := s.sequencer.Publish(ctx, types.RoomEvent{
		Notification: fmt.Sprintf("%s left the room", occupant.OccupantName),
		OccurredAt:   s.now(),
		Kind:         types.EventRoomLeave,
		RoomCode:     occupant.RoomCode,
	}); err != nil {
		s.log.Printf("failed to publish leave event for %s: %v", occupant.RoomCode, err)
	}
	return nil
}

// DeleteRoom tears a room down on the owner's request. Removing the
// key from the store emits no expiry notification, so the cleanup
// cascade is run directly.
func (s *RoomService) DeleteRoom(ctx context.Context, occupant types.Occupant) types.RoomState {
	if err := s.LeaveRoom(ctx, occupant); err != nil {
		s.log.Printf("owner leave during delete of %s: %v", occupant.RoomCode, err)
	}
	report := s.cleanup.Cleanup(ctx, occupant.RoomCode)
	s.log.Printf("room %s deleted by owner: %s", occupant.RoomCode, report)
	return events.ExpiredSnapshot(occupant.RoomCode)
}

func (s *RoomService) uniqueRoomCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code := newRoomCode()
		exists, err := s.rooms.RoomExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check room code: %w", err)
		}
		if !exists {
			return code, nil
		}
	}
	return "", ErrCodeExhausted
}
