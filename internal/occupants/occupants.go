// Package occupants manages occupant records: admission against room
// capacity, session expiry, and the occupant side of the room expiry
// cascade.
package occupants

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/eventdrop/eventdrop/internal/broker"
	"github.com/eventdrop/eventdrop/internal/store"
	"github.com/eventdrop/eventdrop/internal/types"
)

// cascadeTTL is the secondary TTL stamped on a room's occupant records
// when the room expires, so their deletion flows through the normal
// key-expiry pathway instead of a special-cased bulk delete.
const cascadeTTL = 2 * time.Second

type Service struct {
	occupants  store.OccupantRepository
	capacity   int
	sessionTTL time.Duration
	log        *log.Logger
	now        func() time.Time
}

func NewService(occupants store.OccupantRepository, capacity int, sessionTTL time.Duration, logger *log.Logger) *Service {
	return &Service{
		occupants:  occupants,
		capacity:   capacity,
		sessionTTL: sessionTTL,
		log:        logger,
		now:        time.Now,
	}
}

// JoinHandler returns the request handler for one room's join queue.
// Having a single consumer per room serialize admissions is what makes
// the capacity check race-free without store-side locking.
func (s *Service) JoinHandler(roomCode string) broker.RequestHandler {
	return func(ctx context.Context, body []byte) ([]byte, error) {
		var req types.JoinRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("decode join request: %w", err)
		}

		resp := s.admit(ctx, roomCode, req)
		out, err := json.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("encode join response: %w", err)
		}
		return out, nil
	}
}

func (s *Service) admit(ctx context.Context, roomCode string, req types.JoinRequest) types.JoinResponse {
	count, err := s.occupants.OccupantCount(ctx, roomCode)
	if err != nil {
		s.log.Printf("join %s: counting occupants: %v", roomCode, err)
		return types.JoinResponse{Success: false, StatusCode: http.StatusInternalServerError}
	}
	if count >= s.capacity {
		return types.JoinResponse{Success: false, StatusCode: http.StatusConflict}
	}

	occupant := types.Occupant{
		SessionID:    req.SessionID,
		RoomCode:     roomCode,
		OccupantName: req.Username,
		Role:         req.Role,
		JoinedAt:     s.now(),
		RoomExpiry:   req.RoomExpiry,
	}
	if err := s.occupants.SaveOccupant(ctx, occupant, s.occupantTTL(req.RoomExpiry)); err != nil {
		s.log.Printf("join %s: saving occupant: %v", roomCode, err)
		return types.JoinResponse{Success: false, StatusCode: http.StatusInternalServerError}
	}
	return types.JoinResponse{Success: true, StatusCode: http.StatusOK}
}

// LeaveHandler returns the consumer for one room's leave queue.
func (s *Service) LeaveHandler(roomCode string) broker.Handler {
	return func(ctx context.Context, body []byte) error {
		var req types.LeaveRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return fmt.Errorf("decode leave request: %w", err)
		}

		occupant := types.Occupant{SessionID: req.SessionID, RoomCode: roomCode}
		if err := s.occupants.DeleteOccupant(ctx, occupant); err != nil {
			return fmt.Errorf("delete occupant %s: %w", req.SessionID, err)
		}
		return nil
	}
}

// CascadeHandler consumes room expiry announcements and stamps a short
// TTL on the room's remaining occupant records.
func (s *Service) CascadeHandler() broker.Handler {
	return func(ctx context.Context, body []byte) error {
		var ann types.ExpiryAnnouncement
		if err := json.Unmarshal(body, &ann); err != nil {
			return fmt.Errorf("decode expiry announcement: %w", err)
		}

		touched, err := s.occupants.ExpireRoomOccupants(ctx, ann.RoomCode, cascadeTTL)
		if err != nil {
			return fmt.Errorf("expire occupants of %s: %w", ann.RoomCode, err)
		}
		s.log.Printf("expiring %d occupants of room %s", touched, ann.RoomCode)
		return nil
	}
}

// Refresh extends an authenticated occupant's session, capped so the
// session never outlives its room.
func (s *Service) Refresh(ctx context.Context, occupant types.Occupant) error {
	return s.occupants.RefreshOccupant(ctx, occupant.SessionID, s.occupantTTL(occupant.RoomExpiry))
}

func (s *Service) occupantTTL(roomExpiry time.Time) time.Duration {
	ttl := s.sessionTTL
	if remaining := roomExpiry.Sub(s.now()); remaining > 0 && remaining < ttl {
		ttl = remaining
	}
	return ttl
}
