package events

import (
	"context"
	"log"
	"sync"

	"github.com/eventdrop/eventdrop/internal/types"
)

// Sequencer serializes snapshot delivery per room. Each room owns an
// in-memory deque created lazily on its first event; the deque's mutex
// is the only lock in the delivery path and guarantees that no two
// goroutines push to the same room's clients at once.
type Sequencer struct {
	builder  *StateBuilder
	registry *Registry
	log      *log.Logger

	mu     sync.Mutex
	deques map[string]*roomDeque
}

type roomDeque struct {
	mu    sync.Mutex
	items []types.RoomState
}

func NewSequencer(builder *StateBuilder, registry *Registry, logger *log.Logger) *Sequencer {
	return &Sequencer{
		builder:  builder,
		registry: registry,
		log:      logger,
		deques:   make(map[string]*roomDeque),
	}
}

// Publish converts a domain event into a snapshot and delivers it to
// the room's connections. The snapshot is built at enqueue time so the
// notification reflects state as of the event, not of the drain.
// Expiry events jump to the front of the deque; leave events sink to
// the back so a departing occupant still sees everything queued before
// them; the rest keep arrival order.
func (s *Sequencer) Publish(ctx context.Context, event types.RoomEvent) error {
	switch event.Kind {
	case types.EventRoomCreate, types.EventFileDownload:
		// Accounting-only events, no client-visible state change.
		return nil
	}

	state, err := s.builder.Snapshot(ctx, event.RoomCode, event.Notification)
	if err != nil {
		return err
	}

	d := s.deque(event.RoomCode)
	d.mu.Lock()
	defer d.mu.Unlock()

	d.insert(event.Kind, state)
	s.drainLocked(event.RoomCode, d)
	return nil
}

// insert places a snapshot by priority. Caller holds d.mu.
func (d *roomDeque) insert(kind types.EventKind, state types.RoomState) {
	switch kind {
	case types.EventRoomExpiry:
		d.items = append([]types.RoomState{state}, d.items...)
	case types.EventRoomLeave:
		d.items = append(d.items, state)
	default:
		d.items = append(d.items, state)
	}
}

// drainLocked pops and delivers every queued snapshot. Caller holds
// d.mu, so only one drain runs per room.
func (s *Sequencer) drainLocked(roomCode string, d *roomDeque) {
	for len(d.items) > 0 {
		state := d.items[0]
		d.items = d.items[1:]

		for _, conn := range s.registry.Conns(roomCode) {
			if err := conn.Send(state); err != nil {
				s.log.Printf("dropping push connection for room %s: %v", roomCode, err)
				conn.CompleteWithError(err)
				s.registry.Remove(roomCode, conn)
			}
		}
	}
}

// Discard clears and removes the room's deque so no stale snapshot is
// delivered once teardown has begun.
func (s *Sequencer) Discard(roomCode string) {
	s.mu.Lock()
	d, ok := s.deques[roomCode]
	delete(s.deques, roomCode)
	s.mu.Unlock()

	if ok {
		d.mu.Lock()
		d.items = nil
		d.mu.Unlock()
	}
}

// SendExpired pushes the terminal expired snapshot directly to every
// connection of the room, bypassing the deque. Used during teardown,
// when the room's backing state is already gone. Returns the number of
// connections the push was attempted on.
func (s *Sequencer) SendExpired(roomCode string) int {
	state := ExpiredSnapshot(roomCode)
	conns := s.registry.Conns(roomCode)
	for _, conn := range conns {
		if err := conn.Send(state); err != nil {
			s.log.Printf("dropping push connection for room %s: %v", roomCode, err)
			conn.CompleteWithError(err)
			s.registry.Remove(roomCode, conn)
		}
	}
	return len(conns)
}

// SendInitialState delivers an out-of-band snapshot to a newly
// connected client so it does not wait for the next domain event.
func (s *Sequencer) SendInitialState(ctx context.Context, conn PushConn, roomCode string) error {
	state, err := s.builder.Snapshot(ctx, roomCode, "")
	if err != nil {
		return err
	}
	return conn.Send(state)
}

func (s *Sequencer) deque(roomCode string) *roomDeque {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deques[roomCode]
	if !ok {
		d = &roomDeque{}
		s.deques[roomCode] = d
	}
	return d
}
