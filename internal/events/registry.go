// Package events turns domain events into room-state snapshots and
// delivers them, in room-local order, to every push connection
// subscribed to the room.
package events

import (
	"sync"

	"github.com/eventdrop/eventdrop/internal/types"
)

// PushConn is one long-lived, server-initiated delivery channel to a
// connected client. Implementations must tolerate Send after a
// Complete call returning an error rather than panicking.
type PushConn interface {
	Send(state types.RoomState) error
	CompleteNormally()
	CompleteWithError(err error)
}

// Registry tracks the push connections of each room. Empty at startup;
// entries are removed when a connection closes or its room expires.
type Registry struct {
	mu    sync.RWMutex
	conns map[string][]PushConn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string][]PushConn)}
}

func (r *Registry) Add(roomCode string, conn PushConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[roomCode] = append(r.conns[roomCode], conn)
}

func (r *Registry) Remove(roomCode string, conn PushConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.conns[roomCode]
	for i, c := range conns {
		if c == conn {
			r.conns[roomCode] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(r.conns[roomCode]) == 0 {
		delete(r.conns, roomCode)
	}
}

// Conns returns a copy of the room's connection list, safe to iterate
// while other goroutines add or remove connections.
func (r *Registry) Conns(roomCode string) []PushConn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.conns[roomCode]
	out := make([]PushConn, len(conns))
	copy(out, conns)
	return out
}

// DropRoom removes every connection registered for the room and
// returns them so the caller can complete each one.
func (r *Registry) DropRoom(roomCode string) []PushConn {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.conns[roomCode]
	delete(r.conns, roomCode)
	return conns
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, conns := range r.conns {
		n += len(conns)
	}
	return n
}
