// Package rooms implements the room lifecycle: creation, joins and
// leaves, per-room broker queue provisioning, and the cascading
// cleanup that runs when a room expires.
package rooms

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/eventdrop/eventdrop/internal/broker"
	"github.com/eventdrop/eventdrop/internal/events"
	"github.com/eventdrop/eventdrop/internal/types"
)

// Broker topology. Every room shares one topic exchange; each room
// gets four durable queues bound with room-scoped routing keys. Expiry
// announcements fan out on their own exchange so dependent services
// clean up independently.
const (
	RoomExchange   = "eventdrop.rooms"
	ExpiryExchange = "eventdrop.expiry"

	JoinQueuePrefix       = "join-"
	LeaveQueuePrefix      = "leave-"
	FileUploadQueuePrefix = "file-upload-"
	FileDeleteQueuePrefix = "file-delete-"

	JoinRoutingKeyPrefix       = "join."
	LeaveRoutingKeyPrefix      = "leave."
	FileUploadRoutingKeyPrefix = "file-upload."
	FileDeleteRoutingKeyPrefix = "file-delete."
)

func JoinRoutingKey(roomCode string) string       { return JoinRoutingKeyPrefix + roomCode }
func LeaveRoutingKey(roomCode string) string      { return LeaveRoutingKeyPrefix + roomCode }
func FileUploadRoutingKey(roomCode string) string { return FileUploadRoutingKeyPrefix + roomCode }
func FileDeleteRoutingKey(roomCode string) string { return FileDeleteRoutingKeyPrefix + roomCode }

// QueueSpec describes one of a room's queue types. Exactly one of the
// handler factories is set: join is a request/reply queue, the rest
// are fire-and-forget consumers.
type QueueSpec struct {
	QueuePrefix      string
	RoutingKeyPrefix string

	NewRequestHandler func(roomCode string) broker.RequestHandler
	NewHandler        func(roomCode string) broker.Handler
}

// QueueManager owns the room-scoped broker resources. Consumer handles
// live in an in-memory registry keyed by queue name; each queue is
// either absent from the registry (unprovisioned) or present with a
// running consumer (active).
type QueueManager struct {
	broker broker.Broker
	specs  []QueueSpec
	log    *log.Logger

	mu     sync.Mutex
	active map[string]broker.Subscription
}

func NewQueueManager(b broker.Broker, specs []QueueSpec, logger *log.Logger) (*QueueManager, error) {
	if err := b.DeclareExchange(RoomExchange, "topic"); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", RoomExchange, err)
	}
	if err := b.DeclareExchange(ExpiryExchange, "fanout"); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", ExpiryExchange, err)
	}
	return &QueueManager{
		broker: b,
		specs:  specs,
		log:    logger,
		active: make(map[string]broker.Subscription),
	}, nil
}

// Provision declares and binds the room's queues and starts their
// consumers. Idempotent: a queue that already has a live consumer is
// left alone. Returns the names of the room's queues.
func (m *QueueManager) Provision(roomCode string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.specs))
	for _, spec := range m.specs {
		queue := spec.QueuePrefix + roomCode
		names = append(names, queue)

		if _, ok := m.active[queue]; ok {
			continue
		}

		if err := m.broker.DeclareQueue(queue, true); err != nil {
			return names, fmt.Errorf("declare queue %s: %w", queue, err)
		}
		if err := m.broker.Bind(queue, RoomExchange, spec.RoutingKeyPrefix+roomCode); err != nil {
			return names, fmt.Errorf("bind queue %s: %w", queue, err)
		}

		var sub broker.Subscription
		var err error
		if spec.NewRequestHandler != nil {
			sub, err = m.broker.ConsumeRequests(queue, spec.NewRequestHandler(roomCode))
		} else {
			sub, err = m.broker.Consume(queue, spec.NewHandler(roomCode))
		}
		if err != nil {
			return names, fmt.Errorf("consume queue %s: %w", queue, err)
		}
		m.active[queue] = sub
	}
	return names, nil
}

// Teardown stops the room's consumers, then best-effort deletes the
// queues. Delete failures are logged and swallowed so they never block
// the rest of an expiry cascade.
func (m *QueueManager) Teardown(roomCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, spec := range m.specs {
		queue := spec.QueuePrefix + roomCode
		if sub, ok := m.active[queue]; ok {
			sub.Stop()
			delete(m.active, queue)
		}
		if err := m.broker.DeleteQueue(queue); err != nil {
			m.log.Printf("failed to delete queue %s: %v", queue, err)
		}
	}
}

// EventForwardHandler builds consumers for the file queues: decode the
// room event and hand it to the sequencer for ordered delivery.
func EventForwardHandler(sequencer *events.Sequencer) func(roomCode string) broker.Handler {
	return func(roomCode string) broker.Handler {
		return func(ctx context.Context, body []byte) error {
			var event types.RoomEvent
			if err := json.Unmarshal(body, &event); err != nil {
				return fmt.Errorf("decode room event: %w", err)
			}
			return sequencer.Publish(ctx, event)
		}
	}
}

// ActiveQueues reports the number of queues with a live consumer.
func (m *QueueManager) ActiveQueues() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
