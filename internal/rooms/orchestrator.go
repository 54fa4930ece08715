package rooms

import (
	"context"
	"fmt"
	"log"

	"github.com/eventdrop/eventdrop/internal/broker"
	"github.com/eventdrop/eventdrop/internal/events"
	"github.com/eventdrop/eventdrop/internal/stats"
	"github.com/eventdrop/eventdrop/internal/store"
	"github.com/eventdrop/eventdrop/internal/types"
)

// CleanupReport records which steps of a cascade completed. Cleanup is
// best-effort: a failed step is noted and the cascade continues, so a
// partially cleaned room leaves only orphans the periodic sweep
// reclaims.
type CleanupReport struct {
	RoomCode            string
	DequeDiscarded      bool
	ConnectionsNotified int
	MetadataDeleted     bool
	QueuesTornDown      bool
	Announced           bool
	ConnectionsClosed   int
	Errors              []error
}

func (r CleanupReport) String() string {
	return fmt.Sprintf("room=%s notified=%d metadata_deleted=%t announced=%t closed=%d errors=%d",
		r.RoomCode, r.ConnectionsNotified, r.MetadataDeleted, r.Announced, r.ConnectionsClosed, len(r.Errors))
}

// ExpiryOrchestrator is the single entry point for room expiry. It
// consumes raw expired-key notifications, filters them down to room
// keys, and runs the cascade.
type ExpiryOrchestrator struct {
	sequencer *events.Sequencer
	registry  *events.Registry
	rooms     store.RoomRepository
	queues    *QueueManager
	broker    broker.Broker
	stats     stats.StatsProvider
	log       *log.Logger
}

func NewExpiryOrchestrator(sequencer *events.Sequencer, registry *events.Registry, rooms store.RoomRepository, queues *QueueManager, b broker.Broker, statsProvider stats.StatsProvider, logger *log.Logger) *ExpiryOrchestrator {
	return &ExpiryOrchestrator{
		sequencer: sequencer,
		registry:  registry,
		rooms:     rooms,
		queues:    queues,
		broker:    b,
		stats:     statsProvider,
		log:       logger,
	}
}

// Run consumes the store's expired-key channel until the context is
// cancelled. The channel carries every expiring key type; only keys
// naming a room trigger the cascade.
func (o *ExpiryOrchestrator) Run(ctx context.Context, notifier store.ExpiryNotifier) error {
	keys, err := notifier.ExpiredKeys(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to expired keys: %w", err)
	}

	for {
		select {
		case key, ok := <-keys:
			if !ok {
				return nil
			}
			o.HandleExpiredKey(ctx, key)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// HandleExpiredKey runs the cascade if the key names a room. The
// second return reports whether the key was accepted.
func (o *ExpiryOrchestrator) HandleExpiredKey(ctx context.Context, key string) (CleanupReport, bool) {
	roomCode, ok := store.RoomCodeFromKey(key)
	if !ok || !ValidRoomCode(roomCode) {
		return CleanupReport{}, false
	}

	o.log.Printf("room %s expired", roomCode)
	return o.Cleanup(ctx, roomCode), true
}

// Cleanup runs the cascade for one room: discard the pending event
// deque, push the terminal expired snapshot directly to connected
// clients, delete the metadata, tear down the broker queues, announce
// the expiry for the occupant and file cleanup consumers, and finally
// complete and drop every push connection. Every step is attempted
// regardless of earlier failures.
func (o *ExpiryOrchestrator) Cleanup(ctx context.Context, roomCode string) CleanupReport {
	report := CleanupReport{RoomCode: roomCode}

	o.sequencer.Discard(roomCode)
	report.DequeDiscarded = true

	report.ConnectionsNotified = o.sequencer.SendExpired(roomCode)

	if err := o.rooms.DeleteRoom(ctx, roomCode); err != nil {
		o.log.Printf("failed to delete metadata for room %s: %v", roomCode, err)
		report.Errors = append(report.Errors, err)
	} else {
		report.MetadataDeleted = true
	}

	o.queues.Teardown(roomCode)
	report.QueuesTornDown = true

	if err := o.broker.Publish(ctx, ExpiryExchange, "", types.ExpiryAnnouncement{RoomCode: roomCode}); err != nil {
		o.log.Printf("failed to announce expiry of room %s: %v", roomCode, err)
		report.Errors = append(report.Errors, err)
	} else {
		report.Announced = true
	}

	conns := o.registry.DropRoom(roomCode)
	for _, conn := range conns {
		conn.CompleteNormally()
	}
	report.ConnectionsClosed = len(conns)

	o.stats.Incr(stats.RoomsExpired)
	return report
}
