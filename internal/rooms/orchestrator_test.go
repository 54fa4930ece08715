package rooms

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eventdrop/eventdrop/internal/events"
	"github.com/eventdrop/eventdrop/internal/stats"
	"github.com/eventdrop/eventdrop/internal/store"
	"github.com/eventdrop/eventdrop/internal/testutil"
	"github.com/eventdrop/eventdrop/internal/types"
)

// closableConn records snapshots and completion state for cascade
// assertions.
type closableConn struct {
	received []types.RoomState
	normal   bool
	failed   error
}

func (c *closableConn) Send(state types.RoomState) error {
	c.received = append(c.received, state)
	return nil
}
func (c *closableConn) CompleteNormally()           { c.normal = true }
func (c *closableConn) CompleteWithError(err error) { c.failed = err }

func newOrchestratorFixture(t *testing.T) (*ExpiryOrchestrator, *serviceFixture) {
	f := newServiceFixture(t)
	o := NewExpiryOrchestrator(
		events.NewSequencer(events.NewStateBuilder(f.rooms, f.occupants, f.files), f.registry, testutil.TestLogger(t)),
		f.registry, f.rooms, f.svc.queues, f.broker, f.stats, testutil.TestLogger(t),
	)
	return o, f
}

func TestCleanupCascade(t *testing.T) {
	o, f := newOrchestratorFixture(t)

	a, b := &closableConn{}, &closableConn{}
	f.registry.Add("AAAA1111", a)
	f.registry.Add("AAAA1111", b)

	f.rooms.On("DeleteRoom", mock.Anything, "AAAA1111").Return(nil).Once()
	f.broker.On("Publish", mock.Anything, ExpiryExchange, "", types.ExpiryAnnouncement{RoomCode: "AAAA1111"}).Return(nil).Once()

	report := o.Cleanup(context.Background(), "AAAA1111")

	assert.True(t, report.DequeDiscarded)
	assert.Equal(t, 2, report.ConnectionsNotified)
	assert.True(t, report.MetadataDeleted)
	assert.True(t, report.Announced)
	assert.Equal(t, 2, report.ConnectionsClosed)
	assert.Empty(t, report.Errors)

	for _, conn := range []*closableConn{a, b} {
		require.Len(t, conn.received, 1)
		assert.True(t, conn.received[0].Expired)
		assert.True(t, conn.normal)
	}
	assert.Equal(t, 0, f.registry.Count())

	f.rooms.AssertExpectations(t)
	f.broker.AssertExpectations(t)
	// Expiries are counted here so TTL-driven cascades show up in the
	// metric, not just owner deletes.
	f.stats.AssertCalled(t, "Incr", stats.RoomsExpired)
}

func TestCleanupContinuesPastMetadataFailure(t *testing.T) {
	o, f := newOrchestratorFixture(t)

	conn := &closableConn{}
	f.registry.Add("AAAA1111", conn)

	f.rooms.On("DeleteRoom", mock.Anything, "AAAA1111").Return(errors.New("store down")).Once()
	f.broker.On("Publish", mock.Anything, ExpiryExchange, "", types.ExpiryAnnouncement{RoomCode: "AAAA1111"}).Return(nil).Once()

	report := o.Cleanup(context.Background(), "AAAA1111")

	// The failed delete is recorded; the announcement still goes out
	// exactly once and the connections are still closed.
	assert.False(t, report.MetadataDeleted)
	assert.Len(t, report.Errors, 1)
	assert.True(t, report.Announced)
	assert.Equal(t, 1, report.ConnectionsNotified)
	assert.Equal(t, 1, report.ConnectionsClosed)
	assert.True(t, conn.normal)

	f.broker.AssertNumberOfCalls(t, "Publish", 1)
}

func TestHandleExpiredKey(t *testing.T) {
	o, f := newOrchestratorFixture(t)
	f.rooms.On("DeleteRoom", mock.Anything, "aB3xY9Zq").Return(nil)
	f.broker.On("Publish", mock.Anything, ExpiryExchange, "", mock.Anything).Return(nil)

	report, ok := o.HandleExpiredKey(context.Background(), "room:aB3xY9Zq")
	assert.True(t, ok)
	assert.Equal(t, "aB3xY9Zq", report.RoomCode)
}

func TestHandleExpiredKeyIgnoresOtherKeys(t *testing.T) {
	o, f := newOrchestratorFixture(t)

	for _, key := range []string{
		"occupant:2b1c7a10-9c4c-4d8a-8f2e-1a2b3c4d5e6f",
		"filedrop:2b1c7a10-9c4c-4d8a-8f2e-1a2b3c4d5e6f",
		"room:short",
		"room:AAAA1111:occupants",
		"count#203.0.113.7#12345",
	} {
		_, ok := o.HandleExpiredKey(context.Background(), key)
		assert.False(t, ok, "key %q should not trigger a cascade", key)
	}

	f.rooms.AssertNotCalled(t, "DeleteRoom")
	f.broker.AssertNotCalled(t, "Publish")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	o, _ := newOrchestratorFixture(t)

	keys := make(chan string)
	notifier := &store.MockExpiryNotifier{}
	notifier.On("ExpiredKeys", mock.Anything).Return((<-chan string)(keys), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx, notifier) }()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
