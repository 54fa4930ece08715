package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/eventdrop/eventdrop/internal/types"
)

var errConnClosed = errors.New("push connection closed")

// sseConn adapts one server-sent-events response into a push
// connection. Sends are serialized by the mutex since drains and the
// out-of-band initial snapshot may race.
type sseConn struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newSSEConn(w http.ResponseWriter, flusher http.Flusher) *sseConn {
	return &sseConn{w: w, flusher: flusher, done: make(chan struct{})}
}

func (c *sseConn) Send(state types.RoomState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errConnClosed
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode room state: %w", err)
	}
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	c.flusher.Flush()
	return nil
}

func (c *sseConn) CompleteNormally() {
	c.complete()
}

func (c *sseConn) CompleteWithError(err error) {
	c.complete()
}

func (c *sseConn) complete() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// Done unblocks when the connection has been completed from the server
// side.
func (c *sseConn) Done() <-chan struct{} {
	return c.done
}
