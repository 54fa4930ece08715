// Package broker wraps the message fabric used for inter-service
// coordination: durable per-room queues bound to shared exchanges,
// fire-and-forget publishes and a blocking request/reply used for
// room joins.
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrReplyTimeout is returned when a Request receives no reply within
// its timeout. Callers treat it as an internal failure and do not
// retry automatically.
var ErrReplyTimeout = errors.New("broker: reply timed out")

// Handler processes a consumed message. A returned error signals a
// structural failure and triggers client-side redelivery with backoff;
// business failures must be handled (logged) inside the handler.
type Handler func(ctx context.Context, body []byte) error

// RequestHandler processes a request message and returns the reply
// payload to send back to the caller.
type RequestHandler func(ctx context.Context, body []byte) ([]byte, error)

// Subscription is a live consumer on one queue.
type Subscription interface {
	// Queue returns the name of the consumed queue.
	Queue() string
	// Stop cancels the consumer. It is safe to call more than once.
	Stop()
}

type Broker interface {
	DeclareExchange(name, kind string) error
	DeclareQueue(name string, durable bool) error
	Bind(queue, exchange, routingKey string) error
	// DeleteQueue removes a queue and its bindings. Deleting an absent
	// queue is not an error.
	DeleteQueue(name string) error

	Publish(ctx context.Context, exchange, routingKey string, payload any) error
	// Request publishes payload and blocks until a reply arrives or the
	// timeout elapses, unmarshalling the reply into reply.
	Request(ctx context.Context, exchange, routingKey string, payload, reply any, timeout time.Duration) error

	Consume(queue string, handler Handler) (Subscription, error)
	// ConsumeRequests consumes request messages and sends each
	// handler's payload back to the requester.
	ConsumeRequests(queue string, handler RequestHandler) (Subscription, error)

	Close() error
}
