package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	connectAttempts = 30
	connectWait     = 2 * time.Second

	// Consumer-side redelivery: a failed handler is retried a fixed
	// number of times with a fixed backoff before the message is
	// dropped.
	consumeRetries = 3
	consumeBackoff = time.Second

	replyToQueue = "amq.rabbitmq.reply-to"
)

// AMQPBroker implements Broker on a single AMQP 0-9-1 connection. The
// shared channel used for declarations and publishes is not safe for
// concurrent use and is guarded by a mutex; every consumer and every
// in-flight request gets its own channel.
type AMQPBroker struct {
	conn *amqp.Connection
	mu   sync.Mutex
	ch   *amqp.Channel
	log  *log.Logger
}

func NewAMQPBroker(url string, logger *log.Logger) (*AMQPBroker, error) {
	var conn *amqp.Connection
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		logger.Printf("waiting for broker (attempt %d): %v", attempt, err)
		time.Sleep(connectWait)
	}
	if err != nil {
		return nil, fmt.Errorf("broker dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker channel: %w", err)
	}

	return &AMQPBroker{conn: conn, ch: ch, log: logger}, nil
}

func (b *AMQPBroker) Close() error {
	return b.conn.Close()
}

func (b *AMQPBroker) DeclareExchange(name, kind string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch.ExchangeDeclare(name, kind, true, false, false, false, nil)
}

func (b *AMQPBroker) DeclareQueue(name string, durable bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.ch.QueueDeclare(name, durable, false, false, false, nil)
	return err
}

func (b *AMQPBroker) Bind(queue, exchange, routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch.QueueBind(queue, routingKey, exchange, false, nil)
}

func (b *AMQPBroker) DeleteQueue(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.ch.QueueDelete(name, false, false, false)
	return err
}

func (b *AMQPBroker) Publish(ctx context.Context, exchange, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Request implements the blocking request/reply call with RabbitMQ's
// direct reply-to pseudo-queue.
func (b *AMQPBroker) Request(ctx context.Context, exchange, routingKey string, payload, reply any, timeout time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("request channel: %w", err)
	}
	defer ch.Close()

	deliveries, err := ch.Consume(replyToQueue, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume reply queue: %w", err)
	}

	correlationID := uuid.NewString()
	err = ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		ReplyTo:       replyToQueue,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return ErrReplyTimeout
			}
			if d.CorrelationId != correlationID {
				continue
			}
			if err := json.Unmarshal(d.Body, reply); err != nil {
				return fmt.Errorf("unmarshal reply: %w", err)
			}
			return nil
		case <-timer.C:
			return ErrReplyTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type amqpSubscription struct {
	queue string
	ch    *amqp.Channel
	tag   string
	once  sync.Once
}

func (s *amqpSubscription) Queue() string { return s.queue }

func (s *amqpSubscription) Stop() {
	s.once.Do(func() {
		s.ch.Cancel(s.tag, false)
		s.ch.Close()
	})
}

func (b *AMQPBroker) Consume(queue string, handler Handler) (Subscription, error) {
	ch, deliveries, tag, err := b.startConsumer(queue)
	if err != nil {
		return nil, err
	}

	go func() {
		for d := range deliveries {
			if err := b.handleWithRetry(queue, d.Body, handler); err != nil {
				b.log.Printf("dropping message from queue %q after retries: %v", queue, err)
				d.Nack(false, false)
				continue
			}
			d.Ack(false)
		}
	}()

	return &amqpSubscription{queue: queue, ch: ch, tag: tag}, nil
}

func (b *AMQPBroker) ConsumeRequests(queue string, handler RequestHandler) (Subscription, error) {
	ch, deliveries, tag, err := b.startConsumer(queue)
	if err != nil {
		return nil, err
	}

	go func() {
		for d := range deliveries {
			payload, err := handler(context.Background(), d.Body)
			if err != nil {
				b.log.Printf("request handler failed on queue %q: %v", queue, err)
				d.Nack(false, false)
				continue
			}

			if d.ReplyTo != "" {
				err = ch.PublishWithContext(context.Background(), "", d.ReplyTo, false, false, amqp.Publishing{
					ContentType:   "application/json",
					CorrelationId: d.CorrelationId,
					Body:          payload,
				})
				if err != nil {
					b.log.Printf("failed to reply on queue %q: %v", queue, err)
				}
			}
			d.Ack(false)
		}
	}()

	return &amqpSubscription{queue: queue, ch: ch, tag: tag}, nil
}

func (b *AMQPBroker) startConsumer(queue string) (*amqp.Channel, <-chan amqp.Delivery, string, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, nil, "", fmt.Errorf("consumer channel: %w", err)
	}

	tag := "eventdrop-" + uuid.NewString()
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, "", fmt.Errorf("consume queue %q: %w", queue, err)
	}
	return ch, deliveries, tag, nil
}

func (b *AMQPBroker) handleWithRetry(queue string, body []byte, handler Handler) error {
	var err error
	for attempt := 0; attempt <= consumeRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(consumeBackoff)
		}
		if err = handler(context.Background(), body); err == nil {
			return nil
		}
		b.log.Printf("handler failed on queue %q (attempt %d): %v", queue, attempt+1, err)
	}
	return err
}
