package broker

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) DeclareExchange(name, kind string) error {
	args := m.Called(name, kind)
	return args.Error(0)
}

func (m *MockBroker) DeclareQueue(name string, durable bool) error {
	args := m.Called(name, durable)
	return args.Error(0)
}

func (m *MockBroker) Bind(queue, exchange, routingKey string) error {
	args := m.Called(queue, exchange, routingKey)
	return args.Error(0)
}

func (m *MockBroker) DeleteQueue(name string) error {
	args := m.Called(name)
	return args.Error(0)
}

func (m *MockBroker) Publish(ctx context.Context, exchange, routingKey string, payload any) error {
	args := m.Called(ctx, exchange, routingKey, payload)
	return args.Error(0)
}

func (m *MockBroker) Request(ctx context.Context, exchange, routingKey string, payload, reply any, timeout time.Duration) error {
	args := m.Called(ctx, exchange, routingKey, payload, reply, timeout)
	return args.Error(0)
}

func (m *MockBroker) Consume(queue string, handler Handler) (Subscription, error) {
	args := m.Called(queue, handler)
	sub, _ := args.Get(0).(Subscription)
	return sub, args.Error(1)
}

func (m *MockBroker) ConsumeRequests(queue string, handler RequestHandler) (Subscription, error) {
	args := m.Called(queue, handler)
	sub, _ := args.Get(0).(Subscription)
	return sub, args.Error(1)
}

func (m *MockBroker) Close() error {
	args := m.Called()
	return args.Error(0)
}

type MockSubscription struct {
	mock.Mock
}

func (m *MockSubscription) Queue() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockSubscription) Stop() {
	m.Called()
}
