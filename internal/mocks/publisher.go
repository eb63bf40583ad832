package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// PublisherMock stands in for the AMQP publisher used by the audit emitter
// and the WebSocket lifecycle events.
type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

// ExpectPublish registers a single successful publish on routingKey whose
// event satisfies match.
func (m *PublisherMock) ExpectPublish(routingKey string, match any) *mock.Call {
	return m.On("Publish", mock.Anything, routingKey, mock.MatchedBy(match)).Return(nil).Once()
}

// RoutingKeys lists the routing keys of every publish seen so far.
func (m *PublisherMock) RoutingKeys() []string {
	var keys []string
	for _, call := range m.Calls {
		if call.Method == "Publish" {
			keys = append(keys, call.Arguments.String(1))
		}
	}
	return keys
}
