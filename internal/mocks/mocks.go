package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
)

type GatewayMock struct {
	mock.Mock
}

func (m *GatewayMock) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	args := m.Called(ctx, msg)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *GatewayMock) GetMessage(ctx context.Context, id string) (models.Message, error) {
	args := m.Called(ctx, id)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *GatewayMock) UpdateMessage(ctx context.Context, id string, update models.MessageUpdate) (models.Message, error) {
	args := m.Called(ctx, id, update)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *GatewayMock) DeleteMessage(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *GatewayMock) GetRepliesForMessage(ctx context.Context, parentID string) ([]models.Message, error) {
	args := m.Called(ctx, parentID)
	var out []models.Message
	if val := args.Get(0); val != nil {
		out = val.([]models.Message)
	}
	return out, args.Error(1)
}

func (m *GatewayMock) ListGroupMessages(ctx context.Context, groupID string, limit int) ([]models.Message, error) {
	args := m.Called(ctx, groupID, limit)
	var out []models.Message
	if val := args.Get(0); val != nil {
		out = val.([]models.Message)
	}
	return out, args.Error(1)
}

func (m *GatewayMock) AddReaction(ctx context.Context, messageID, userID, emoji string) error {
	args := m.Called(ctx, messageID, userID, emoji)
	return args.Error(0)
}

func (m *GatewayMock) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	args := m.Called(ctx, messageID, userID, emoji)
	return args.Error(0)
}

func (m *GatewayMock) GetGroupByID(ctx context.Context, id string) (models.Group, error) {
	args := m.Called(ctx, id)
	var out models.Group
	if val := args.Get(0); val != nil {
		out = val.(models.Group)
	}
	return out, args.Error(1)
}

func (m *GatewayMock) UpdateGroup(ctx context.Context, group models.Group) (models.Group, error) {
	args := m.Called(ctx, group)
	var out models.Group
	if val := args.Get(0); val != nil {
		out = val.(models.Group)
	}
	return out, args.Error(1)
}

// AuditorMock records audit emissions.
type AuditorMock struct {
	mock.Mock
}

func (m *AuditorMock) Emit(ctx context.Context, level, text, requestID string, userID *string) {
	m.Called(ctx, level, text, requestID, userID)
}

var _ repositories.Gateway = (*GatewayMock)(nil)
