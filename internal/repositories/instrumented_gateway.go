package repositories

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
)

// InstrumentedGateway records a span and latency metrics around every
// call to the wrapped gateway.
type InstrumentedGateway struct {
	next   Gateway
	tracer trace.Tracer
}

func NewInstrumentedGateway(next Gateway) *InstrumentedGateway {
	return &InstrumentedGateway{next: next, tracer: otel.Tracer("chat-realtime/repositories")}
}

func (g *InstrumentedGateway) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	started := time.Now()
	ctx, span := g.tracer.Start(ctx, "gateway."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		observability.ObserveGatewayCall(op, started, notFoundIsSuccess(err))
		if err != nil && notFoundIsSuccess(err) != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// notFoundIsSuccess hides lookups that simply found nothing from error
// metrics.
func notFoundIsSuccess(err error) error {
	if errors.Is(err, ErrMessageNotFound) || errors.Is(err, ErrGroupNotFound) {
		return nil
	}
	return err
}

func (g *InstrumentedGateway) CreateMessage(ctx context.Context, msg models.Message) (out models.Message, err error) {
	ctx, done := g.start(ctx, OpCreateMessage, attribute.String("group_id", msg.GroupID), attribute.String("message_id", msg.ID))
	defer func() { done(err) }()
	return g.next.CreateMessage(ctx, msg)
}

func (g *InstrumentedGateway) GetMessage(ctx context.Context, id string) (out models.Message, err error) {
	ctx, done := g.start(ctx, OpGetMessage, attribute.String("message_id", id))
	defer func() { done(err) }()
	return g.next.GetMessage(ctx, id)
}

func (g *InstrumentedGateway) UpdateMessage(ctx context.Context, id string, update models.MessageUpdate) (out models.Message, err error) {
	ctx, done := g.start(ctx, OpUpdateMessage, attribute.String("message_id", id))
	defer func() { done(err) }()
	return g.next.UpdateMessage(ctx, id, update)
}

func (g *InstrumentedGateway) DeleteMessage(ctx context.Context, id string) (err error) {
	ctx, done := g.start(ctx, OpDeleteMessage, attribute.String("message_id", id))
	defer func() { done(err) }()
	return g.next.DeleteMessage(ctx, id)
}

func (g *InstrumentedGateway) GetRepliesForMessage(ctx context.Context, parentID string) (out []models.Message, err error) {
	ctx, done := g.start(ctx, OpGetReplies, attribute.String("message_id", parentID))
	defer func() { done(err) }()
	return g.next.GetRepliesForMessage(ctx, parentID)
}

func (g *InstrumentedGateway) ListGroupMessages(ctx context.Context, groupID string, limit int) (out []models.Message, err error) {
	ctx, done := g.start(ctx, OpListGroupMessages, attribute.String("group_id", groupID), attribute.Int("limit", limit))
	defer func() { done(err) }()
	return g.next.ListGroupMessages(ctx, groupID, limit)
}

func (g *InstrumentedGateway) AddReaction(ctx context.Context, messageID, userID, emoji string) (err error) {
	ctx, done := g.start(ctx, OpAddReaction, attribute.String("message_id", messageID))
	defer func() { done(err) }()
	return g.next.AddReaction(ctx, messageID, userID, emoji)
}

func (g *InstrumentedGateway) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (err error) {
	ctx, done := g.start(ctx, OpRemoveReaction, attribute.String("message_id", messageID))
	defer func() { done(err) }()
	return g.next.RemoveReaction(ctx, messageID, userID, emoji)
}

func (g *InstrumentedGateway) GetGroupByID(ctx context.Context, id string) (out models.Group, err error) {
	ctx, done := g.start(ctx, OpGetGroup, attribute.String("group_id", id))
	defer func() { done(err) }()
	return g.next.GetGroupByID(ctx, id)
}

func (g *InstrumentedGateway) UpdateGroup(ctx context.Context, group models.Group) (out models.Group, err error) {
	ctx, done := g.start(ctx, OpUpdateGroup, attribute.String("group_id", group.ID))
	defer func() { done(err) }()
	return g.next.UpdateGroup(ctx, group)
}

var (
	_ Gateway = (*PostgresGateway)(nil)
	_ Gateway = (*PebbleGateway)(nil)
	_ Gateway = (*MemoryGateway)(nil)
	_ Gateway = (*InstrumentedGateway)(nil)
)
