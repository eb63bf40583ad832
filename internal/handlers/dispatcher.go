package handlers

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
)

// Dispatcher routes client intents to the component that owns them. It is
// the single error boundary for websocket events: failures and panics are
// reported to the originating connection only and never stop the
// connection from handling its next event.
type Dispatcher struct {
	hub       Broadcaster
	pipeline  *Pipeline
	threads   *Synchronizer
	reactions *Aggregator
	mutations *Coordinator
	tracer    trace.Tracer
	logger    *zap.Logger
}

func NewDispatcher(hub Broadcaster, pipeline *Pipeline, threads *Synchronizer, reactions *Aggregator, mutations *Coordinator, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		hub:       hub,
		pipeline:  pipeline,
		threads:   threads,
		reactions: reactions,
		mutations: mutations,
		tracer:    otel.Tracer("chat-realtime/handlers"),
		logger:    logger,
	}
}

// HandleEvent implements ws.EventHandler.
func (d *Dispatcher) HandleEvent(ctx context.Context, connID, userID string, env models.Envelope) {
	ctx, span := d.tracer.Start(ctx, "ws."+env.Event, trace.WithAttributes(
		attribute.String("conn_id", connID),
		attribute.String("user_id", userID),
	))
	defer span.End()

	actor := Actor{ConnID: connID, UserID: userID, RequestID: env.RequestID}
	err := d.safeDispatch(ctx, actor, env)
	if err == nil {
		observability.IncWSEvent(env.Event, "ok")
		return
	}

	kind := apperr.KindOf(err)
	observability.IncWSEvent(env.Event, string(kind))
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))

	fields := []zap.Field{
		zap.String("conn_id", connID),
		zap.String("user_id", userID),
		zap.String("event", env.Event),
		zap.Error(err),
	}
	switch kind {
	case apperr.KindPersistence, apperr.KindInternal:
		d.logger.Error("event failed", fields...)
	default:
		d.logger.Debug("event rejected", fields...)
	}
	d.hub.SendTo(connID, models.ErrorEnvelope(env.RequestID, string(kind), apperr.Message(err)))
}

func (d *Dispatcher) safeDispatch(ctx context.Context, actor Actor, env models.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling %s: %v", env.Event, r)
		}
	}()
	return d.dispatch(ctx, actor, env)
}

func (d *Dispatcher) dispatch(ctx context.Context, actor Actor, env models.Envelope) error {
	switch env.Event {
	case models.EventJoinConversation:
		var p models.ConversationPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		return d.join(actor, p.GroupID)

	case models.EventLeaveConversation:
		var p models.ConversationPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		if p.GroupID == "" {
			return apperr.Validation("groupId is required")
		}
		d.hub.Leave(actor.ConnID, p.GroupID)
		return nil

	case models.EventMessage:
		var p models.MessagePayload
		if err := decode(env, &p); err != nil {
			return err
		}
		if err := d.join(actor, p.GroupID); err != nil {
			return err
		}
		_, err := d.pipeline.Submit(ctx, actor, p.GroupID, p.Message)
		return err

	case models.EventReaction:
		var p models.ReactionPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		if err := d.join(actor, p.GroupID); err != nil {
			return err
		}
		_, err := d.reactions.Apply(ctx, actor, p)
		return err

	case models.EventEditMessage:
		var p models.EditPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		if err := d.join(actor, p.GroupID); err != nil {
			return err
		}
		_, err := d.mutations.Edit(ctx, actor, p)
		return err

	case models.EventDeleteMessage:
		var p models.DeletePayload
		if err := decode(env, &p); err != nil {
			return err
		}
		if err := d.join(actor, p.GroupID); err != nil {
			return err
		}
		return d.mutations.Delete(ctx, actor, p)

	case models.EventThreadSync:
		var p models.ThreadPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		if err := d.join(actor, p.GroupID); err != nil {
			return err
		}
		return d.threads.RequestSync(ctx, actor, p.GroupID, p.MessageID)

	case models.EventThreadUpdate:
		var p models.ThreadPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		if err := d.join(actor, p.GroupID); err != nil {
			return err
		}
		return d.threads.RequestUpdate(ctx, actor, p.GroupID, p.MessageID, p.IsOpen)

	default:
		return apperr.Validation("unknown event " + env.Event)
	}
}

// join makes sure the actor is a member of groupID before acting in it.
// Joining is idempotent, so this replaces per-handler membership checks.
func (d *Dispatcher) join(actor Actor, groupID string) error {
	if groupID == "" {
		return apperr.Validation("groupId is required")
	}
	if err := d.hub.Join(actor.ConnID, groupID); err != nil {
		return apperr.Validation("connection is not accepting events")
	}
	return nil
}

func decode(env models.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return apperr.Validation("malformed payload")
	}
	return nil
}
