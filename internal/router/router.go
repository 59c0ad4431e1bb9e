package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"taskrelay/internal/hub"
	"taskrelay/pkg/interfaces"
	"taskrelay/pkg/types"
)

// Dispatcher queues per-room deliveries
type Dispatcher interface {
	Dispatch(d hub.Delivery) error
}

// Router validates domain events, shapes one envelope per target room and
// hands each to the hub. When a relay is attached every room delivery is also
// forwarded to the other instances.
type Router struct {
	dispatcher Dispatcher
	relay      interfaces.Relay
	now        func() time.Time
}

var _ interfaces.EventPublisher = (*Router)(nil)

// NewRouter creates a router. relay may be nil for a single instance.
func NewRouter(dispatcher Dispatcher, relay interfaces.Relay) *Router {
	return &Router{
		dispatcher: dispatcher,
		relay:      relay,
		now:        time.Now,
	}
}

// AttachRelay subscribes to frames published by other instances and injects
// them into the local hub.
func (r *Router) AttachRelay(relay interfaces.Relay) error {
	if relay == nil {
		return nil
	}
	r.relay = relay
	return relay.Subscribe(r.deliverRemote)
}

// Publish routes event to every room in its target list, in order. It is
// fire-and-forget: member delivery failures never surface here, but a full
// partition queue does. A room-level failure is reported as *PublishError,
// which lists the rooms that were still accepted.
func (r *Router) Publish(ctx context.Context, event *types.DomainEvent) error {
	if event == nil {
		return ErrNilEvent
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %w", types.ErrMalformedIntent, err)
	}
	if r.dispatcher == nil {
		return ErrNoDispatcher
	}

	now := r.now().UTC()
	seen := make(map[types.RoomID]struct{}, len(event.TargetRooms))
	var (
		accepted []types.RoomID
		failed   []types.RoomID
		errs     []error
	)

	for _, room := range event.TargetRooms {
		if _, dup := seen[room]; dup {
			continue
		}
		seen[room] = struct{}{}

		frame, err := json.Marshal(types.Envelope{
			Type:      event.Type,
			Data:      event.Payload,
			Room:      room,
			Timestamp: now,
		})
		if err != nil {
			failed = append(failed, room)
			errs = append(errs, fmt.Errorf("encode %s for %s: %w", event.Type, room, err))
			continue
		}

		// a room the local hub refused is not relayed either, so a retry
		// of the failed rooms cannot duplicate remote deliveries
		if err := r.dispatcher.Dispatch(hub.Delivery{Room: room, Frame: frame, Exclude: event.ExcludeConnection}); err != nil {
			slog.Warn("dispatch failed", "event_type", event.Type, "room", room, "error", err)
			failed = append(failed, room)
			errs = append(errs, fmt.Errorf("dispatch %s to %s: %w", event.Type, room, err))
			continue
		}
		accepted = append(accepted, room)

		if r.relay != nil {
			if err := r.relay.Broadcast(ctx, room, frame, event.ExcludeConnection); err != nil {
				slog.Warn("relay broadcast failed", "event_type", event.Type, "room", room, "error", err)
			}
		}
	}

	if len(errs) > 0 {
		return &PublishError{Accepted: accepted, Failed: failed, Err: errors.Join(errs...)}
	}
	slog.Debug("event published", "event_type", event.Type, "rooms", len(seen))
	return nil
}

func (r *Router) deliverRemote(room types.RoomID, frame []byte, exclude string) {
	if err := r.dispatcher.Dispatch(hub.Delivery{Room: room, Frame: frame, Exclude: exclude}); err != nil {
		slog.Warn("relayed delivery dropped", "room", room, "error", err)
	}
}

// PublishPayload marshals payload and publishes it as eventType to rooms
func (r *Router) PublishPayload(ctx context.Context, eventType string, rooms []types.RoomID, payload any, exclude string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return r.Publish(ctx, &types.DomainEvent{
		Type:              eventType,
		TargetRooms:       rooms,
		Payload:           raw,
		ExcludeConnection: exclude,
	})
}
