package interfaces

import (
	"context"

	"taskrelay/pkg/types"
)

// EventPublisher is the single coupling surface the rest of the application uses
// to push domain events into the broadcast layer. Publish is fire-and-forget.
type EventPublisher interface {
	Publish(ctx context.Context, event *types.DomainEvent) error
}

// Relay carries per-room deliveries between server instances that share logical rooms
type Relay interface {
	// Broadcast forwards an encoded frame for a room to the other instances
	Broadcast(ctx context.Context, room types.RoomID, frame []byte, exclude string) error

	// Subscribe registers the local delivery callback for frames from other instances
	Subscribe(deliver func(room types.RoomID, frame []byte, exclude string)) error

	Close() error
}
