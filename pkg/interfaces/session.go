package interfaces

import (
	"context"

	"taskrelay/pkg/types"
)

// ClientConnection is a Connection whose identity can be established after
// the socket is open, either from the handshake or from a first-frame token.
type ClientConnection interface {
	Connection

	// Identity returns the authenticated principal, or nil
	Identity() *types.Identity

	// SetIdentity marks the connection authenticated. It returns false if the
	// connection was already authenticated.
	SetIdentity(identity *types.Identity) bool
}

// SessionHandler drives one client socket from open to close
type SessionHandler interface {
	// Open registers the connection and greets the client
	Open(ctx context.Context, conn ClientConnection) error

	// HandleFrame processes one inbound frame. An error wrapping
	// types.ErrInvalidToken means the connection must be closed.
	HandleFrame(ctx context.Context, conn ClientConnection, frame []byte) error

	// Close releases everything the connection held. It runs synchronously
	// in the disconnect path.
	Close(conn ClientConnection)
}
