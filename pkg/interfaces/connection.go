package interfaces

import "time"

// Connection is one live client channel as seen by the registry and the fan-out workers
type Connection interface {
	// ID returns the server-assigned connection id
	ID() string

	// UserID returns the authenticated user, or "" before authentication
	UserID() string

	// IsAuthenticated reports whether the handshake completed
	IsAuthenticated() bool

	// Send enqueues an already-encoded frame without blocking.
	// Implementations must be safe for concurrent use and fail once closed.
	Send(data []byte) error

	// RequestLivenessCheck asks the connection to probe its peer soon
	RequestLivenessCheck()

	// LastSeen returns the time of the last inbound frame
	LastSeen() time.Time

	// Close tears down the underlying transport
	Close() error
}
