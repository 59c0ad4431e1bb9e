package interfaces

import "context"

// AuthorizationOracle answers project membership questions for the authentication gate.
// The data is owned by the external application; this service only reads it.
type AuthorizationOracle interface {
	IsMember(ctx context.Context, userID, projectID string) (bool, error)
}

// MembershipStore is the local replica of project membership behind the oracle
type MembershipStore interface {
	AuthorizationOracle

	// AddMember records a membership; adding an existing one is a no-op
	AddMember(ctx context.Context, projectID, userID string) error

	// RemoveMember deletes a membership; removing a missing one is a no-op
	RemoveMember(ctx context.Context, projectID, userID string) error

	// ListProjects returns the projects a user belongs to
	ListProjects(ctx context.Context, userID string) ([]string, error)

	// ListMembers returns the users of a project
	ListMembers(ctx context.Context, projectID string) ([]string, error)

	// HealthCheck verifies connectivity
	HealthCheck(ctx context.Context) error

	Close() error
}
