package types

import "errors"

// Kind classifies an error by how it propagates
type Kind string

const (
	KindInvalidToken    Kind = "invalid_token"    // connection-fatal
	KindUnauthorized    Kind = "unauthorized"     // operation-fatal, connection survives
	KindMalformedIntent Kind = "malformed_intent" // operation dropped, error returned to sender
	KindDeliveryFailure Kind = "delivery_failure" // isolated per recipient, never propagated
	KindRateLimited     Kind = "rate_limited"
	KindInternal        Kind = "internal"
)

// Root errors for each kind; packages wrap these with %w
var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrMalformedIntent = errors.New("malformed intent")
	ErrDeliveryFailure = errors.New("delivery failure")
	ErrRateLimited     = errors.New("rate limit exceeded")
)

// Validation errors
var (
	ErrInvalidID          = errors.New("id must be a non-empty string or integer")
	ErrInvalidRoom        = errors.New("room must be project:{id} or user:{id}")
	ErrUnknownEventType   = errors.New("unknown event type")
	ErrNoTargetRooms      = errors.New("event has no target rooms")
	ErrPayloadTooLarge    = errors.New("payload exceeds 64KB limit")
	ErrInvalidPayloadJSON = errors.New("payload must be a JSON object")
)

// KindOf maps an error onto the propagation taxonomy
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidToken):
		return KindInvalidToken
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrDeliveryFailure):
		return KindDeliveryFailure
	case errors.Is(err, ErrMalformedIntent),
		errors.Is(err, ErrInvalidID),
		errors.Is(err, ErrInvalidRoom),
		errors.Is(err, ErrUnknownEventType),
		errors.Is(err, ErrPayloadTooLarge),
		errors.Is(err, ErrInvalidPayloadJSON):
		return KindMalformedIntent
	default:
		return KindInternal
	}
}
