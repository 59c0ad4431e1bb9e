package router

import (
	"errors"
	"fmt"

	"taskrelay/pkg/types"
)

var (
	ErrNilEvent          = fmt.Errorf("%w: event is nil", types.ErrMalformedIntent)
	ErrRateLimitExceeded = fmt.Errorf("%w: too many intents", types.ErrRateLimited)
	ErrNoDispatcher      = errors.New("router has no dispatcher")
	ErrRoomsRequired     = fmt.Errorf("%w: target_rooms required for this event type", types.ErrMalformedIntent)
	ErrMissingField      = fmt.Errorf("%w: missing field", types.ErrMalformedIntent)
)

// PublishError reports a publish that was dispatched to only some of its
// rooms. Accepted rooms were queued (and relayed); Failed rooms were not.
type PublishError struct {
	Accepted []types.RoomID
	Failed   []types.RoomID
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("published to %d of %d rooms: %v",
		len(e.Accepted), len(e.Accepted)+len(e.Failed), e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// FailedRooms returns the rooms reported as not dispatched by every
// *PublishError wrapped in err. Typed producers publish more than once, so a
// single error may carry several.
func FailedRooms(err error) []types.RoomID {
	switch e := err.(type) {
	case nil:
		return nil
	case *PublishError:
		return e.Failed
	case interface{ Unwrap() []error }:
		var failed []types.RoomID
		for _, inner := range e.Unwrap() {
			failed = append(failed, FailedRooms(inner)...)
		}
		return failed
	case interface{ Unwrap() error }:
		return FailedRooms(e.Unwrap())
	default:
		return nil
	}
}
