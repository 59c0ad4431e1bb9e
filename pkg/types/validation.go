package types

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

// MaxPayloadBytes bounds a single event payload
const MaxPayloadBytes = 65536

var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// IsValidID checks an opaque id (user, project or task)
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// ParseRoomID validates a room string coming from the producer API
func ParseRoomID(s string) (RoomID, error) {
	switch {
	case strings.HasPrefix(s, ProjectRoomPrefix):
		if !IsValidID(strings.TrimPrefix(s, ProjectRoomPrefix)) {
			return "", ErrInvalidRoom
		}
	case strings.HasPrefix(s, UserRoomPrefix):
		if !IsValidID(strings.TrimPrefix(s, UserRoomPrefix)) {
			return "", ErrInvalidRoom
		}
	default:
		return "", ErrInvalidRoom
	}
	return RoomID(s), nil
}

// IsRoutableEvent reports whether the router accepts this event type from producers
func IsRoutableEvent(eventType string) bool {
	switch eventType {
	case EventTaskCreated,
		EventTaskUpdated,
		EventTaskStatusChanged,
		EventTaskAssigned,
		EventTaskAssignedToYou,
		EventCommentAdded,
		EventUserTypingStatus,
		EventUserPresence,
		EventMemberAdded,
		EventAddedToProject,
		EventDueDateReminder:
		return true
	default:
		return false
	}
}

// Validate checks routing metadata and payload size. It does not look inside the payload
// beyond requiring a JSON object.
func (e *DomainEvent) Validate() error {
	if !IsRoutableEvent(e.Type) {
		return ErrUnknownEventType
	}
	if len(e.TargetRooms) == 0 {
		return ErrNoTargetRooms
	}
	for _, room := range e.TargetRooms {
		if _, err := ParseRoomID(string(room)); err != nil {
			return err
		}
	}
	if len(e.Payload) > MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	trimmed := bytes.TrimSpace(e.Payload)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return ErrInvalidPayloadJSON
	}
	return nil
}
