package types

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Inbound intent types sent by clients over the socket
const (
	IntentAuthenticate         = "authenticate"
	IntentJoinProject          = "join_project"
	IntentLeaveProject         = "leave_project"
	IntentTaskStatusUpdate     = "task_status_update"
	IntentTaskAssignmentUpdate = "task_assignment_update"
	IntentNewComment           = "new_comment"
	IntentUserTyping           = "user_typing"
	IntentPing                 = "ping"
)

// Outbound event types delivered to clients
const (
	EventConnected         = "connected"
	EventJoinedProject     = "joined_project"
	EventLeftProject       = "left_project"
	EventPresenceSnapshot  = "presence_snapshot"
	EventTaskCreated       = "task_created"
	EventTaskUpdated       = "task_updated"
	EventTaskStatusChanged = "task_status_changed"
	EventTaskAssigned      = "task_assigned"
	EventTaskAssignedToYou = "task_assigned_to_you"
	EventCommentAdded      = "comment_added"
	EventUserTypingStatus  = "user_typing_status"
	EventUserPresence      = "user_presence"
	EventMemberAdded       = "member_added"
	EventAddedToProject    = "added_to_project"
	EventDueDateReminder   = "due_date_reminder"
	EventPong              = "pong"
	EventError             = "error"
)

// Room prefixes
const (
	ProjectRoomPrefix = "project:"
	UserRoomPrefix    = "user:"
)

// ID is an opaque identifier that clients may send either as a JSON string
// or as a JSON number ("456" and 456 are the same project).
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return ErrInvalidID
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return ErrInvalidID
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// RoomID names a broadcast group: project:{id} or user:{id}
type RoomID string

// ProjectRoom returns the shared room of a project
func ProjectRoom(projectID ID) RoomID {
	return RoomID(ProjectRoomPrefix + string(projectID))
}

// UserRoom returns the personal room of a user
func UserRoom(userID string) RoomID {
	return RoomID(UserRoomPrefix + userID)
}

func (r RoomID) String() string { return string(r) }

// IsPersonal reports whether the room is a singleton user room
func (r RoomID) IsPersonal() bool {
	return strings.HasPrefix(string(r), UserRoomPrefix)
}

// ProjectID returns the project id of a project room, or "" for other rooms
func (r RoomID) ProjectID() ID {
	if !strings.HasPrefix(string(r), ProjectRoomPrefix) {
		return ""
	}
	return ID(strings.TrimPrefix(string(r), ProjectRoomPrefix))
}

// Identity is the authenticated principal behind a connection
type Identity struct {
	UserID     string    `json:"user_id"`
	ProjectIDs []ID      `json:"project_ids,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
	Token      string    `json:"-"`
}

// DomainEvent is pushed into the router by the external service layer.
// Payload is opaque: only Type and TargetRooms drive routing.
type DomainEvent struct {
	Type              string          `json:"event_type"`
	TargetRooms       []RoomID        `json:"target_rooms"`
	Payload           json.RawMessage `json:"payload"`
	ExcludeConnection string          `json:"-"`
}

// Envelope is the wire frame for both directions
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Room      RoomID          `json:"room,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope marshals data into an envelope stamped with now
func NewEnvelope(eventType string, room RoomID, data interface{}, now time.Time) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: eventType, Data: raw, Room: room, Timestamp: now}, nil
}

// Inbound intent payloads

type AuthenticateIntent struct {
	Token string `json:"token"`
}

type ProjectIntent struct {
	ProjectID ID `json:"project_id"`
}

type TaskStatusUpdateIntent struct {
	TaskID    ID     `json:"task_id"`
	Status    string `json:"status"`
	ProjectID ID     `json:"project_id"`
}

type TaskAssignmentUpdateIntent struct {
	TaskID     ID `json:"task_id"`
	AssigneeID ID `json:"assignee_id"`
	ProjectID  ID `json:"project_id"`
}

type NewCommentIntent struct {
	TaskID    ID              `json:"task_id"`
	Comment   json.RawMessage `json:"comment"`
	ProjectID ID              `json:"project_id"`
}

type UserTypingIntent struct {
	TaskID    ID   `json:"task_id"`
	ProjectID ID   `json:"project_id"`
	IsTyping  bool `json:"is_typing"`
}

type PingIntent struct {
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// Outbound payloads

type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id,omitempty"`
}

type RoomAckPayload struct {
	ProjectID ID     `json:"project_id"`
	Room      RoomID `json:"room"`
}

type PresenceSnapshotPayload struct {
	ProjectID     ID       `json:"project_id"`
	OnlineUserIDs []string `json:"online_user_ids"`
}

type TaskUpdatedPayload struct {
	TaskID    ID              `json:"task_id"`
	Updates   json.RawMessage `json:"updates"`
	ProjectID ID              `json:"project_id"`
	UpdatedBy string          `json:"updated_by,omitempty"`
}

type TaskStatusChangedPayload struct {
	TaskID    ID     `json:"task_id"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status"`
	ProjectID ID     `json:"project_id,omitempty"`
	UpdatedBy string `json:"updated_by,omitempty"`
}

type TaskAssignedPayload struct {
	TaskID     ID     `json:"task_id"`
	AssigneeID ID     `json:"assignee_id"`
	ProjectID  ID     `json:"project_id,omitempty"`
	AssignedBy string `json:"assigned_by,omitempty"`
}

type TaskPayload struct {
	Task json.RawMessage `json:"task"`
}

type TaskCreatedPayload struct {
	Task      json.RawMessage `json:"task"`
	ProjectID ID              `json:"project_id"`
	CreatedBy string          `json:"created_by,omitempty"`
}

type CommentAddedPayload struct {
	TaskID    ID              `json:"task_id"`
	AuthorID  string          `json:"author_id"`
	Comment   json.RawMessage `json:"comment"`
	Timestamp time.Time       `json:"timestamp"`
	ProjectID ID              `json:"project_id,omitempty"`
}

type UserTypingStatusPayload struct {
	TaskID   ID     `json:"task_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

type UserPresencePayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

type MemberAddedPayload struct {
	ProjectID ID     `json:"project_id"`
	UserID    string `json:"user_id"`
	AddedBy   string `json:"added_by,omitempty"`
}

type PongPayload struct {
	Timestamp json.RawMessage `json:"timestamp"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}
