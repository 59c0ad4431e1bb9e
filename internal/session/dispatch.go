package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"taskrelay/pkg/interfaces"
	"taskrelay/pkg/types"
)

// Request is one decoded intent
type Request struct {
	Conn     interfaces.ClientConnection
	Identity *types.Identity
	Type     string
	Data     json.RawMessage
	Now      time.Time
}

// Reply is an event sent back to the originating connection only
type Reply struct {
	Type string
	Room types.RoomID
	Data any
}

// Publication is an event broadcast to rooms through the router
type Publication struct {
	Type    string
	Rooms   []types.RoomID
	Payload any
	Exclude string
}

// TypingChange is applied through the presence tracker
type TypingChange struct {
	ProjectID types.ID
	TaskID    types.ID
	IsTyping  bool
}

// Result lists the effects of one intent. Handlers only describe effects;
// Manager.apply performs them.
type Result struct {
	Authenticate *types.Identity
	Joins        []types.RoomID
	Leaves       []types.RoomID
	Replies      []Reply
	Typing       []TypingChange
	Publish      []Publication
}

// HandlerFunc handles one intent type
type HandlerFunc func(ctx context.Context, m *Manager, req Request) (Result, error)

// DefaultTable maps every inbound intent to its handler
func DefaultTable() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		types.IntentAuthenticate:         handleAuthenticate,
		types.IntentJoinProject:          handleJoinProject,
		types.IntentLeaveProject:         handleLeaveProject,
		types.IntentTaskStatusUpdate:     handleTaskStatusUpdate,
		types.IntentTaskAssignmentUpdate: handleTaskAssignmentUpdate,
		types.IntentNewComment:           handleNewComment,
		types.IntentUserTyping:           handleUserTyping,
		types.IntentPing:                 handlePing,
	}
}

func decode(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		data = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", types.ErrMalformedIntent, err)
	}
	return nil
}

func validID(id types.ID) bool {
	return types.IsValidID(string(id))
}

// requireJoined checks the sender is in the project room before it may
// broadcast into it.
func requireJoined(m *Manager, req Request, projectID types.ID) error {
	if !slices.Contains(m.rooms.RoomsOf(req.Conn.ID()), types.ProjectRoom(projectID)) {
		return ErrNotInProject
	}
	return nil
}

func handleAuthenticate(ctx context.Context, m *Manager, req Request) (Result, error) {
	if req.Identity != nil {
		return Result{}, ErrAlreadyAuthenticated
	}
	var intent types.AuthenticateIntent
	if err := decode(req.Data, &intent); err != nil {
		return Result{}, err
	}
	identity, err := m.gate.Authenticate(intent.Token)
	if err != nil {
		return Result{}, err
	}
	return Result{Authenticate: identity}, nil
}

func handleJoinProject(ctx context.Context, m *Manager, req Request) (Result, error) {
	var intent types.ProjectIntent
	if err := decode(req.Data, &intent); err != nil {
		return Result{}, err
	}
	if !validID(intent.ProjectID) {
		return Result{}, ErrInvalidProjectID
	}
	if err := m.gate.AuthorizeProject(ctx, req.Identity, intent.ProjectID); err != nil {
		return Result{}, err
	}

	room := types.ProjectRoom(intent.ProjectID)
	users := m.rooms.UsersIn(room)
	if !slices.Contains(users, req.Identity.UserID) {
		users = append(users, req.Identity.UserID)
	}
	online := m.presence.OnlineUsers(users)

	return Result{
		Joins: []types.RoomID{room},
		Replies: []Reply{
			{Type: types.EventJoinedProject, Room: room, Data: types.RoomAckPayload{ProjectID: intent.ProjectID, Room: room}},
			{Type: types.EventPresenceSnapshot, Room: room, Data: types.PresenceSnapshotPayload{ProjectID: intent.ProjectID, OnlineUserIDs: online}},
		},
	}, nil
}

func handleLeaveProject(ctx context.Context, m *Manager, req Request) (Result, error) {
	var intent types.ProjectIntent
	if err := decode(req.Data, &intent); err != nil {
		return Result{}, err
	}
	if !validID(intent.ProjectID) {
		return Result{}, ErrInvalidProjectID
	}

	room := types.ProjectRoom(intent.ProjectID)
	return Result{
		Leaves:  []types.RoomID{room},
		Replies: []Reply{{Type: types.EventLeftProject, Room: room, Data: types.RoomAckPayload{ProjectID: intent.ProjectID, Room: room}}},
	}, nil
}

func handleTaskStatusUpdate(ctx context.Context, m *Manager, req Request) (Result, error) {
	var intent types.TaskStatusUpdateIntent
	if err := decode(req.Data, &intent); err != nil {
		return Result{}, err
	}
	switch {
	case !validID(intent.TaskID):
		return Result{}, ErrInvalidTaskID
	case strings.TrimSpace(intent.Status) == "":
		return Result{}, ErrMissingStatus
	case !validID(intent.ProjectID):
		return Result{}, ErrInvalidProjectID
	}
	if err := requireJoined(m, req, intent.ProjectID); err != nil {
		return Result{}, err
	}

	return Result{Publish: []Publication{{
		Type:  types.EventTaskStatusChanged,
		Rooms: []types.RoomID{types.ProjectRoom(intent.ProjectID)},
		Payload: types.TaskStatusChangedPayload{
			TaskID:    intent.TaskID,
			NewStatus: intent.Status,
			ProjectID: intent.ProjectID,
			UpdatedBy: req.Identity.UserID,
		},
	}}}, nil
}

func handleTaskAssignmentUpdate(ctx context.Context, m *Manager, req Request) (Result, error) {
	var intent types.TaskAssignmentUpdateIntent
	if err := decode(req.Data, &intent); err != nil {
		return Result{}, err
	}
	switch {
	case !validID(intent.TaskID):
		return Result{}, ErrInvalidTaskID
	case !validID(intent.AssigneeID):
		return Result{}, ErrInvalidAssigneeID
	case !validID(intent.ProjectID):
		return Result{}, ErrInvalidProjectID
	}
	if err := requireJoined(m, req, intent.ProjectID); err != nil {
		return Result{}, err
	}

	task, err := json.Marshal(map[string]any{"id": intent.TaskID, "project_id": intent.ProjectID})
	if err != nil {
		return Result{}, err
	}
	return Result{Publish: []Publication{
		{
			Type:  types.EventTaskAssigned,
			Rooms: []types.RoomID{types.ProjectRoom(intent.ProjectID)},
			Payload: types.TaskAssignedPayload{
				TaskID:     intent.TaskID,
				AssigneeID: intent.AssigneeID,
				ProjectID:  intent.ProjectID,
				AssignedBy: req.Identity.UserID,
			},
		},
		{
			Type:    types.EventTaskAssignedToYou,
			Rooms:   []types.RoomID{types.UserRoom(string(intent.AssigneeID))},
			Payload: types.TaskPayload{Task: task},
		},
	}}, nil
}

func handleNewComment(ctx context.Context, m *Manager, req Request) (Result, error) {
	var intent types.NewCommentIntent
	if err := decode(req.Data, &intent); err != nil {
		return Result{}, err
	}
	switch {
	case !validID(intent.TaskID):
		return Result{}, ErrInvalidTaskID
	case !validID(intent.ProjectID):
		return Result{}, ErrInvalidProjectID
	case len(bytes.TrimSpace(intent.Comment)) == 0 || bytes.Equal(bytes.TrimSpace(intent.Comment), []byte("null")):
		return Result{}, ErrMissingComment
	}
	if err := requireJoined(m, req, intent.ProjectID); err != nil {
		return Result{}, err
	}

	return Result{Publish: []Publication{{
		Type:  types.EventCommentAdded,
		Rooms: []types.RoomID{types.ProjectRoom(intent.ProjectID)},
		Payload: types.CommentAddedPayload{
			TaskID:    intent.TaskID,
			AuthorID:  req.Identity.UserID,
			Comment:   intent.Comment,
			Timestamp: req.Now,
			ProjectID: intent.ProjectID,
		},
	}}}, nil
}

func handleUserTyping(ctx context.Context, m *Manager, req Request) (Result, error) {
	var intent types.UserTypingIntent
	if err := decode(req.Data, &intent); err != nil {
		return Result{}, err
	}
	switch {
	case !validID(intent.TaskID):
		return Result{}, ErrInvalidTaskID
	case !validID(intent.ProjectID):
		return Result{}, ErrInvalidProjectID
	}
	if err := requireJoined(m, req, intent.ProjectID); err != nil {
		return Result{}, err
	}

	return Result{Typing: []TypingChange{{
		ProjectID: intent.ProjectID,
		TaskID:    intent.TaskID,
		IsTyping:  intent.IsTyping,
	}}}, nil
}

func handlePing(ctx context.Context, m *Manager, req Request) (Result, error) {
	var intent types.PingIntent
	if err := decode(req.Data, &intent); err != nil {
		return Result{}, err
	}
	ts := intent.Timestamp
	if len(bytes.TrimSpace(ts)) == 0 {
		raw, err := json.Marshal(req.Now)
		if err != nil {
			return Result{}, err
		}
		ts = raw
	}
	return Result{Replies: []Reply{{Type: types.EventPong, Data: types.PongPayload{Timestamp: ts}}}}, nil
}
