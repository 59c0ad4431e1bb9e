package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"taskrelay/pkg/types"
)

// Typed producers. Each derives target rooms from the event kind so callers
// only supply domain values.

// TaskCreated announces a new task to its project room
func (r *Router) TaskCreated(ctx context.Context, task any, projectID types.ID, createdBy string) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return r.PublishPayload(ctx, types.EventTaskCreated,
		[]types.RoomID{types.ProjectRoom(projectID)},
		types.TaskCreatedPayload{Task: raw, ProjectID: projectID, CreatedBy: createdBy}, "")
}

// TaskUpdated announces a field-level task update to its project room
func (r *Router) TaskUpdated(ctx context.Context, taskID types.ID, updates any, projectID types.ID, updatedBy string) error {
	raw, err := json.Marshal(updates)
	if err != nil {
		return err
	}
	return r.PublishPayload(ctx, types.EventTaskUpdated,
		[]types.RoomID{types.ProjectRoom(projectID)},
		types.TaskUpdatedPayload{TaskID: taskID, Updates: raw, ProjectID: projectID, UpdatedBy: updatedBy}, "")
}

// TaskStatusChanged announces a status transition to the project room
func (r *Router) TaskStatusChanged(ctx context.Context, taskID types.ID, oldStatus, newStatus string, projectID types.ID, updatedBy string) error {
	return r.PublishPayload(ctx, types.EventTaskStatusChanged,
		[]types.RoomID{types.ProjectRoom(projectID)},
		types.TaskStatusChangedPayload{
			TaskID:    taskID,
			OldStatus: oldStatus,
			NewStatus: newStatus,
			ProjectID: projectID,
			UpdatedBy: updatedBy,
		}, "")
}

// TaskAssigned tells the project room about the assignment and sends the
// assignee a personal task_assigned_to_you notification.
func (r *Router) TaskAssigned(ctx context.Context, taskID types.ID, task any, assigneeID types.ID, projectID types.ID, assignedBy string) error {
	projectErr := r.PublishPayload(ctx, types.EventTaskAssigned,
		[]types.RoomID{types.ProjectRoom(projectID)},
		types.TaskAssignedPayload{
			TaskID:     taskID,
			AssigneeID: assigneeID,
			ProjectID:  projectID,
			AssignedBy: assignedBy,
		}, "")

	if task == nil {
		task = map[string]any{"id": taskID, "project_id": projectID}
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return errors.Join(projectErr, err)
	}
	personalErr := r.PublishPayload(ctx, types.EventTaskAssignedToYou,
		[]types.RoomID{types.UserRoom(string(assigneeID))},
		types.TaskPayload{Task: raw}, "")

	return errors.Join(projectErr, personalErr)
}

// CommentAdded announces a new comment to the project room
func (r *Router) CommentAdded(ctx context.Context, taskID types.ID, comment any, projectID types.ID, authorID string) error {
	raw, err := json.Marshal(comment)
	if err != nil {
		return err
	}
	return r.PublishPayload(ctx, types.EventCommentAdded,
		[]types.RoomID{types.ProjectRoom(projectID)},
		types.CommentAddedPayload{
			TaskID:    taskID,
			AuthorID:  authorID,
			Comment:   raw,
			Timestamp: r.now().UTC(),
			ProjectID: projectID,
		}, "")
}

// MemberAdded announces a new member to the project room and tells the new
// member through their personal room.
func (r *Router) MemberAdded(ctx context.Context, projectID types.ID, userID string, addedBy string) error {
	payload := types.MemberAddedPayload{ProjectID: projectID, UserID: userID, AddedBy: addedBy}
	projectErr := r.PublishPayload(ctx, types.EventMemberAdded,
		[]types.RoomID{types.ProjectRoom(projectID)}, payload, "")
	personalErr := r.PublishPayload(ctx, types.EventAddedToProject,
		[]types.RoomID{types.UserRoom(userID)}, payload, "")
	return errors.Join(projectErr, personalErr)
}

// DueDateReminder notifies the assignee through their personal room
func (r *Router) DueDateReminder(ctx context.Context, task any, assigneeID string) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return r.PublishPayload(ctx, types.EventDueDateReminder,
		[]types.RoomID{types.UserRoom(assigneeID)},
		types.TaskPayload{Task: raw}, "")
}

// Presence broadcasts an online/offline transition to rooms
func (r *Router) Presence(ctx context.Context, userID string, online bool, rooms []types.RoomID) error {
	if len(rooms) == 0 {
		return nil
	}
	return r.PublishPayload(ctx, types.EventUserPresence, rooms,
		types.UserPresencePayload{UserID: userID, Online: online}, "")
}

// Typing broadcasts a typing transition to the project room, skipping the
// connection it came from.
func (r *Router) Typing(ctx context.Context, taskID types.ID, userID string, isTyping bool, projectID types.ID, exclude string) error {
	return r.PublishPayload(ctx, types.EventUserTypingStatus,
		[]types.RoomID{types.ProjectRoom(projectID)},
		types.UserTypingStatusPayload{TaskID: taskID, UserID: userID, IsTyping: isTyping}, exclude)
}

// ProducerFields is the union of the domain fields a producer sends when it
// leaves room selection to the router.
type ProducerFields struct {
	TaskID     types.ID        `json:"task_id"`
	ProjectID  types.ID        `json:"project_id"`
	AssigneeID types.ID        `json:"assignee_id"`
	UserID     types.ID        `json:"user_id"`
	Task       json.RawMessage `json:"task"`
	Updates    json.RawMessage `json:"updates"`
	Comment    json.RawMessage `json:"comment"`
	OldStatus  string          `json:"old_status"`
	NewStatus  string          `json:"new_status"`
	CreatedBy  string          `json:"created_by"`
	UpdatedBy  string          `json:"updated_by"`
	AssignedBy string          `json:"assigned_by"`
	AuthorID   string          `json:"author_id"`
	AddedBy    string          `json:"added_by"`
}

func requireID(name string, id types.ID) error {
	if !types.IsValidID(string(id)) {
		return fmt.Errorf("%w: %s", ErrMissingField, name)
	}
	return nil
}

func requireRaw(name string, raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: %s", ErrMissingField, name)
	}
	return nil
}

// DerivedRooms checks the fields eventType needs and returns the rooms its
// typed producer publishes to. Event types without a typed producer return
// ErrRoomsRequired.
func DerivedRooms(eventType string, f ProducerFields) ([]types.RoomID, error) {
	var errs []error
	switch eventType {
	case types.EventTaskCreated:
		errs = append(errs, requireID("project_id", f.ProjectID), requireRaw("task", f.Task))
	case types.EventTaskUpdated:
		errs = append(errs, requireID("task_id", f.TaskID), requireID("project_id", f.ProjectID), requireRaw("updates", f.Updates))
	case types.EventTaskStatusChanged:
		errs = append(errs, requireID("task_id", f.TaskID), requireID("project_id", f.ProjectID))
		if f.NewStatus == "" {
			errs = append(errs, fmt.Errorf("%w: new_status", ErrMissingField))
		}
	case types.EventCommentAdded:
		errs = append(errs, requireID("task_id", f.TaskID), requireID("project_id", f.ProjectID), requireRaw("comment", f.Comment))
	case types.EventTaskAssigned:
		errs = append(errs, requireID("task_id", f.TaskID), requireID("assignee_id", f.AssigneeID), requireID("project_id", f.ProjectID))
		if err := errors.Join(errs...); err != nil {
			return nil, err
		}
		return []types.RoomID{types.ProjectRoom(f.ProjectID), types.UserRoom(string(f.AssigneeID))}, nil
	case types.EventMemberAdded:
		errs = append(errs, requireID("project_id", f.ProjectID), requireID("user_id", f.UserID))
		if err := errors.Join(errs...); err != nil {
			return nil, err
		}
		return []types.RoomID{types.ProjectRoom(f.ProjectID), types.UserRoom(string(f.UserID))}, nil
	case types.EventDueDateReminder:
		errs = append(errs, requireID("assignee_id", f.AssigneeID), requireRaw("task", f.Task))
		if err := errors.Join(errs...); err != nil {
			return nil, err
		}
		return []types.RoomID{types.UserRoom(string(f.AssigneeID))}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrRoomsRequired, eventType)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return []types.RoomID{types.ProjectRoom(f.ProjectID)}, nil
}

// PublishDerived decodes payload as the domain fields of eventType and
// publishes it through the matching typed producer. It returns the rooms the
// event was routed to.
func (r *Router) PublishDerived(ctx context.Context, eventType string, payload json.RawMessage) ([]types.RoomID, error) {
	if len(payload) > types.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %w", types.ErrMalformedIntent, types.ErrPayloadTooLarge)
	}
	var f ProducerFields
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrMalformedIntent, types.ErrInvalidPayloadJSON)
	}
	rooms, err := DerivedRooms(eventType, f)
	if err != nil {
		return nil, err
	}

	switch eventType {
	case types.EventTaskCreated:
		err = r.TaskCreated(ctx, f.Task, f.ProjectID, f.CreatedBy)
	case types.EventTaskUpdated:
		err = r.TaskUpdated(ctx, f.TaskID, f.Updates, f.ProjectID, f.UpdatedBy)
	case types.EventTaskStatusChanged:
		err = r.TaskStatusChanged(ctx, f.TaskID, f.OldStatus, f.NewStatus, f.ProjectID, f.UpdatedBy)
	case types.EventCommentAdded:
		err = r.CommentAdded(ctx, f.TaskID, f.Comment, f.ProjectID, f.AuthorID)
	case types.EventTaskAssigned:
		var task any
		if len(f.Task) > 0 && string(f.Task) != "null" {
			task = f.Task
		}
		err = r.TaskAssigned(ctx, f.TaskID, task, f.AssigneeID, f.ProjectID, f.AssignedBy)
	case types.EventMemberAdded:
		err = r.MemberAdded(ctx, f.ProjectID, string(f.UserID), f.AddedBy)
	case types.EventDueDateReminder:
		err = r.DueDateReminder(ctx, f.Task, string(f.AssigneeID))
	}
	return rooms, err
}
