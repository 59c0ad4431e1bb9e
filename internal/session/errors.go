package session

import (
	"fmt"

	"taskrelay/pkg/types"
)

var (
	ErrMalformedFrame       = fmt.Errorf("%w: frame must be a JSON object with a type", types.ErrMalformedIntent)
	ErrUnknownIntent        = fmt.Errorf("%w: unknown intent type", types.ErrMalformedIntent)
	ErrInvalidProjectID     = fmt.Errorf("%w: project_id is required", types.ErrMalformedIntent)
	ErrInvalidTaskID        = fmt.Errorf("%w: task_id is required", types.ErrMalformedIntent)
	ErrInvalidAssigneeID    = fmt.Errorf("%w: assignee_id is required", types.ErrMalformedIntent)
	ErrMissingStatus        = fmt.Errorf("%w: status is required", types.ErrMalformedIntent)
	ErrMissingComment       = fmt.Errorf("%w: comment is required", types.ErrMalformedIntent)
	ErrAlreadyAuthenticated = fmt.Errorf("%w: connection is already authenticated", types.ErrMalformedIntent)
	ErrNotAuthenticated     = fmt.Errorf("%w: authenticate first", types.ErrUnauthorized)
	ErrNotInProject         = fmt.Errorf("%w: join the project first", types.ErrUnauthorized)
	ErrRateLimited          = fmt.Errorf("%w: slow down", types.ErrRateLimited)
)
