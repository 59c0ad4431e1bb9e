package auth

import (
	"errors"
	"fmt"

	"taskrelay/pkg/types"
)

// Gate errors. Token problems wrap types.ErrInvalidToken, authorization
// problems wrap types.ErrUnauthorized.
var (
	ErrMissingToken     = fmt.Errorf("%w: missing token", types.ErrInvalidToken)
	ErrMissingSubject   = fmt.Errorf("%w: token has no subject", types.ErrInvalidToken)
	ErrNotProjectMember = fmt.Errorf("%w: not a project member", types.ErrUnauthorized)
	ErrNotAuthenticated = fmt.Errorf("%w: not authenticated", types.ErrUnauthorized)
	ErrNoSecret         = errors.New("auth secret must not be empty")
)
