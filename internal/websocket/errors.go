package websocket

import (
	"errors"
	"fmt"

	"taskrelay/pkg/types"
)

// Connection-related errors
var (
	ErrConnectionClosed = fmt.Errorf("%w: connection closed", types.ErrDeliveryFailure)
	ErrSendBufferFull   = fmt.Errorf("%w: send buffer full", types.ErrDeliveryFailure)
)

// Handler-related errors
var (
	ErrAuthTimeout = errors.New("authentication not completed in time")
	ErrNoSession   = errors.New("handler has no session handler")
)
