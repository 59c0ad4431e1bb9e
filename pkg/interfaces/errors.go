package interfaces

import "errors"

// ErrClosed is wrapped by components that refuse work after Close
var ErrClosed = errors.New("component closed")
