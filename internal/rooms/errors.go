package rooms

import "errors"

var (
	ErrNilConnection           = errors.New("connection cannot be nil")
	ErrConnectionNotRegistered = errors.New("connection is not registered")
	ErrConnectionExists        = errors.New("connection already registered")
	ErrEmptyRoom               = errors.New("room id cannot be empty")
)
