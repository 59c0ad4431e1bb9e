package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrQueueFull         = errors.New("delivery queue is full")
	ErrEmptyDelivery     = errors.New("delivery needs a room and a frame")
)
