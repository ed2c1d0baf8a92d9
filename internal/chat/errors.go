package chat

import "errors"

var (
	ErrEmptyMessage     = errors.New("message needs text or an image")
	ErrPermissionDenied = errors.New("only the sender can delete this message")
	ErrInvalidID        = errors.New("invalid id")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrHubStopped       = errors.New("hub stopped")
)
