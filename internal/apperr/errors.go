package apperr

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrSyncBusy      = errors.New("sync busy")
	ErrNameExhausted = errors.New("name exhausted")
	ErrQueueFull     = errors.New("queue full")
	ErrEmptyTask     = errors.New("empty task")
	ErrUnauthorized  = errors.New("unauthorized")
)
