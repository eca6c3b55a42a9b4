package errors

import "errors"

// Store errors.
var (
	ErrNodeNotFound    = errors.New("node not found")
	ErrVersionConflict = errors.New("node version conflict")
	ErrCursorRegressed = errors.New("cursor value would move backward")
)
