package database

import "errors"

var (
	// ErrNotFound is returned when a requested row doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInterval is returned for a time entry whose end is not after its start.
	ErrInvalidInterval = errors.New("end time must be after start time")

	// ErrConflict is returned when a unique constraint rejects a write.
	ErrConflict = errors.New("conflict")

	// ErrInvalidReference is returned when a write points at a category, tag
	// or room that doesn't exist.
	ErrInvalidReference = errors.New("referenced row does not exist")

	// ErrNoActiveTimer is returned by JoinRoom when the room requires a
	// running timer and the user has none.
	ErrNoActiveTimer = errors.New("no active timer")
)
