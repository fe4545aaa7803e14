package domain

import "errors"

var (
	// ErrNotFound is returned when a requested entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when a state transition is not allowed.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrConcurrentModify is returned when optimistic locking fails.
	ErrConcurrentModify = errors.New("concurrent modification")

	// ErrInvalidArgument is returned when an argument is invalid.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAlreadyExists is returned when trying to create a duplicate entity.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNoTrigger is returned when an event matches none of a workflow's triggers.
	ErrNoTrigger = errors.New("event does not match any trigger")

	// ErrInstanceClaimed is returned when a job instance is already claimed
	// by another scheduler process.
	ErrInstanceClaimed = errors.New("job instance already claimed by another process")

	// ErrUnknownAction is returned for an action reference no builtin handles.
	ErrUnknownAction = errors.New("unknown action reference")
)
