package domain

import "errors"

var (
	// ErrValidation covers rejected input: non-positive lead time, a scheduled
	// time that is not in the future, malformed records.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned for unknown events, participants or notifications.
	ErrNotFound = errors.New("entity not found")
	// ErrUnknownChannel means no capability is registered for a channel kind.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrInvalidState means a transition was attempted from a state that does
	// not permit it. Observing it outside tests indicates a concurrency bug.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrAlreadyRunning is returned by Start on a processor that is not stopped.
	ErrAlreadyRunning = errors.New("processor already running")
	// ErrNotRunning is returned by Stop on a processor that is already stopped.
	ErrNotRunning = errors.New("processor not running")
	// ErrDuplicateID is returned when inserting a notification whose ID exists.
	ErrDuplicateID = errors.New("duplicate notification id")
)
