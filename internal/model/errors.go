package model

import "errors"

// Sentinel errors for core operations. Callers check with errors.Is.
var (
	// ErrPermissionDenied indicates device access (microphone) was refused.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotAuthenticated indicates an operation was attempted without a session.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrNotFound indicates the requested conversation, group or document
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTransientIO indicates a network or store failure that may succeed
	// on retry. The core does not retry silently; the caller decides.
	ErrTransientIO = errors.New("transient io failure")

	// ErrInvalidState indicates an operation issued against the voice
	// pipeline in an incompatible state.
	ErrInvalidState = errors.New("invalid state")

	// ErrAlreadyExists indicates a create hit an existing document id.
	// For deterministic ids this is a benign outcome of a concurrent create.
	ErrAlreadyExists = errors.New("already exists")
)
