// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates malformed input.
var ErrValidation = errors.New("validation failed")

// ErrInvalidTransition indicates a status change the task lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrCapacity indicates the concurrency ceiling is reached.
var ErrCapacity = errors.New("capacity exhausted")
