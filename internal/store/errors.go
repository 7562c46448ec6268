package store

import "errors"

// ErrNotFound indicates the task ID is unknown to the store.
var ErrNotFound = errors.New("task not found")

// ErrUnknownDependency indicates a submission references a task that does not exist.
var ErrUnknownDependency = errors.New("unknown dependency")

// ErrCyclicDependency indicates a submission would create a dependency cycle.
var ErrCyclicDependency = errors.New("cyclic dependency")

// ErrInvalidSpec indicates a malformed task spec.
var ErrInvalidSpec = errors.New("invalid task spec")

// ErrInvalidTransition indicates a status change not allowed by the task state machine.
var ErrInvalidTransition = errors.New("invalid status transition")
