package domain

import "fmt"

// NotFoundError marks a referenced entity as missing or invisible to the
// caller. It is an expected outcome, not an internal failure.
type NotFoundError struct {
	Resource string
}

func (e NotFoundError) Error() string {
	return e.Resource + " not found"
}

// ConflictError reports an optimistic concurrency mismatch. Latest carries
// the current row so the caller can rebase.
type ConflictError struct {
	Message string
	Latest  any
}

func (e ConflictError) Error() string {
	return e.Message
}

// ValidationError reports a malformed or unacceptable request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// WipLimitError denies admission of a task into a WIP-limited list.
type WipLimitError struct {
	ListID string
	Limit  int
	Count  int
}

func (e WipLimitError) Error() string {
	return fmt.Sprintf("wip limit exceeded for list %s: %d of %d", e.ListID, e.Count, e.Limit)
}
