package domain

import "encoding/json"

// Event types published on the project stream. One event is published per
// committed mutation, after the transaction that produced it.
const (
	EventTaskCreated    = "TaskCreated"
	EventTaskUpdated    = "TaskUpdated"
	EventTaskMoved      = "TaskMoved"
	EventTaskArchived   = "TaskArchived"
	EventTaskRestored   = "TaskRestored"
	EventCommentAdded   = "CommentAdded"
	EventListWipUpdated = "ListWipUpdated"
	EventListArchived   = "ListArchived"
	EventListRestored   = "ListRestored"
)

// Event is a single entry in a project's ordered stream. IDs are opaque
// fixed-width strings whose lexicographic order equals publication order.
type Event struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Time      int64           `json:"time"`
}
