package domain

// ActivityEntry is an append-only audit record. Exactly one entry is written,
// inside the mutating transaction, for every externally visible mutation.
type ActivityEntry struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"projectId"`
	ActorID    string         `json:"actorId"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Action     string         `json:"action"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  string         `json:"timestamp"`
}
