package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard-api/mutation"
	"taskboard-api/realtime"
	"taskboard-api/storage"
)

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents reprocessing of duplicate create submissions. Add stores the
// id of the entity created for the key; a duplicate submission looks the stored
// id back up instead of creating again.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key, entityID string) (bool, error)
	// Lookup returns the entity id recorded for a key, or "" when unknown.
	Lookup(ctx context.Context, userID, key string) (string, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, userID, key string) error
}

// Server bundles the dependencies the handlers close over.
type Server struct {
	Store     *storage.Store
	Mutations *mutation.Coordinator
	Events    *realtime.Registry
	Auth      Authenticator
	Deduper   Deduper
	Logger    *log.Logger
	Heartbeat time.Duration
}

const mutationMaxBodySize = 64 * 1024 // 64 KiB

type createTaskRequest struct {
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	AssigneeIDs       []string `json:"assigneeIds"`
	WipOverrideReason string   `json:"wipOverrideReason"`
	IdempotencyKey    string   `json:"idempotencyKey"`
}

type moveTaskRequest struct {
	ToListID          string `json:"toListId"`
	AfterTaskID       string `json:"afterTaskId"`
	BeforeTaskID      string `json:"beforeTaskId"`
	ExpectedVersion   int    `json:"expectedVersion"`
	WipOverrideReason string `json:"wipOverrideReason"`
}

type taskStatusRequest struct {
	ExpectedVersion   int    `json:"expectedVersion"`
	WipOverrideReason string `json:"wipOverrideReason"`
}

type addCommentRequest struct {
	Body string `json:"body"`
}

type updateListWipRequest struct {
	IsWipLimited bool `json:"isWipLimited"`
	WipLimit     int  `json:"wipLimit"`
}
