// Package mutation funnels every externally visible write through one
// pipeline: a store transaction containing the domain mutation and its audit
// row, then exactly one published event once the commit has succeeded. The
// event bus is not transactional, so publish-after-commit is the only order
// that never announces an uncommitted fact.
package mutation

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
	"taskboard-api/storage"
)

// Publisher is the broadcaster side the coordinator needs.
type Publisher interface {
	Publish(projectID, typ string, data any) domain.Event
}

// Outcome is what a mutation function hands back: the domain result for the
// HTTP response, the audit entry and the event describing the committed fact.
type Outcome struct {
	Result   any
	Activity domain.ActivityEntry
	Event    EventSpec
}

// EventSpec names the event to publish after commit.
type EventSpec struct {
	Type string
	Data any
}

// Coordinator runs mutations against the store and publishes their events.
type Coordinator struct {
	store  *storage.Store
	bus    Publisher
	logger *log.Logger
}

// NewCoordinator wires a coordinator. All parameters are required.
func NewCoordinator(store *storage.Store, bus Publisher, logger *log.Logger) *Coordinator {
	if store == nil {
		panic("mutation: store is required")
	}
	if bus == nil {
		panic("mutation: publisher is required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Coordinator{store: store, bus: bus, logger: logger}
}

// Run opens a transaction, invokes fn, appends the outcome's activity entry
// inside the same transaction, commits, and only then publishes the outcome's
// event. When fn fails or the commit fails, the transaction is rolled back
// and nothing is published. Subscriber failures during publish are contained
// by the broadcaster and never fail the committed mutation.
func (c *Coordinator) Run(ctx context.Context, fn func(tx *storage.Tx) (Outcome, error)) (Outcome, error) {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return Outcome{}, err
	}

	out, err := fn(tx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			c.logger.Errorf("rollback failed: %v", rbErr)
		}
		return Outcome{}, err
	}

	activity := out.Activity
	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	if activity.Timestamp == "" {
		activity.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	out.Activity = activity

	if err := tx.AppendActivity(ctx, activity); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			c.logger.Errorf("rollback failed: %v", rbErr)
		}
		return Outcome{}, err
	}

	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}

	c.bus.Publish(activity.ProjectID, out.Event.Type, out.Event.Data)
	return out, nil
}
