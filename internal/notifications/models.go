// Package notifications pushes registry state changes to connected clients.
// It is a side channel: polling the registry stays authoritative.
package notifications

import (
	"context"
	"time"
)

// EventType names the entity whose status changed
type EventType string

const (
	EventProjectDecided    EventType = "project.decided"
	EventBatchSubmitted    EventType = "batch.submitted"
	EventBatchSettled      EventType = "batch.settled"
	EventTransferSubmitted EventType = "transfer.submitted"
	EventTransferSettled   EventType = "transfer.settled"
	EventRetireSubmitted   EventType = "retirement.submitted"
	EventRetireSettled     EventType = "retirement.settled"
	EventOperationStale    EventType = "operation.stale"
)

// Event is one status change. OwnerIDs lists the identities allowed to see it.
type Event struct {
	Type         EventType `json:"type"`
	EntityID     string    `json:"entity_id"`
	SubmissionID string    `json:"submission_id,omitempty"`
	Status       string    `json:"status"`
	OwnerIDs     []string  `json:"-"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}

// VisibleTo reports whether identity may receive the event
func (e Event) VisibleTo(identity string) bool {
	for _, id := range e.OwnerIDs {
		if id == identity {
			return true
		}
	}
	return false
}

// Publisher delivers events. Implementations never block the caller on a
// slow subscriber.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// NopPublisher drops every event
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}
