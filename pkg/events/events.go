package events

import (
	"context"
	"encoding/json"
	"time"
)

// Event types emitted by the support service.
const (
	ConversationCreated = "conversation.created"
	ConversationDeleted = "conversation.deleted"
	ConversationStatus  = "conversation.status_changed"
	MessageAppended     = "message.appended"
	TurnCompleted       = "turn.completed"
	KnowledgeChanged    = "knowledge.changed"
	UserRoleChanged     = "user.role_changed"
)

// Event is a domain notification. Attributes carry identifiers only, never
// message content.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	ActorID    string            `json:"actorId,omitempty"`
	Subject    string            `json:"subject"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

func (e Event) marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events. Publish failures never roll back the change that
// produced the event; callers log and continue.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }
