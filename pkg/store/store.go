package store

import (
	"context"
	"errors"
	"time"

	"supportdesk/pkg/domain"
)

// ErrConversationNotFound is returned by writes that reference a missing conversation.
var ErrConversationNotFound = errors.New("conversation not found")

// Store defines persistence operations for users, knowledge entries,
// conversations, and messages.
type Store interface {
	// users
	SaveUser(ctx context.Context, u domain.User) error
	HasUserEmail(ctx context.Context, email string) (bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	GetUsersByIDs(ctx context.Context, ids []string) (map[string]domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	UserCount(ctx context.Context) (int, error)

	// knowledge base
	ListKnowledge(ctx context.Context, filter KnowledgeFilter) ([]domain.KnowledgeEntry, error)
	GetKnowledge(ctx context.Context, id string) (domain.KnowledgeEntry, bool, error)
	InsertKnowledge(ctx context.Context, entries ...domain.KnowledgeEntry) error
	SetKnowledgeFrequent(ctx context.Context, id string, frequent bool) (bool, error)
	DeleteKnowledge(ctx context.Context, id string) (bool, error)

	// conversations
	CreateConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error)
	GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error)
	ListConversations(ctx context.Context, ownerID string) ([]domain.Conversation, error)
	SetConversationStatus(ctx context.Context, id string, status domain.ConversationStatus) (bool, error)
	DeleteConversation(ctx context.Context, id string) (bool, error)

	// messages
	AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
}

// KnowledgeFilter narrows knowledge listings. Empty fields do not filter.
type KnowledgeFilter struct {
	Language     domain.Language
	FrequentOnly bool
	// Search matches question or answer case-insensitively.
	Search string
}

// SessionStore persists session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}

// UserSessionRevoker is an optional capability that revokes all sessions
// issued for a user since a cutoff time.
type UserSessionRevoker interface {
	RevokeUserSessions(userID string, since time.Time) error
}
