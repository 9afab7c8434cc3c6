// Package admin is the operator console: every call re-reads the caller's
// role from the store and refuses anyone who is not currently an admin.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"supportdesk/internal/identity"
	"supportdesk/internal/util"
	"supportdesk/pkg/domain"
	"supportdesk/pkg/events"
	"supportdesk/pkg/storage"
	"supportdesk/pkg/store"
	"supportdesk/services/support/internal/conversation"
	"supportdesk/services/support/internal/knowledge"
)

const defaultExportURLTTL = 15 * time.Minute

var (
	ErrExportUnavailable = errors.New("transcript export not configured")
	ErrSelfRoleChange    = errors.New("admins cannot change their own role")
	ErrUserNotFound      = errors.New("user not found")
)

// Config wires a View.
type Config struct {
	Store         store.Store
	Conversations *conversation.Manager
	Knowledge     *knowledge.Service
	// Objects is optional; without it ExportConversation is unavailable.
	Objects      storage.ObjectStore
	ExportURLTTL time.Duration
	Publisher    events.Publisher
}

// View aggregates conversations, users and knowledge for admins.
type View struct {
	store         store.Store
	conversations *conversation.Manager
	knowledge     *knowledge.Service
	objects       storage.ObjectStore
	exportTTL     time.Duration
	publisher     events.Publisher
	newID         func() string
	now           func() time.Time
}

// Stats is the dashboard summary.
type Stats struct {
	Users         map[domain.UserRole]int           `json:"users"`
	Conversations map[domain.ConversationStatus]int `json:"conversations"`
	Messages      int                               `json:"messages"`
	Knowledge     map[domain.Language]int           `json:"knowledge"`
}

// ExportResult points at a stored transcript.
type ExportResult struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Transcript is the exported document.
type Transcript struct {
	Conversation domain.Conversation `json:"conversation"`
	Owner        *domain.OwnerInfo   `json:"owner,omitempty"`
	Messages     []domain.Message    `json:"messages"`
	ExportedAt   time.Time           `json:"exportedAt"`
	ExportedBy   string              `json:"exportedBy"`
}

// New constructs a View.
func New(cfg Config) (*View, error) {
	if cfg.Store == nil || cfg.Conversations == nil || cfg.Knowledge == nil {
		return nil, errors.New("admin view requires store, conversations and knowledge")
	}
	ttl := cfg.ExportURLTTL
	if ttl <= 0 {
		ttl = defaultExportURLTTL
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &View{
		store:         cfg.Store,
		conversations: cfg.Conversations,
		knowledge:     cfg.Knowledge,
		objects:       cfg.Objects,
		exportTTL:     ttl,
		publisher:     pub,
		newID:         util.NewID,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// RequireAdmin returns the caller if they currently hold the admin role.
func (v *View) RequireAdmin(ctx context.Context) (domain.User, error) {
	caller, ok := identity.FromContext(ctx)
	if !ok {
		return domain.User{}, conversation.ErrUnauthenticated
	}
	user, found, err := v.store.GetUserByID(ctx, caller.UserID)
	if err != nil {
		return domain.User{}, &conversation.StoreError{Op: "get user", Err: err}
	}
	if !found {
		return domain.User{}, conversation.ErrUnauthenticated
	}
	if user.Role != domain.RoleAdmin || user.Status == domain.StatusDisabled {
		return domain.User{}, conversation.ErrForbidden
	}
	return user, nil
}

// ListConversations lists every conversation with its owner, newest first.
func (v *View) ListConversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	if _, err := v.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	return v.conversations.ListConversations(ctx)
}

// LoadMessages returns any conversation's messages.
func (v *View) LoadMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	if _, err := v.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	return v.conversations.LoadMessages(ctx, conversationID)
}

// DeleteConversation deletes any conversation; missing ids are ErrNotFound.
func (v *View) DeleteConversation(ctx context.Context, conversationID string) error {
	if _, err := v.RequireAdmin(ctx); err != nil {
		return err
	}
	return v.conversations.DeleteConversation(ctx, conversationID)
}

// DeleteConversationIfExists deletes any conversation; missing ids are ignored.
func (v *View) DeleteConversationIfExists(ctx context.Context, conversationID string) error {
	if _, err := v.RequireAdmin(ctx); err != nil {
		return err
	}
	return v.conversations.DeleteConversationIfExists(ctx, conversationID)
}

// SetConversationStatus labels a conversation active or closed.
func (v *View) SetConversationStatus(ctx context.Context, conversationID string, status domain.ConversationStatus) (domain.Conversation, error) {
	if _, err := v.RequireAdmin(ctx); err != nil {
		return domain.Conversation{}, err
	}
	return v.conversations.SetStatus(ctx, conversationID, status)
}

// Stats counts users, conversations, messages and knowledge entries.
func (v *View) Stats(ctx context.Context) (Stats, error) {
	if _, err := v.RequireAdmin(ctx); err != nil {
		return Stats{}, err
	}
	var (
		users    []domain.User
		convs    []domain.Conversation
		kcounts  map[domain.Language]int
		messages int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		users, err = v.store.ListUsers(gctx)
		return wrapStore("list users", err)
	})
	g.Go(func() error {
		var err error
		convs, err = v.store.ListConversations(gctx, "")
		if err != nil {
			return wrapStore("list conversations", err)
		}
		for _, c := range convs {
			msgs, err := v.store.ListMessages(gctx, c.ID)
			if err != nil {
				return wrapStore("list messages", err)
			}
			messages += len(msgs)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		kcounts, err = v.knowledge.Count(gctx)
		return wrapStore("count knowledge", err)
	})
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Users:         map[domain.UserRole]int{domain.RoleUser: 0, domain.RoleSupportAgent: 0, domain.RoleAdmin: 0},
		Conversations: map[domain.ConversationStatus]int{domain.ConversationActive: 0, domain.ConversationClosed: 0},
		Messages:      messages,
		Knowledge:     kcounts,
	}
	for _, u := range users {
		stats.Users[u.Role]++
	}
	for _, c := range convs {
		stats.Conversations[c.Status]++
	}
	return stats, nil
}

// ListUsers returns all accounts.
func (v *View) ListUsers(ctx context.Context) ([]domain.User, error) {
	if _, err := v.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	users, err := v.store.ListUsers(ctx)
	if err != nil {
		return nil, wrapStore("list users", err)
	}
	return users, nil
}

// SetUserRole changes another user's role. The change applies to that user's
// next request because roles are never cached.
func (v *View) SetUserRole(ctx context.Context, userID string, role domain.UserRole) (domain.User, error) {
	actor, err := v.RequireAdmin(ctx)
	if err != nil {
		return domain.User{}, err
	}
	role, ok := domain.ParseUserRole(string(role))
	if !ok {
		return domain.User{}, fmt.Errorf("%w: role %q", conversation.ErrInvalidInput, role)
	}
	userID = strings.TrimSpace(userID)
	if userID == actor.ID {
		return domain.User{}, ErrSelfRoleChange
	}
	user, found, err := v.store.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, wrapStore("get user", err)
	}
	if !found {
		return domain.User{}, ErrUserNotFound
	}
	if user.Role == role {
		return user, nil
	}
	previous := user.Role
	user.Role = role
	user.UpdatedAt = v.now()
	if err := v.store.SaveUser(ctx, user); err != nil {
		return domain.User{}, wrapStore("save user", err)
	}
	v.publish(ctx, events.UserRoleChanged, actor.ID, user.ID, map[string]string{
		"from": string(previous),
		"to":   string(role),
	})
	return user, nil
}

// AddKnowledgePair inserts an Arabic and English entry together.
func (v *View) AddKnowledgePair(ctx context.Context, in knowledge.PairInput) ([]domain.KnowledgeEntry, error) {
	actor, err := v.RequireAdmin(ctx)
	if err != nil {
		return nil, err
	}
	return v.knowledge.AddPair(ctx, actor.ID, in)
}

// DeleteKnowledgeEntry removes one entry.
func (v *View) DeleteKnowledgeEntry(ctx context.Context, id string) error {
	actor, err := v.RequireAdmin(ctx)
	if err != nil {
		return err
	}
	return v.knowledge.Delete(ctx, actor.ID, id)
}

// SetKnowledgeFrequent toggles the frequent flag.
func (v *View) SetKnowledgeFrequent(ctx context.Context, id string, frequent bool) (domain.KnowledgeEntry, error) {
	actor, err := v.RequireAdmin(ctx)
	if err != nil {
		return domain.KnowledgeEntry{}, err
	}
	return v.knowledge.SetFrequent(ctx, actor.ID, id, frequent)
}

// ExportConversation writes a JSON transcript to object storage and returns a
// pre-signed download URL.
func (v *View) ExportConversation(ctx context.Context, conversationID string) (ExportResult, error) {
	actor, err := v.RequireAdmin(ctx)
	if err != nil {
		return ExportResult{}, err
	}
	if v.objects == nil {
		return ExportResult{}, ErrExportUnavailable
	}
	conv, err := v.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return ExportResult{}, err
	}
	msgs, err := v.conversations.LoadMessages(ctx, conv.ID)
	if err != nil {
		return ExportResult{}, err
	}
	now := v.now()
	doc := Transcript{Conversation: conv, Messages: msgs, ExportedAt: now, ExportedBy: actor.ID}
	owner, found, err := v.store.GetUserByID(ctx, conv.OwnerID)
	if err != nil {
		return ExportResult{}, wrapStore("get owner", err)
	}
	if found {
		doc.Owner = &domain.OwnerInfo{ID: owner.ID, Name: owner.Name, Email: owner.Email}
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return ExportResult{}, fmt.Errorf("encode transcript: %w", err)
	}
	key := fmt.Sprintf("transcripts/%s/%s.json", conv.ID, now.Format("20060102T150405Z"))
	if err := v.objects.PutObject(ctx, key, body, "application/json"); err != nil {
		return ExportResult{}, wrapStore("put transcript", err)
	}
	url, err := v.objects.PresignGet(ctx, key, v.exportTTL)
	if err != nil {
		return ExportResult{}, wrapStore("presign transcript", err)
	}
	return ExportResult{Key: key, URL: url, ExpiresAt: now.Add(v.exportTTL)}, nil
}

func (v *View) publish(ctx context.Context, typ, actorID, subject string, attrs map[string]string) {
	evt := events.Event{ID: v.newID(), Type: typ, ActorID: actorID, Subject: subject, Attributes: attrs, OccurredAt: v.now()}
	if err := v.publisher.Publish(ctx, evt); err != nil {
		util.LoggerFromContext(ctx).Warn("publish event failed", "type", typ, "err", err)
	}
}

func wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *conversation.StoreError
	if errors.As(err, &se) {
		return err
	}
	return &conversation.StoreError{Op: op, Err: err}
}
