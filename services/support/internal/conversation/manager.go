// Package conversation owns the conversation lifecycle: creating threads,
// appending and loading messages, listing and deleting, with ownership
// enforced against the caller carried in the context.
package conversation

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"supportdesk/internal/identity"
	"supportdesk/internal/util"
	"supportdesk/pkg/domain"
	"supportdesk/pkg/events"
	"supportdesk/pkg/store"
)

const (
	// DefaultTitle is used when a conversation starts from blank text.
	DefaultTitle = "محادثة جديدة"

	maxTitleRunes = 50
)

// Config wires a Manager.
type Config struct {
	Store     store.Store
	Publisher events.Publisher
}

// Manager enforces ownership over the conversation store.
type Manager struct {
	store     store.Store
	publisher events.Publisher
	newID     func() string
	now       func() time.Time
}

// NewManager constructs a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("conversation store required")
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Manager{
		store:     cfg.Store,
		publisher: pub,
		newID:     util.NewID,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// TitleFromMessage derives a conversation title from the first user message:
// newlines collapsed, at most 50 characters, DefaultTitle when blank.
func TitleFromMessage(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return DefaultTitle
	}
	if utf8.RuneCountInString(text) > maxTitleRunes {
		text = strings.TrimSpace(string([]rune(text)[:maxTitleRunes]))
	}
	return text
}

// CreateConversation starts a new thread owned by the caller.
func (m *Manager) CreateConversation(ctx context.Context, initialTitle string) (string, error) {
	caller, ok := identity.FromContext(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	conv, err := m.store.CreateConversation(ctx, domain.Conversation{
		ID:      m.newID(),
		OwnerID: caller.UserID,
		Title:   TitleFromMessage(initialTitle),
		Status:  domain.ConversationActive,
	})
	if err != nil {
		return "", storeErr("create conversation", err)
	}
	m.publish(ctx, events.ConversationCreated, caller.UserID, conv.ID, nil)
	return conv.ID, nil
}

// GetConversation returns thread metadata visible to the caller.
func (m *Manager) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	_, conv, err := m.authorize(ctx, conversationID)
	return conv, err
}

// AppendMessage adds a message to a conversation owned by the caller (or any
// conversation for admins). User messages are authored by the caller;
// assistant messages have no author.
func (m *Manager) AppendMessage(ctx context.Context, conversationID, content string, role domain.MessageRole, metadata map[string]string) (string, error) {
	role, ok := domain.ParseMessageRole(string(role))
	if !ok {
		return "", ErrInvalidRole
	}
	if strings.TrimSpace(content) == "" {
		return "", ErrInvalidInput
	}
	caller, conv, err := m.authorize(ctx, conversationID)
	if err != nil {
		return "", err
	}
	msg := domain.Message{
		ID:             m.newID(),
		ConversationID: conv.ID,
		Role:           role,
		Content:        content,
		Metadata:       metadata,
	}
	if role == domain.MessageRoleUser {
		msg.AuthorID = caller.UserID
	}
	stored, err := m.store.AppendMessage(ctx, msg)
	if errors.Is(err, store.ErrConversationNotFound) {
		// Deleted between the ownership check and the insert.
		return "", ErrNotFound
	}
	if err != nil {
		return "", storeErr("append message", err)
	}
	m.publish(ctx, events.MessageAppended, caller.UserID, conv.ID, map[string]string{
		"message_id": stored.ID,
		"role":       string(stored.Role),
	})
	return stored.ID, nil
}

// LoadMessages returns the conversation's messages in creation order.
func (m *Manager) LoadMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	_, conv, err := m.authorize(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := m.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, storeErr("list messages", err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return domain.MessageBefore(msgs[i], msgs[j])
	})
	return msgs, nil
}

// ListConversations returns the caller's conversations, newest first. Admins
// get every conversation with its owner's identity attached.
func (m *Manager) ListConversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	caller, ok := identity.FromContext(ctx)
	if !ok {
		return nil, ErrUnauthenticated
	}
	user, err := m.callerUser(ctx, caller)
	if err != nil {
		return nil, err
	}
	if user.Role == domain.RoleAdmin {
		return m.listAll(ctx)
	}
	convs, err := m.store.ListConversations(ctx, caller.UserID)
	if err != nil {
		return nil, storeErr("list conversations", err)
	}
	out := make([]domain.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, domain.ConversationSummary{Conversation: c})
	}
	sortNewestFirst(out)
	return out, nil
}

// SetStatus relabels a conversation as active or closed.
func (m *Manager) SetStatus(ctx context.Context, conversationID string, status domain.ConversationStatus) (domain.Conversation, error) {
	status, ok := domain.ParseConversationStatus(string(status))
	if !ok {
		return domain.Conversation{}, ErrInvalidInput
	}
	caller, conv, err := m.authorize(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, err
	}
	updated, err := m.store.SetConversationStatus(ctx, conv.ID, status)
	if err != nil {
		return domain.Conversation{}, storeErr("set conversation status", err)
	}
	if !updated {
		return domain.Conversation{}, ErrNotFound
	}
	conv.Status = status
	m.publish(ctx, events.ConversationStatus, caller.UserID, conv.ID, map[string]string{"status": string(status)})
	return conv, nil
}

// DeleteConversation removes a conversation and its messages. A missing
// conversation is ErrNotFound.
func (m *Manager) DeleteConversation(ctx context.Context, conversationID string) error {
	return m.delete(ctx, conversationID, false)
}

// DeleteConversationIfExists is DeleteConversation that treats a missing
// conversation as success.
func (m *Manager) DeleteConversationIfExists(ctx context.Context, conversationID string) error {
	return m.delete(ctx, conversationID, true)
}

func (m *Manager) delete(ctx context.Context, conversationID string, ignoreMissing bool) error {
	caller, conv, err := m.authorize(ctx, conversationID)
	if errors.Is(err, ErrNotFound) && ignoreMissing {
		return nil
	}
	if err != nil {
		return err
	}
	deleted, err := m.store.DeleteConversation(ctx, conv.ID)
	if err != nil {
		return storeErr("delete conversation", err)
	}
	if !deleted {
		if ignoreMissing {
			return nil
		}
		return ErrNotFound
	}
	attrs := map[string]string{"owner_id": conv.OwnerID}
	m.publish(ctx, events.ConversationDeleted, caller.UserID, conv.ID, attrs)
	return nil
}

// authorize loads the conversation and checks the caller may access it.
// Owners pass without a user lookup; anyone else must currently be admin.
func (m *Manager) authorize(ctx context.Context, conversationID string) (identity.Caller, domain.Conversation, error) {
	caller, ok := identity.FromContext(ctx)
	if !ok {
		return identity.Caller{}, domain.Conversation{}, ErrUnauthenticated
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return caller, domain.Conversation{}, ErrNotFound
	}
	conv, found, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return caller, domain.Conversation{}, storeErr("get conversation", err)
	}
	if !found {
		return caller, domain.Conversation{}, ErrNotFound
	}
	if conv.OwnerID == caller.UserID {
		return caller, conv, nil
	}
	user, err := m.callerUser(ctx, caller)
	if err != nil {
		return caller, domain.Conversation{}, err
	}
	if user.Role != domain.RoleAdmin {
		return caller, domain.Conversation{}, ErrForbidden
	}
	return caller, conv, nil
}

// callerUser re-reads the caller's account so role changes apply immediately.
func (m *Manager) callerUser(ctx context.Context, caller identity.Caller) (domain.User, error) {
	user, found, err := m.store.GetUserByID(ctx, caller.UserID)
	if err != nil {
		return domain.User{}, storeErr("get user", err)
	}
	if !found {
		return domain.User{}, ErrUnauthenticated
	}
	if user.Status == domain.StatusDisabled {
		return domain.User{}, ErrForbidden
	}
	return user, nil
}

func (m *Manager) listAll(ctx context.Context) ([]domain.ConversationSummary, error) {
	convs, err := m.store.ListConversations(ctx, "")
	if err != nil {
		return nil, storeErr("list conversations", err)
	}
	ownerIDs := make([]string, 0, len(convs))
	seen := make(map[string]struct{}, len(convs))
	for _, c := range convs {
		if _, ok := seen[c.OwnerID]; ok {
			continue
		}
		seen[c.OwnerID] = struct{}{}
		ownerIDs = append(ownerIDs, c.OwnerID)
	}
	owners, err := m.store.GetUsersByIDs(ctx, ownerIDs)
	if err != nil {
		return nil, storeErr("get owners", err)
	}
	out := make([]domain.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		summary := domain.ConversationSummary{Conversation: c}
		if u, ok := owners[c.OwnerID]; ok {
			summary.Owner = &domain.OwnerInfo{ID: u.ID, Name: u.Name, Email: u.Email}
		}
		out = append(out, summary)
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(items []domain.ConversationSummary) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}

func (m *Manager) publish(ctx context.Context, typ, actorID, subject string, attrs map[string]string) {
	evt := events.Event{
		ID:         m.newID(),
		Type:       typ,
		ActorID:    actorID,
		Subject:    subject,
		Attributes: attrs,
		OccurredAt: m.now(),
	}
	if err := m.publisher.Publish(ctx, evt); err != nil {
		util.LoggerFromContext(ctx).Warn("publish event failed", "type", typ, "subject", subject, "err", err)
	}
}
