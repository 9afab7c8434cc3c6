package store

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"supportdesk/pkg/domain"
)

// MemoryStore keeps everything in-process. It backs tests and local runs
// without Postgres.
type MemoryStore struct {
	mu            sync.RWMutex
	now           func() time.Time
	seq           int64
	users         map[string]domain.User // key: user ID
	email         map[string]string      // email -> user ID
	knowledge     []knowledgeRow
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message // conversation ID -> messages
}

type knowledgeRow struct {
	entry domain.KnowledgeEntry
	seq   int64
}

// MemoryStoreOption customizes a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	m := &MemoryStore{
		now:           func() time.Time { return time.Now().UTC() },
		users:         make(map[string]domain.User),
		email:         make(map[string]string),
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *MemoryStore) nextSeq() int64 {
	m.seq++
	return m.seq
}

// SaveUser registers or updates a user.
func (m *MemoryStore) SaveUser(ctx context.Context, u domain.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.users[u.ID]; ok && prev.Email != u.Email {
		delete(m.email, prev.Email)
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// HasUserEmail checks if email exists.
func (m *MemoryStore) HasUserEmail(ctx context.Context, email string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.User{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.email[email]; ok {
		u, exists := m.users[id]
		return u, exists, nil
	}
	return domain.User{}, false, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.User{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUsersByIDs returns the users that exist among ids.
func (m *MemoryStore) GetUsersByIDs(ctx context.Context, ids []string) (map[string]domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]domain.User, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			res[id] = u
		}
	}
	return res, nil
}

// ListUsers returns all users, newest first.
func (m *MemoryStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		res = append(res, u)
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// UserCount returns number of users.
func (m *MemoryStore) UserCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

// ListKnowledge returns entries in insertion order.
func (m *MemoryStore) ListKnowledge(ctx context.Context, filter KnowledgeFilter) ([]domain.KnowledgeEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.KnowledgeEntry, 0, len(m.knowledge))
	for _, row := range m.knowledge {
		entry := row.entry
		if filter.Language != "" && entry.Language != filter.Language {
			continue
		}
		if filter.FrequentOnly && !entry.IsFrequent {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(entry.Question), search) &&
			!strings.Contains(strings.ToLower(entry.Answer), search) {
			continue
		}
		res = append(res, entry)
	}
	return res, nil
}

// GetKnowledge returns one entry.
func (m *MemoryStore) GetKnowledge(ctx context.Context, id string) (domain.KnowledgeEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.KnowledgeEntry{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, row := range m.knowledge {
		if row.entry.ID == id {
			return row.entry, true, nil
		}
	}
	return domain.KnowledgeEntry{}, false, nil
}

// InsertKnowledge appends entries atomically.
func (m *MemoryStore) InsertKnowledge(ctx context.Context, entries ...domain.KnowledgeEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, entry := range entries {
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		entry.UpdatedAt = now
		m.knowledge = append(m.knowledge, knowledgeRow{entry: entry, seq: m.nextSeq()})
	}
	sort.SliceStable(m.knowledge, func(i, j int) bool {
		a, b := m.knowledge[i], m.knowledge[j]
		if !a.entry.CreatedAt.Equal(b.entry.CreatedAt) {
			return a.entry.CreatedAt.Before(b.entry.CreatedAt)
		}
		return a.seq < b.seq
	})
	return nil
}

// SetKnowledgeFrequent toggles the frequent flag.
func (m *MemoryStore) SetKnowledgeFrequent(ctx context.Context, id string, frequent bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.knowledge {
		if m.knowledge[i].entry.ID == id {
			m.knowledge[i].entry.IsFrequent = frequent
			m.knowledge[i].entry.UpdatedAt = m.now()
			return true, nil
		}
	}
	return false, nil
}

// DeleteKnowledge removes an entry.
func (m *MemoryStore) DeleteKnowledge(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.knowledge {
		if m.knowledge[i].entry.ID == id {
			m.knowledge = append(m.knowledge[:i], m.knowledge[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// CreateConversation stores a conversation and assigns its timestamps.
func (m *MemoryStore) CreateConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Conversation{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = domain.ConversationActive
	}
	m.conversations[c.ID] = c
	return c, nil
}

// GetConversation retrieves a conversation by ID.
func (m *MemoryStore) GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Conversation{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	return c, ok, nil
}

// ListConversations returns conversations newest first; empty ownerID lists all.
func (m *MemoryStore) ListConversations(ctx context.Context, ownerID string) ([]domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		if ownerID != "" && c.OwnerID != ownerID {
			continue
		}
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// SetConversationStatus updates the display status.
func (m *MemoryStore) SetConversationStatus(ctx context.Context, id string, status domain.ConversationStatus) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return false, nil
	}
	c.Status = status
	c.UpdatedAt = m.now()
	m.conversations[id] = c
	return true, nil
}

// DeleteConversation removes a conversation and its messages.
func (m *MemoryStore) DeleteConversation(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[id]; !ok {
		return false, nil
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	return true, nil
}

// AppendMessage records a message and bumps the conversation's UpdatedAt.
func (m *MemoryStore) AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return domain.Message{}, ErrConversationNotFound
	}
	now := m.now()
	msg.CreatedAt = now
	msg.Seq = m.nextSeq()
	msg.Metadata = maps.Clone(msg.Metadata)
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	c.UpdatedAt = now
	m.conversations[c.ID] = c
	return msg, nil
}

// ListMessages returns a copy of the conversation's messages in creation order.
func (m *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.messages[conversationID]
	res := make([]domain.Message, 0, len(src))
	for _, msg := range src {
		msg.Metadata = maps.Clone(msg.Metadata)
		res = append(res, msg)
	}
	sort.SliceStable(res, func(i, j int) bool {
		return domain.MessageBefore(res[i], res[j])
	})
	return res, nil
}
