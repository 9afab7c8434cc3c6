package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"

	"supportdesk/internal/util"
	"supportdesk/pkg/auth"
	"supportdesk/pkg/domain"
	"supportdesk/pkg/events"
	"supportdesk/pkg/storage"
	"supportdesk/pkg/store"
	"supportdesk/services/support/internal/admin"
	"supportdesk/services/support/internal/chat"
	"supportdesk/services/support/internal/conversation"
	"supportdesk/services/support/internal/knowledge"
)

const maxNameRunes = 100

// Config holds runtime dependencies for the support application.
type Config struct {
	Store    store.Store
	Sessions store.SessionStore

	// KnowledgeCache is optional; nil disables the knowledge cache.
	KnowledgeCache    redis.UniversalClient
	KnowledgeCacheTTL time.Duration

	// Objects is optional; nil disables transcript export.
	Objects      storage.ObjectStore
	ExportURLTTL time.Duration

	Publisher events.Publisher
}

// App wires accounts and the support core together.
type App struct {
	store    store.Store
	sessions store.SessionStore

	conversations *conversation.Manager
	knowledge     *knowledge.Service
	chat          *chat.Orchestrator
	admin         *admin.View
	now           func() time.Time
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store required")
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = events.NopPublisher{}
	}

	manager, err := conversation.NewManager(conversation.Config{Store: cfg.Store, Publisher: pub})
	if err != nil {
		return nil, fmt.Errorf("init conversation manager: %w", err)
	}
	kb, err := knowledge.New(knowledge.Config{
		Store:     cfg.Store,
		Cache:     cfg.KnowledgeCache,
		CacheTTL:  cfg.KnowledgeCacheTTL,
		Publisher: pub,
	})
	if err != nil {
		return nil, fmt.Errorf("init knowledge service: %w", err)
	}
	orchestrator, err := chat.New(chat.Config{Conversations: manager, Knowledge: kb, Publisher: pub})
	if err != nil {
		return nil, fmt.Errorf("init chat orchestrator: %w", err)
	}
	view, err := admin.New(admin.Config{
		Store:         cfg.Store,
		Conversations: manager,
		Knowledge:     kb,
		Objects:       cfg.Objects,
		ExportURLTTL:  cfg.ExportURLTTL,
		Publisher:     pub,
	})
	if err != nil {
		return nil, fmt.Errorf("init admin view: %w", err)
	}

	return &App{
		store:         cfg.Store,
		sessions:      cfg.Sessions,
		conversations: manager,
		knowledge:     kb,
		chat:          orchestrator,
		admin:         view,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

func (a *App) Conversations() *conversation.Manager { return a.conversations }
func (a *App) Knowledge() *knowledge.Service        { return a.knowledge }
func (a *App) Chat() *chat.Orchestrator             { return a.chat }
func (a *App) Admin() *admin.View                   { return a.admin }

// SignUp registers a new user. The first account becomes admin.
func (a *App) SignUp(ctx context.Context, email, password, name string) (domain.User, string, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return domain.User{}, "", ErrEmailAndPasswordRequired
	}
	name, err := normalizeName(name)
	if err != nil {
		return domain.User{}, "", err
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, "", err
	}
	exists, err := a.store.HasUserEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.User{}, "", ErrEmailAlreadyExists
	}
	count, err := a.store.UserCount(ctx)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("count users: %w", err)
	}
	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("hash password: %w", err)
	}
	role := domain.RoleUser
	if count == 0 {
		role = domain.RoleAdmin
	}
	now := a.now()
	user := domain.User{
		ID:                util.NewID(),
		Email:             email,
		Name:              name,
		PasswordHash:      passwordHash,
		Role:              role,
		Status:            domain.StatusActive,
		PreferredLanguage: domain.DefaultLanguage,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := a.store.SaveUser(ctx, user); err != nil {
		return domain.User{}, "", fmt.Errorf("save user: %w", err)
	}
	return a.issueToken(user)
}

// Login validates credentials and issues a session token.
func (a *App) Login(ctx context.Context, email, password string) (domain.User, string, error) {
	email = normalizeEmail(email)
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, "", ErrInvalidCredentials
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	if user.Status == domain.StatusDisabled {
		return domain.User{}, "", ErrUserDisabled
	}
	return a.issueToken(user)
}

// Logout revokes the session token.
func (a *App) Logout(token string) error {
	return a.sessions.DeleteSession(token)
}

// UserFromToken resolves an active user from a session token.
func (a *App) UserFromToken(ctx context.Context, token string) (domain.User, bool) {
	uid, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, false
	}
	user, found, err := a.store.GetUserByID(ctx, uid)
	if err != nil || !found {
		return domain.User{}, false
	}
	if user.Status == domain.StatusDisabled {
		return domain.User{}, false
	}
	return user, true
}

// ProfileUpdate carries optional profile changes; nil fields are left alone.
type ProfileUpdate struct {
	Name              *string
	PreferredLanguage *string
}

// UpdateMe applies profile changes for the given user.
func (a *App) UpdateMe(ctx context.Context, user domain.User, upd ProfileUpdate) (domain.User, error) {
	if upd.Name != nil {
		name, err := normalizeName(*upd.Name)
		if err != nil {
			return domain.User{}, err
		}
		user.Name = name
	}
	if upd.PreferredLanguage != nil {
		lang, ok := domain.ParseLanguage(*upd.PreferredLanguage)
		if !ok {
			return domain.User{}, ErrLanguage
		}
		user.PreferredLanguage = lang
	}
	user.UpdatedAt = a.now()
	if err := a.store.SaveUser(ctx, user); err != nil {
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}

// ChangePassword replaces the password and revokes every earlier session.
func (a *App) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if strings.TrimSpace(currentPassword) == "" {
		return ErrCurrentPasswordRequired
	}
	if strings.TrimSpace(newPassword) == "" {
		return ErrNewPasswordRequired
	}
	if err := auth.ValidatePassword(newPassword); err != nil {
		return err
	}
	user, ok, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("fetch user: %w", err)
	}
	if !ok || user.Status == domain.StatusDisabled {
		return ErrInvalidCredentials
	}
	if !auth.CheckPassword(currentPassword, user.PasswordHash) {
		return ErrInvalidCredentials
	}
	if currentPassword == newPassword {
		return ErrPasswordUnchanged
	}
	passwordHash, err := auth.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	revokeSince := a.now()
	user.PasswordHash = passwordHash
	user.UpdatedAt = revokeSince
	if err := a.store.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	revoker, ok := a.sessions.(store.UserSessionRevoker)
	if !ok {
		return nil
	}
	if err := revoker.RevokeUserSessions(userID, revokeSince); err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	return nil
}

func (a *App) issueToken(user domain.User) (domain.User, string, error) {
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session token: %w", err)
	}
	return user, token, nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

func normalizeName(name string) (string, error) {
	name = strings.Join(strings.Fields(name), " ")
	if utf8.RuneCountInString(name) > maxNameRunes {
		return "", ErrNameTooLong
	}
	return name, nil
}
