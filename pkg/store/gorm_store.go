package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"supportdesk/pkg/domain"
)

const migrateLockID int64 = 51170917

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &KnowledgeModel{}, &ConversationModel{}, &MessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM message_models m
				WHERE NOT EXISTS (SELECT 1 FROM conversation_models c WHERE c.id = m.conversation_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'message_models'
					AND constraint_name = 'message_models_conversation_id_fkey'
				) THEN
					ALTER TABLE message_models
					ADD CONSTRAINT message_models_conversation_id_fkey
					FOREIGN KEY (conversation_id) REFERENCES conversation_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure conversation foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "name", "password_hash", "role", "status", "preferred_language", "updated_at"}),
	}).Create(&model).Error
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(ctx context.Context, email string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUsersByIDs returns the users that exist among ids, keyed by ID.
func (s *GormStore) GetUsersByIDs(ctx context.Context, ids []string) (map[string]domain.User, error) {
	res := make(map[string]domain.User, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	var models []UserModel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, err
	}
	for _, m := range models {
		res[m.ID] = userFromModel(m)
	}
	return res, nil
}

// ListUsers returns all users, newest first.
func (s *GormStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	var models []UserModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// UserCount returns number of users.
func (s *GormStore) UserCount(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// ListKnowledge returns knowledge entries in creation order.
func (s *GormStore) ListKnowledge(ctx context.Context, filter KnowledgeFilter) ([]domain.KnowledgeEntry, error) {
	tx := s.db.WithContext(ctx).Model(&KnowledgeModel{})
	if filter.Language != "" {
		tx = tx.Where("language_code = ?", string(filter.Language))
	}
	if filter.FrequentOnly {
		tx = tx.Where("is_frequent = ?", true)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		pattern := "%" + escapeLike(search) + "%"
		tx = tx.Where("question ILIKE ? OR answer ILIKE ?", pattern, pattern)
	}
	var models []KnowledgeModel
	if err := tx.Order("created_at ASC").Order("seq ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.KnowledgeEntry, 0, len(models))
	for _, m := range models {
		res = append(res, knowledgeFromModel(m))
	}
	return res, nil
}

// GetKnowledge returns one knowledge entry.
func (s *GormStore) GetKnowledge(ctx context.Context, id string) (domain.KnowledgeEntry, bool, error) {
	var model KnowledgeModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.KnowledgeEntry{}, false, nil
		}
		return domain.KnowledgeEntry{}, false, err
	}
	return knowledgeFromModel(model), true, nil
}

// InsertKnowledge stores all entries in one transaction.
func (s *GormStore) InsertKnowledge(ctx context.Context, entries ...domain.KnowledgeEntry) error {
	if len(entries) == 0 {
		return nil
	}
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, entry := range entries {
			model := knowledgeToModel(entry)
			if model.CreatedAt.IsZero() {
				model.CreatedAt = now
			}
			model.UpdatedAt = now
			if err := tx.Create(&model).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// SetKnowledgeFrequent toggles the frequent flag and reports whether the entry exists.
func (s *GormStore) SetKnowledgeFrequent(ctx context.Context, id string, frequent bool) (bool, error) {
	res := s.db.WithContext(ctx).Model(&KnowledgeModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"is_frequent": frequent,
			"updated_at":  s.now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeleteKnowledge removes an entry and reports whether it existed.
func (s *GormStore) DeleteKnowledge(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Delete(&KnowledgeModel{}, "id = ?", id)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CreateConversation inserts a conversation; timestamps are assigned here.
func (s *GormStore) CreateConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error) {
	now := s.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = domain.ConversationActive
	}
	model := conversationToModel(c)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Conversation{}, err
	}
	return conversationFromModel(model), nil
}

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// ListConversations returns conversations newest first. An empty ownerID lists all owners.
func (s *GormStore) ListConversations(ctx context.Context, ownerID string) ([]domain.Conversation, error) {
	tx := s.db.WithContext(ctx).Order("created_at DESC").Order("id ASC")
	if ownerID != "" {
		tx = tx.Where("user_id = ?", ownerID)
	}
	var models []ConversationModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, model := range models {
		items = append(items, conversationFromModel(model))
	}
	return items, nil
}

// SetConversationStatus updates the display status.
func (s *GormStore) SetConversationStatus(ctx context.Context, id string, status domain.ConversationStatus) (bool, error) {
	res := s.db.WithContext(ctx).Model(&ConversationModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     string(status),
			"updated_at": s.now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeleteConversation removes a conversation; messages go with it through the FK cascade.
func (s *GormStore) DeleteConversation(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&MessageModel{}, "conversation_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&ConversationModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// AppendMessage records a message and bumps the conversation's updated_at.
// The conversation row is locked so concurrent appends get increasing timestamps.
func (s *GormStore) AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	var stored domain.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv ConversationModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&conv, "id = ?", msg.ConversationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrConversationNotFound
			}
			return err
		}
		now := s.now()
		msg.CreatedAt = now
		model := messageToModel(msg)
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		if err := tx.Model(&ConversationModel{}).
			Where("id = ?", msg.ConversationID).
			Update("updated_at", now).Error; err != nil {
			return err
		}
		stored = messageFromModel(model)
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return stored, nil
}

// ListMessages returns all messages of a conversation in creation order.
func (s *GormStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("seq ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msgs = append(msgs, messageFromModel(model))
	}
	return msgs, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:                u.ID,
		Email:             u.Email,
		Name:              u.Name,
		PasswordHash:      u.PasswordHash,
		Role:              string(u.Role),
		Status:            string(u.Status),
		PreferredLanguage: string(u.PreferredLanguage),
		CreatedAt:         u.CreatedAt,
		UpdatedAt:         u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	status := domain.UserStatus(m.Status)
	if status == "" {
		status = domain.StatusActive
	}
	role := domain.UserRole(m.Role)
	if role == "" {
		role = domain.RoleUser
	}
	return domain.User{
		ID:                m.ID,
		Email:             m.Email,
		Name:              m.Name,
		PasswordHash:      m.PasswordHash,
		Role:              role,
		Status:            status,
		PreferredLanguage: domain.Language(m.PreferredLanguage),
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func knowledgeToModel(k domain.KnowledgeEntry) KnowledgeModel {
	return KnowledgeModel{
		ID:           k.ID,
		LanguageCode: string(k.Language),
		Question:     k.Question,
		Answer:       k.Answer,
		IsFrequent:   k.IsFrequent,
		CreatedAt:    k.CreatedAt,
		UpdatedAt:    k.UpdatedAt,
	}
}

func knowledgeFromModel(m KnowledgeModel) domain.KnowledgeEntry {
	return domain.KnowledgeEntry{
		ID:         m.ID,
		Language:   domain.Language(m.LanguageCode),
		Question:   m.Question,
		Answer:     m.Answer,
		IsFrequent: m.IsFrequent,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func conversationToModel(c domain.Conversation) ConversationModel {
	return ConversationModel{
		ID:        c.ID,
		UserID:    c.OwnerID,
		Title:     c.Title,
		Status:    string(c.Status),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	status := domain.ConversationStatus(m.Status)
	if status == "" {
		status = domain.ConversationActive
	}
	return domain.Conversation{
		ID:        m.ID,
		OwnerID:   m.UserID,
		Title:     m.Title,
		Status:    status,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	var userID *string
	if strings.TrimSpace(msg.AuthorID) != "" {
		value := strings.TrimSpace(msg.AuthorID)
		userID = &value
	}
	var meta []byte
	if len(msg.Metadata) > 0 {
		meta, _ = json.Marshal(msg.Metadata)
	}
	return MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		UserID:         userID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		Metadata:       meta,
		CreatedAt:      msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	authorID := ""
	if m.UserID != nil {
		authorID = strings.TrimSpace(*m.UserID)
	}
	var meta map[string]string
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta)
	}
	return domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		AuthorID:       authorID,
		Role:           domain.MessageRole(m.Role),
		Content:        m.Content,
		Metadata:       meta,
		Seq:            m.Seq,
		CreatedAt:      m.CreatedAt,
	}
}
