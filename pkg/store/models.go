package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID                string `gorm:"primaryKey"`
	Email             string `gorm:"uniqueIndex;not null"`
	Name              string `gorm:"not null"`
	PasswordHash      string `gorm:"not null"`
	Role              string `gorm:"not null"`
	Status            string
	PreferredLanguage string
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time
}

type KnowledgeModel struct {
	ID           string    `gorm:"primaryKey"`
	Seq          int64     `gorm:"autoIncrement;not null"`
	LanguageCode string    `gorm:"not null;index:idx_knowledge_lang_created,priority:1"`
	Question     string    `gorm:"type:text;not null"`
	Answer       string    `gorm:"type:text;not null"`
	IsFrequent   bool      `gorm:"not null;default:false"`
	CreatedAt    time.Time `gorm:"not null;index:idx_knowledge_lang_created,priority:2"`
	UpdatedAt    time.Time
}

type ConversationModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index"`
	Title     string    `gorm:"not null"`
	Status    string    `gorm:"not null;default:active"`
	CreatedAt time.Time `gorm:"not null;index"`
	UpdatedAt time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID             string         `gorm:"primaryKey"`
	Seq            int64          `gorm:"autoIncrement;not null"`
	ConversationID string         `gorm:"not null;index:idx_message_conversation_order,priority:1"`
	UserID         *string        `gorm:"index"`
	Role           string         `gorm:"not null"`
	Content        string         `gorm:"type:text;not null"`
	Metadata       datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_message_conversation_order,priority:2"`
}
