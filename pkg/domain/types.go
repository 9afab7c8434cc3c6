package domain

import (
	"strings"
	"time"
)

type Language string

const (
	LanguageArabic  Language = "ar"
	LanguageEnglish Language = "en"

	DefaultLanguage = LanguageArabic
)

// SupportedLanguages lists the knowledge base languages in display order.
var SupportedLanguages = []Language{LanguageArabic, LanguageEnglish}

// ParseLanguage normalizes a language code and reports whether it is supported.
func ParseLanguage(code string) (Language, bool) {
	lang := Language(strings.ToLower(strings.TrimSpace(code)))
	for _, supported := range SupportedLanguages {
		if lang == supported {
			return lang, true
		}
	}
	return "", false
}

type UserRole string

const (
	RoleUser         UserRole = "user"
	RoleSupportAgent UserRole = "support_agent"
	RoleAdmin        UserRole = "admin"
)

// ParseUserRole validates a role string.
func ParseUserRole(role string) (UserRole, bool) {
	switch UserRole(strings.ToLower(strings.TrimSpace(role))) {
	case RoleUser:
		return RoleUser, true
	case RoleSupportAgent:
		return RoleSupportAgent, true
	case RoleAdmin:
		return RoleAdmin, true
	default:
		return "", false
	}
}

type UserStatus string

const (
	StatusActive   UserStatus = "active"
	StatusDisabled UserStatus = "disabled"
)

type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationClosed ConversationStatus = "closed"
)

// ParseConversationStatus validates a conversation status string.
func ParseConversationStatus(status string) (ConversationStatus, bool) {
	switch ConversationStatus(strings.ToLower(strings.TrimSpace(status))) {
	case ConversationActive:
		return ConversationActive, true
	case ConversationClosed:
		return ConversationClosed, true
	default:
		return "", false
	}
}

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// ParseMessageRole validates a message role string.
func ParseMessageRole(role string) (MessageRole, bool) {
	switch MessageRole(strings.ToLower(strings.TrimSpace(role))) {
	case MessageRoleUser:
		return MessageRoleUser, true
	case MessageRoleAssistant:
		return MessageRoleAssistant, true
	default:
		return "", false
	}
}

type User struct {
	ID                string     `json:"id"`
	Email             string     `json:"email"`
	Name              string     `json:"name"`
	PasswordHash      string     `json:"-"`
	Role              UserRole   `json:"role"`
	Status            UserStatus `json:"status"`
	PreferredLanguage Language   `json:"preferredLanguage,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// KnowledgeEntry is one question/answer row for a single language.
type KnowledgeEntry struct {
	ID         string    `json:"id"`
	Language   Language  `json:"languageCode"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	IsFrequent bool      `json:"isFrequent"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type Conversation struct {
	ID        string             `json:"id"`
	OwnerID   string             `json:"ownerId"`
	Title     string             `json:"title"`
	Status    ConversationStatus `json:"status"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// OwnerInfo is the minimal owner identity shown next to a conversation.
type OwnerInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type ConversationSummary struct {
	Conversation
	Owner *OwnerInfo `json:"owner,omitempty"`
}

// Message is immutable once stored. Seq breaks CreatedAt ties in insertion order.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	AuthorID       string            `json:"authorId,omitempty"`
	Role           MessageRole       `json:"role"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Seq            int64             `json:"seq"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// MessageBefore reports whether a sorts before b in conversation order.
func MessageBefore(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}
