// Package chat runs one support turn: persist the user's utterance, answer it
// from the knowledge base, persist the reply.
package chat

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"supportdesk/internal/identity"
	"supportdesk/internal/util"
	"supportdesk/pkg/domain"
	"supportdesk/pkg/events"
	"supportdesk/services/support/internal/conversation"
	"supportdesk/services/support/internal/matcher"
)

const maxUtteranceRunes = 4000

// Message metadata keys written by a turn. Only the orchestrator sets them.
const (
	MetaLanguage       = "language"
	MetaFallback       = "fallback"
	MetaMatchedEntryID = "matched_entry_id"
)

// ReservedMetadata reports whether key is owned by the orchestrator.
func ReservedMetadata(key string) bool {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case MetaLanguage, MetaFallback, MetaMatchedEntryID:
		return true
	}
	return false
}

var (
	ErrEmptyUtterance      = errors.New("utterance required")
	ErrUtteranceTooLong    = errors.New("utterance too long")
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// Conversations is the subset of the conversation manager a turn needs.
type Conversations interface {
	CreateConversation(ctx context.Context, initialTitle string) (string, error)
	AppendMessage(ctx context.Context, conversationID, content string, role domain.MessageRole, metadata map[string]string) (string, error)
}

// Knowledge supplies the entries of one language in creation order.
type Knowledge interface {
	Entries(ctx context.Context, lang domain.Language) ([]domain.KnowledgeEntry, error)
}

// TurnRequest is one user submission. An empty ConversationID starts a new
// conversation; an empty Language means the default language.
type TurnRequest struct {
	Utterance      string          `json:"message"`
	Language       domain.Language `json:"language"`
	ConversationID string          `json:"conversationId,omitempty"`
}

// TurnResult is returned whenever the user's message was stored. A reply that
// could not be stored is still returned with ReplyPersisted false.
type TurnResult struct {
	ConversationID      string          `json:"conversationId"`
	CreatedConversation bool            `json:"createdConversation"`
	Language            domain.Language `json:"language"`
	Reply               string          `json:"reply"`
	UserMessageID       string          `json:"userMessageId"`
	ReplyMessageID      string          `json:"replyMessageId,omitempty"`
	MatchedEntryID      string          `json:"matchedEntryId,omitempty"`
	Fallback            bool            `json:"fallback"`
	// KnowledgeUnavailable means the knowledge base could not be read and the
	// fallback was used.
	KnowledgeUnavailable bool  `json:"knowledgeUnavailable,omitempty"`
	ReplyPersisted       bool  `json:"replyPersisted"`
	PersistErr           error `json:"-"`
}

// Config wires an Orchestrator.
type Config struct {
	Conversations Conversations
	Knowledge     Knowledge
	Publisher     events.Publisher
}

// Orchestrator executes turns. It holds no per-conversation state.
type Orchestrator struct {
	conversations Conversations
	knowledge     Knowledge
	publisher     events.Publisher
	newID         func() string
	now           func() time.Time
}

// New constructs an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Conversations == nil {
		return nil, errors.New("conversation manager required")
	}
	if cfg.Knowledge == nil {
		return nil, errors.New("knowledge source required")
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Orchestrator{
		conversations: cfg.Conversations,
		knowledge:     cfg.Knowledge,
		publisher:     pub,
		newID:         util.NewID,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// Turn runs one turn. Errors creating the conversation or storing the user's
// message abort the turn and are returned unchanged. A failure storing the
// reply is reported in TurnResult.PersistErr, not as an error.
func (o *Orchestrator) Turn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	utterance := strings.TrimSpace(req.Utterance)
	if utterance == "" {
		return TurnResult{}, ErrEmptyUtterance
	}
	if utf8.RuneCountInString(utterance) > maxUtteranceRunes {
		return TurnResult{}, ErrUtteranceTooLong
	}
	lang := domain.DefaultLanguage
	if strings.TrimSpace(string(req.Language)) != "" {
		parsed, ok := domain.ParseLanguage(string(req.Language))
		if !ok {
			return TurnResult{}, ErrUnsupportedLanguage
		}
		lang = parsed
	}
	logger := util.LoggerFromContext(ctx)

	res := TurnResult{ConversationID: strings.TrimSpace(req.ConversationID), Language: lang}
	if res.ConversationID == "" {
		id, err := o.conversations.CreateConversation(ctx, conversation.TitleFromMessage(utterance))
		if err != nil {
			return TurnResult{}, err
		}
		res.ConversationID = id
		res.CreatedConversation = true
	}

	userMsgID, err := o.conversations.AppendMessage(ctx, res.ConversationID, utterance, domain.MessageRoleUser,
		map[string]string{MetaLanguage: string(lang)})
	if err != nil {
		return TurnResult{}, err
	}
	res.UserMessageID = userMsgID

	entries, err := o.knowledge.Entries(ctx, lang)
	if err != nil {
		logger.Warn("knowledge unavailable, answering with fallback", "language", lang, "err", err)
		entries = nil
		res.KnowledgeUnavailable = true
	}
	match := matcher.Match(utterance, lang, entries)
	res.Reply = match.Answer
	res.MatchedEntryID = match.EntryID
	res.Fallback = match.Fallback

	meta := map[string]string{MetaLanguage: string(lang)}
	if match.Fallback {
		meta[MetaFallback] = "true"
	} else {
		meta[MetaMatchedEntryID] = match.EntryID
	}
	replyID, err := o.conversations.AppendMessage(ctx, res.ConversationID, match.Answer, domain.MessageRoleAssistant, meta)
	if err != nil {
		logger.Warn("reply not persisted", "conversation_id", res.ConversationID, "err", err)
		res.PersistErr = err
	} else {
		res.ReplyMessageID = replyID
		res.ReplyPersisted = true
	}

	o.publishTurn(ctx, res)
	return res, nil
}

func (o *Orchestrator) publishTurn(ctx context.Context, res TurnResult) {
	var actor string
	if caller, ok := identity.FromContext(ctx); ok {
		actor = caller.UserID
	}
	evt := events.Event{
		ID:      o.newID(),
		Type:    events.TurnCompleted,
		ActorID: actor,
		Subject: res.ConversationID,
		Attributes: map[string]string{
			"language":        string(res.Language),
			"fallback":        strconv.FormatBool(res.Fallback),
			"reply_persisted": strconv.FormatBool(res.ReplyPersisted),
		},
		OccurredAt: o.now(),
	}
	if err := o.publisher.Publish(ctx, evt); err != nil {
		util.LoggerFromContext(ctx).Warn("publish event failed", "type", evt.Type, "err", err)
	}
}
