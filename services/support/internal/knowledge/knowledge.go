// Package knowledge reads and administers the per-language question/answer
// table. Reads go through an optional Redis cache.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"supportdesk/internal/util"
	"supportdesk/pkg/domain"
	"supportdesk/pkg/events"
	"supportdesk/pkg/store"
)

const defaultCacheTTL = 30 * time.Minute

var (
	ErrNotFound     = errors.New("knowledge entry not found")
	ErrInvalidInput = errors.New("invalid knowledge entry")
	ErrLanguage     = errors.New("unsupported language")
)

// Config wires the service.
type Config struct {
	Store store.Store
	// Cache is optional; a nil client disables caching.
	Cache     redis.UniversalClient
	CacheTTL  time.Duration
	Publisher events.Publisher
}

// Service serves knowledge entries to the chat path and the admin console.
type Service struct {
	store     store.Store
	cache     redis.UniversalClient
	ttl       time.Duration
	publisher events.Publisher
	fills     singleflight.Group
	newID     func() string
	now       func() time.Time
}

// PairInput creates the Arabic and English rows of one logical question.
type PairInput struct {
	QuestionAR string `json:"questionAr"`
	AnswerAR   string `json:"answerAr"`
	QuestionEN string `json:"questionEn"`
	AnswerEN   string `json:"answerEn"`
	IsFrequent bool   `json:"isFrequent"`
}

// New constructs a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("knowledge store required")
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Service{
		store:     cfg.Store,
		cache:     cfg.Cache,
		ttl:       ttl,
		publisher: pub,
		newID:     util.NewID,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Entries returns every entry for lang in creation order.
func (s *Service) Entries(ctx context.Context, lang domain.Language) ([]domain.KnowledgeEntry, error) {
	if _, ok := domain.ParseLanguage(string(lang)); !ok {
		return nil, ErrLanguage
	}
	return s.cached(ctx, "all", store.KnowledgeFilter{Language: lang})
}

// Frequent returns the entries flagged as frequent for lang.
func (s *Service) Frequent(ctx context.Context, lang domain.Language) ([]domain.KnowledgeEntry, error) {
	if _, ok := domain.ParseLanguage(string(lang)); !ok {
		return nil, ErrLanguage
	}
	return s.cached(ctx, "frequent", store.KnowledgeFilter{Language: lang, FrequentOnly: true})
}

// Search matches query against question or answer, case-insensitively.
// Searches are not cached.
func (s *Service) Search(ctx context.Context, lang domain.Language, query string) ([]domain.KnowledgeEntry, error) {
	if _, ok := domain.ParseLanguage(string(lang)); !ok {
		return nil, ErrLanguage
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return s.Entries(ctx, lang)
	}
	items, err := s.store.ListKnowledge(ctx, store.KnowledgeFilter{Language: lang, Search: query})
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	return items, nil
}

// AddPair inserts the Arabic and English rows together.
func (s *Service) AddPair(ctx context.Context, actorID string, in PairInput) ([]domain.KnowledgeEntry, error) {
	in.QuestionAR = strings.TrimSpace(in.QuestionAR)
	in.AnswerAR = strings.TrimSpace(in.AnswerAR)
	in.QuestionEN = strings.TrimSpace(in.QuestionEN)
	in.AnswerEN = strings.TrimSpace(in.AnswerEN)
	if in.QuestionAR == "" || in.AnswerAR == "" || in.QuestionEN == "" || in.AnswerEN == "" {
		return nil, fmt.Errorf("%w: arabic and english question and answer are required", ErrInvalidInput)
	}
	now := s.now()
	entries := []domain.KnowledgeEntry{
		{ID: s.newID(), Language: domain.LanguageArabic, Question: in.QuestionAR, Answer: in.AnswerAR, IsFrequent: in.IsFrequent, CreatedAt: now, UpdatedAt: now},
		{ID: s.newID(), Language: domain.LanguageEnglish, Question: in.QuestionEN, Answer: in.AnswerEN, IsFrequent: in.IsFrequent, CreatedAt: now, UpdatedAt: now},
	}
	if err := s.store.InsertKnowledge(ctx, entries...); err != nil {
		return nil, fmt.Errorf("insert knowledge: %w", err)
	}
	s.invalidate(ctx)
	s.publish(ctx, actorID, "created", entries[0].ID, entries[1].ID)
	return entries, nil
}

// Import inserts entries as given, one language per row. Used by the seed tool.
func (s *Service) Import(ctx context.Context, entries []domain.KnowledgeEntry) (int, error) {
	now := s.now()
	rows := make([]domain.KnowledgeEntry, 0, len(entries))
	for _, e := range entries {
		lang, ok := domain.ParseLanguage(string(e.Language))
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrLanguage, e.Language)
		}
		e.Language = lang
		e.Question = strings.TrimSpace(e.Question)
		e.Answer = strings.TrimSpace(e.Answer)
		if e.Question == "" || e.Answer == "" {
			return 0, fmt.Errorf("%w: question and answer are required", ErrInvalidInput)
		}
		if e.ID == "" {
			e.ID = s.newID()
		}
		e.CreatedAt = now
		e.UpdatedAt = now
		rows = append(rows, e)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := s.store.InsertKnowledge(ctx, rows...); err != nil {
		return 0, fmt.Errorf("insert knowledge: %w", err)
	}
	s.invalidate(ctx)
	return len(rows), nil
}

// Delete removes one entry.
func (s *Service) Delete(ctx context.Context, actorID, id string) error {
	ok, err := s.store.DeleteKnowledge(ctx, strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("delete knowledge: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	s.invalidate(ctx)
	s.publish(ctx, actorID, "deleted", id)
	return nil
}

// SetFrequent toggles the frequent flag and returns the updated entry.
func (s *Service) SetFrequent(ctx context.Context, actorID, id string, frequent bool) (domain.KnowledgeEntry, error) {
	id = strings.TrimSpace(id)
	ok, err := s.store.SetKnowledgeFrequent(ctx, id, frequent)
	if err != nil {
		return domain.KnowledgeEntry{}, fmt.Errorf("update knowledge: %w", err)
	}
	if !ok {
		return domain.KnowledgeEntry{}, ErrNotFound
	}
	s.invalidate(ctx)
	s.publish(ctx, actorID, "updated", id)
	entry, found, err := s.store.GetKnowledge(ctx, id)
	if err != nil {
		return domain.KnowledgeEntry{}, fmt.Errorf("load knowledge: %w", err)
	}
	if !found {
		return domain.KnowledgeEntry{}, ErrNotFound
	}
	return entry, nil
}

// Count returns the number of entries per language.
func (s *Service) Count(ctx context.Context) (map[domain.Language]int, error) {
	items, err := s.store.ListKnowledge(ctx, store.KnowledgeFilter{})
	if err != nil {
		return nil, fmt.Errorf("list knowledge: %w", err)
	}
	counts := make(map[domain.Language]int, len(domain.SupportedLanguages))
	for _, lang := range domain.SupportedLanguages {
		counts[lang] = 0
	}
	for _, item := range items {
		counts[item.Language]++
	}
	return counts, nil
}

// Cached lists live under the current cache generation. invalidate bumps the
// generation, so a fill that read the store before a write can only land
// under a key that later readers no longer look up.
func (s *Service) cached(ctx context.Context, view string, filter store.KnowledgeFilter) ([]domain.KnowledgeEntry, error) {
	logger := util.LoggerFromContext(ctx)
	if s.cache == nil {
		return s.list(ctx, filter)
	}
	gen, err := s.cache.Get(ctx, generationKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		logger.Warn("knowledge cache generation read failed", "err", err)
		return s.list(ctx, filter)
	}
	key := cacheKey(gen, filter.Language, view)

	raw, err := s.cache.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var items []domain.KnowledgeEntry
		if err := json.Unmarshal(raw, &items); err == nil {
			return items, nil
		}
		logger.Warn("knowledge cache entry corrupt", "key", key)
	case !errors.Is(err, redis.Nil):
		logger.Warn("knowledge cache read failed", "key", key, "err", err)
	}

	v, err, _ := s.fills.Do(key, func() (any, error) {
		items, err := s.store.ListKnowledge(ctx, filter)
		if err != nil {
			return nil, err
		}
		if raw, err := json.Marshal(items); err == nil {
			if err := s.cache.Set(ctx, key, raw, s.ttl).Err(); err != nil {
				logger.Warn("knowledge cache write failed", "key", key, "err", err)
			}
		}
		return items, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list knowledge: %w", err)
	}
	// Shared across singleflight callers; hand each caller its own slice.
	items := v.([]domain.KnowledgeEntry)
	return append([]domain.KnowledgeEntry(nil), items...), nil
}

func (s *Service) list(ctx context.Context, filter store.KnowledgeFilter) ([]domain.KnowledgeEntry, error) {
	items, err := s.store.ListKnowledge(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list knowledge: %w", err)
	}
	return items, nil
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Incr(ctx, generationKey).Err(); err != nil {
		util.LoggerFromContext(ctx).Warn("knowledge cache invalidation failed", "err", err)
	}
}

func (s *Service) publish(ctx context.Context, actorID, action string, ids ...string) {
	evt := events.Event{
		ID:         s.newID(),
		Type:       events.KnowledgeChanged,
		ActorID:    actorID,
		Subject:    strings.Join(ids, ","),
		Attributes: map[string]string{"action": action},
		OccurredAt: s.now(),
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		util.LoggerFromContext(ctx).Warn("publish event failed", "type", evt.Type, "err", err)
	}
}

const generationKey = "supportdesk:knowledge:gen"

func cacheKey(gen int64, lang domain.Language, view string) string {
	return fmt.Sprintf("supportdesk:knowledge:%d:%s:%s", gen, lang, view)
}
