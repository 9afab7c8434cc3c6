package knowledge

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"supportdesk/pkg/domain"
	"supportdesk/pkg/store"
)

// countingStore counts knowledge reads so cache hits can be observed.
type countingStore struct {
	store.Store
	reads atomic.Int32
}

func (c *countingStore) ListKnowledge(ctx context.Context, f store.KnowledgeFilter) ([]domain.KnowledgeEntry, error) {
	c.reads.Add(1)
	return c.Store.ListKnowledge(ctx, f)
}

// gatedStore holds its first knowledge read after the snapshot is taken, until
// release is closed.
type gatedStore struct {
	store.Store
	gated   atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func (g *gatedStore) ListKnowledge(ctx context.Context, f store.KnowledgeFilter) ([]domain.KnowledgeEntry, error) {
	items, err := g.Store.ListKnowledge(ctx, f)
	if g.gated.CompareAndSwap(true, false) {
		close(g.read)
		<-g.release
	}
	return items, err
}

func newCacheClient(t *testing.T) (redis.UniversalClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func newTestService(t *testing.T) (*Service, *countingStore, *miniredis.Miniredis) {
	t.Helper()
	client, mr := newCacheClient(t)
	cs := &countingStore{Store: store.NewMemoryStore()}
	svc, err := New(Config{Store: cs, Cache: client})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, cs, mr
}

func samplePair() PairInput {
	return PairInput{
		QuestionAR: "كيف أعيد تعيين كلمة المرور؟",
		AnswerAR:   "من الإعدادات.",
		QuestionEN: "How do I reset my password?",
		AnswerEN:   "From settings.",
		IsFrequent: true,
	}
}

func TestAddPairCreatesBothLanguages(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	entries, err := svc.AddPair(ctx, "admin-1", samplePair())
	if err != nil {
		t.Fatalf("add pair: %v", err)
	}
	if len(entries) != 2 || entries[0].Language != domain.LanguageArabic || entries[1].Language != domain.LanguageEnglish {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	ar, err := svc.Entries(ctx, domain.LanguageArabic)
	if err != nil || len(ar) != 1 {
		t.Fatalf("arabic entries: %+v err=%v", ar, err)
	}
	en, err := svc.Frequent(ctx, domain.LanguageEnglish)
	if err != nil || len(en) != 1 {
		t.Fatalf("english frequent: %+v err=%v", en, err)
	}
}

func TestAddPairRequiresAllFields(t *testing.T) {
	svc, _, _ := newTestService(t)
	in := samplePair()
	in.AnswerEN = "  "
	if _, err := svc.AddPair(context.Background(), "admin-1", in); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEntriesServedFromCacheUntilInvalidated(t *testing.T) {
	svc, cs, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.AddPair(ctx, "admin-1", samplePair()); err != nil {
		t.Fatalf("add pair: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := svc.Entries(ctx, domain.LanguageEnglish); err != nil {
			t.Fatalf("entries: %v", err)
		}
	}
	if got := cs.reads.Load(); got != 1 {
		t.Fatalf("expected one store read, got %d", got)
	}

	entries, _ := svc.Entries(ctx, domain.LanguageEnglish)
	if _, err := svc.SetFrequent(ctx, "admin-1", entries[0].ID, false); err != nil {
		t.Fatalf("set frequent: %v", err)
	}
	freq, err := svc.Frequent(ctx, domain.LanguageEnglish)
	if err != nil {
		t.Fatalf("frequent: %v", err)
	}
	if len(freq) != 0 {
		t.Fatalf("expected stale cache to be dropped, got %+v", freq)
	}
}

func TestSlowFillDoesNotOutliveInvalidation(t *testing.T) {
	client, _ := newCacheClient(t)
	gs := &gatedStore{Store: store.NewMemoryStore(), read: make(chan struct{}), release: make(chan struct{})}
	gs.gated.Store(true)
	svc, err := New(Config{Store: gs, Cache: client})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()

	filled := make(chan error, 1)
	go func() {
		_, err := svc.Entries(ctx, domain.LanguageEnglish)
		filled <- err
	}()
	<-gs.read
	if _, err := svc.AddPair(ctx, "admin-1", samplePair()); err != nil {
		t.Fatalf("add pair: %v", err)
	}
	close(gs.release)
	if err := <-filled; err != nil {
		t.Fatalf("slow fill: %v", err)
	}

	entries, err := svc.Entries(ctx, domain.LanguageEnglish)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Question != "How do I reset my password?" {
		t.Fatalf("expected the new pair after invalidation, got %+v", entries)
	}
}

func TestEntriesFallBackToStoreWhenCacheDown(t *testing.T) {
	svc, cs, mr := newTestService(t)
	ctx := context.Background()
	if _, err := svc.AddPair(ctx, "admin-1", samplePair()); err != nil {
		t.Fatalf("add pair: %v", err)
	}
	mr.Close()

	entries, err := svc.Entries(ctx, domain.LanguageArabic)
	if err != nil {
		t.Fatalf("entries without cache: %v", err)
	}
	if len(entries) != 1 || cs.reads.Load() == 0 {
		t.Fatalf("expected store read, got %+v", entries)
	}
}

func TestSearchAndDelete(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	entries, err := svc.AddPair(ctx, "admin-1", samplePair())
	if err != nil {
		t.Fatalf("add pair: %v", err)
	}

	found, err := svc.Search(ctx, domain.LanguageEnglish, "PASSWORD")
	if err != nil || len(found) != 1 {
		t.Fatalf("search: %+v err=%v", found, err)
	}
	if err := svc.Delete(ctx, "admin-1", entries[1].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.Delete(ctx, "admin-1", entries[1].ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	found, _ = svc.Search(ctx, domain.LanguageEnglish, "password")
	if len(found) != 0 {
		t.Fatalf("expected no results after delete, got %+v", found)
	}
}

func TestUnsupportedLanguage(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Entries(context.Background(), "fr"); !errors.Is(err, ErrLanguage) {
		t.Fatalf("expected ErrLanguage, got %v", err)
	}
}

func TestCount(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.AddPair(ctx, "admin-1", samplePair()); err != nil {
		t.Fatalf("add pair: %v", err)
	}
	counts, err := svc.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[domain.LanguageArabic] != 1 || counts[domain.LanguageEnglish] != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}
