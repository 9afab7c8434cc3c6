package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"supportdesk/internal/ratelimit"
	"supportdesk/pkg/domain"
	"supportdesk/pkg/store"
	"supportdesk/services/support/internal/app"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	testPassword = "Str0ng!Passw0rd"
)

type testEnv struct {
	t   *testing.T
	srv *httptest.Server
}

func newLimiter(t *testing.T, limit int) ratelimit.Limiter {
	t.Helper()
	l, err := ratelimit.NewMemoryFixedWindowLimiter(limit, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return l
}

func newTestEnv(t *testing.T, st store.Store, mutate func(*Config)) *testEnv {
	t.Helper()
	sessions, err := store.NewJWTSessionStore(testSecret, time.Hour, store.NewMemoryTokenRevoker(), store.JWTOptions{})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	core, err := app.New(app.Config{Store: st, Sessions: sessions})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	cfg := Config{
		App:           core,
		ChatLimiter:   newLimiter(t, 100),
		LoginLimiter:  newLimiter(t, 100),
		SignupLimiter: newLimiter(t, 100),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{t: t, srv: srv}
}

func (e *testEnv) do(method, path, token string, body any) (*http.Response, map[string]any) {
	e.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *testEnv) signup(email string) (string, string) {
	e.t.Helper()
	resp, body := e.do(http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email":    email,
		"password": testPassword,
		"name":     "Test",
	})
	if resp.StatusCode != http.StatusCreated {
		e.t.Fatalf("signup %s: status %d body %v", email, resp.StatusCode, body)
	}
	user := body["user"].(map[string]any)
	return body["token"].(string), user["id"].(string)
}

func seedKnowledge(t *testing.T, st store.Store) {
	t.Helper()
	err := st.InsertKnowledge(context.Background(),
		domain.KnowledgeEntry{ID: "k-reset", Language: domain.LanguageEnglish, Question: "How do I reset my password?", Answer: "Use the reset link.", IsFrequent: true},
		domain.KnowledgeEntry{ID: "k-hours", Language: domain.LanguageEnglish, Question: "What are your opening hours?", Answer: "Nine to five."},
	)
	if err != nil {
		t.Fatalf("seed knowledge: %v", err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(), nil)
	resp, body := env.do(http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response: %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestChatTurnAnswersAndPersists(t *testing.T) {
	st := store.NewMemoryStore()
	seedKnowledge(t, st)
	env := newTestEnv(t, st, nil)
	token, _ := env.signup("first@example.com")

	resp, body := env.do(http.MethodPost, "/api/chat", token, map[string]string{
		"message":  "How do I reset my password?",
		"language": "en",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat: status %d body %v", resp.StatusCode, body)
	}
	if body["reply"] != "Use the reset link." || body["matchedEntryId"] != "k-reset" {
		t.Fatalf("unexpected reply: %v", body)
	}
	if _, ok := body["warning"]; ok {
		t.Fatalf("unexpected warning: %v", body)
	}
	convID := body["conversationId"].(string)

	resp, body = env.do(http.MethodGet, "/api/conversations/"+convID+"/messages", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("messages: status %d", resp.StatusCode)
	}
	items := body["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(items))
	}
	if items[0].(map[string]any)["role"] != "user" || items[1].(map[string]any)["role"] != "assistant" {
		t.Fatalf("unexpected message order: %v", items)
	}
}

func TestChatFallbackAndValidation(t *testing.T) {
	st := store.NewMemoryStore()
	seedKnowledge(t, st)
	env := newTestEnv(t, st, nil)
	token, _ := env.signup("first@example.com")

	resp, body := env.do(http.MethodPost, "/api/chat", token, map[string]string{"message": "hi", "language": "en"})
	if resp.StatusCode != http.StatusOK || body["fallback"] != true {
		t.Fatalf("expected fallback answer, got %d %v", resp.StatusCode, body)
	}
	resp, _ = env.do(http.MethodPost, "/api/chat", token, map[string]string{"message": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank message, got %d", resp.StatusCode)
	}
	resp, _ = env.do(http.MethodPost, "/api/chat", token, map[string]string{"message": "hello", "language": "fr"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported language, got %d", resp.StatusCode)
	}
	resp, body = env.do(http.MethodPost, "/api/chat", token, map[string]string{"message": "hello", "conversationId": "missing"})
	if resp.StatusCode != http.StatusNotFound || body["conversationId"] != "missing" {
		t.Fatalf("expected 404 naming the conversation, got %d %v", resp.StatusCode, body)
	}
}

func TestRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(), nil)
	for _, path := range []string{"/api/chat", "/api/conversations", "/api/users/me", "/api/admin/stats"} {
		resp, _ := env.do(http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, resp.StatusCode)
		}
	}
	resp, _ := env.do(http.MethodGet, "/api/users/me", "not-a-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", resp.StatusCode)
	}
}

func TestConversationOwnershipAndDelete(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(), nil)
	adminToken, _ := env.signup("admin@example.com")
	ownerToken, _ := env.signup("owner@example.com")
	otherToken, _ := env.signup("other@example.com")

	resp, body := env.do(http.MethodPost, "/api/conversations", ownerToken, map[string]string{"title": "Billing"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d", resp.StatusCode)
	}
	id := body["id"].(string)
	path := "/api/conversations/" + id

	if resp, _ := env.do(http.MethodGet, path, otherToken, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner, got %d", resp.StatusCode)
	}
	if resp, _ := env.do(http.MethodPost, path+"/messages", otherToken, map[string]string{"content": "hi"}); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 appending to foreign conversation, got %d", resp.StatusCode)
	}
	if resp, _ := env.do(http.MethodGet, path, adminToken, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected admin read access, got %d", resp.StatusCode)
	}

	resp, body = env.do(http.MethodGet, "/api/conversations", otherToken, nil)
	if resp.StatusCode != http.StatusOK || body["count"].(float64) != 0 {
		t.Fatalf("expected empty listing for other user, got %d %v", resp.StatusCode, body)
	}

	if resp, _ := env.do(http.MethodDelete, path, ownerToken, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", resp.StatusCode)
	}
	if resp, _ := env.do(http.MethodGet, path, ownerToken, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
	if resp, _ := env.do(http.MethodDelete, path, ownerToken, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 deleting twice, got %d", resp.StatusCode)
	}
	if resp, _ := env.do(http.MethodDelete, path+"?ifExists=true", ownerToken, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 for ifExists delete, got %d", resp.StatusCode)
	}
}

func TestAppendMessageOnlyAcceptsUserMessages(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(), nil)
	token, userID := env.signup("owner@example.com")

	_, body := env.do(http.MethodPost, "/api/conversations", token, map[string]string{"title": "Billing"})
	path := "/api/conversations/" + body["id"].(string) + "/messages"

	for _, role := range []string{"assistant", "system"} {
		resp, _ := env.do(http.MethodPost, path, token, map[string]any{"content": "Your refund was approved.", "role": role})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("role %q: expected 400, got %d", role, resp.StatusCode)
		}
	}
	resp, _ := env.do(http.MethodPost, path, token, map[string]any{
		"content": "Where is my invoice?",
		"role":    "user",
		"metadata": map[string]string{
			"matched_entry_id": "k-forged",
			"Fallback":         "false",
			"language":         "en",
			"client":           "web",
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("append: expected 201, got %d", resp.StatusCode)
	}

	_, body = env.do(http.MethodGet, path, token, nil)
	items := body["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected only the user message, got %d", len(items))
	}
	msg := items[0].(map[string]any)
	if msg["role"] != "user" || msg["authorId"] != userID {
		t.Fatalf("unexpected message %v", msg)
	}
	meta, _ := msg["metadata"].(map[string]any)
	if len(meta) != 1 || meta["client"] != "web" {
		t.Fatalf("expected reserved metadata stripped, got %v", meta)
	}
}

func TestAdminRoutes(t *testing.T) {
	st := store.NewMemoryStore()
	seedKnowledge(t, st)
	env := newTestEnv(t, st, nil)
	adminToken, adminID := env.signup("admin@example.com")
	userToken, userID := env.signup("user@example.com")

	if resp, _ := env.do(http.MethodGet, "/api/admin/stats", userToken, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", resp.StatusCode)
	}
	if resp, _ := env.do(http.MethodPost, "/api/chat", userToken, map[string]string{"message": "opening hours", "language": "en"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("chat: status %d", resp.StatusCode)
	}

	resp, body := env.do(http.MethodGet, "/api/admin/stats", adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats: status %d", resp.StatusCode)
	}
	if body["messages"].(float64) != 2 {
		t.Fatalf("expected 2 messages in stats, got %v", body)
	}

	resp, body = env.do(http.MethodGet, "/api/admin/conversations", adminToken, nil)
	if resp.StatusCode != http.StatusOK || body["count"].(float64) != 1 {
		t.Fatalf("admin list: %d %v", resp.StatusCode, body)
	}
	conv := body["items"].([]any)[0].(map[string]any)
	owner := conv["owner"].(map[string]any)
	if owner["email"] != "user@example.com" {
		t.Fatalf("expected owner info, got %v", conv)
	}
	convID := conv["id"].(string)

	resp, body = env.do(http.MethodPatch, "/api/admin/conversations/"+convID, adminToken, map[string]string{"status": "closed"})
	if resp.StatusCode != http.StatusOK || body["status"] != "closed" {
		t.Fatalf("set status: %d %v", resp.StatusCode, body)
	}
	if resp, _ := env.do(http.MethodPost, "/api/admin/conversations/"+convID+"/export", adminToken, nil); resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("expected 501 without object storage, got %d", resp.StatusCode)
	}

	resp, body = env.do(http.MethodPatch, "/api/admin/users/"+userID, adminToken, map[string]string{"role": "support_agent"})
	if resp.StatusCode != http.StatusOK || body["role"] != "support_agent" {
		t.Fatalf("set role: %d %v", resp.StatusCode, body)
	}
	if resp, _ := env.do(http.MethodPatch, "/api/admin/users/"+adminID, adminToken, map[string]string{"role": "user"}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for self role change, got %d", resp.StatusCode)
	}

	resp, body = env.do(http.MethodPost, "/api/admin/knowledge", adminToken, map[string]any{
		"questionAr": "ما هي طرق الدفع؟",
		"answerAr":   "البطاقات",
		"questionEn": "What payment methods?",
		"answerEn":   "Cards",
	})
	if resp.StatusCode != http.StatusCreated || body["count"].(float64) != 2 {
		t.Fatalf("add pair: %d %v", resp.StatusCode, body)
	}
	if resp, _ := env.do(http.MethodDelete, "/api/admin/knowledge/k-hours", adminToken, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete knowledge: %d", resp.StatusCode)
	}
	if resp, _ := env.do(http.MethodDelete, "/api/admin/knowledge/k-hours", adminToken, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 deleting missing entry, got %d", resp.StatusCode)
	}
}

func TestKnowledgeListing(t *testing.T) {
	st := store.NewMemoryStore()
	seedKnowledge(t, st)
	env := newTestEnv(t, st, nil)

	resp, body := env.do(http.MethodGet, "/api/knowledge?lang=en&frequent=true", "", nil)
	if resp.StatusCode != http.StatusOK || body["count"].(float64) != 1 {
		t.Fatalf("frequent: %d %v", resp.StatusCode, body)
	}
	resp, body = env.do(http.MethodGet, "/api/knowledge?lang=en&q=HOURS", "", nil)
	if resp.StatusCode != http.StatusOK || body["count"].(float64) != 1 {
		t.Fatalf("search: %d %v", resp.StatusCode, body)
	}
	resp, body = env.do(http.MethodGet, "/api/knowledge", "", nil)
	if resp.StatusCode != http.StatusOK || body["count"].(float64) != 0 {
		t.Fatalf("default arabic listing: %d %v", resp.StatusCode, body)
	}
	if resp, _ := env.do(http.MethodGet, "/api/knowledge?lang=de", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported language, got %d", resp.StatusCode)
	}
}

func TestProfileUpdate(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(), nil)
	token, _ := env.signup("me@example.com")

	resp, body := env.do(http.MethodPatch, "/api/users/me", token, map[string]string{"preferredLanguage": "en", "name": "Sam"})
	if resp.StatusCode != http.StatusOK || body["preferredLanguage"] != "en" || body["name"] != "Sam" {
		t.Fatalf("update me: %d %v", resp.StatusCode, body)
	}
	if resp, _ := env.do(http.MethodPatch, "/api/users/me", token, map[string]string{}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty update, got %d", resp.StatusCode)
	}
}

func TestChatRateLimit(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore(), func(cfg *Config) {
		cfg.ChatLimiter = newLimiter(t, 1)
	})
	token, _ := env.signup("chatty@example.com")

	if resp, _ := env.do(http.MethodPost, "/api/chat", token, map[string]string{"message": "hello there"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("first turn: %d", resp.StatusCode)
	}
	resp, _ := env.do(http.MethodPost, "/api/chat", token, map[string]string{"message": "hello there"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

type failingStore struct {
	*store.MemoryStore
	failList  bool
	failReply bool
}

func (s *failingStore) ListConversations(ctx context.Context, ownerID string) ([]domain.Conversation, error) {
	if s.failList {
		return nil, errors.New("connection reset")
	}
	return s.MemoryStore.ListConversations(ctx, ownerID)
}

func (s *failingStore) AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if s.failReply && msg.Role == domain.MessageRoleAssistant {
		return domain.Message{}, errors.New("write timeout")
	}
	return s.MemoryStore.AppendMessage(ctx, msg)
}

func TestStoreFailureMapsToServiceUnavailable(t *testing.T) {
	st := &failingStore{MemoryStore: store.NewMemoryStore(), failList: true}
	env := newTestEnv(t, st, nil)
	token, _ := env.signup("user@example.com")

	resp, body := env.do(http.MethodGet, "/api/conversations", token, nil)
	if resp.StatusCode != http.StatusServiceUnavailable || body["retryable"] != true {
		t.Fatalf("expected retryable 503, got %d %v", resp.StatusCode, body)
	}
}

func TestChatWarnsWhenReplyNotPersisted(t *testing.T) {
	st := &failingStore{MemoryStore: store.NewMemoryStore(), failReply: true}
	seedKnowledge(t, st)
	env := newTestEnv(t, st, nil)
	token, _ := env.signup("user@example.com")

	resp, body := env.do(http.MethodPost, "/api/chat", token, map[string]string{"message": "reset password", "language": "en"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat: %d %v", resp.StatusCode, body)
	}
	if body["replyPersisted"] != false || body["warning"] == nil || body["reply"] != "Use the reset link." {
		t.Fatalf("expected reply with warning, got %v", body)
	}
}
