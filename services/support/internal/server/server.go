package server

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"supportdesk/internal/identity"
	"supportdesk/internal/ratelimit"
	"supportdesk/internal/util"
	"supportdesk/pkg/auth"
	"supportdesk/pkg/domain"
	"supportdesk/services/support/internal/admin"
	"supportdesk/services/support/internal/app"
	"supportdesk/services/support/internal/chat"
	"supportdesk/services/support/internal/conversation"
	"supportdesk/services/support/internal/knowledge"
	"supportdesk/services/support/internal/security"
)

const maxBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	ChatLimiter   ratelimit.Limiter
	LoginLimiter  ratelimit.Limiter
	SignupLimiter ratelimit.Limiter
	// Alerter is optional.
	Alerter            *security.AuditAlerter
	TrustedProxies     *util.TrustedProxies
	CORSAllowedOrigins []string
}

// Server exposes the support desk HTTP API.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	chatLimiter    ratelimit.Limiter
	loginLimiter   ratelimit.Limiter
	signupLimiter  ratelimit.Limiter
	alerter        *security.AuditAlerter
	trustedProxies *util.TrustedProxies
	corsOrigins    []string
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.ChatLimiter == nil || cfg.LoginLimiter == nil || cfg.SignupLimiter == nil {
		return nil, errors.New("chat, login and signup limiters required")
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		chatLimiter:    cfg.ChatLimiter,
		loginLimiter:   cfg.LoginLimiter,
		signupLimiter:  cfg.SignupLimiter,
		alerter:        cfg.Alerter,
		trustedProxies: cfg.TrustedProxies,
		corsOrigins:    cfg.CORSAllowedOrigins,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.Chain(s.mux,
		util.WithRequestID,
		util.RequestLog("support"),
		util.WithSecurityHeaders,
		util.CORS(s.corsOrigins),
	)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// accounts
	s.mux.HandleFunc("/api/auth/signup", s.handleSignup)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)
	s.mux.Handle("/api/users/me", s.authenticated(s.handleMe))
	s.mux.Handle("/api/users/me/password", s.authenticated(s.handleChangePassword))

	// support
	s.mux.Handle("/api/chat", s.authenticated(s.handleChat))
	s.mux.Handle("/api/conversations", s.authenticated(s.handleConversations))
	s.mux.Handle("/api/conversations/", s.authenticated(s.handleConversationByID))
	s.mux.HandleFunc("/api/knowledge", s.handleKnowledge)

	// admin
	s.mux.Handle("/api/admin/conversations", s.adminOnly(s.handleAdminConversations))
	s.mux.Handle("/api/admin/conversations/", s.adminOnly(s.handleAdminConversationByID))
	s.mux.Handle("/api/admin/stats", s.adminOnly(s.handleAdminStats))
	s.mux.Handle("/api/admin/users", s.adminOnly(s.handleAdminUsers))
	s.mux.Handle("/api/admin/users/", s.adminOnly(s.handleAdminUserByID))
	s.mux.Handle("/api/admin/knowledge", s.adminOnly(s.handleAdminKnowledge))
	s.mux.Handle("/api/admin/knowledge/", s.adminOnly(s.handleAdminKnowledgeByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "support.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, ok := s.app.UserFromToken(r.Context(), token)
		if !ok {
			s.audit(r, "support.authorize", "fail", "reason", "invalid_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := identity.WithCaller(r.Context(), identity.Caller{UserID: user.ID})
		ctx = util.ContextWithLogger(ctx, util.LoggerFromContext(ctx).With("user_id", user.ID))
		next(w, r.WithContext(ctx), user)
	})
}

// adminOnly rejects non-admins early. The admin view re-reads the role on
// every call.
func (s *Server) adminOnly(next authHandler) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, user domain.User) {
		if user.Role != domain.RoleAdmin {
			s.audit(r, "support.admin.authorize", "fail", "user_id", user.ID, "reason", "forbidden")
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		s.audit(r, "support.admin.authorize", "success", "user_id", user.ID)
		next(w, r, user)
	})
}

// account handlers
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.signupLimiter, "signup|"+s.clientIP(r), "too many signup attempts") {
		s.audit(r, "support.signup", "rate_limited")
		return
	}
	var req signupRequest
	if !decodeBody(w, r, &req) {
		s.audit(r, "support.signup", "fail", "reason", "invalid_json")
		return
	}
	user, token, err := s.app.SignUp(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		s.audit(r, "support.signup", "fail", "reason", err.Error())
		writeAccountError(w, r, err)
		return
	}
	s.audit(r, "support.signup", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "login|"+s.clientIP(r), "too many login attempts") {
		s.audit(r, "support.login", "rate_limited")
		return
	}
	var req authRequest
	if !decodeBody(w, r, &req) {
		s.audit(r, "support.login", "fail", "reason", "invalid_json")
		return
	}
	user, token, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "support.login", "fail", "reason", err.Error())
		writeAccountError(w, r, err)
		return
	}
	s.audit(r, "support.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "support.logout", "fail", "reason", "missing_token")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.Logout(token); err != nil {
		s.audit(r, "support.logout", "fail", "reason", err.Error())
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.audit(r, "support.logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, user)
	case http.MethodPatch:
		var req updateMeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Name == nil && req.PreferredLanguage == nil {
			writeError(w, http.StatusBadRequest, "name or preferredLanguage is required")
			return
		}
		updated, err := s.app.UpdateMe(r.Context(), user, app.ProfileUpdate{
			Name:              req.Name,
			PreferredLanguage: req.PreferredLanguage,
		})
		if err != nil {
			writeAccountError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "password|"+user.ID, "too many password change attempts") {
		s.audit(r, "support.password.change", "rate_limited", "user_id", user.ID)
		return
	}
	var req changePasswordRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.app.ChangePassword(r.Context(), user.ID, req.CurrentPassword, req.NewPassword); err != nil {
		s.audit(r, "support.password.change", "fail", "user_id", user.ID, "reason", err.Error())
		writeAccountError(w, r, err)
		return
	}
	s.audit(r, "support.password.change", "success", "user_id", user.ID)
	w.WriteHeader(http.StatusNoContent)
}

// chat
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.chatLimiter, "chat|"+user.ID, "too many messages, slow down") {
		s.audit(r, "support.chat", "rate_limited", "user_id", user.ID)
		return
	}
	var req chat.TurnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Language == "" {
		req.Language = user.PreferredLanguage
	}
	res, err := s.app.Chat().Turn(r.Context(), req)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":          "conversation not found",
				"conversationId": req.ConversationID,
			})
			return
		}
		writeCoreError(w, r, err)
		return
	}
	resp := chatResponse{TurnResult: res}
	if !res.ReplyPersisted {
		util.LoggerFromContext(r.Context()).Warn("chat reply not persisted",
			"conversation_id", res.ConversationID, "err", res.PersistErr)
		resp.Warning = "reply could not be saved and will be missing from the conversation history"
	}
	writeJSON(w, http.StatusOK, resp)
}

// conversations
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, _ domain.User) {
	manager := s.app.Conversations()
	switch r.Method {
	case http.MethodGet:
		items, err := manager.ListConversations(r.Context())
		if err != nil {
			writeCoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
	case http.MethodPost:
		var req createConversationRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := manager.CreateConversation(r.Context(), req.Title)
		if err != nil {
			writeCoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request, _ domain.User) {
	id, sub, ok := splitResourcePath(r.URL.Path, "/api/conversations/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	manager := s.app.Conversations()
	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			conv, err := manager.GetConversation(r.Context(), id)
			if err != nil {
				writeCoreError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, conv)
		case http.MethodDelete:
			var err error
			if ifExists(r) {
				err = manager.DeleteConversationIfExists(r.Context(), id)
			} else {
				err = manager.DeleteConversation(r.Context(), id)
			}
			if err != nil {
				writeCoreError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w)
		}
	case "messages":
		switch r.Method {
		case http.MethodGet:
			msgs, err := manager.LoadMessages(r.Context(), id)
			if err != nil {
				writeCoreError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": msgs, "count": len(msgs)})
		case http.MethodPost:
			var req appendMessageRequest
			if !decodeBody(w, r, &req) {
				return
			}
			// Assistant replies are only written by the chat orchestrator.
			if req.Role != "" {
				if role, ok := domain.ParseMessageRole(req.Role); !ok || role != domain.MessageRoleUser {
					writeError(w, http.StatusBadRequest, "invalid role")
					return
				}
			}
			msgID, err := manager.AppendMessage(r.Context(), id, req.Content, domain.MessageRoleUser, clientMetadata(req.Metadata))
			if err != nil {
				writeCoreError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]string{"id": msgID})
		default:
			methodNotAllowed(w)
		}
	default:
		http.NotFound(w, r)
	}
}

// knowledge
func (s *Server) handleKnowledge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	lang := domain.DefaultLanguage
	if raw := q.Get("lang"); raw != "" {
		parsed, ok := domain.ParseLanguage(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "unsupported language")
			return
		}
		lang = parsed
	}
	kb := s.app.Knowledge()
	var (
		items []domain.KnowledgeEntry
		err   error
	)
	switch {
	case strings.TrimSpace(q.Get("q")) != "":
		items, err = kb.Search(r.Context(), lang, q.Get("q"))
	case q.Get("frequent") == "true":
		items, err = kb.Frequent(r.Context(), lang)
	default:
		items, err = kb.Entries(r.Context(), lang)
	}
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("knowledge listing failed", "lang", lang, "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "knowledge base unavailable", "retryable": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// admin handlers
func (s *Server) handleAdminConversations(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	items, err := s.app.Admin().ListConversations(r.Context())
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleAdminConversationByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id, sub, ok := splitResourcePath(r.URL.Path, "/api/admin/conversations/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	view := s.app.Admin()
	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			msgs, err := view.LoadMessages(r.Context(), id)
			if err != nil {
				writeCoreError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": msgs, "count": len(msgs)})
		case http.MethodPatch:
			var req conversationStatusRequest
			if !decodeBody(w, r, &req) {
				return
			}
			status, ok := domain.ParseConversationStatus(req.Status)
			if !ok {
				writeError(w, http.StatusBadRequest, "invalid status")
				return
			}
			conv, err := view.SetConversationStatus(r.Context(), id, status)
			if err != nil {
				writeCoreError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, conv)
		case http.MethodDelete:
			var err error
			if ifExists(r) {
				err = view.DeleteConversationIfExists(r.Context(), id)
			} else {
				err = view.DeleteConversation(r.Context(), id)
			}
			if err != nil {
				writeCoreError(w, r, err)
				return
			}
			s.audit(r, "support.admin.conversation.delete", "success", "user_id", user.ID, "conversation_id", id)
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w)
		}
	case "export":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		res, err := view.ExportConversation(r.Context(), id)
		if err != nil {
			writeCoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.app.Admin().Stats(r.Context())
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	users, err := s.app.Admin().ListUsers(r.Context())
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": users, "count": len(users)})
}

func (s *Server) handleAdminUserByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id, sub, ok := splitResourcePath(r.URL.Path, "/api/admin/users/")
	if !ok || sub != "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPatch {
		methodNotAllowed(w)
		return
	}
	var req adminUserUpdateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	role, ok := domain.ParseUserRole(req.Role)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid role")
		return
	}
	updated, err := s.app.Admin().SetUserRole(r.Context(), id, role)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	s.audit(r, "support.admin.role.change", "success", "user_id", user.ID, "target_id", id, "role", string(role))
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleAdminKnowledge(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req knowledge.PairInput
	if !decodeBody(w, r, &req) {
		return
	}
	entries, err := s.app.Admin().AddKnowledgePair(r.Context(), req)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"items": entries, "count": len(entries)})
}

func (s *Server) handleAdminKnowledgeByID(w http.ResponseWriter, r *http.Request, _ domain.User) {
	id, sub, ok := splitResourcePath(r.URL.Path, "/api/admin/knowledge/")
	if !ok || sub != "" {
		http.NotFound(w, r)
		return
	}
	view := s.app.Admin()
	switch r.Method {
	case http.MethodPatch:
		var req knowledgeUpdateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.IsFrequent == nil {
			writeError(w, http.StatusBadRequest, "isFrequent is required")
			return
		}
		entry, err := view.SetKnowledgeFrequent(r.Context(), id, *req.IsFrequent)
		if err != nil {
			writeCoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	case http.MethodDelete:
		if err := view.DeleteKnowledgeEntry(r.Context(), id); err != nil {
			writeCoreError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type updateMeRequest struct {
	Name              *string `json:"name"`
	PreferredLanguage *string `json:"preferredLanguage"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type chatResponse struct {
	chat.TurnResult
	Warning string `json:"warning,omitempty"`
}

type createConversationRequest struct {
	Title string `json:"title"`
}

type appendMessageRequest struct {
	Content  string            `json:"content"`
	Role     string            `json:"role"`
	Metadata map[string]string `json:"metadata"`
}

// clientMetadata drops keys that only the orchestrator may set.
func clientMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if chat.ReservedMetadata(k) {
			continue
		}
		out[k] = v
	}
	return out
}

type conversationStatusRequest struct {
	Status string `json:"status"`
}

type adminUserUpdateRequest struct {
	Role string `json:"role"`
}

type knowledgeUpdateRequest struct {
	IsFrequent *bool `json:"isFrequent"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// splitResourcePath parses "{prefix}{id}" or "{prefix}{id}/{sub}".
func splitResourcePath(path, prefix string) (id, sub string, ok bool) {
	rest := strings.TrimPrefix(path, prefix)
	if rest == path {
		return "", "", false
	}
	id, sub, _ = strings.Cut(rest, "/")
	if id == "" || strings.Contains(sub, "/") {
		return "", "", false
	}
	return id, sub, true
}

func ifExists(r *http.Request) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get("ifExists"))
	return err == nil && v
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeCoreError maps support core errors onto HTTP statuses.
func writeCoreError(w http.ResponseWriter, r *http.Request, err error) {
	var storeErr *conversation.StoreError
	switch {
	case errors.Is(err, conversation.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, conversation.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, conversation.ErrNotFound),
		errors.Is(err, knowledge.ErrNotFound),
		errors.Is(err, admin.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chat.ErrEmptyUtterance),
		errors.Is(err, chat.ErrUtteranceTooLong),
		errors.Is(err, chat.ErrUnsupportedLanguage),
		errors.Is(err, conversation.ErrInvalidRole),
		errors.Is(err, conversation.ErrInvalidInput),
		errors.Is(err, knowledge.ErrInvalidInput),
		errors.Is(err, knowledge.ErrLanguage),
		errors.Is(err, admin.ErrSelfRoleChange):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, admin.ErrExportUnavailable):
		writeError(w, http.StatusNotImplemented, err.Error())
	case errors.As(err, &storeErr):
		util.LoggerFromContext(r.Context()).Error("store unavailable", "op", storeErr.Op, "err", storeErr.Err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "service temporarily unavailable", "retryable": true})
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeAccountError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidCredentials), errors.Is(err, app.ErrUserDisabled):
		// Disabled accounts look like bad credentials to clients.
		writeError(w, http.StatusUnauthorized, app.ErrInvalidCredentials.Error())
	case errors.Is(err, app.ErrEmailAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrEmailAndPasswordRequired),
		errors.Is(err, app.ErrEmailRequired),
		errors.Is(err, app.ErrNameTooLong),
		errors.Is(err, app.ErrLanguage),
		errors.Is(err, app.ErrCurrentPasswordRequired),
		errors.Is(err, app.ErrNewPasswordRequired),
		errors.Is(err, app.ErrPasswordUnchanged),
		errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("account request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trustedProxies)
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := s.clientIP(r)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security alert counter failed", "event", event, "err", err)
		return
	}
	if result.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", result.Count,
			"threshold", result.Threshold,
			"window", result.Window.String(),
		)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter, key, msg string) bool {
	allowed, retryAfter := limiter.Allow(r.Context(), key)
	if allowed {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
