package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"supportdesk/pkg/auth"
	"supportdesk/pkg/domain"
	"supportdesk/pkg/store"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	testPassword = "Str0ng!Passw0rd"
)

func newTestApp(t *testing.T) (*App, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	sessions, err := store.NewJWTSessionStore(testSecret, time.Hour, store.NewMemoryTokenRevoker(), store.JWTOptions{})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	a, err := New(Config{Store: mem, Sessions: sessions})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, mem
}

func TestSignUpFirstUserBecomesAdmin(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	first, token, err := a.SignUp(ctx, " Admin@Example.com ", testPassword, "  Site   Admin ")
	if err != nil {
		t.Fatalf("signup first: %v", err)
	}
	if first.Role != domain.RoleAdmin || first.Email != "admin@example.com" || first.Name != "Site Admin" {
		t.Fatalf("unexpected first user: %+v", first)
	}
	if token == "" {
		t.Fatalf("expected session token")
	}
	second, _, err := a.SignUp(ctx, "user@example.com", testPassword, "")
	if err != nil {
		t.Fatalf("signup second: %v", err)
	}
	if second.Role != domain.RoleUser {
		t.Fatalf("expected user role, got %s", second.Role)
	}
	if second.PreferredLanguage != domain.LanguageArabic {
		t.Fatalf("expected default language ar, got %q", second.PreferredLanguage)
	}
}

func TestSignUpValidation(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	if _, _, err := a.SignUp(ctx, "", testPassword, ""); !errors.Is(err, ErrEmailAndPasswordRequired) {
		t.Fatalf("expected ErrEmailAndPasswordRequired, got %v", err)
	}
	if _, _, err := a.SignUp(ctx, "weak@example.com", "short", ""); !errors.Is(err, auth.ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if _, _, err := a.SignUp(ctx, "dup@example.com", testPassword, ""); err != nil {
		t.Fatalf("signup: %v", err)
	}
	if _, _, err := a.SignUp(ctx, "DUP@example.com", testPassword, ""); !errors.Is(err, ErrEmailAlreadyExists) {
		t.Fatalf("expected ErrEmailAlreadyExists, got %v", err)
	}
}

func TestLoginAndLogout(t *testing.T) {
	a, mem := newTestApp(t)
	ctx := context.Background()
	user, _, err := a.SignUp(ctx, "login@example.com", testPassword, "")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}

	if _, _, err := a.Login(ctx, "login@example.com", "Wr0ng!Password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := a.Login(ctx, "ghost@example.com", testPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}

	_, token, err := a.Login(ctx, "LOGIN@example.com", testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	got, ok := a.UserFromToken(ctx, token)
	if !ok || got.ID != user.ID {
		t.Fatalf("expected token to resolve user, got %+v ok=%v", got, ok)
	}
	if err := a.Logout(token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, ok := a.UserFromToken(ctx, token); ok {
		t.Fatalf("expected logged out token to be rejected")
	}

	user.Status = domain.StatusDisabled
	if err := mem.SaveUser(ctx, user); err != nil {
		t.Fatalf("disable user: %v", err)
	}
	if _, _, err := a.Login(ctx, "login@example.com", testPassword); !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("expected ErrUserDisabled, got %v", err)
	}
}

func TestUpdateMe(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	user, _, err := a.SignUp(ctx, "me@example.com", testPassword, "Old")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	name := "New Name"
	lang := "EN"
	updated, err := a.UpdateMe(ctx, user, ProfileUpdate{Name: &name, PreferredLanguage: &lang})
	if err != nil {
		t.Fatalf("update me: %v", err)
	}
	if updated.Name != "New Name" || updated.PreferredLanguage != domain.LanguageEnglish {
		t.Fatalf("unexpected profile: %+v", updated)
	}
	bad := "fr"
	if _, err := a.UpdateMe(ctx, updated, ProfileUpdate{PreferredLanguage: &bad}); !errors.Is(err, ErrLanguage) {
		t.Fatalf("expected ErrLanguage, got %v", err)
	}
}

func TestChangePasswordRevokesExistingSessions(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	user, token, err := a.SignUp(ctx, "pw@example.com", testPassword, "")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if err := a.ChangePassword(ctx, user.ID, "Wr0ng!Password", "An0ther!Passw0rd"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := a.ChangePassword(ctx, user.ID, testPassword, testPassword); !errors.Is(err, ErrPasswordUnchanged) {
		t.Fatalf("expected ErrPasswordUnchanged, got %v", err)
	}
	if err := a.ChangePassword(ctx, user.ID, testPassword, "An0ther!Passw0rd"); err != nil {
		t.Fatalf("change password: %v", err)
	}
	if _, ok := a.UserFromToken(ctx, token); ok {
		t.Fatalf("expected session issued before the change to be revoked")
	}
	_, fresh, err := a.Login(ctx, "pw@example.com", "An0ther!Passw0rd")
	if err != nil {
		t.Fatalf("login with new password: %v", err)
	}
	got, ok := a.UserFromToken(ctx, fresh)
	if !ok || got.ID != user.ID {
		t.Fatalf("expected session from the login after the change to be accepted, ok=%v user=%+v", ok, got)
	}
	if _, _, err := a.Login(ctx, "pw@example.com", testPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected old password rejected, got %v", err)
	}
}
