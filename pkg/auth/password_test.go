package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("كلمة-Sirr-2025!")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(hash, "$2") {
		t.Fatalf("expected bcrypt hash, got %q", hash)
	}
	if !CheckPassword("كلمة-Sirr-2025!", hash) {
		t.Fatalf("expected matching password to verify")
	}
	for _, attempt := range []string{"", "كلمة-sirr-2025!", "كلمة-Sirr-2025"} {
		if CheckPassword(attempt, hash) {
			t.Fatalf("expected %q to be rejected", attempt)
		}
	}
	if CheckPassword("anything", "not-a-hash") {
		t.Fatalf("expected malformed hash to be rejected")
	}
}

func TestValidatePassword(t *testing.T) {
	cases := []struct {
		name     string
		password string
		ok       bool
	}{
		{"strong", "Support#Desk2025", true},
		{"arabic letters count", "مرحباً-Desk-2025", true},
		{"too short", "Sh0rt!pw", false},
		{"no upper", "support#desk2025", false},
		{"no lower", "SUPPORT#DESK2025", false},
		{"no digit", "Support#DeskDesk", false},
		{"no special", "SupportDesk20255", false},
		{"over bcrypt limit", strings.Repeat("Aa1!", 19), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePassword(tc.password)
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrWeakPassword) {
				t.Fatalf("expected ErrWeakPassword, got %v", err)
			}
		})
	}
}
