package models

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestAccount_Clone(t *testing.T) {
	exp := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	original := Account{
		ID:                    "id-123",
		Email:                 "test@example.com",
		SessionKey:            "sk-secret",
		OrganizationID:        "org-1",
		SessionKeyExpiration:  &exp,
		NotificationThreshold: 25,
	}

	clone := original.Clone()

	if clone.ID != original.ID || clone.OrganizationID != original.OrganizationID {
		t.Errorf("clone = %+v, want fields copied from %+v", clone, original)
	}

	*clone.SessionKeyExpiration = exp.Add(time.Hour)
	if !original.SessionKeyExpiration.Equal(exp) {
		t.Error("modifying clone expiration should not affect original")
	}
}

func TestAccount_DisplayLabel(t *testing.T) {
	tests := []struct {
		name     string
		account  Account
		position int
		want     string
	}{
		{"Nickname", Account{Nickname: "Work", Email: "a@b.c"}, 1, "Work"},
		{"Email", Account{Email: "a@b.c"}, 2, "a@b.c"},
		{"Positional", Account{}, 3, "Account 3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.account.DisplayLabel(tt.position); got != tt.want {
				t.Errorf("DisplayLabel() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAccount_SessionExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	if (&Account{}).SessionExpired(now) {
		t.Error("account without expiration should not be expired")
	}
	if !(&Account{SessionKeyExpiration: &past}).SessionExpired(now) {
		t.Error("past expiration should be expired")
	}
	if (&Account{SessionKeyExpiration: &future}).SessionExpired(now) {
		t.Error("future expiration should not be expired")
	}
}

func TestNormalizeNickname(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  Personal  ", "Personal"},
		{"   ", ""},
		{strings.Repeat("a", 40), strings.Repeat("a", 30)},
		{strings.Repeat("é", 31), strings.Repeat("é", 30)},
	}

	for _, tt := range tests {
		if got := NormalizeNickname(tt.in); got != tt.want {
			t.Errorf("NormalizeNickname(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAccount_StringHidesSessionKey(t *testing.T) {
	acc := Account{ID: "id", OrganizationID: "org", SessionKey: "sk-ant-secret"}

	// Values and pointers both format through String.
	for _, formatted := range []string{
		acc.String(),
		fmt.Sprint(acc),
		fmt.Sprintf("%v", &acc),
		fmt.Sprintf("%+v", acc),
	} {
		if strings.Contains(formatted, "sk-ant-secret") {
			t.Errorf("formatted account leaked session key: %s", formatted)
		}
		if !strings.Contains(formatted, "org=org") {
			t.Errorf("formatted account = %q, want redacted String form", formatted)
		}
	}
}
