// Package models defines data structures and domain types.
package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultNotificationThreshold is the weekly remaining percentage below
	// which a low-usage alert fires.
	DefaultNotificationThreshold = 20.0

	// MaxNicknameLength is the maximum nickname length in runes.
	MaxNicknameLength = 30
)

// Account represents one authenticated claude.ai identity.
type Account struct {
	AddedAt                 time.Time  `json:"addedDate"`
	SessionKeyExpiration    *time.Time `json:"sessionKeyExpiration,omitempty"`
	ID                      string     `json:"id"`
	Email                   string     `json:"email,omitempty"`
	Nickname                string     `json:"nickname,omitempty"`
	SessionKey              string     `json:"sessionKey"`
	OrganizationID          string     `json:"organizationId"`
	NotificationThreshold   float64    `json:"notificationThreshold"`
	DidNotifyBelowThreshold bool       `json:"didNotifyBelowThreshold"`
}

// Clone returns a deep copy of the account.
func (a Account) Clone() Account {
	clone := a
	if a.SessionKeyExpiration != nil {
		exp := *a.SessionKeyExpiration
		clone.SessionKeyExpiration = &exp
	}
	return clone
}

// DisplayLabel returns the nickname, then the email, then "Account N" where
// position is the 1-based index of the account in the registry.
func (a Account) DisplayLabel(position int) string {
	if a.Nickname != "" {
		return a.Nickname
	}
	if a.Email != "" {
		return a.Email
	}
	return fmt.Sprintf("Account %d", position)
}

// SessionExpired reports whether the stored session key expiration lies
// before now. Accounts without an expiration never expire locally.
func (a Account) SessionExpired(now time.Time) bool {
	return a.SessionKeyExpiration != nil && a.SessionKeyExpiration.Before(now)
}

// NormalizeNickname trims whitespace and truncates to MaxNicknameLength runes.
func NormalizeNickname(text string) string {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) <= MaxNicknameLength {
		return trimmed
	}
	runes := []rune(trimmed)
	return strings.TrimSpace(string(runes[:MaxNicknameLength]))
}

// String hides the session key so accounts can be logged safely.
func (a Account) String() string {
	return fmt.Sprintf("Account{id=%s org=%s email=%q}", a.ID, a.OrganizationID, a.Email)
}
