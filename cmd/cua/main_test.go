package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j-veylop/claude-usage-agent/internal/models"
	"github.com/j-veylop/claude-usage-agent/internal/services/accounts"
	"github.com/j-veylop/claude-usage-agent/internal/store"
)

func newRegistry(t *testing.T, orgs ...string) (*accounts.Registry, []models.Account) {
	t.Helper()

	reg := accounts.New(store.NewMemory())
	require.NoError(t, reg.Load())

	var added []models.Account
	for _, org := range orgs {
		acc, err := reg.Add(models.Account{OrganizationID: org, SessionKey: "sk-" + org})
		require.NoError(t, err)
		added = append(added, acc)
	}
	return reg, added
}

func TestResolveAccount(t *testing.T) {
	reg, added := newRegistry(t, "org-a", "org-b")

	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr bool
	}{
		{"ByID", added[1].ID, added[1].ID, false},
		{"ByPosition", "1", added[0].ID, false},
		{"PositionOutOfRange", "3", "", true},
		{"Zero", "0", "", true},
		{"Unknown", "nope", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc, err := resolveAccount(reg, tt.ref)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, acc.ID)
		})
	}
}

func TestListAccounts(t *testing.T) {
	reg, added := newRegistry(t, "org-a", "org-b")
	require.NoError(t, reg.UpdateNickname(added[1].ID, "Work"))

	items := listAccounts(reg)
	require.Len(t, items, 2)

	assert.Equal(t, "Account 1", items[0].Label)
	assert.True(t, items[0].Active)
	assert.Equal(t, "Work", items[1].Label)
	assert.False(t, items[1].Active)

	var out bytes.Buffer
	require.NoError(t, writeJSON(&out, items))
	assert.NotContains(t, out.String(), "sk-org-a")

	out.Reset()
	require.NoError(t, printAccounts(&out, items))
	assert.Contains(t, out.String(), "Work")
	assert.Contains(t, out.String(), "20%")
}

func TestPrintAccounts_Empty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printAccounts(&out, nil))
	assert.Contains(t, out.String(), "cua login")
}

func TestPrintStatus(t *testing.T) {
	resets := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name  string
		item  statusItem
		wants []string
	}{
		{
			name:  "NoData",
			item:  statusItem{Label: "Account 1"},
			wants: []string{"Account: Account 1", "No usage data."},
		},
		{
			name:  "AuthFailed",
			item:  statusItem{Label: "Work", AccountID: "id-1", State: models.PollState{AuthFailed: true}},
			wants: []string{"Session expired", "--reauth id-1"},
		},
		{
			name: "Snapshot",
			item: statusItem{
				Label: "Work",
				Stale: true,
				State: models.PollState{
					ConsecutiveFailures: 2,
					LatestSnapshot: &models.UsageSnapshot{
						FetchedAt: resets,
						Session:   models.QuotaReading{RemainingPercent: 55},
						Weekly:    models.QuotaReading{RemainingPercent: 10, ResetsAt: &resets},
					},
				},
			},
			wants: []string{"Last 2 poll(s) failed.", "55.0% remaining", "10.0% remaining, resets", "Data is stale."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, printStatus(&out, tt.item))
			for _, want := range tt.wants {
				assert.Contains(t, out.String(), want)
			}
		})
	}
}

func TestPrintHistory(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printHistory(&out, "Work", nil))
	assert.Contains(t, out.String(), "No usage recorded for Work")

	out.Reset()
	records := []models.UsageRecord{{Timestamp: time.Now(), SessionPercent: 40, WeeklyPercent: 12.5}}
	require.NoError(t, printHistory(&out, "Work", records))
	assert.Contains(t, out.String(), "12.5%")
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "login", "accounts", "signout", "status", "history", "version"} {
		assert.Contains(t, names, want)
	}
}
