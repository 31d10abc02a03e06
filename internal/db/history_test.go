package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j-veylop/claude-usage-agent/internal/models"
)

func snapshotAt(ts time.Time, weekly float64) *models.UsageSnapshot {
	return &models.UsageSnapshot{
		FetchedAt:    ts,
		Session:      models.NewQuotaReading(10, nil),
		Weekly:       models.NewQuotaReading(100-weekly, nil),
		WeeklyOpus:   models.NewQuotaReading(0, nil),
		WeeklySonnet: models.NewQuotaReading(50, nil),
	}
}

func TestRecordUsage_RecentUsage(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.RecordUsage("acc-1", "org-1", snapshotAt(base, 80)))
	require.NoError(t, db.RecordUsage("acc-1", "org-1", snapshotAt(base.Add(2*time.Minute), 75)))
	require.NoError(t, db.RecordUsage("acc-2", "org-2", snapshotAt(base.Add(time.Minute), 40)))

	records, err := db.RecentUsage("acc-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, 75.0, records[0].WeeklyPercent)
	assert.Equal(t, 80.0, records[1].WeeklyPercent)
	assert.Equal(t, "org-1", records[0].OrganizationID)
	assert.Equal(t, 90.0, records[0].SessionPercent)
	assert.Equal(t, 50.0, records[0].SonnetPercent)
	assert.True(t, records[0].Timestamp.Equal(base.Add(2*time.Minute)), "timestamp = %v", records[0].Timestamp)

	all, err := db.RecentUsage("", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := db.RecentUsage("", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "acc-1", limited[0].AccountID)
}

func TestRecordUsage_ZeroTimestamp(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	require.NoError(t, db.RecordUsage("acc-1", "org-1", &models.UsageSnapshot{}))

	records, err := db.RecentUsage("acc-1", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.WithinDuration(t, time.Now(), records[0].Timestamp, time.Minute)
}

func TestPruneUsage(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	now := time.Now()
	require.NoError(t, db.RecordUsage("acc-1", "org-1", snapshotAt(now.Add(-48*time.Hour), 50)))
	require.NoError(t, db.RecordUsage("acc-1", "org-1", snapshotAt(now, 40)))

	deleted, err := db.PruneUsage(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	records, err := db.RecentUsage("acc-1", 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestDeleteUsageForAccount(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	require.NoError(t, db.RecordUsage("acc-1", "org-1", snapshotAt(time.Now(), 50)))
	require.NoError(t, db.RecordUsage("acc-2", "org-2", snapshotAt(time.Now(), 50)))
	require.NoError(t, db.DeleteUsageForAccount("acc-1"))

	var count int
	require.NoError(t, db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM usage_snapshots WHERE account_id = 'acc-1'").Scan(&count))
	assert.Zero(t, count)

	records, err := db.RecentUsage("acc-2", 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
