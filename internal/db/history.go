package db

import (
	"context"
	"fmt"
	"time"

	"github.com/j-veylop/claude-usage-agent/internal/models"
)

// RecordUsage stores a successful usage snapshot for an account.
func (db *DB) RecordUsage(accountID, organizationID string, snap *models.UsageSnapshot) error {
	query := `
		INSERT INTO usage_snapshots (
			account_id, organization_id, session_remaining, weekly_remaining,
			opus_remaining, sonnet_remaining, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	timestamp := snap.FetchedAt
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	_, err := db.ExecContext(context.Background(), query,
		accountID,
		organizationID,
		snap.Session.RemainingPercent,
		snap.Weekly.RemainingPercent,
		snap.WeeklyOpus.RemainingPercent,
		snap.WeeklySonnet.RemainingPercent,
		timestamp.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage snapshot: %w", err)
	}
	return nil
}

// RecentUsage returns the most recent snapshots for an account, newest first.
// An empty accountID returns rows for every account.
func (db *DB) RecentUsage(accountID string, limit int) ([]models.UsageRecord, error) {
	query := `
		SELECT id, account_id, organization_id, session_remaining, weekly_remaining,
			   opus_remaining, sonnet_remaining, timestamp
		FROM usage_snapshots
		WHERE (? = '' OR account_id = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`

	rows, err := db.QueryContext(context.Background(), query, accountID, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []models.UsageRecord
	for rows.Next() {
		var rec models.UsageRecord
		var ts string
		err := rows.Scan(
			&rec.ID,
			&rec.AccountID,
			&rec.OrganizationID,
			&rec.SessionPercent,
			&rec.WeeklyPercent,
			&rec.OpusPercent,
			&rec.SonnetPercent,
			&ts,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage snapshot: %w", err)
		}
		rec.Timestamp = parseTimestamp(ts)
		records = append(records, rec)
	}

	return records, rows.Err()
}

// PruneUsage deletes snapshots older than the retention window.
func (db *DB) PruneUsage(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(timeLayout)
	result, err := db.ExecContext(context.Background(),
		"DELETE FROM usage_snapshots WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage snapshots: %w", err)
	}
	return result.RowsAffected()
}

// DeleteUsageForAccount removes all history of a signed-out account.
func (db *DB) DeleteUsageForAccount(accountID string) error {
	_, err := db.ExecContext(context.Background(),
		"DELETE FROM usage_snapshots WHERE account_id = ?", accountID)
	if err != nil {
		return fmt.Errorf("failed to delete usage snapshots: %w", err)
	}
	return nil
}

// parseTimestamp accepts the stored layout and RFC 3339, which the driver may
// return for DATETIME columns.
func parseTimestamp(s string) time.Time {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}
