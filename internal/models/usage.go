package models

import (
	"math"
	"time"
)

// QuotaReading is the remaining share of one usage window.
type QuotaReading struct {
	ResetsAt         *time.Time `json:"resetsAt,omitempty"`
	RemainingPercent float64    `json:"remainingPercent"`
}

// NewQuotaReading converts an upstream utilization percentage into a reading.
// Remaining is clamped to [0, 100].
func NewQuotaReading(utilization float64, resetsAt *time.Time) QuotaReading {
	remaining := 100 - utilization
	if math.IsNaN(remaining) {
		remaining = 100
	}
	return QuotaReading{
		RemainingPercent: math.Max(0, math.Min(100, remaining)),
		ResetsAt:         resetsAt,
	}
}

// UsageSnapshot holds the four quota tiers reported for an organization.
type UsageSnapshot struct {
	FetchedAt    time.Time    `json:"fetchedAt"`
	Session      QuotaReading `json:"session"`
	Weekly       QuotaReading `json:"weekly"`
	WeeklyOpus   QuotaReading `json:"weeklyOpus"`
	WeeklySonnet QuotaReading `json:"weeklySonnet"`
}

// PollState is the in-memory polling state of the active account.
type PollState struct {
	LastSuccessfulFetch *time.Time     `json:"lastSuccessfulFetch,omitempty"`
	LatestSnapshot      *UsageSnapshot `json:"latestSnapshot,omitempty"`
	AccountID           string         `json:"accountId,omitempty"`
	ConsecutiveFailures uint           `json:"consecutiveFailures"`
	AuthFailed          bool           `json:"authFailed"`
}

// Clone returns a deep copy of the poll state.
func (s PollState) Clone() PollState {
	clone := s
	if s.LastSuccessfulFetch != nil {
		t := *s.LastSuccessfulFetch
		clone.LastSuccessfulFetch = &t
	}
	if s.LatestSnapshot != nil {
		snap := *s.LatestSnapshot
		clone.LatestSnapshot = &snap
	}
	return clone
}

// UsageRecord is a persisted history row for a successful poll.
type UsageRecord struct {
	Timestamp      time.Time
	AccountID      string
	OrganizationID string
	ID             int64
	SessionPercent float64
	WeeklyPercent  float64
	OpusPercent    float64
	SonnetPercent  float64
}
