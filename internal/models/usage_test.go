package models

import (
	"math"
	"testing"
	"time"
)

func TestNewQuotaReading(t *testing.T) {
	tests := []struct {
		name        string
		utilization float64
		want        float64
	}{
		{"Typical", 85, 15},
		{"Zero", 0, 100},
		{"Full", 100, 0},
		{"OverLimit", 130, 0},
		{"Negative", -10, 100},
		{"NaN", math.NaN(), 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewQuotaReading(tt.utilization, nil).RemainingPercent; got != tt.want {
				t.Errorf("RemainingPercent = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPollState_Clone(t *testing.T) {
	now := time.Now()
	state := PollState{
		AccountID:           "a",
		LastSuccessfulFetch: &now,
		LatestSnapshot:      &UsageSnapshot{Weekly: QuotaReading{RemainingPercent: 40}},
	}

	clone := state.Clone()
	clone.LatestSnapshot.Weekly.RemainingPercent = 10

	if state.LatestSnapshot.Weekly.RemainingPercent != 40 {
		t.Error("modifying clone snapshot should not affect original")
	}
}
