package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInterval(t *testing.T) {
	tests := []struct {
		failures uint
		want     time.Duration
	}{
		{0, 120 * time.Second},
		{2, 120 * time.Second},
		{3, 300 * time.Second},
		{5, 300 * time.Second},
		{6, 600 * time.Second},
		{9, 600 * time.Second},
		{10, 1800 * time.Second},
		{1000, 1800 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Interval(tt.failures), "failures=%d", tt.failures)
	}
}

func TestInterval_MonotonicAndBounded(t *testing.T) {
	prev := Interval(0)
	for f := uint(1); f < 64; f++ {
		got := Interval(f)
		assert.GreaterOrEqual(t, got, prev, "failures=%d", f)
		assert.LessOrEqual(t, got, 1800*time.Second)
		prev = got
	}
}

func TestIsStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	at := func(ago time.Duration) *time.Time {
		ts := now.Add(-ago)
		return &ts
	}

	assert.True(t, IsStale(nil, now))
	assert.False(t, IsStale(at(0), now))
	assert.False(t, IsStale(at(StaleAfter), now))
	assert.True(t, IsStale(at(StaleAfter+time.Second), now))
}
