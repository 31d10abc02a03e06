// Package wake detects system sleep/wake cycles from wall-clock jumps.
package wake

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/j-veylop/claude-usage-agent/internal/logger"
)

// DefaultInterval is how often the wall clock is sampled.
const DefaultInterval = 30 * time.Second

// Detector calls OnWake when the wall clock advanced much further than the
// ticker interval between two ticks, which happens after the machine slept.
type Detector struct {
	clock    quartz.Clock
	wall     func() time.Time
	onWake   func()
	last     time.Time
	interval time.Duration
	slack    time.Duration
	mu       sync.Mutex
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock sets the clock driving the ticker.
func WithClock(clock quartz.Clock) Option {
	return func(d *Detector) {
		d.clock = clock
	}
}

// WithWallClock sets the wall-clock source compared between ticks.
func WithWallClock(wall func() time.Time) Option {
	return func(d *Detector) {
		d.wall = wall
	}
}

// New creates a detector sampling every interval.
func New(interval time.Duration, onWake func(), opts ...Option) *Detector {
	if interval <= 0 {
		interval = DefaultInterval
	}

	d := &Detector{
		clock:    quartz.NewReal(),
		wall:     func() time.Time { return time.Now().Round(0) },
		onWake:   onWake,
		interval: interval,
		slack:    interval,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run samples the wall clock until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) error {
	d.mu.Lock()
	d.last = d.wall()
	d.mu.Unlock()

	w := d.clock.TickerFunc(ctx, d.interval, func() error {
		d.tick()
		return nil
	}, "wake")
	return w.Wait()
}

func (d *Detector) tick() {
	now := d.wall()

	d.mu.Lock()
	gap := now.Sub(d.last)
	d.last = now
	d.mu.Unlock()

	if gap > d.interval+d.slack {
		logger.Info("wall clock jumped, assuming system wake", "gap", gap.Round(time.Second))
		if d.onWake != nil {
			d.onWake()
		}
	}
}
