// Package usage polls the usage endpoint of the active account on an
// adaptive schedule.
package usage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/j-veylop/claude-usage-agent/internal/claudeapi"
	"github.com/j-veylop/claude-usage-agent/internal/logger"
	"github.com/j-veylop/claude-usage-agent/internal/models"
	"github.com/j-veylop/claude-usage-agent/internal/services/notify"
)

// Fetcher retrieves a usage snapshot for an organization.
type Fetcher interface {
	FetchUsage(ctx context.Context, organizationID, sessionKey string) (*models.UsageSnapshot, error)
}

// AccountSource is the part of the account registry the poller needs.
type AccountSource interface {
	Active() (models.Account, bool)
	Get(id string) (models.Account, bool)
	Label(id string) string
	UpdateNotifyFlag(id string, notified bool) error
}

// HistoryRecorder stores successful snapshots.
type HistoryRecorder interface {
	RecordUsage(accountID, organizationID string, snap *models.UsageSnapshot) error
}

// EventType defines the type of poller event.
type EventType int

const (
	EventPolled EventType = iota
	EventFailed
	EventAuthFailed
	EventAlerted
	EventReset
)

// Event reports a poll outcome together with the resulting state.
type Event struct {
	Error     error
	AccountID string
	State     models.PollState
	Type      EventType
}

// Config holds the poller collaborators. Zero values are replaced by
// defaults.
type Config struct {
	Clock         quartz.Clock
	Sink          notify.Sink
	History       HistoryRecorder
	OnAuthFailure func(accountID string)
}

// Poller maintains the PollState of the active account.
type Poller struct {
	fetcher       Fetcher
	accounts      AccountSource
	clock         quartz.Clock
	sink          notify.Sink
	history       HistoryRecorder
	onAuthFailure func(accountID string)
	timer         *quartz.Timer
	cancel        context.CancelFunc
	eventChan     chan Event
	state         models.PollState
	generation    uint64
	mu            sync.Mutex
	running       bool
	inFlight      bool
}

// New creates a poller. It does nothing until Start is called.
func New(fetcher Fetcher, accounts AccountSource, cfg Config) *Poller {
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Sink == nil {
		cfg.Sink = notify.Discard
	}

	return &Poller{
		fetcher:       fetcher,
		accounts:      accounts,
		clock:         cfg.Clock,
		sink:          cfg.Sink,
		history:       cfg.History,
		onAuthFailure: cfg.OnAuthFailure,
		eventChan:     make(chan Event, 100),
	}
}

// Events returns the event channel for subscribing to poll outcomes.
func (p *Poller) Events() <-chan Event {
	return p.eventChan
}

// State returns a copy of the current poll state.
func (p *Poller) State() models.PollState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Clone()
}

// IsStale reports whether the latest snapshot is stale.
func (p *Poller) IsStale() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return IsStale(p.state.LastSuccessfulFetch, p.clock.Now())
}

// NextInterval returns the delay the scheduler uses after the current
// failure count.
func (p *Poller) NextInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Interval(p.state.ConsecutiveFailures)
}

// Running reports whether the schedule is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start polls immediately and then keeps polling on the adaptive schedule.
// Calling Start on a running poller does nothing.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	gen := p.generation
	p.mu.Unlock()

	logger.Debug("poller started")
	go p.runCycle(gen)
}

// Stop cancels the pending timer and any in-flight request. Results of a
// cancelled request are discarded.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		logger.Debug("poller stopped")
	}
	p.running = false
	p.generation++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.inFlight = false
}

// SwitchAccount restarts polling for the currently active account with an
// empty state.
func (p *Poller) SwitchAccount() {
	p.Stop()

	var activeID string
	if acc, ok := p.accounts.Active(); ok {
		activeID = acc.ID
	}

	p.mu.Lock()
	p.state = models.PollState{AccountID: activeID}
	state := p.state.Clone()
	p.mu.Unlock()

	p.sendEvent(Event{Type: EventReset, AccountID: activeID, State: state})
	p.Start()
}

// OnSystemWake polls immediately and resumes the schedule. It is ignored
// while stopped, without an active account, or after an auth failure.
func (p *Poller) OnSystemWake() {
	acc, ok := p.accounts.Active()
	if !ok {
		return
	}

	p.mu.Lock()
	if !p.running || (p.state.AccountID == acc.ID && p.state.AuthFailed) {
		p.mu.Unlock()
		return
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	gen := p.generation
	p.mu.Unlock()

	logger.Info("system wake detected, polling now")
	go p.runCycle(gen)
}

// PollOnce performs one poll attempt for the active account. It returns
// false when the attempt was dropped because another one is in flight.
func (p *Poller) PollOnce(ctx context.Context) bool {
	p.mu.Lock()
	gen := p.generation
	p.mu.Unlock()
	return p.poll(ctx, gen)
}

func (p *Poller) runCycle(gen uint64) {
	p.poll(context.Background(), gen)

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running || gen != p.generation {
		return
	}
	if p.state.AuthFailed {
		// The session stays rejected until it is refreshed; Start resumes.
		p.running = false
		logger.Debug("polling paused until the session is refreshed", "account", p.state.AccountID)
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	interval := Interval(p.state.ConsecutiveFailures)
	p.timer = p.clock.AfterFunc(interval, func() {
		go p.runCycle(gen)
	}, "poller", "next")
	logger.Debug("next poll scheduled", "in", interval, "failures", p.state.ConsecutiveFailures)
}

func (p *Poller) poll(parent context.Context, gen uint64) bool {
	acc, ok := p.accounts.Active()

	p.mu.Lock()
	if gen != p.generation || p.inFlight {
		p.mu.Unlock()
		return false
	}
	if !ok {
		p.mu.Unlock()
		return true
	}
	if p.state.AccountID != acc.ID {
		p.state = models.PollState{AccountID: acc.ID}
	}

	if acc.SessionExpired(p.clock.Now()) {
		p.state.ConsecutiveFailures++
		p.state.AuthFailed = true
		state := p.state.Clone()
		p.mu.Unlock()

		logger.Warn("session key expired", "account", acc.ID)
		p.sendEvent(Event{Type: EventAuthFailed, AccountID: acc.ID, State: state, Error: claudeapi.ErrUnauthorized})
		p.signalAuthFailure(acc.ID)
		return true
	}

	ctx, cancel := context.WithCancel(parent)
	p.inFlight = true
	p.cancel = cancel
	p.mu.Unlock()

	snap, err := p.fetcher.FetchUsage(ctx, acc.OrganizationID, acc.SessionKey)
	cancel()

	p.mu.Lock()
	if gen != p.generation || p.state.AccountID != acc.ID {
		p.mu.Unlock()
		logger.Debug("discarding stale poll result", "account", acc.ID)
		return true
	}
	p.inFlight = false
	p.cancel = nil

	if err != nil {
		p.state.ConsecutiveFailures++
		authFailed := errors.Is(err, claudeapi.ErrUnauthorized)
		if authFailed {
			p.state.AuthFailed = true
		}
		state := p.state.Clone()
		p.mu.Unlock()

		if authFailed {
			logger.Warn("session rejected", "account", acc.ID)
			p.sendEvent(Event{Type: EventAuthFailed, AccountID: acc.ID, State: state, Error: err})
			p.signalAuthFailure(acc.ID)
			return true
		}

		logger.Warn("usage poll failed", "account", acc.ID, "failures", state.ConsecutiveFailures, "error", err)
		p.sendEvent(Event{Type: EventFailed, AccountID: acc.ID, State: state, Error: err})
		return true
	}

	now := p.clock.Now()
	p.state.LatestSnapshot = snap
	p.state.LastSuccessfulFetch = &now
	p.state.ConsecutiveFailures = 0
	p.state.AuthFailed = false
	state := p.state.Clone()
	p.mu.Unlock()

	logger.Debug("usage polled", "account", acc.ID,
		"session", snap.Session.RemainingPercent, "weekly", snap.Weekly.RemainingPercent)

	if p.history != nil {
		if err := p.history.RecordUsage(acc.ID, acc.OrganizationID, snap); err != nil {
			logger.Error("failed to record usage", "account", acc.ID, "error", err)
		}
	}

	p.sendEvent(Event{Type: EventPolled, AccountID: acc.ID, State: state})
	p.evaluateLatch(acc.ID, snap.Weekly.RemainingPercent)
	return true
}

// evaluateLatch fires one alert per downward threshold crossing and re-arms
// once remaining recovers.
func (p *Poller) evaluateLatch(accountID string, remaining float64) {
	acc, ok := p.accounts.Get(accountID)
	if !ok {
		return
	}

	switch {
	case remaining < acc.NotificationThreshold && !acc.DidNotifyBelowThreshold:
		if err := p.accounts.UpdateNotifyFlag(accountID, true); err != nil {
			logger.Error("failed to persist notification latch", "account", accountID, "error", err)
		}
		p.sink.Alert(notify.Alert{
			AccountID:        accountID,
			Label:            p.accounts.Label(accountID),
			RemainingPercent: remaining,
		})
		p.sendEvent(Event{Type: EventAlerted, AccountID: accountID, State: p.State()})

	case remaining >= acc.NotificationThreshold && acc.DidNotifyBelowThreshold:
		if err := p.accounts.UpdateNotifyFlag(accountID, false); err != nil {
			logger.Error("failed to persist notification latch", "account", accountID, "error", err)
		}
	}
}

func (p *Poller) signalAuthFailure(accountID string) {
	if p.onAuthFailure != nil {
		p.onAuthFailure(accountID)
	}
}

// sendEvent sends an event to the event channel non-blocking.
func (p *Poller) sendEvent(event Event) {
	select {
	case p.eventChan <- event:
	default:
		// Channel full, drop oldest event
		select {
		case <-p.eventChan:
		default:
		}
		select {
		case p.eventChan <- event:
		default:
		}
	}
}
