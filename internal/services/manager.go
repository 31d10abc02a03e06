// Package services wires the account registry, authenticator and usage
// poller together and routes their events to subscribers.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/j-veylop/claude-usage-agent/internal/claudeapi"
	"github.com/j-veylop/claude-usage-agent/internal/config"
	"github.com/j-veylop/claude-usage-agent/internal/db"
	"github.com/j-veylop/claude-usage-agent/internal/logger"
	"github.com/j-veylop/claude-usage-agent/internal/models"
	"github.com/j-veylop/claude-usage-agent/internal/services/accounts"
	"github.com/j-veylop/claude-usage-agent/internal/services/auth"
	"github.com/j-veylop/claude-usage-agent/internal/services/notify"
	"github.com/j-veylop/claude-usage-agent/internal/services/usage"
	"github.com/j-veylop/claude-usage-agent/internal/services/wake"
	"github.com/j-veylop/claude-usage-agent/internal/store"
)

// historyRetention is how long usage history is kept.
const historyRetention = 90 * 24 * time.Hour

type (
	// AccountsChangedEvent is emitted when the accounts list changes.
	AccountsChangedEvent struct {
		ActiveAccount *models.Account
		Accounts      []models.Account
	}

	// UsageUpdatedEvent is emitted after every poll attempt.
	UsageUpdatedEvent struct {
		AccountID    string
		State        models.PollState
		NextInterval time.Duration
		Stale        bool
	}

	// ReauthRequiredEvent is emitted when the polled account's session was
	// rejected. Polling is stopped until the session is refreshed.
	ReauthRequiredEvent struct {
		AccountID string
		Label     string
	}

	// LoginResultEvent is emitted when a login attempt resolves.
	LoginResultEvent struct {
		Result auth.Result
	}

	// ErrorEvent is emitted when an error occurs in any service.
	ErrorEvent struct {
		Error   error
		Service string
	}
)

// ServiceEvent is the interface implemented by all service events.
type ServiceEvent interface {
	isServiceEvent()
}

func (AccountsChangedEvent) isServiceEvent() {}
func (UsageUpdatedEvent) isServiceEvent()    {}
func (ReauthRequiredEvent) isServiceEvent()  {}
func (LoginResultEvent) isServiceEvent()     {}
func (ErrorEvent) isServiceEvent()           {}

// API is the claude.ai client surface the manager needs.
type API interface {
	usage.Fetcher
	auth.OrganizationFetcher
}

// Options are the collaborators of a Manager.
type Options struct {
	Store    store.SecureStore
	API      API
	Surface  auth.LoginSurface
	Sink     notify.Sink
	Clock    quartz.Clock
	Database *db.DB
	// History receives successful snapshots; usually Database.
	History usage.HistoryRecorder
	// Closers are closed by Manager.Close after the services stopped.
	Closers           []io.Closer
	WakeInterval      time.Duration
	ResumeAfterReauth bool
}

// Manager orchestrates services and event routing.
type Manager struct {
	clock       quartz.Clock
	registry    *accounts.Registry
	auth        *auth.Authenticator
	poller      *usage.Poller
	detector    *wake.Detector
	database    *db.DB
	eventChan   chan ServiceEvent
	stopChan    chan struct{}
	stopWake    context.CancelFunc
	subscribers []chan ServiceEvent
	closers     []io.Closer
	mu          sync.RWMutex
	closeOnce   sync.Once

	// pollMu guards the fields below and serializes decisions about whether
	// the poller runs.
	pollMu            sync.Mutex
	pausedID          string
	started           bool
	resumeAfterReauth bool
}

// NewManager builds the production stack described by cfg.
func NewManager(cfg *config.Config, surface auth.LoginSurface) (*Manager, error) {
	key, err := store.LoadOrCreateKey(cfg.SecretKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load store key: %w", err)
	}

	var (
		database *db.DB
		backend  store.SecureStore
		closers  []io.Closer
	)

	if cfg.StoreBackend == config.BackendSQLite || cfg.HistoryEnabled {
		database, err = db.New(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		closers = append(closers, database)
	}

	if cfg.StoreBackend == config.BackendSQLite {
		backend = database.KV()
	} else {
		file, err := store.NewFile(cfg.AccountsPath)
		if err != nil {
			_ = closeAll(closers...)
			return nil, fmt.Errorf("failed to open account store: %w", err)
		}
		backend = file
		closers = append([]io.Closer{file}, closers...)
	}

	sealed, err := store.NewSealed(backend, key)
	if err != nil {
		_ = closeAll(closers...)
		return nil, fmt.Errorf("failed to initialize sealed store: %w", err)
	}

	notificationsEnabled := cfg.NotificationsEnabled
	sink := notify.Toggle{
		Sink:    notify.NewDesktop(),
		Enabled: func() bool { return notificationsEnabled },
	}

	opts := Options{
		Store:             sealed,
		API:               claudeapi.NewClient(cfg.BaseURL, cfg.HTTPTimeout),
		Surface:           surface,
		Sink:              sink,
		Database:          database,
		Closers:           closers,
		WakeInterval:      cfg.WakeCheckInterval,
		ResumeAfterReauth: cfg.ResumeAfterReauth,
	}
	if cfg.HistoryEnabled && database != nil {
		opts.History = database
	}

	return NewManagerWithOptions(opts)
}

// NewManagerWithOptions builds a manager from explicit collaborators.
func NewManagerWithOptions(opts Options) (*Manager, error) {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}

	m := &Manager{
		clock:             opts.Clock,
		database:          opts.Database,
		closers:           opts.Closers,
		resumeAfterReauth: opts.ResumeAfterReauth,
		eventChan:         make(chan ServiceEvent, 100),
		stopChan:          make(chan struct{}),
	}

	m.registry = accounts.New(opts.Store)
	if err := m.registry.Load(); err != nil {
		_ = closeAll(opts.Closers...)
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	if _, err := m.registry.WatchStore(); err != nil {
		logger.Warn("account store changes by other processes will not be picked up", "error", err)
	}

	m.poller = usage.New(opts.API, m.registry, usage.Config{
		Clock:         opts.Clock,
		Sink:          opts.Sink,
		History:       opts.History,
		OnAuthFailure: m.handleAuthFailure,
	})

	m.auth = auth.New(opts.API, m.registry, opts.Surface, auth.Config{Clock: opts.Clock})

	if opts.WakeInterval > 0 {
		m.detector = wake.New(opts.WakeInterval, m.poller.OnSystemWake, wake.WithClock(opts.Clock))
	}

	go m.routeEvents()

	return m, nil
}

// Start begins polling the active account and watching for system wake.
func (m *Manager) Start(ctx context.Context) {
	m.pollMu.Lock()
	if m.started {
		m.pollMu.Unlock()
		return
	}
	m.started = true
	m.pollMu.Unlock()

	m.mu.Lock()
	if m.detector != nil {
		wakeCtx, cancel := context.WithCancel(ctx)
		m.stopWake = cancel
		go func() {
			if err := m.detector.Run(wakeCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("wake detector stopped", "error", err)
			}
		}()
	}
	m.mu.Unlock()

	m.pruneHistory()
	m.syncPoller()
}

// pruneHistory drops usage history past the retention window and compacts
// the database when rows were removed.
func (m *Manager) pruneHistory() {
	if m.database == nil {
		return
	}

	n, err := m.database.PruneUsage(historyRetention)
	if err != nil {
		logger.Warn("failed to prune usage history", "error", err)
		return
	}
	if n == 0 {
		return
	}

	logger.Info("pruned usage history", "rows", n)
	if err := m.database.Vacuum(); err != nil {
		logger.Warn("failed to vacuum database", "error", err)
	}
}

// routeEvents routes events from individual services to subscribers.
func (m *Manager) routeEvents() {
	for {
		select {
		case event := <-m.registry.Events():
			m.handleAccountEvent(event)

		case event := <-m.poller.Events():
			m.handleUsageEvent(event)

		case result := <-m.auth.Events():
			m.handleLoginResult(result)

		case <-m.stopChan:
			return
		}
	}
}

// handleAccountEvent converts and broadcasts account events.
func (m *Manager) handleAccountEvent(event accounts.Event) {
	if event.Type == accounts.EventError {
		m.broadcast(ErrorEvent{Service: "accounts", Error: event.Error})
		return
	}

	changed := AccountsChangedEvent{Accounts: m.registry.Accounts()}
	if active, ok := m.registry.Active(); ok {
		changed.ActiveAccount = &active
	}
	m.broadcast(changed)

	if event.Type == accounts.EventReloaded || event.Type == accounts.EventActiveChanged {
		m.syncPoller()
	}
}

func (m *Manager) handleUsageEvent(event usage.Event) {
	m.broadcast(UsageUpdatedEvent{
		AccountID:    event.AccountID,
		State:        event.State,
		NextInterval: usage.Interval(event.State.ConsecutiveFailures),
		Stale:        usage.IsStale(event.State.LastSuccessfulFetch, m.clock.Now()),
	})

	if event.Type == usage.EventFailed {
		m.broadcast(ErrorEvent{Service: "usage", Error: event.Error})
	}
}

func (m *Manager) handleLoginResult(result auth.Result) {
	m.broadcast(LoginResultEvent{Result: result})

	if !result.Success() {
		return
	}

	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	if m.pausedID == result.Account.ID && m.resumeAfterReauth {
		m.pausedID = ""
		if result.Account.ID != m.registry.ActiveID() {
			// Another account is polled now; it keeps its schedule.
			return
		}
		logger.Info("session refreshed, resuming polling", "account", result.Account.ID)
		m.poller.SwitchAccount()
		return
	}
	m.syncPollerLocked()
}

// handleAuthFailure runs on the poller goroutine when the polled session
// was rejected.
func (m *Manager) handleAuthFailure(accountID string) {
	m.pollMu.Lock()
	m.pausedID = accountID
	m.poller.Stop()
	m.pollMu.Unlock()

	logger.Warn("re-authentication required, polling stopped", "account", accountID)
	m.broadcast(ReauthRequiredEvent{
		AccountID: accountID,
		Label:     m.registry.Label(accountID),
	})
}

// syncPoller points the poller at the active account unless that account is
// waiting for re-authentication.
func (m *Manager) syncPoller() {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	m.syncPollerLocked()
}

func (m *Manager) syncPollerLocked() {
	if !m.started {
		return
	}

	activeID := m.registry.ActiveID()
	switch {
	case activeID == "" || activeID == m.pausedID:
		m.poller.Stop()
	case activeID != m.poller.State().AccountID || !m.poller.Running():
		m.poller.SwitchAccount()
	}
}

// StartLogin opens the login surface to add an account.
func (m *Manager) StartLogin() error {
	return m.auth.StartLogin()
}

// StartReauth opens the login surface to refresh an account's session.
func (m *Manager) StartReauth(accountID string) error {
	return m.auth.StartReauth(accountID)
}

// CancelLogin abandons the current login attempt.
func (m *Manager) CancelLogin() {
	m.auth.CancelLogin()
}

// Resume restarts polling after a re-authentication when automatic resume
// is disabled.
func (m *Manager) Resume() {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	m.pausedID = ""
	m.poller.Stop()
	m.syncPollerLocked()
}

// SwitchAccount makes id the polled account.
func (m *Manager) SwitchAccount(id string) (bool, error) {
	ok, err := m.registry.SwitchTo(id)
	if !ok {
		return false, err
	}
	m.syncPoller()
	return true, err
}

// SignOut removes an account. When it is the polled account the poller is
// stopped first.
func (m *Manager) SignOut(id string) error {
	m.pollMu.Lock()
	if m.poller.State().AccountID == id {
		m.poller.Stop()
	}
	if m.pausedID == id {
		m.pausedID = ""
	}
	m.pollMu.Unlock()

	if err := m.auth.SignOut(id); err != nil {
		return err
	}

	if m.database != nil {
		if err := m.database.DeleteUsageForAccount(id); err != nil {
			logger.Warn("failed to delete usage history", "account", id, "error", err)
		}
	}

	m.syncPoller()
	return nil
}

// SignOutAll removes every account.
func (m *Manager) SignOutAll() error {
	m.pollMu.Lock()
	m.poller.Stop()
	m.pausedID = ""
	m.pollMu.Unlock()

	return m.auth.SignOutAll()
}

// Rename sets the nickname of an account.
func (m *Manager) Rename(id, nickname string) error {
	return m.registry.UpdateNickname(id, nickname)
}

// SetThreshold sets the notification threshold of an account.
func (m *Manager) SetThreshold(id string, threshold float64) error {
	return m.registry.UpdateThreshold(id, threshold)
}

// PollNow performs one immediate poll of the active account.
func (m *Manager) PollNow(ctx context.Context) bool {
	return m.poller.PollOnce(ctx)
}

// Registry returns the account registry.
func (m *Manager) Registry() *accounts.Registry {
	return m.registry
}

// Poller returns the usage poller.
func (m *Manager) Poller() *usage.Poller {
	return m.poller
}

// Authenticator returns the login authenticator.
func (m *Manager) Authenticator() *auth.Authenticator {
	return m.auth
}

// Database returns the database, or nil when history and the sqlite
// backend are both disabled.
func (m *Manager) Database() *db.DB {
	return m.database
}

// AwaitingReauth returns the id of the account waiting for a session
// refresh, if any.
func (m *Manager) AwaitingReauth() string {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	return m.pausedID
}

// broadcast sends an event to all subscribers.
func (m *Manager) broadcast(event ServiceEvent) {
	// Send to main event channel
	select {
	case m.eventChan <- event:
	default:
	}

	// Send to subscribers
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber channel full, skip
		}
	}
}

// Subscribe creates a channel for receiving service events.
func (m *Manager) Subscribe() chan ServiceEvent {
	ch := make(chan ServiceEvent, 50)

	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber channel.
func (m *Manager) Unsubscribe(ch chan ServiceEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Close stops all services and releases their resources.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.poller.Stop()
		m.auth.CancelLogin()
		close(m.stopChan)

		m.mu.Lock()
		if m.stopWake != nil {
			m.stopWake()
		}
		for _, sub := range m.subscribers {
			close(sub)
		}
		m.subscribers = nil
		m.mu.Unlock()

		err = closeAll(m.closers...)
	})
	return err
}

// closeAll closes every non-nil closer and returns the first error.
func closeAll(closers ...io.Closer) error {
	var errs []error
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
