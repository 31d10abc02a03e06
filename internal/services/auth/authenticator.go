// Package auth drives the login flow from a captured session cookie to a
// registered account.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/j-veylop/claude-usage-agent/internal/claudeapi"
	"github.com/j-veylop/claude-usage-agent/internal/logger"
	"github.com/j-veylop/claude-usage-agent/internal/models"
	"github.com/j-veylop/claude-usage-agent/internal/services/accounts"
)

// LoginTimeout bounds the wait for a session cookie after the first
// navigation.
const LoginTimeout = 5 * time.Minute

var (
	// ErrLoginInProgress is returned when a login is already being verified.
	ErrLoginInProgress = errors.New("login already in progress")

	// ErrUnknownAccount is returned by StartReauth for an unknown account id.
	ErrUnknownAccount = errors.New("unknown account")
)

// State is the login state machine state.
type State int

const (
	StateIdle State = iota
	StatePresenting
	StateAwaitingCookie
	StateVerifying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePresenting:
		return "presenting"
	case StateAwaitingCookie:
		return "awaiting_cookie"
	case StateVerifying:
		return "verifying"
	default:
		return "unknown"
	}
}

// Reason classifies a failed login.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonUnauthorized
	ReasonNoOrganization
	ReasonDuplicateOrganization
	ReasonAccountLimit
	ReasonTransport
	ReasonStorage
	ReasonTimeout
	ReasonCancelled
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonUnauthorized:
		return "unauthorized"
	case ReasonNoOrganization:
		return "no_organization"
	case ReasonDuplicateOrganization:
		return "duplicate_organization"
	case ReasonAccountLimit:
		return "account_limit"
	case ReasonTransport:
		return "transport"
	case ReasonStorage:
		return "storage"
	case ReasonTimeout:
		return "timeout"
	case ReasonCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Retryable reports whether simply trying again may succeed.
func (r Reason) Retryable() bool {
	return r == ReasonTransport || r == ReasonStorage || r == ReasonTimeout
}

// Result is the outcome of one login attempt.
type Result struct {
	Err     error
	Account *models.Account
	// Refreshed is set when a re-auth updated an existing account instead of
	// adding one.
	Refreshed bool
	Reason    Reason
	AttemptID uint64
}

// Success reports whether the attempt produced an account.
func (r Result) Success() bool {
	return r.Account != nil
}

// OrganizationFetcher discovers the organizations of a session.
type OrganizationFetcher interface {
	FetchOrganizations(ctx context.Context, sessionKey string) ([]claudeapi.Organization, error)
}

// AccountStore is the part of the account registry the authenticator needs.
type AccountStore interface {
	Get(id string) (models.Account, bool)
	FindByOrganization(organizationID string) (models.Account, bool)
	Add(account models.Account) (models.Account, error)
	SwitchTo(id string) (bool, error)
	UpdateSessionKey(id, sessionKey string, expiration *time.Time) error
	Remove(id string) error
	RemoveAll() error
}

// Config holds optional authenticator settings.
type Config struct {
	Clock    quartz.Clock
	LoginURL string
	Timeout  time.Duration
}

// Authenticator runs at most one login attempt at a time.
type Authenticator struct {
	fetcher      OrganizationFetcher
	accounts     AccountStore
	surface      LoginSurface
	clock        quartz.Clock
	timer        *quartz.Timer
	cancelVerify context.CancelFunc
	eventChan    chan Result
	loginURL     string
	reauthID     string
	timeout      time.Duration
	attempt      uint64
	state        State
	mu           sync.Mutex
	captured     bool
	surfaceOpen  bool
}

// New creates an authenticator presenting logins on surface.
func New(fetcher OrganizationFetcher, store AccountStore, surface LoginSurface, cfg Config) *Authenticator {
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.LoginURL == "" {
		cfg.LoginURL = claudeapi.LoginURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = LoginTimeout
	}

	return &Authenticator{
		fetcher:   fetcher,
		accounts:  store,
		surface:   surface,
		clock:     cfg.Clock,
		loginURL:  cfg.LoginURL,
		timeout:   cfg.Timeout,
		eventChan: make(chan Result, 100),
	}
}

// Events returns the channel login results are published on.
func (a *Authenticator) Events() <-chan Result {
	return a.eventChan
}

// State returns the current state.
func (a *Authenticator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// StartLogin opens the login surface. When it is already open it is focused
// instead.
func (a *Authenticator) StartLogin() error {
	return a.start("")
}

// StartReauth opens the login surface to refresh the session of accountID.
// When the captured session belongs to the same organization the account's
// session key is replaced instead of adding an account.
func (a *Authenticator) StartReauth(accountID string) error {
	if _, ok := a.accounts.Get(accountID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	return a.start(accountID)
}

func (a *Authenticator) start(reauthID string) error {
	a.mu.Lock()
	if a.surfaceOpen {
		a.mu.Unlock()
		a.surface.Focus()
		return nil
	}
	if a.state != StateIdle {
		a.mu.Unlock()
		return ErrLoginInProgress
	}

	a.attempt++
	id := a.attempt
	a.state = StatePresenting
	a.captured = false
	a.reauthID = reauthID
	a.surfaceOpen = true
	a.mu.Unlock()

	logger.Info("starting login", "attempt", id, "reauth", reauthID != "")

	if err := a.surface.Open(a.loginURL, attemptEvents{auth: a, id: id}); err != nil {
		a.mu.Lock()
		if a.attempt == id && a.state == StatePresenting {
			a.state = StateIdle
			a.surfaceOpen = false
			a.reauthID = ""
		}
		a.mu.Unlock()
		return fmt.Errorf("failed to open login surface: %w", err)
	}
	return nil
}

// CancelLogin abandons the current attempt.
func (a *Authenticator) CancelLogin() {
	a.mu.Lock()
	if a.state == StateIdle {
		a.mu.Unlock()
		return
	}
	if a.state == StateVerifying && a.cancelVerify == nil {
		// Already committing the account.
		a.mu.Unlock()
		return
	}
	result, closeSurface := a.resolveLocked(Result{Reason: ReasonCancelled})
	a.mu.Unlock()

	a.publish(result, closeSurface)
}

// SignOut removes an account and clears capture state tied to it.
func (a *Authenticator) SignOut(accountID string) error {
	a.mu.Lock()
	if a.reauthID == accountID {
		a.reauthID = ""
	}
	if a.state == StateIdle {
		a.captured = false
	}
	a.mu.Unlock()

	if err := a.accounts.Remove(accountID); err != nil {
		return fmt.Errorf("failed to sign out: %w", err)
	}
	logger.Info("signed out", "account", accountID)
	return nil
}

// SignOutAll removes every account.
func (a *Authenticator) SignOutAll() error {
	a.mu.Lock()
	a.reauthID = ""
	if a.state == StateIdle {
		a.captured = false
	}
	a.mu.Unlock()

	if err := a.accounts.RemoveAll(); err != nil {
		return fmt.Errorf("failed to sign out: %w", err)
	}
	logger.Info("signed out of all accounts")
	return nil
}

func (a *Authenticator) handleNavigation(id uint64, rawURL string) bool {
	allowed := IsAllowedNavigation(rawURL)

	a.mu.Lock()
	defer a.mu.Unlock()

	if id != a.attempt || (a.state != StatePresenting && a.state != StateAwaitingCookie) {
		return false
	}
	if !allowed {
		logger.Warn("blocked login navigation", "attempt", id, "host", hostOf(rawURL))
		return false
	}

	if a.state == StatePresenting {
		a.state = StateAwaitingCookie
		a.timer = a.clock.AfterFunc(a.timeout, func() {
			a.handleTimeout(id)
		}, "auth", "timeout")
		logger.Debug("awaiting session cookie", "attempt", id)
	}
	return true
}

func (a *Authenticator) handleCookie(id uint64, cookie Cookie) {
	a.mu.Lock()
	if id != a.attempt || a.state != StateAwaitingCookie || a.captured {
		a.mu.Unlock()
		return
	}
	if !QualifiesAsSession(cookie) {
		a.mu.Unlock()
		return
	}

	a.captured = true
	a.state = StateVerifying
	a.stopTimerLocked()
	ctx, cancel := context.WithCancel(context.Background())
	a.cancelVerify = cancel
	a.surfaceOpen = false
	a.mu.Unlock()

	logger.Info("session cookie captured, verifying", "attempt", id)
	a.surface.Close()

	go a.verify(ctx, id, cookie.Value, cookie.ExpiresAt)
}

func (a *Authenticator) handleSurfaceClosed(id uint64) {
	a.mu.Lock()
	if id != a.attempt || !a.surfaceOpen ||
		(a.state != StatePresenting && a.state != StateAwaitingCookie) {
		a.mu.Unlock()
		return
	}
	result, closeSurface := a.resolveLocked(Result{Reason: ReasonCancelled})
	a.mu.Unlock()

	a.publish(result, closeSurface)
}

func (a *Authenticator) handleTimeout(id uint64) {
	a.mu.Lock()
	if id != a.attempt || (a.state != StatePresenting && a.state != StateAwaitingCookie) {
		a.mu.Unlock()
		return
	}
	result, closeSurface := a.resolveLocked(Result{
		Reason: ReasonTimeout,
		Err:    fmt.Errorf("no session cookie within %s", a.timeout),
	})
	a.mu.Unlock()

	a.publish(result, closeSurface)
}

func (a *Authenticator) verify(ctx context.Context, id uint64, sessionKey string, expiration *time.Time) {
	orgs, err := a.fetcher.FetchOrganizations(ctx, sessionKey)

	a.mu.Lock()
	if id != a.attempt || a.state != StateVerifying {
		a.mu.Unlock()
		return
	}
	// Cancellation is no longer possible once committing starts.
	a.cancelVerify = nil
	reauthID := a.reauthID
	a.mu.Unlock()

	result := a.commit(orgs, err, reauthID, sessionKey, expiration)

	a.mu.Lock()
	result, closeSurface := a.resolveLocked(result)
	a.mu.Unlock()

	a.publish(result, closeSurface)
}

func (a *Authenticator) commit(orgs []claudeapi.Organization, err error, reauthID, sessionKey string, expiration *time.Time) Result {
	switch {
	case errors.Is(err, claudeapi.ErrUnauthorized):
		return Result{Reason: ReasonUnauthorized, Err: err}
	case err != nil:
		return Result{Reason: ReasonTransport, Err: err}
	case len(orgs) == 0:
		return Result{Reason: ReasonNoOrganization, Err: errors.New("session has no organization")}
	}

	org := orgs[0]

	if reauthID != "" {
		if target, ok := a.accounts.FindByOrganization(org.UUID); ok && target.ID == reauthID {
			if err := a.accounts.UpdateSessionKey(target.ID, sessionKey, expiration); err != nil {
				return Result{Reason: ReasonStorage, Err: err}
			}
			refreshed, _ := a.accounts.Get(target.ID)
			return Result{Account: &refreshed, Refreshed: true}
		}
	}

	candidate := models.Account{
		OrganizationID:       org.UUID,
		Email:                org.Email,
		SessionKey:           sessionKey,
		SessionKeyExpiration: expiration,
	}

	added, err := a.accounts.Add(candidate)
	switch {
	case errors.Is(err, accounts.ErrDuplicateOrganization):
		return Result{Reason: ReasonDuplicateOrganization, Err: err}
	case errors.Is(err, accounts.ErrAccountLimit):
		return Result{Reason: ReasonAccountLimit, Err: err}
	case err != nil:
		return Result{Reason: ReasonStorage, Err: err}
	}

	if _, err := a.accounts.SwitchTo(added.ID); err != nil {
		logger.Error("failed to activate new account", "account", added.ID, "error", err)
	}
	return Result{Account: &added}
}

// resolveLocked ends the current attempt and resets the capture guard. It
// reports whether the surface still needs closing.
func (a *Authenticator) resolveLocked(result Result) (Result, bool) {
	result.AttemptID = a.attempt
	a.stopTimerLocked()
	if a.cancelVerify != nil {
		a.cancelVerify()
		a.cancelVerify = nil
	}
	a.state = StateIdle
	a.captured = false
	a.reauthID = ""

	closeSurface := a.surfaceOpen
	a.surfaceOpen = false
	return result, closeSurface
}

func (a *Authenticator) publish(result Result, closeSurface bool) {
	if closeSurface {
		a.surface.Close()
	}

	if result.Success() {
		logger.Info("login succeeded", "attempt", result.AttemptID,
			"account", result.Account.ID, "refreshed", result.Refreshed)
	} else {
		logger.Warn("login failed", "attempt", result.AttemptID,
			"reason", result.Reason.String(), "error", result.Err)
	}

	a.sendEvent(result)
}

func (a *Authenticator) stopTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// sendEvent sends a result to the event channel non-blocking.
func (a *Authenticator) sendEvent(result Result) {
	select {
	case a.eventChan <- result:
	default:
		// Channel full, drop oldest event
		select {
		case <-a.eventChan:
		default:
		}
		select {
		case a.eventChan <- result:
		default:
		}
	}
}
