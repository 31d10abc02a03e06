// Package accounts owns the set of accounts, the active-account pointer and
// the rules for mutating them.
package accounts

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/j-veylop/claude-usage-agent/internal/logger"
	"github.com/j-veylop/claude-usage-agent/internal/models"
	"github.com/j-veylop/claude-usage-agent/internal/store"
)

// MaxAccounts is the maximum number of accounts in the registry.
const MaxAccounts = 5

// Store keys.
const (
	accountsKey      = "accounts"
	activeAccountKey = "activeAccountId"
)

var (
	// ErrAccountLimit is returned by Add when the registry is full.
	ErrAccountLimit = errors.New("account limit reached")

	// ErrDuplicateOrganization is returned by Add when another account already
	// belongs to the same organization.
	ErrDuplicateOrganization = errors.New("organization already added")
)

// EventType defines the type of registry event.
type EventType int

const (
	EventLoaded EventType = iota
	EventAdded
	EventUpdated
	EventRemoved
	EventActiveChanged
	EventReloaded
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventLoaded:
		return "loaded"
	case EventAdded:
		return "added"
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	case EventActiveChanged:
		return "active_changed"
	case EventReloaded:
		return "reloaded"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event represents a registry change. Consumers read the resulting state
// through the getters.
type Event struct {
	Error   error
	Account *models.Account
	Type    EventType
}

// Registry manages accounts persisted in a SecureStore.
type Registry struct {
	store     store.SecureStore
	eventChan chan Event
	activeID  string
	accounts  []models.Account
	mu        sync.RWMutex
}

// New creates a registry backed by s. Call Load before use.
func New(s store.SecureStore) *Registry {
	return &Registry{
		store:     s,
		accounts:  make([]models.Account, 0),
		eventChan: make(chan Event, 100),
	}
}

// Events returns the event channel for subscribing to registry changes.
func (r *Registry) Events() <-chan Event {
	return r.eventChan
}

// Load restores accounts and the active id from the store. When accounts
// exist without a valid active id, the first one becomes active and that
// choice is persisted.
func (r *Registry) Load() error {
	if err := r.load(); err != nil {
		return err
	}
	r.sendEvent(Event{Type: EventLoaded})
	return nil
}

// Reload re-reads the store after an external writer changed it.
func (r *Registry) Reload() error {
	if err := r.load(); err != nil {
		r.sendEvent(Event{Type: EventError, Error: err})
		return err
	}
	r.sendEvent(Event{Type: EventReloaded})
	return nil
}

// WatchStore reloads the registry whenever the store reports an external
// change. It returns false when the store cannot be watched.
func (r *Registry) WatchStore() (bool, error) {
	w, ok := r.store.(store.Watcher)
	if !ok {
		return false, nil
	}

	err := w.Watch(func() {
		logger.Debug("account store changed externally, reloading")
		if err := r.Reload(); err != nil {
			logger.Error("failed to reload accounts", "error", err)
		}
	})
	if err != nil {
		return false, fmt.Errorf("failed to watch account store: %w", err)
	}
	return true, nil
}

func (r *Registry) load() error {
	accounts, err := r.readAccounts()
	if err != nil {
		return err
	}

	activeID, err := r.readActiveID()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.accounts = accounts
	r.activeID = activeID

	if r.indexLocked(activeID) >= 0 {
		return nil
	}

	switch {
	case len(r.accounts) > 0:
		r.activeID = r.accounts[0].ID
		return r.persistActiveLocked()
	case activeID != "":
		r.activeID = ""
		return r.persistActiveLocked()
	}
	return nil
}

func (r *Registry) readAccounts() ([]models.Account, error) {
	data, err := r.store.Get(accountsKey)
	if errors.Is(err, store.ErrNotFound) {
		return make([]models.Account, 0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts: %w", err)
	}

	var accounts []models.Account
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("failed to decode accounts: %w", err)
	}
	if accounts == nil {
		accounts = make([]models.Account, 0)
	}
	return accounts, nil
}

func (r *Registry) readActiveID() (string, error) {
	data, err := r.store.Get(activeAccountKey)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read active account: %w", err)
	}
	return string(data), nil
}

// Accounts returns a copy of all accounts in insertion order.
func (r *Registry) Accounts() []models.Account {
	r.mu.RLock()
	defer r.mu.RUnlock()

	accounts := make([]models.Account, len(r.accounts))
	for i := range r.accounts {
		accounts[i] = r.accounts[i].Clone()
	}
	return accounts
}

// Count returns the number of accounts.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.accounts)
}

// Get returns the account with the given id.
func (r *Registry) Get(id string) (models.Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i := r.indexLocked(id); i >= 0 {
		return r.accounts[i].Clone(), true
	}
	return models.Account{}, false
}

// FindByOrganization returns the account belonging to organizationID.
func (r *Registry) FindByOrganization(organizationID string) (models.Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.accounts {
		if r.accounts[i].OrganizationID == organizationID {
			return r.accounts[i].Clone(), true
		}
	}
	return models.Account{}, false
}

// ActiveID returns the id of the active account, or "" when there is none.
func (r *Registry) ActiveID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID
}

// Active returns the active account.
func (r *Registry) Active() (models.Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i := r.indexLocked(r.activeID); i >= 0 {
		return r.accounts[i].Clone(), true
	}
	return models.Account{}, false
}

// Label returns the display label of the account with the given id.
func (r *Registry) Label(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := r.indexLocked(id)
	if i < 0 {
		return ""
	}
	return r.accounts[i].DisplayLabel(i + 1)
}

// Add appends an account. The id and added date are assigned when empty and
// the threshold defaults when zero. The first account becomes active.
func (r *Registry) Add(account models.Account) (models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.accounts) >= MaxAccounts {
		return models.Account{}, ErrAccountLimit
	}
	for i := range r.accounts {
		if r.accounts[i].OrganizationID == account.OrganizationID {
			return models.Account{}, ErrDuplicateOrganization
		}
	}

	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.AddedAt.IsZero() {
		account.AddedAt = time.Now()
	}
	if account.NotificationThreshold == 0 {
		account.NotificationThreshold = models.DefaultNotificationThreshold
	}
	account.Nickname = models.NormalizeNickname(account.Nickname)

	prevActive := r.activeID
	r.accounts = append(r.accounts, account)
	if len(r.accounts) == 1 {
		r.activeID = account.ID
	}

	if err := r.persistLocked(); err != nil {
		// Rollback
		r.accounts = r.accounts[:len(r.accounts)-1]
		r.activeID = prevActive
		return models.Account{}, fmt.Errorf("failed to save accounts: %w", err)
	}

	added := account.Clone()
	r.sendEvent(Event{Type: EventAdded, Account: &added})
	if prevActive != r.activeID {
		r.sendEvent(Event{Type: EventActiveChanged, Account: &added})
	}
	return account.Clone(), nil
}

// Remove deletes the account with the given id. Removing the active account
// promotes the first remaining one. Unknown ids are ignored.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexLocked(id)
	if idx < 0 {
		return nil
	}

	removed := r.accounts[idx]
	r.accounts = append(r.accounts[:idx], r.accounts[idx+1:]...)

	activeChanged := false
	if r.activeID == removed.ID {
		r.activeID = ""
		if len(r.accounts) > 0 {
			r.activeID = r.accounts[0].ID
		}
		activeChanged = true
	}

	err := r.persistLocked()

	r.sendEvent(Event{Type: EventRemoved, Account: &removed})
	if activeChanged {
		r.sendEvent(Event{Type: EventActiveChanged})
	}

	if err != nil {
		return fmt.Errorf("failed to save accounts: %w", err)
	}
	return nil
}

// RemoveAll deletes every account and clears the active id.
func (r *Registry) RemoveAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.accounts) == 0 && r.activeID == "" {
		return nil
	}

	removed := r.accounts
	r.accounts = make([]models.Account, 0)
	r.activeID = ""

	err := r.persistLocked()

	for i := range removed {
		r.sendEvent(Event{Type: EventRemoved, Account: &removed[i]})
	}
	r.sendEvent(Event{Type: EventActiveChanged})

	if err != nil {
		return fmt.Errorf("failed to save accounts: %w", err)
	}
	return nil
}

// SwitchTo makes the account with the given id active. It reports false and
// changes nothing when the id is unknown.
func (r *Registry) SwitchTo(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexLocked(id)
	if idx < 0 {
		return false, nil
	}

	r.activeID = id
	if err := r.persistActiveLocked(); err != nil {
		return true, fmt.Errorf("failed to save active account: %w", err)
	}

	acc := r.accounts[idx].Clone()
	r.sendEvent(Event{Type: EventActiveChanged, Account: &acc})
	return true, nil
}

// UpdateSessionKey replaces the session credential of an account.
func (r *Registry) UpdateSessionKey(id, sessionKey string, expiration *time.Time) error {
	return r.update(id, func(acc *models.Account) {
		acc.SessionKey = sessionKey
		acc.SessionKeyExpiration = nil
		if expiration != nil {
			exp := *expiration
			acc.SessionKeyExpiration = &exp
		}
	})
}

// UpdateNickname sets the nickname. Blank text clears it.
func (r *Registry) UpdateNickname(id, text string) error {
	return r.update(id, func(acc *models.Account) {
		acc.Nickname = models.NormalizeNickname(text)
	})
}

// UpdateNotifyFlag sets the low-usage notification latch.
func (r *Registry) UpdateNotifyFlag(id string, notified bool) error {
	return r.update(id, func(acc *models.Account) {
		acc.DidNotifyBelowThreshold = notified
	})
}

// UpdateThreshold sets the notification threshold, clamped to [0, 100].
// NaN is ignored.
func (r *Registry) UpdateThreshold(id string, value float64) error {
	if math.IsNaN(value) {
		return nil
	}
	value = math.Max(0, math.Min(100, value))

	return r.update(id, func(acc *models.Account) {
		acc.NotificationThreshold = value
	})
}

func (r *Registry) update(id string, apply func(*models.Account)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexLocked(id)
	if idx < 0 {
		return nil
	}
	apply(&r.accounts[idx])

	if err := r.persistAccountsLocked(); err != nil {
		return fmt.Errorf("failed to save accounts: %w", err)
	}

	acc := r.accounts[idx].Clone()
	r.sendEvent(Event{Type: EventUpdated, Account: &acc})
	return nil
}

func (r *Registry) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range r.accounts {
		if r.accounts[i].ID == id {
			return i
		}
	}
	return -1
}

// persistLocked re-serializes the whole collection and the active id.
func (r *Registry) persistLocked() error {
	if err := r.persistAccountsLocked(); err != nil {
		return err
	}
	return r.persistActiveLocked()
}

func (r *Registry) persistAccountsLocked() error {
	data, err := json.Marshal(r.accounts)
	if err != nil {
		return fmt.Errorf("failed to marshal accounts: %w", err)
	}
	if err := r.store.Set(accountsKey, data); err != nil {
		return fmt.Errorf("failed to write accounts: %w", err)
	}
	return nil
}

func (r *Registry) persistActiveLocked() error {
	if r.activeID == "" {
		if err := r.store.Delete(activeAccountKey); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to clear active account: %w", err)
		}
		return nil
	}
	if err := r.store.Set(activeAccountKey, []byte(r.activeID)); err != nil {
		return fmt.Errorf("failed to write active account: %w", err)
	}
	return nil
}

// sendEvent sends an event to the event channel non-blocking.
func (r *Registry) sendEvent(event Event) {
	select {
	case r.eventChan <- event:
	default:
		// Channel full, drop oldest event
		select {
		case <-r.eventChan:
		default:
		}
		select {
		case r.eventChan <- event:
		default:
		}
	}
}
