// Package notify delivers low-usage alerts.
package notify

import (
	"fmt"

	"github.com/gen2brain/beeep"

	"github.com/j-veylop/claude-usage-agent/internal/logger"
)

// Alert is a single low-usage alert for one account.
type Alert struct {
	AccountID        string
	Label            string
	RemainingPercent float64
}

// Title returns the notification title.
func (a Alert) Title() string {
	if a.Label == "" {
		return "Claude Usage Low"
	}
	return fmt.Sprintf("Claude Usage Low: %s", a.Label)
}

// Body returns the notification body.
func (a Alert) Body() string {
	return fmt.Sprintf("Weekly quota is at %.0f%% remaining.", a.RemainingPercent)
}

// Sink is a fire-and-forget alert destination.
type Sink interface {
	Alert(alert Alert)
}

// Func adapts a function to a Sink.
type Func func(Alert)

// Alert calls f(alert).
func (f Func) Alert(alert Alert) {
	f(alert)
}

// Discard drops every alert.
var Discard Sink = Func(func(Alert) {})

// notifyFunc is swapped in tests.
var notifyFunc = func(title, body string) error {
	return beeep.Notify(title, body, "")
}

// Desktop shows alerts as desktop notifications.
type Desktop struct{}

// NewDesktop creates a desktop sink.
func NewDesktop() *Desktop {
	return &Desktop{}
}

// Alert shows the notification. Delivery failures are logged and dropped.
func (d *Desktop) Alert(alert Alert) {
	if err := notifyFunc(alert.Title(), alert.Body()); err != nil {
		logger.Warn("failed to show notification", "account", alert.AccountID, "error", err)
	}
}

// Toggle forwards alerts to Sink only while Enabled returns true.
type Toggle struct {
	Sink    Sink
	Enabled func() bool
}

// Alert forwards the alert when enabled.
func (t Toggle) Alert(alert Alert) {
	if t.Enabled != nil && !t.Enabled() {
		logger.Debug("notifications disabled, dropping alert", "account", alert.AccountID)
		return
	}
	t.Sink.Alert(alert)
}
