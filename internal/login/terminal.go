// Package login implements a terminal login surface. The login page opens in
// the user's browser and the session cookie is pasted back at a prompt.
package login

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/pkg/browser"
	"golang.org/x/term"

	"github.com/j-veylop/claude-usage-agent/internal/claudeapi"
	"github.com/j-veylop/claude-usage-agent/internal/logger"
	"github.com/j-veylop/claude-usage-agent/internal/services/auth"
)

const cookieDomain = "claude.ai"

// ErrAlreadyOpen is returned by Open while a prompt is showing.
var ErrAlreadyOpen = errors.New("login prompt already open")

// openURL is replaced in tests.
var openURL = browser.OpenURL

// Terminal is an auth.LoginSurface backed by the system browser and a
// terminal prompt.
type Terminal struct {
	out        io.Writer
	readSecret func() (string, error)
	events     auth.SurfaceEvents
	url        string
	session    uint64
	mu         sync.Mutex
	open       bool
	// reading is set while the single reader goroutine is running.
	reading bool
}

// NewTerminal creates a surface that prompts on out and reads from in.
// Input is not echoed when in is a terminal.
func NewTerminal(out io.Writer, in *os.File) *Terminal {
	return &Terminal{out: out, readSecret: secretReader(in)}
}

func secretReader(in *os.File) func() (string, error) {
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		return func() (string, error) {
			b, err := term.ReadPassword(fd)
			return string(b), err
		}
	}

	r := bufio.NewReader(in)
	return func() (string, error) {
		line, err := r.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", err
		}
		return line, nil
	}
}

// Open shows the login page and starts waiting for the pasted cookie.
func (t *Terminal) Open(url string, events auth.SurfaceEvents) error {
	t.mu.Lock()
	if t.open {
		t.mu.Unlock()
		return ErrAlreadyOpen
	}
	t.open = true
	t.session++
	session := t.session
	t.url = url
	t.events = events
	t.mu.Unlock()

	if !events.HandleNavigation(url) {
		t.finish(session)
		return fmt.Errorf("login page %s is not allowed", url)
	}

	if err := openURL(url); err != nil {
		logger.Warn("failed to open browser", "error", err)
	}
	t.prompt(url)

	t.mu.Lock()
	if !t.reading {
		t.reading = true
		go t.readLoop()
	}
	t.mu.Unlock()
	return nil
}

// Focus prints the prompt again.
func (t *Terminal) Focus() {
	t.mu.Lock()
	open, url := t.open, t.url
	t.mu.Unlock()

	if open {
		t.prompt(url)
	}
}

// Close dismisses the prompt. Input that arrives while no prompt is open is
// discarded.
func (t *Terminal) Close() {
	t.mu.Lock()
	t.open = false
	t.events = nil
	t.mu.Unlock()
}

func (t *Terminal) prompt(url string) {
	fmt.Fprintf(t.out, "Sign in at %s\n", url)
	fmt.Fprintf(t.out, "Then copy the %q cookie from the browser's developer tools.\n", claudeapi.SessionCookieName)
	fmt.Fprint(t.out, "Paste the session cookie (empty to cancel): ")
}

// readLoop is the only reader of the input. Each line goes to the prompt
// that is open when it arrives. The loop exits on a read error and the next
// Open starts a new one.
func (t *Terminal) readLoop() {
	for {
		raw, err := t.readSecret()
		fmt.Fprintln(t.out)

		t.mu.Lock()
		session, events, open := t.session, t.events, t.open
		if err != nil {
			t.reading = false
		}
		t.mu.Unlock()

		if open && events != nil {
			t.deliver(session, events, raw, err)
		}
		if err != nil {
			logger.Debug("login input closed", "error", err)
			return
		}
	}
}

func (t *Terminal) deliver(session uint64, events auth.SurfaceEvents, raw string, err error) {
	value := cookieValue(raw)
	if err != nil || value == "" {
		t.finish(session)
		events.HandleSurfaceClosed()
		return
	}

	events.HandleCookie(auth.Cookie{
		Name:   claudeapi.SessionCookieName,
		Value:  value,
		Domain: cookieDomain,
		Path:   "/",
		Secure: true,
	})
}

func (t *Terminal) isOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *Terminal) finish(session uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == session {
		t.open = false
		t.events = nil
	}
}

// cookieValue accepts either the bare value or a "sessionKey=value; ..."
// cookie string.
func cookieValue(raw string) string {
	v := strings.TrimSpace(raw)
	v = strings.TrimPrefix(v, claudeapi.SessionCookieName+"=")
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}
