package login

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j-veylop/claude-usage-agent/internal/services/auth"
)

type input struct {
	err   error
	value string
}

type recorder struct {
	mu          sync.Mutex
	allow       bool
	navigations []string
	cookies     []auth.Cookie
	closed      int
}

func (r *recorder) HandleNavigation(url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.navigations = append(r.navigations, url)
	return r.allow
}

func (r *recorder) HandleCookie(c auth.Cookie) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cookies = append(r.cookies, c)
}

func (r *recorder) HandleSurfaceClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
}

func (r *recorder) snapshot() ([]auth.Cookie, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]auth.Cookie(nil), r.cookies...), r.closed
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestTerminal(t *testing.T) (*Terminal, chan input, *syncBuffer, *[]string) {
	t.Helper()

	var opened []string
	orig := openURL
	openURL = func(url string) error {
		opened = append(opened, url)
		return nil
	}
	t.Cleanup(func() { openURL = orig })

	inputs := make(chan input, 1)
	out := &syncBuffer{}
	term := &Terminal{
		out: out,
		readSecret: func() (string, error) {
			in := <-inputs
			return in.value, in.err
		},
	}
	return term, inputs, out, &opened
}

const loginURL = "https://claude.ai/login"

func TestTerminal_DeliversCookie(t *testing.T) {
	term, inputs, out, opened := newTestTerminal(t)
	events := &recorder{allow: true}

	require.NoError(t, term.Open(loginURL, events))
	assert.Equal(t, []string{loginURL}, events.navigations)
	assert.Equal(t, []string{loginURL}, *opened)

	inputs <- input{value: "sessionKey=sk-ant-secret; Path=/\n"}

	require.Eventually(t, func() bool {
		cookies, _ := events.snapshot()
		return len(cookies) == 1
	}, time.Second, 5*time.Millisecond)

	cookies, closed := events.snapshot()
	assert.Equal(t, 0, closed)
	assert.Equal(t, auth.Cookie{Name: "sessionKey", Value: "sk-ant-secret", Domain: "claude.ai", Path: "/", Secure: true}, cookies[0])
	assert.True(t, auth.QualifiesAsSession(cookies[0]))

	assert.Contains(t, out.String(), loginURL)
	assert.NotContains(t, out.String(), "sk-ant-secret")
}

func TestTerminal_RejectedNavigation(t *testing.T) {
	term, _, _, opened := newTestTerminal(t)

	err := term.Open("https://evil.example/login", &recorder{allow: false})
	require.Error(t, err)
	assert.Empty(t, *opened)

	// The surface can be opened again.
	term.readSecret = func() (string, error) { select {} }
	require.NoError(t, term.Open(loginURL, &recorder{allow: true}))
}

func TestTerminal_EmptyInputCloses(t *testing.T) {
	tests := []struct {
		name string
		in   input
	}{
		{"Empty", input{value: "  \n"}},
		{"ReadError", input{err: io.EOF}},
		{"ErrorWithValue", input{value: "sk", err: errors.New("interrupted")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			term, inputs, _, _ := newTestTerminal(t)
			events := &recorder{allow: true}

			require.NoError(t, term.Open(loginURL, events))
			inputs <- tt.in

			require.Eventually(t, func() bool {
				_, closed := events.snapshot()
				return closed == 1
			}, time.Second, 5*time.Millisecond)

			cookies, _ := events.snapshot()
			assert.Empty(t, cookies)
			assert.False(t, term.isOpen())
		})
	}
}

func TestTerminal_OpenTwice(t *testing.T) {
	term, _, _, _ := newTestTerminal(t)

	require.NoError(t, term.Open(loginURL, &recorder{allow: true}))
	assert.ErrorIs(t, term.Open(loginURL, &recorder{allow: true}), ErrAlreadyOpen)
}

func TestTerminal_CloseDiscardsInput(t *testing.T) {
	term, inputs, _, _ := newTestTerminal(t)
	events := &recorder{allow: true}

	require.NoError(t, term.Open(loginURL, events))
	term.Close()
	inputs <- input{value: "sk-late"}

	assert.Never(t, func() bool {
		cookies, closed := events.snapshot()
		return len(cookies) > 0 || closed > 0
	}, 100*time.Millisecond, 5*time.Millisecond)
}

func TestTerminal_ReopenAfterClose(t *testing.T) {
	term, inputs, _, _ := newTestTerminal(t)

	var readers, maxReaders atomic.Int32
	next := term.readSecret
	term.readSecret = func() (string, error) {
		n := readers.Add(1)
		defer readers.Add(-1)
		if n > maxReaders.Load() {
			maxReaders.Store(n)
		}
		return next()
	}

	first := &recorder{allow: true}
	require.NoError(t, term.Open(loginURL, first))
	time.Sleep(20 * time.Millisecond)
	term.Close()

	second := &recorder{allow: true}
	require.NoError(t, term.Open(loginURL, second))
	inputs <- input{value: "sk-ant-fresh"}

	require.Eventually(t, func() bool {
		cookies, _ := second.snapshot()
		return len(cookies) == 1
	}, time.Second, 5*time.Millisecond)

	cookies, _ := second.snapshot()
	assert.Equal(t, "sk-ant-fresh", cookies[0].Value)

	stale, closed := first.snapshot()
	assert.Empty(t, stale)
	assert.Equal(t, 0, closed)
	assert.Equal(t, int32(1), maxReaders.Load(), "input must have a single reader")
}

func TestTerminal_ReadErrorRestartsReader(t *testing.T) {
	term, inputs, _, _ := newTestTerminal(t)

	first := &recorder{allow: true}
	require.NoError(t, term.Open(loginURL, first))
	inputs <- input{err: errors.New("interrupted")}
	require.Eventually(t, func() bool {
		_, closed := first.snapshot()
		return closed == 1
	}, time.Second, 5*time.Millisecond)

	second := &recorder{allow: true}
	require.NoError(t, term.Open(loginURL, second))
	inputs <- input{value: "sk-ant-2"}
	require.Eventually(t, func() bool {
		cookies, _ := second.snapshot()
		return len(cookies) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTerminal_FocusReprompts(t *testing.T) {
	term, _, out, _ := newTestTerminal(t)

	term.Focus()
	assert.Empty(t, out.String())

	require.NoError(t, term.Open(loginURL, &recorder{allow: true}))
	before := bytes.Count([]byte(out.String()), []byte(loginURL))
	term.Focus()
	assert.Equal(t, before+1, bytes.Count([]byte(out.String()), []byte(loginURL)))
}

func TestTerminal_BrowserFailure(t *testing.T) {
	term, _, out, _ := newTestTerminal(t)
	openURL = func(string) error { return errors.New("no display") }

	require.NoError(t, term.Open(loginURL, &recorder{allow: true}))
	assert.Contains(t, out.String(), loginURL)
}

func TestCookieValue(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"sk-ant-1", "sk-ant-1"},
		{"  sk-ant-1\r\n", "sk-ant-1"},
		{"sessionKey=sk-ant-1", "sk-ant-1"},
		{"sessionKey=sk-ant-1; Path=/; Secure", "sk-ant-1"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, cookieValue(tt.in), "input %q", tt.in)
	}
}
