package auth

import (
	"fmt"
	"time"
)

// Cookie is a cookie observed by the login surface.
type Cookie struct {
	ExpiresAt *time.Time
	Name      string
	Value     string
	Domain    string
	Path      string
	Secure    bool
}

// String hides the cookie value.
func (c Cookie) String() string {
	return fmt.Sprintf("Cookie{name=%s domain=%s path=%s secure=%t}", c.Name, c.Domain, c.Path, c.Secure)
}

// LoginSurface presents the interactive login page. Implementations report
// what happens on the page through the SurfaceEvents passed to Open.
type LoginSurface interface {
	Open(url string, events SurfaceEvents) error
	Focus()
	Close()
}

// SurfaceEvents receives the events of one login attempt. Events delivered
// after the attempt resolved are ignored.
type SurfaceEvents interface {
	// HandleNavigation reports whether the surface may load url.
	HandleNavigation(url string) bool
	HandleCookie(cookie Cookie)
	HandleSurfaceClosed()
}

// attemptEvents binds surface events to the attempt that opened the surface.
type attemptEvents struct {
	auth *Authenticator
	id   uint64
}

func (e attemptEvents) HandleNavigation(url string) bool {
	return e.auth.handleNavigation(e.id, url)
}

func (e attemptEvents) HandleCookie(cookie Cookie) {
	e.auth.handleCookie(e.id, cookie)
}

func (e attemptEvents) HandleSurfaceClosed() {
	e.auth.handleSurfaceClosed(e.id)
}
