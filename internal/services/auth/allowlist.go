package auth

import (
	"net/url"
	"strings"

	"github.com/j-veylop/claude-usage-agent/internal/claudeapi"
)

// sessionDomain is the registrable domain the session cookie must be set on.
const sessionDomain = "claude.ai"

// allowedHosts are the only hosts the login surface may navigate to: the
// service itself and the federated identity providers it redirects through.
var allowedHosts = map[string]struct{}{
	sessionDomain:               {},
	"accounts.google.com":       {},
	"appleid.apple.com":         {},
	"challenges.cloudflare.com": {},
}

// IsAllowedNavigation reports whether the login surface may load rawURL.
// Only https URLs whose host exactly matches the allow-list pass.
func IsAllowedNavigation(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "https" || u.User != nil {
		return false
	}
	if port := u.Port(); port != "" && port != "443" {
		return false
	}

	_, ok := allowedHosts[strings.ToLower(u.Hostname())]
	return ok
}

// QualifiesAsSession reports whether c is the session cookie: the expected
// name, set on claude.ai or .claude.ai exactly, Secure, with path "/".
func QualifiesAsSession(c Cookie) bool {
	if c.Name != claudeapi.SessionCookieName || c.Value == "" {
		return false
	}
	if !c.Secure || c.Path != "/" {
		return false
	}

	domain := strings.ToLower(c.Domain)
	return domain == sessionDomain || domain == "."+sessionDomain
}

// hostOf returns the host of rawURL for logging. Paths and queries may carry
// tokens and are never logged.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
