// Package session holds the cookie-bearing HTTP state shared by every request of a crawl run.
package session

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/sse-bulletin-crawler/internal/crawler"
)

// Session wraps a cookie jar. Cookie installs are serialized and concurrent challenge
// solves collapse into one.
type Session struct {
	jar    *cookiejar.Jar
	mu     sync.Mutex
	solves singleflight.Group
	solved map[string]crawler.VerificationCookie
}

// New creates an empty session.
func New() (*Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Session{
		jar:    jar,
		solved: make(map[string]crawler.VerificationCookie),
	}, nil
}

// Jar exposes the cookie jar for the HTTP transport.
func (s *Session) Jar() http.CookieJar {
	return s.jar
}

// Install stores cookie for targetURL. The cookie is scoped to its domain when the target
// host lies inside it, and to the target host otherwise.
func (s *Session) Install(targetURL string, cookie crawler.VerificationCookie) error {
	u, err := url.Parse(targetURL)
	if err != nil {
		return fmt.Errorf("parse cookie target: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("cookie target %q has no host", targetURL)
	}
	c := &http.Cookie{
		Name:  cookie.Name,
		Value: cookie.Value,
		Path:  "/",
	}
	if domainMatches(u.Hostname(), cookie.Domain) {
		c.Domain = cookie.Domain
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jar.SetCookies(u, []*http.Cookie{c})
	s.solved[cookie.Name] = cookie
	return nil
}

// Solve runs solve unless another goroutine is already solving; concurrent callers share
// the first result.
func (s *Session) Solve(solve func() (crawler.VerificationCookie, error)) (crawler.VerificationCookie, error) {
	v, err, _ := s.solves.Do("challenge", func() (any, error) {
		return solve()
	})
	if err != nil {
		return crawler.VerificationCookie{}, err //nolint:wrapcheck // solver errors are already classified
	}
	cookie, ok := v.(crawler.VerificationCookie)
	if !ok {
		return crawler.VerificationCookie{}, fmt.Errorf("unexpected solve result %T", v)
	}
	return cookie, nil
}

// Cookie returns the last installed cookie with the given name.
func (s *Session) Cookie(name string) (crawler.VerificationCookie, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.solved[name]
	return c, ok
}

func domainMatches(host, domain string) bool {
	domain = strings.TrimPrefix(strings.ToLower(domain), ".")
	if domain == "" {
		return false
	}
	host = strings.ToLower(host)
	return host == domain || strings.HasSuffix(host, "."+domain)
}
