// Package cookies keeps the cookies accumulated during one login attempt.
//
// Entries are keyed by (domain, name). Domain, path, secure and expiry
// attributes are honored when serializing a Cookie header for a target URL.
// Nothing is evicted; expired entries are skipped on read.
package cookies

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// ErrInvalidURL is returned when an origin or target URL cannot be used for scoping
var ErrInvalidURL = errors.New("cookies: url has no host")

// Cookie is the stored form of a cookie
type Cookie struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Domain   string     `json:"domain"`
	Path     string     `json:"path"`
	HostOnly bool       `json:"host_only"`
	Secure   bool       `json:"secure,omitempty"`
	Expires  *time.Time `json:"expires,omitempty"`
}

func (c *Cookie) expired(now time.Time) bool {
	return c.Expires != nil && !c.Expires.After(now)
}

type entryKey struct {
	domain string
	name   string
}

// Jar is not safe for concurrent use; each login attempt owns its own Jar
type Jar struct {
	entries []*Cookie
	index   map[entryKey]int
	now     func() time.Time
}

// Option configures a Jar
type Option func(*Jar)

// WithClock overrides the clock used for expiry checks
func WithClock(now func() time.Time) Option {
	return func(j *Jar) {
		j.now = now
	}
}

// NewJar creates an empty jar
func NewJar(opts ...Option) *Jar {
	j := &Jar{
		index: make(map[entryKey]int),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// MergeSetCookie parses Set-Cookie header values received from origin.
// A value may hold several directives separated by newlines. Directives
// that cannot be scoped to origin are dropped, the way a browser would.
func (j *Jar) MergeSetCookie(origin string, headers ...string) error {
	u, err := parseURL(origin)
	if err != nil {
		return err
	}

	for _, header := range headers {
		for _, line := range strings.Split(header, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			parsed, err := http.ParseSetCookie(line)
			if err != nil {
				continue
			}
			j.store(u, parsed)
		}
	}
	return nil
}

// MergeResponse merges every Set-Cookie header of resp
func (j *Jar) MergeResponse(origin string, resp *http.Response) error {
	values := resp.Header.Values("Set-Cookie")
	if len(values) == 0 {
		return nil
	}
	return j.MergeSetCookie(origin, values...)
}

// SetCookie inserts a host-only cookie for domain with path "/"
func (j *Jar) SetCookie(name, value, domain string) {
	j.put(&Cookie{
		Name:     name,
		Value:    value,
		Domain:   strings.ToLower(domain),
		Path:     "/",
		HostOnly: true,
	})
}

// CookieHeader serializes the cookies applicable to target as
// "name=value; name=value" in insertion order. An empty string means no match.
func (j *Jar) CookieHeader(target string) string {
	u, err := parseURL(target)
	if err != nil {
		return ""
	}

	matches := j.matching(u)
	parts := make([]string, 0, len(matches))
	for _, c := range matches {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// Value returns the value of the named cookie applicable to target
func (j *Jar) Value(target, name string) (string, bool) {
	u, err := parseURL(target)
	if err != nil {
		return "", false
	}

	var (
		value string
		found bool
	)
	for _, c := range j.matching(u) {
		if c.Name == name {
			// The last matching entry wins
			value, found = c.Value, true
		}
	}
	return value, found
}

// Snapshot returns a copy of every stored cookie, expired ones included
func (j *Jar) Snapshot() []Cookie {
	out := make([]Cookie, 0, len(j.entries))
	for _, c := range j.entries {
		out = append(out, *c)
	}
	return out
}

// Len reports the number of stored entries
func (j *Jar) Len() int {
	return len(j.entries)
}

func (j *Jar) store(origin *url.URL, parsed *http.Cookie) {
	host := canonicalHost(origin)
	c := &Cookie{
		Name:   parsed.Name,
		Value:  parsed.Value,
		Secure: parsed.Secure,
	}

	if parsed.Domain == "" {
		c.Domain = host
		c.HostOnly = true
	} else {
		domain := strings.ToLower(strings.TrimPrefix(parsed.Domain, "."))
		if !domainMatch(host, domain) || isPublicSuffix(host, domain) {
			return
		}
		c.Domain = domain
	}

	c.Path = parsed.Path
	if c.Path == "" || c.Path[0] != '/' {
		c.Path = defaultPath(origin.Path)
	}

	now := j.now()
	switch {
	case parsed.MaxAge < 0:
		c.Expires = &now
	case parsed.MaxAge > 0:
		exp := now.Add(time.Duration(parsed.MaxAge) * time.Second)
		c.Expires = &exp
	case !parsed.Expires.IsZero():
		exp := parsed.Expires
		c.Expires = &exp
	}

	j.put(c)
}

// put inserts or overwrites in place, keeping the original insertion position
func (j *Jar) put(c *Cookie) {
	key := entryKey{domain: c.Domain, name: c.Name}
	if i, ok := j.index[key]; ok {
		j.entries[i] = c
		return
	}
	j.index[key] = len(j.entries)
	j.entries = append(j.entries, c)
}

func (j *Jar) matching(u *url.URL) []*Cookie {
	host := canonicalHost(u)
	path := u.Path
	if path == "" {
		path = "/"
	}
	secure := u.Scheme == "https"
	now := j.now()

	var out []*Cookie
	for _, c := range j.entries {
		if c.expired(now) || (c.Secure && !secure) {
			continue
		}
		if c.HostOnly {
			if host != c.Domain {
				continue
			}
		} else if !domainMatch(host, c.Domain) {
			continue
		}
		if !pathMatch(path, c.Path) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func parseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse url: %w", err)
	}
	if u.Hostname() == "" {
		return nil, ErrInvalidURL
	}
	return u, nil
}

func canonicalHost(u *url.URL) string {
	return strings.ToLower(u.Hostname())
}

// domainMatch implements RFC 6265 section 5.1.3
func domainMatch(host, domain string) bool {
	if host == domain {
		return true
	}
	if net.ParseIP(host) != nil {
		return false
	}
	return strings.HasSuffix(host, "."+domain)
}

func isPublicSuffix(host, domain string) bool {
	if host == domain {
		return false
	}
	ps, _ := publicsuffix.PublicSuffix(domain)
	return ps == domain
}

// defaultPath implements RFC 6265 section 5.1.4
func defaultPath(path string) string {
	if path == "" || path[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(path, "/")
	if i == 0 {
		return "/"
	}
	return path[:i]
}

// pathMatch implements RFC 6265 section 5.1.4
func pathMatch(requestPath, cookiePath string) bool {
	if requestPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(requestPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || requestPath[len(cookiePath)] == '/'
}
