package cookie

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/valora-bridge/internal/clock"
)

// Jar is an in-memory browser cookie jar shared by every host it serves.
// It honours domain scoping and Max-Age against an injected clock.
type Jar struct {
	mu      sync.Mutex
	clock   clock.Clock
	seq     int64
	entries map[jarKey]jarEntry
}

type jarKey struct {
	domain   string
	hostOnly bool
	name     string
}

type jarEntry struct {
	value   string
	expires time.Time
	seq     int64
}

// NewJar creates an empty jar.
func NewJar(clk clock.Clock) *Jar {
	if clk == nil {
		clk = clock.Real()
	}
	return &Jar{clock: clk, entries: make(map[jarKey]jarEntry)}
}

// ForHost returns the Store view a page served from host would see.
func (j *Jar) ForHost(host string, opts Options) Store {
	return &jarView{jar: j, host: canonicalHost(host), opts: opts}
}

// AddCookies attaches every cookie visible to the request host, the way a
// browser would on navigation.
func (j *Jar) AddCookies(r *http.Request) {
	host := canonicalHost(r.Host)
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.clock.Now()
	for name, e := range j.visibleLocked(host, now) {
		r.AddCookie(&http.Cookie{Name: name, Value: e.value})
	}
}

// StoreResponse records the Set-Cookie headers of a response from host.
func (j *Jar) StoreResponse(host string, header http.Header) {
	resp := http.Response{Header: header}
	host = canonicalHost(host)
	for _, c := range resp.Cookies() {
		domain := strings.TrimPrefix(strings.ToLower(c.Domain), ".")
		hostOnly := domain == ""
		if hostOnly {
			domain = host
		} else if !domainMatch(host, domain) {
			continue
		}
		key := jarKey{domain: domain, hostOnly: hostOnly, name: c.Name}
		if c.MaxAge < 0 || (!c.Expires.IsZero() && c.Expires.Before(j.clock.Now())) {
			j.delete(key)
			continue
		}
		var ttl time.Duration
		if c.MaxAge > 0 {
			ttl = time.Duration(c.MaxAge) * time.Second
		}
		j.put(key, c.Value, ttl)
	}
}

// Len returns the number of unexpired cookies, for assertions.
func (j *Jar) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.clock.Now()
	n := 0
	for _, e := range j.entries {
		if e.expires.IsZero() || now.Before(e.expires) {
			n++
		}
	}
	return n
}

func (j *Jar) put(key jarKey, raw string, ttl time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	e := jarEntry{value: raw, seq: j.seq}
	if ttl > 0 {
		e.expires = j.clock.Now().Add(ttl)
	}
	j.entries[key] = e
}

func (j *Jar) delete(key jarKey) {
	j.mu.Lock()
	delete(j.entries, key)
	j.mu.Unlock()
}

func (j *Jar) lookup(host, name string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.visibleLocked(host, j.clock.Now())[name]
	if !ok {
		return "", false
	}
	return e.value, true
}

func (j *Jar) visibleLocked(host string, now time.Time) map[string]jarEntry {
	out := make(map[string]jarEntry)
	for key, e := range j.entries {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(j.entries, key)
			continue
		}
		if key.hostOnly && key.domain != host {
			continue
		}
		if !key.hostOnly && !domainMatch(host, key.domain) {
			continue
		}
		if prev, ok := out[key.name]; ok && prev.seq > e.seq {
			continue
		}
		out[key.name] = e
	}
	return out
}

type jarView struct {
	jar  *Jar
	host string
	opts Options
}

func (v *jarView) Set(name, value string, maxAge time.Duration) {
	v.jar.put(v.key(name, v.opts.Domain), encode(value), maxAge)
}

func (v *jarView) Get(name string) (string, bool) {
	raw, ok := v.jar.lookup(v.host, name)
	if !ok || raw == "" {
		return "", false
	}
	return decode(raw)
}

func (v *jarView) Remove(name string) {
	v.jar.delete(v.key(name, v.opts.Domain))
	v.jar.delete(v.key(name, ""))
}

func (v *jarView) key(name, domain string) jarKey {
	domain = strings.TrimPrefix(strings.ToLower(domain), ".")
	if domain == "" || !domainMatch(v.host, domain) {
		return jarKey{domain: v.host, hostOnly: true, name: name}
	}
	return jarKey{domain: domain, name: name}
}

func canonicalHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

func domainMatch(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}
