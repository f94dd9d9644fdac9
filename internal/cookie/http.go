package cookie

import (
	"net/http"
	"time"
)

// HTTPStore reads cookies from one request and writes Set-Cookie headers to
// its response. Reads observe writes made earlier through the same store.
type HTTPStore struct {
	w       http.ResponseWriter
	r       *http.Request
	opts    Options
	overlay map[string]*string
}

var _ Store = (*HTTPStore)(nil)

// NewHTTPStore binds a store to a request/response pair.
func NewHTTPStore(w http.ResponseWriter, r *http.Request, opts Options) *HTTPStore {
	if r != nil && r.TLS != nil {
		opts.Secure = true
	}
	return &HTTPStore{w: w, r: r, opts: opts, overlay: make(map[string]*string)}
}

// Set writes a parent-domain cookie.
func (s *HTTPStore) Set(name, value string, maxAge time.Duration) {
	http.SetCookie(s.w, &http.Cookie{
		Name:     name,
		Value:    encode(value),
		Domain:   s.opts.Domain,
		Path:     "/",
		MaxAge:   maxAgeSeconds(maxAge),
		Secure:   s.opts.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	v := value
	s.overlay[name] = &v
}

// Get returns the decoded cookie value.
func (s *HTTPStore) Get(name string) (string, bool) {
	if v, ok := s.overlay[name]; ok {
		if v == nil {
			return "", false
		}
		return *v, true
	}
	if s.r == nil {
		return "", false
	}
	c, err := s.r.Cookie(name)
	if err != nil || c.Value == "" {
		return "", false
	}
	return decode(c.Value)
}

// Remove expires both the parent-domain and the host-only copy.
func (s *HTTPStore) Remove(name string) {
	s.expire(name, s.opts.Domain)
	if s.opts.Domain != "" {
		s.expire(name, "")
	}
	s.overlay[name] = nil
}

func (s *HTTPStore) expire(name, domain string) {
	http.SetCookie(s.w, &http.Cookie{
		Name:     name,
		Value:    "",
		Domain:   domain,
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   s.opts.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
