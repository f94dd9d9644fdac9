// Package cookie reads and writes the cookies shared between the auth and
// dashboard origins under their common parent domain.
package cookie

import (
	"net/url"
	"time"
)

// Names of the cookies mirrored between origins.
const (
	AccessToken  = "sb_access_token"
	RefreshToken = "sb_refresh_token"
	AppToken     = "sb_app_token"
	SessionID    = "sb_session_id"
	User         = "sb_user"
	Transition   = "sb_transition"
	// Device is host-only and identifies the browser to its own origin.
	Device = "sb_device"
)

// Store is a cookie jar scoped to the shared parent domain. Storage
// failures are never reported; absence is the only outcome callers see.
type Store interface {
	Set(name, value string, maxAge time.Duration)
	Get(name string) (string, bool)
	Remove(name string)
}

// Options controls the attributes written with every cookie.
type Options struct {
	// Domain is the shared parent domain, e.g. ".smallbiznisapp.io". Empty
	// means host-only cookies.
	Domain string
	Secure bool
}

func encode(value string) string {
	return url.QueryEscape(value)
}

func decode(raw string) (string, bool) {
	v, err := url.QueryUnescape(raw)
	if err != nil {
		return "", false
	}
	return v, true
}

func maxAgeSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if secs == 0 {
		secs = 1
	}
	return secs
}
