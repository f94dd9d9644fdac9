// Package origin knows the two first-party origins and guards redirects
// between them.
package origin

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/smallbiznis/valora-bridge/internal/config"
	"github.com/smallbiznis/valora-bridge/internal/domain"
)

// ErrUnknownOrigin is returned for targets outside the first-party pair.
var ErrUnknownOrigin = errors.New("origin: unknown origin")

// ErrUntrustedRedirect is returned for return URLs outside the target origin.
var ErrUntrustedRedirect = errors.New("origin: untrusted redirect")

// Origin is a deployed first-party web application.
type Origin struct {
	Source  domain.Source
	BaseURL *url.URL
}

// String returns the scheme://host form of the origin.
func (o Origin) String() string {
	return o.BaseURL.Scheme + "://" + o.BaseURL.Host
}

// Resolver maps sources to origins for the process it runs in.
type Resolver struct {
	self           domain.Source
	origins        map[domain.Source]Origin
	transitionPath string
	loginPath      string
}

// NewResolver builds a resolver for self.
func NewResolver(cfg config.Config, self domain.Source) (*Resolver, error) {
	if !self.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOrigin, self)
	}
	r := &Resolver{
		self:           self,
		origins:        make(map[domain.Source]Origin, 2),
		transitionPath: "/" + strings.TrimPrefix(cfg.TransitionPath, "/"),
		loginPath:      "/" + strings.TrimPrefix(cfg.LoginPath, "/"),
	}
	for source, raw := range map[domain.Source]string{
		domain.SourceAuth:      cfg.AuthOriginURL,
		domain.SourceDashboard: cfg.DashboardOriginURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("origin %s: invalid url %q", source, raw)
		}
		r.origins[source] = Origin{Source: source, BaseURL: &url.URL{Scheme: u.Scheme, Host: strings.ToLower(u.Host)}}
	}
	return r, nil
}

// Self returns the origin this process serves.
func (r *Resolver) Self() Origin {
	return r.origins[r.self]
}

// Lookup returns the origin for source.
func (r *Resolver) Lookup(source domain.Source) (Origin, error) {
	o, ok := r.origins[source]
	if !ok {
		return Origin{}, fmt.Errorf("%w: %q", ErrUnknownOrigin, source)
	}
	return o, nil
}

// TransitionURL is the transition endpoint of target.
func (r *Resolver) TransitionURL(target domain.Source) (*url.URL, error) {
	o, err := r.Lookup(target)
	if err != nil {
		return nil, err
	}
	u := *o.BaseURL
	u.Path = r.transitionPath
	return &u, nil
}

// LoginURL points at the auth origin's login page, carrying returnURL.
func (r *Resolver) LoginURL(returnURL string) string {
	u := *r.origins[domain.SourceAuth].BaseURL
	u.Path = r.loginPath
	if returnURL != "" {
		u.RawQuery = url.Values{"return_url": {returnURL}}.Encode()
	}
	return u.String()
}

// ResolveReturnURL turns raw into an absolute URL on target. Relative paths
// are resolved against target; absolute URLs must already point at it.
func (r *Resolver) ResolveReturnURL(target domain.Source, raw string) (string, error) {
	o, err := r.Lookup(target)
	if err != nil {
		return "", err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return o.String() + "/", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUntrustedRedirect, err)
	}
	if u.Scheme == "" && u.Host == "" {
		if !strings.HasPrefix(u.Path, "/") || strings.HasPrefix(raw, "//") {
			return "", fmt.Errorf("%w: %q", ErrUntrustedRedirect, raw)
		}
		return o.BaseURL.ResolveReference(u).String(), nil
	}
	if !strings.EqualFold(u.Scheme, o.BaseURL.Scheme) || !strings.EqualFold(u.Host, o.BaseURL.Host) {
		return "", fmt.Errorf("%w: %q", ErrUntrustedRedirect, raw)
	}
	return u.String(), nil
}

// SourceOf maps a request Origin header back to a known source.
func (r *Resolver) SourceOf(requestOrigin string) (domain.Source, bool) {
	for source, o := range r.origins {
		if strings.EqualFold(o.String(), strings.TrimRight(requestOrigin, "/")) {
			return source, true
		}
	}
	return "", false
}
