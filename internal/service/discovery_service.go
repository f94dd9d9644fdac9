package service

import (
	"github.com/smallbiznis/valora-bridge/internal/config"
	"github.com/smallbiznis/valora-bridge/internal/cookie"
	"github.com/smallbiznis/valora-bridge/internal/domain"
	"github.com/smallbiznis/valora-bridge/internal/jwt"
	"github.com/smallbiznis/valora-bridge/internal/origin"
)

// DiscoveryService builds the session bridge discovery document.
type DiscoveryService struct {
	cfg     config.Config
	origins *origin.Resolver
	codec   *jwt.HandoffCodec
	key     *jwt.Key
}

// NewDiscoveryService wires dependencies.
func NewDiscoveryService(cfg config.Config, origins *origin.Resolver, codec *jwt.HandoffCodec, key *jwt.Key) *DiscoveryService {
	return &DiscoveryService{cfg: cfg, origins: origins, codec: codec, key: key}
}

// SessionBridgeConfiguration describes how an origin takes part in hand-offs.
type SessionBridgeConfiguration struct {
	Origin             domain.Source     `json:"origin"`
	Issuer             string            `json:"issuer"`
	Origins            map[string]string `json:"origins"`
	TransitionEndpoint string            `json:"transition_endpoint"`
	LoginEndpoint      string            `json:"login_endpoint"`
	CookieDomain       string            `json:"cookie_domain,omitempty"`
	Cookies            []string          `json:"cookies"`
	TransitionTTL      int64             `json:"transition_ttl_seconds"`
	SessionTTL         int64             `json:"session_ttl_seconds"`
	InactivityWindow   int64             `json:"inactivity_window_seconds"`
	HandoffSigned      bool              `json:"handoff_signed"`
	HandoffAlgorithm   string            `json:"handoff_alg,omitempty"`
	HandoffKeyID       string            `json:"handoff_kid,omitempty"`
	RecoveryActions    []domain.Action   `json:"recovery_actions_supported"`
}

// Configuration builds the document for this origin.
func (s *DiscoveryService) Configuration() SessionBridgeConfiguration {
	self := s.origins.Self()
	origins := make(map[string]string, 2)
	for _, source := range []domain.Source{domain.SourceAuth, domain.SourceDashboard} {
		if o, err := s.origins.Lookup(source); err == nil {
			origins[string(source)] = o.String()
		}
	}
	transitionURL := ""
	if u, err := s.origins.TransitionURL(self.Source); err == nil {
		transitionURL = u.String()
	}

	doc := SessionBridgeConfiguration{
		Origin:             self.Source,
		Issuer:             self.String(),
		Origins:            origins,
		TransitionEndpoint: transitionURL,
		LoginEndpoint:      s.origins.LoginURL(""),
		CookieDomain:       s.cfg.CookieDomain,
		Cookies: []string{
			cookie.AccessToken, cookie.RefreshToken, cookie.AppToken,
			cookie.SessionID, cookie.User, cookie.Transition,
		},
		TransitionTTL:    int64(s.cfg.TransitionTTL.Seconds()),
		SessionTTL:       int64(s.cfg.SessionTTL.Seconds()),
		InactivityWindow: int64(s.cfg.InactivityWindow.Seconds()),
		HandoffSigned:    s.codec.Signed(),
		RecoveryActions:  []domain.Action{domain.ActionRetry, domain.ActionSkipAppAuth, domain.ActionRedirectToAuth},
	}
	if s.key != nil {
		doc.HandoffAlgorithm = string(s.key.Algorithm)
		doc.HandoffKeyID = s.key.KID
	}
	return doc
}
