package domain

import "time"

// Source names the origin that last wrote a session record.
type Source string

const (
	SourceAuth      Source = "auth"
	SourceDashboard Source = "dashboard"
)

// Valid reports whether s is a known origin.
func (s Source) Valid() bool {
	return s == SourceAuth || s == SourceDashboard
}

// SessionRecord is the unit of cross-origin state.
type SessionRecord struct {
	User         *UserIdentity `json:"user"`
	Tokens       TokenBundle   `json:"tokens"`
	SessionID    string        `json:"session_id"`
	ExpiresAt    time.Time     `json:"expires_at"`
	LastActivity time.Time     `json:"last_activity"`
	Source       Source        `json:"source"`
	// ValidatedAt is zero until the backend has confirmed the access token
	// from this origin.
	ValidatedAt time.Time `json:"validated_at,omitempty"`
}

// Complete reports whether the record carries user, access token and
// session id. Anything less is treated as no record at all.
func (r *SessionRecord) Complete() bool {
	return r != nil && r.User != nil && r.Tokens.Access != "" && r.SessionID != ""
}

// Clone returns a deep copy of the record.
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.User != nil {
		user := *r.User
		user.Roles = append([]string(nil), r.User.Roles...)
		user.Organizations = append([]OrganizationRef(nil), r.User.Organizations...)
		out.User = &user
	}
	return &out
}

// TransitionPayload is the ephemeral artifact minted for a hand-off.
type TransitionPayload struct {
	SessionID string    `json:"session_id"`
	TargetApp Source    `json:"target_app"`
	ReturnURL string    `json:"return_url"`
	Timestamp time.Time `json:"timestamp"`
	FromApp   Source    `json:"from_app"`
	ExpiresAt time.Time `json:"expires_at"`
	Nonce     string    `json:"nonce"`
	// SessionExpiresAt is the absolute expiry of the session being handed off.
	SessionExpiresAt time.Time `json:"session_expires_at"`
}

// Expired reports whether the payload is older than its TTL at now.
func (p TransitionPayload) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// AppCredential authorizes an origin, not a user, against the backend.
type AppCredential struct {
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the credential can still be presented at now.
func (c *AppCredential) Valid(now time.Time) bool {
	return c != nil && c.Token != "" && now.Before(c.ExpiresAt)
}
