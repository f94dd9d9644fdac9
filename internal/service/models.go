package service

import (
	"time"

	"github.com/smallbiznis/valora-bridge/internal/authflow"
	"github.com/smallbiznis/valora-bridge/internal/domain"
)

// SessionView is the token-free projection of a session returned to clients.
type SessionView struct {
	SessionID    string               `json:"session_id"`
	User         *domain.UserIdentity `json:"user"`
	Source       domain.Source        `json:"source"`
	ExpiresAt    time.Time            `json:"expires_at"`
	LastActivity time.Time            `json:"last_activity"`
	ValidatedAt  *time.Time           `json:"validated_at,omitempty"`
}

// NewSessionView projects record, or returns nil for no session.
func NewSessionView(record *domain.SessionRecord) *SessionView {
	if record == nil {
		return nil
	}
	view := &SessionView{
		SessionID:    record.SessionID,
		User:         record.User,
		Source:       record.Source,
		ExpiresAt:    record.ExpiresAt,
		LastActivity: record.LastActivity,
	}
	if !record.ValidatedAt.IsZero() {
		validated := record.ValidatedAt
		view.ValidatedAt = &validated
	}
	return view
}

// LoginOutcome is the result of a completed login on the auth origin.
type LoginOutcome struct {
	Session  *SessionView `json:"session"`
	Redirect string       `json:"redirect,omitempty"`
}

// StatusResponse wraps a state machine snapshot for clients.
type StatusResponse struct {
	authflow.Snapshot
	Session  *SessionView `json:"session,omitempty"`
	Redirect string       `json:"redirect,omitempty"`
}

// NewStatusResponse projects snap.
func NewStatusResponse(snap authflow.Snapshot) StatusResponse {
	return StatusResponse{Snapshot: snap, Session: NewSessionView(snap.Record)}
}

// TransitionOutcome reports a completed transition request.
type TransitionOutcome struct {
	Status   StatusResponse
	Adopted  bool
	Fallback domain.ErrorKind
	// Redirect is where the browser goes next; empty when the snapshot
	// failed and the client must choose a recovery action.
	Redirect string
}
