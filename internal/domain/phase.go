package domain

// Phase is a step of the authentication state machine.
type Phase string

const (
	PhaseStarting        Phase = "starting"
	PhaseCheckingSession Phase = "checking_session"
	PhaseAppAuth         Phase = "app_auth"
	PhaseUserValidation  Phase = "user_validation"
	PhaseCompleted       Phase = "completed"
	PhaseFailed          Phase = "failed"
)

// Terminal reports whether no further transition leaves p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Action is a recovery option offered from the failed phase.
type Action string

const (
	ActionRetry          Action = "retry"
	ActionSkipAppAuth    Action = "skip_app_auth"
	ActionRedirectToAuth Action = "redirect_to_auth"
)
