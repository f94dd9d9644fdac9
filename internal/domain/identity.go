package domain

// OrganizationRef points at an organization the user may access.
type OrganizationRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// UserIdentity is the identity snapshot carried by a session.
type UserIdentity struct {
	UserID        string            `json:"user_id"`
	Username      string            `json:"username,omitempty"`
	Email         string            `json:"email,omitempty"`
	ProfileID     string            `json:"profile_id,omitempty"`
	Subject       string            `json:"sub,omitempty"`
	Roles         []string          `json:"roles,omitempty"`
	Organizations []OrganizationRef `json:"organizations,omitempty"`
	EmailVerified *bool             `json:"email_verified,omitempty"`
	HasName       *bool             `json:"has_name,omitempty"`
}

// HasRole reports whether role is granted to the user.
func (u UserIdentity) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenBundle groups the bearer material of a session.
type TokenBundle struct {
	Access  string `json:"access_token"`
	Refresh string `json:"refresh_token,omitempty"`
	App     string `json:"app_token,omitempty"`
}
