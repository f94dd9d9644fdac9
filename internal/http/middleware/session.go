package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/valora-bridge/internal/domain"
	"github.com/smallbiznis/valora-bridge/internal/service"
)

const sessionKey = "bridgeSession"

// Session guards routes that need a valid local session.
type Session struct {
	Sessions *service.SessionService
}

// Require loads and touches the browser's session, rejecting the request
// when there is none.
func (m *Session) Require(c *gin.Context) {
	scope, ok := MustScope(c)
	if !ok {
		return
	}
	record, err := m.Sessions.Authorize(c.Request.Context(), scope)
	if err != nil {
		if errors.Is(err, domain.ErrNoActiveSession) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": string(domain.KindNoActiveSession), "error_description": "Sign in required."})
			return
		}
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "server_error", "error_description": "Session storage unavailable."})
		return
	}
	c.Set(sessionKey, record)
	c.Next()
}

// GetSession exposes the record Require loaded.
func GetSession(c *gin.Context) (*domain.SessionRecord, bool) {
	value, ok := c.Get(sessionKey)
	if !ok {
		return nil, false
	}
	record, ok := value.(*domain.SessionRecord)
	return record, ok
}
