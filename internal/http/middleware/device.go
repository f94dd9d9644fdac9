package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/smallbiznis/valora-bridge/internal/cookie"
	"github.com/smallbiznis/valora-bridge/internal/service"
)

const scopeKey = "bridgeScope"

// deviceLifetime bounds how long a browser keeps its device id.
const deviceLifetime = 365 * 24 * time.Hour

// Device identifies the browser through a host-only cookie and attaches its
// per-origin scope to the request.
func Device(scopes *service.Scopes, opts cookie.Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		local := cookie.NewHTTPStore(c.Writer, c.Request, cookie.Options{Secure: opts.Secure})
		device, ok := local.Get(cookie.Device)
		if !ok || !validDevice(device) {
			device = uuid.NewString()
		}
		// Refreshing keeps active browsers from ever losing their id.
		local.Set(cookie.Device, device, deviceLifetime)

		shared := cookie.NewHTTPStore(c.Writer, c.Request, opts)
		c.Set(scopeKey, scopes.For(device, shared))
		c.Set("device_id", device)
		c.Next()
	}
}

// GetScope returns the scope Device attached.
func GetScope(c *gin.Context) (*service.Scope, bool) {
	value, ok := c.Get(scopeKey)
	if !ok {
		return nil, false
	}
	scope, ok := value.(*service.Scope)
	return scope, ok
}

// MustScope aborts with 500 when Device did not run.
func MustScope(c *gin.Context) (*service.Scope, bool) {
	scope, ok := GetScope(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Browser scope missing."})
		return nil, false
	}
	return scope, true
}

func validDevice(raw string) bool {
	_, err := uuid.Parse(raw)
	return err == nil
}
