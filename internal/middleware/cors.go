package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/valora-bridge/internal/config"
)

const preflightMaxAge = 10 * 60

// CORS lets the sibling origin call this one with its cookies attached.
// Origins are echoed back exactly; a wildcard would stop browsers from
// sending credentials, so "*" is ignored.
func CORS(cfg config.Config) gin.HandlerFunc {
	allowed := make(map[string]struct{})
	for _, o := range cfg.AllowedOrigins() {
		o = strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
		if o != "" && o != "*" {
			allowed[o] = struct{}{}
		}
	}
	methods := strings.Join(cfg.CORSAllowedMethods, ", ")
	headers := strings.Join(cfg.CORSAllowedHeaders, ", ")
	maxAge := strconv.Itoa(preflightMaxAge)

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		preflight := c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != ""

		if _, ok := allowed[strings.ToLower(strings.TrimRight(origin, "/"))]; origin != "" && ok {
			h := c.Writer.Header()
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Expose-Headers", "X-Request-ID")
			if cfg.CORSAllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if preflight {
				h.Set("Access-Control-Allow-Methods", methods)
				h.Set("Access-Control-Allow-Headers", headers)
				h.Set("Access-Control-Max-Age", maxAge)
			}
		}

		if preflight {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
