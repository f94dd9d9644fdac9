package handler

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/valora-bridge/internal/authflow"
	"github.com/smallbiznis/valora-bridge/internal/domain"
	"github.com/smallbiznis/valora-bridge/internal/http/middleware"
	"github.com/smallbiznis/valora-bridge/internal/service"
	"github.com/smallbiznis/valora-bridge/internal/session"
	"github.com/smallbiznis/valora-bridge/internal/transition"
)

// SessionHandler serves the session endpoints both origins expose.
type SessionHandler struct {
	Sessions  *service.SessionService
	Auth      *service.AuthService
	Discovery *service.DiscoveryService
	// KeepAlive is the idle interval between event stream pings.
	KeepAlive time.Duration
}

// NewSessionHandler creates the handler set.
func NewSessionHandler(sessions *service.SessionService, auth *service.AuthService, discovery *service.DiscoveryService) *SessionHandler {
	return &SessionHandler{Sessions: sessions, Auth: auth, Discovery: discovery, KeepAlive: 25 * time.Second}
}

// Transition completes an incoming hand-off and sends the browser on.
func (h *SessionHandler) Transition(c *gin.Context) {
	scope, ok := middleware.MustScope(c)
	if !ok {
		return
	}
	outcome, err := h.Sessions.CompleteTransition(c.Request.Context(), scope, transition.Params{
		Token:     c.Query(transition.ParamToken),
		ReturnURL: c.Query(transition.ParamReturnURL),
		From:      domain.Source(c.Query(transition.ParamFrom)),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if outcome.Redirect != "" {
		c.Redirect(http.StatusFound, outcome.Redirect)
		return
	}
	c.JSON(snapshotStatus(outcome.Status.Phase, outcome.Status.Error), outcome.Status)
}

// Handoff sends the current session to the sibling origin.
func (h *SessionHandler) Handoff(c *gin.Context) {
	scope, ok := middleware.MustScope(c)
	if !ok {
		return
	}
	target := domain.Source(strings.TrimSpace(c.Query("target")))
	if !target.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Unknown target origin."})
		return
	}
	redirect, err := h.Auth.Handoff(c.Request.Context(), scope, target, c.Query("return_url"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Redirect(http.StatusFound, redirect)
}

// Status runs the state machine and reports where the browser stands.
func (h *SessionHandler) Status(c *gin.Context) {
	scope, ok := middleware.MustScope(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.Sessions.Status(c.Request.Context(), scope))
}

// Recover applies a recovery action after a failed run.
func (h *SessionHandler) Recover(c *gin.Context) {
	scope, ok := middleware.MustScope(c)
	if !ok {
		return
	}
	var req struct {
		Action    string `json:"action"`
		ReturnURL string `json:"return_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid payload."})
		return
	}
	resp, err := h.Sessions.Recover(c.Request.Context(), scope, domain.Action(strings.TrimSpace(req.Action)), req.ReturnURL)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Logout ends the session on this origin.
func (h *SessionHandler) Logout(c *gin.Context) {
	scope, ok := middleware.MustScope(c)
	if !ok {
		return
	}
	if err := h.Sessions.Logout(c.Request.Context(), scope); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Me returns the session Session.Require loaded.
func (h *SessionHandler) Me(c *gin.Context) {
	record, ok := middleware.GetSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": string(domain.KindNoActiveSession), "error_description": "Sign in required."})
		return
	}
	c.JSON(http.StatusOK, service.NewSessionView(record))
}

// Events streams session broadcasts and state machine phases for the
// browser as server-sent events.
func (h *SessionHandler) Events(c *gin.Context) {
	scope, ok := middleware.MustScope(c)
	if !ok {
		return
	}

	events := make(chan session.Event, 16)
	unsubscribe := h.Sessions.Subscribe(scope, func(e session.Event) {
		select {
		case events <- e:
		default:
		}
	})
	defer unsubscribe()

	phases := make(chan authflow.Snapshot, 16)
	stopObserving := scope.Machine.Observe(func(s authflow.Snapshot) {
		select {
		case phases <- s:
		default:
		}
	})
	defer stopObserving()

	keepAlive := h.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 25 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", gin.H{"device": scope.Device})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e := <-events:
			c.SSEvent("session", e)
		case s := <-phases:
			c.SSEvent("phase", service.NewStatusResponse(s))
		case <-ticker.C:
			c.SSEvent("ping", time.Now().Unix())
		}
		return true
	})
}

// SessionBridgeConfiguration serves the discovery document.
func (h *SessionHandler) SessionBridgeConfiguration(c *gin.Context) {
	c.JSON(http.StatusOK, h.Discovery.Configuration())
}

// Healthz reports liveness.
func (h *SessionHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
