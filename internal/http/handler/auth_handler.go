package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/valora-bridge/internal/adapter/backend"
	"github.com/smallbiznis/valora-bridge/internal/domain"
	"github.com/smallbiznis/valora-bridge/internal/http/middleware"
	"github.com/smallbiznis/valora-bridge/internal/service"
)

// AuthHandler accepts login results on the auth origin.
type AuthHandler struct {
	Auth *service.AuthService
}

// NewAuthHandler creates the handler set.
func NewAuthHandler(auth *service.AuthService) *AuthHandler {
	return &AuthHandler{Auth: auth}
}

type loginDestination struct {
	Target    string `json:"target" form:"target"`
	ReturnURL string `json:"return_url" form:"return_url"`
}

func (d loginDestination) input(req backend.LoginRequest) service.LoginInput {
	return service.LoginInput{
		Request:   req,
		Target:    domain.Source(strings.TrimSpace(d.Target)),
		ReturnURL: strings.TrimSpace(d.ReturnURL),
	}
}

// PasswordLogin signs in with email and password.
func (h *AuthHandler) PasswordLogin(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		loginDestination
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid payload."})
		return
	}
	h.login(c, req.loginDestination.input(backend.LoginRequest{
		Method:   backend.LoginPassword,
		Email:    strings.TrimSpace(req.Email),
		Password: req.Password,
	}))
}

// MagicLinkVerify signs in with a magic link token.
func (h *AuthHandler) MagicLinkVerify(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
		loginDestination
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid payload."})
		return
	}
	h.login(c, req.loginDestination.input(backend.LoginRequest{
		Method:     backend.LoginMagicLink,
		MagicToken: strings.TrimSpace(req.Token),
	}))
}

// OAuthCallback receives the provider redirect and finishes the login by
// navigating the browser on.
func (h *AuthHandler) OAuthCallback(c *gin.Context) {
	scope, ok := middleware.MustScope(c)
	if !ok {
		return
	}
	dest := loginDestination{Target: c.Query("target"), ReturnURL: c.Query("return_url")}
	out, err := h.Auth.Login(c.Request.Context(), scope, dest.input(backend.LoginRequest{
		Method:      backend.LoginOAuth,
		Provider:    strings.TrimSpace(c.Query("provider")),
		Code:        strings.TrimSpace(c.Query("code")),
		State:       strings.TrimSpace(c.Query("state")),
		RedirectURI: strings.TrimSpace(c.Query("redirect_uri")),
	}))
	if err != nil {
		respondError(c, err)
		return
	}
	redirect := out.Redirect
	if redirect == "" {
		redirect = "/"
	}
	c.Redirect(http.StatusFound, redirect)
}

func (h *AuthHandler) login(c *gin.Context, in service.LoginInput) {
	scope, ok := middleware.MustScope(c)
	if !ok {
		return
	}
	out, err := h.Auth.Login(c.Request.Context(), scope, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
