package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-bridge/internal/domain"
	"github.com/smallbiznis/valora-bridge/internal/origin"
	"github.com/smallbiznis/valora-bridge/internal/service"
)

var kindStatus = map[domain.ErrorKind]int{
	domain.KindNoActiveSession:       http.StatusUnauthorized,
	domain.KindTransitionExpired:     http.StatusBadRequest,
	domain.KindTransitionMissing:     http.StatusBadRequest,
	domain.KindAppAuthFailed:         http.StatusServiceUnavailable,
	domain.KindUserTokenInvalid:      http.StatusUnauthorized,
	domain.KindNetworkError:          http.StatusBadGateway,
	domain.KindAppCredentialRejected: http.StatusServiceUnavailable,
}

// respondError writes err as an {"error","error_description"} body.
func respondError(c *gin.Context, err error) {
	var apiErr *service.APIError
	if errors.As(err, &apiErr) {
		c.JSON(apiErr.Status, gin.H{"error": apiErr.Code, "error_description": apiErr.Description})
		return
	}
	if errors.Is(err, origin.ErrUntrustedRedirect) || errors.Is(err, origin.ErrUnknownOrigin) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Return URL is not allowed."})
		return
	}

	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		status, ok := kindStatus[domainErr.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		if status >= http.StatusInternalServerError {
			zap.L().Warn("request failed", zap.String("kind", string(domainErr.Kind)), zap.Error(err))
		}
		c.JSON(status, gin.H{"error": string(domainErr.Kind), "error_description": domainErr.Message})
		return
	}

	_ = c.Error(err)
	zap.L().Error("request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
}

// snapshotStatus is the HTTP status for a terminal state machine snapshot.
func snapshotStatus(phase domain.Phase, kind domain.ErrorKind) int {
	if phase != domain.PhaseFailed {
		return http.StatusOK
	}
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}
