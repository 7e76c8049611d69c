// Package handler is the gin HTTP surface of identityd. Every error body has
// the shape {"error": "...", "code": "..."}; the codes are the ones
// pkg/client maps back to sentinel errors.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/krishisetu/krishisetu/internal/users"
	"github.com/krishisetu/krishisetu/pkg/client"
	"go.uber.org/zap"
)

const (
	codeForbidden     = "forbidden"
	codeTokenExpired  = "token_expired"
	codeInternal      = "internal"
	codeDeliveryError = "delivery_failed"
)

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": code})
}

// badRequest reports an unparseable request body.
func badRequest(c *gin.Context, err error) {
	abort(c, http.StatusBadRequest, client.CodeValidation, err.Error())
}

// serviceError maps a users.Service error to a response. Unknown errors are
// logged and answered with 500.
func serviceError(c *gin.Context, logger *zap.Logger, op string, err error) {
	var ierr *users.InvalidInputError
	switch {
	case errors.As(err, &ierr):
		abort(c, http.StatusBadRequest, client.CodeValidation, ierr.Error())
	case errors.Is(err, users.ErrInvalidCredentials):
		abort(c, http.StatusUnauthorized, client.CodeInvalidCredentials, "invalid credentials")
	case errors.Is(err, users.ErrSessionRevoked):
		abort(c, http.StatusUnauthorized, client.CodeUnauthorized, "session revoked or expired")
	case errors.Is(err, users.ErrDuplicateEmail):
		abort(c, http.StatusConflict, client.CodeConflict, "email already registered")
	case errors.Is(err, users.ErrProfileExists):
		abort(c, http.StatusConflict, client.CodeConflict, "profile already exists")
	case errors.Is(err, users.ErrInvalidCode):
		abort(c, http.StatusBadRequest, client.CodeInvalidCode, "invalid code")
	case errors.Is(err, users.ErrCodeExpired):
		abort(c, http.StatusBadRequest, client.CodeCodeExpired, "code expired, request a new one")
	case errors.Is(err, users.ErrRateLimited):
		c.Header("Retry-After", "60")
		abort(c, http.StatusTooManyRequests, client.CodeRateLimited, "too many code requests, try again later")
	case errors.Is(err, users.ErrInvalidToken), errors.Is(err, users.ErrNotFound):
		abort(c, http.StatusNotFound, client.CodeNotFound, "not found")
	case errors.Is(err, users.ErrTokenExpired):
		abort(c, http.StatusGone, codeTokenExpired, "confirmation link expired, request a new one")
	default:
		logger.Error(op, zap.Error(err))
		abort(c, http.StatusInternalServerError, codeInternal, op+" failed")
	}
}
