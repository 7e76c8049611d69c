package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/krishisetu/krishisetu/internal/users"
	"go.uber.org/zap"
)

type phoneCodeRequest struct {
	Phone string `json:"phone" binding:"required"`
}

type phoneVerifyRequest struct {
	Phone string `json:"phone" binding:"required"`
	Code  string `json:"code"  binding:"required"`
}

// RequestPhoneCode handles POST /auth/phone/code.
func (h *AuthHandler) RequestPhoneCode(c *gin.Context) {
	var req phoneCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	err := h.users.RequestPhoneCode(c.Request.Context(), req.Phone)
	var ierr *users.InvalidInputError
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "code sent"})
	case errors.As(err, &ierr), errors.Is(err, users.ErrRateLimited):
		serviceError(c, h.logger, "request code", err)
	default:
		h.logger.Warn("code delivery failed", zap.Error(err))
		abort(c, http.StatusBadGateway, codeDeliveryError, "could not send the code, try again")
	}
}

// VerifyPhoneCode handles POST /auth/phone/verify. The first successful
// verification for a number creates the account and sets "created".
func (h *AuthHandler) VerifyPhoneCode(c *gin.Context) {
	var req phoneVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	a, created, err := h.users.VerifyPhoneCode(c.Request.Context(), req.Phone, req.Code)
	if err != nil {
		RecordAuthAttempt("phone", false)
		serviceError(c, h.logger, "verify code", err)
		return
	}
	RecordAuthAttempt("phone", true)
	h.respondSession(c, a, created)
}
