package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/krishisetu/krishisetu/internal/identity"
	"github.com/krishisetu/krishisetu/internal/users"
	"github.com/krishisetu/krishisetu/pkg/account"
	"github.com/krishisetu/krishisetu/pkg/client"
	"go.uber.org/zap"
)

const (
	ctxSessionRecord = "krishi_session_record"
	ctxAccount       = "krishi_account"
)

// sessionChecker resolves a session ID to a live session.
type sessionChecker interface {
	Session(ctx context.Context, sessionID uuid.UUID) (*users.SessionRecord, *users.Account, error)
}

// RequireLiveSession rejects tokens whose server-side session was revoked
// or has expired. It must run after identity.RequireSession.
func RequireLiveSession(sessions sessionChecker, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := identity.ClaimsFromCtx(c)
		if claims == nil {
			abort(c, http.StatusUnauthorized, client.CodeUnauthorized, "session token required")
			return
		}
		id, err := uuid.Parse(claims.SessionID())
		if err != nil {
			abort(c, http.StatusUnauthorized, client.CodeUnauthorized, "malformed session id")
			return
		}
		rec, a, err := sessions.Session(c.Request.Context(), id)
		if err != nil {
			serviceError(c, logger, "session lookup", err)
			return
		}
		c.Set(ctxSessionRecord, rec)
		c.Set(ctxAccount, a)
		c.Next()
	}
}

func liveSession(c *gin.Context) (*users.SessionRecord, *users.Account) {
	rec, _ := c.MustGet(ctxSessionRecord).(*users.SessionRecord)
	a, _ := c.MustGet(ctxAccount).(*users.Account)
	return rec, a
}

// CurrentSession handles GET /auth/session. The identity is read fresh, so a
// confirmation that happened after sign-in shows up here.
func (h *AuthHandler) CurrentSession(c *gin.Context) {
	rec, a := liveSession(c)
	c.JSON(http.StatusOK, account.Session{
		ID:        rec.ID.String(),
		ExpiresAt: rec.ExpiresAt,
		User:      a.Identity(),
	})
}

// Logout handles POST /auth/logout. Logging out an already revoked session succeeds.
func (h *AuthHandler) Logout(c *gin.Context) {
	claims := identity.ClaimsFromCtx(c)
	id, err := uuid.Parse(claims.SessionID())
	if err != nil {
		abort(c, http.StatusUnauthorized, client.CodeUnauthorized, "malformed session id")
		return
	}
	if err := h.users.EndSession(c.Request.Context(), id); err != nil {
		serviceError(c, h.logger, "logout", err)
		return
	}
	h.broker.Publish(claims.UserID, signedOut(id.String()))
	c.JSON(http.StatusOK, gin.H{"status": "signed out"})
}

// respondSession opens a session for a and writes it with its bearer token.
func (h *AuthHandler) respondSession(c *gin.Context, a *users.Account, created bool) {
	rec, err := h.users.StartSession(c.Request.Context(), a)
	if err != nil {
		serviceError(c, h.logger, "start session", err)
		return
	}
	tok, err := h.tokens.Issue(identity.Subject{
		UserID:    a.ID.String(),
		Email:     a.Email,
		Phone:     a.Phone,
		SessionID: rec.ID.String(),
		ExpiresAt: rec.ExpiresAt,
	})
	if err != nil {
		h.logger.Error("issue session token", zap.Error(err))
		abort(c, http.StatusInternalServerError, codeInternal, "token issuance failed")
		return
	}
	c.JSON(http.StatusOK, account.Session{
		ID:          rec.ID.String(),
		AccessToken: tok,
		ExpiresAt:   rec.ExpiresAt,
		User:        a.Identity(),
		Created:     created,
	})
}
