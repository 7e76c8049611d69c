package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/krishisetu/krishisetu/internal/identity"
	"github.com/krishisetu/krishisetu/pkg/account"
	"go.uber.org/zap"
)

// profileSvc is the subset of users.Service used by ProfileHandler.
type profileSvc interface {
	GetProfile(ctx context.Context, userID string) (*account.Profile, error)
	CreateProfile(ctx context.Context, userID string, fields account.ProfileFields) (*account.Profile, error)
	UpdateProfile(ctx context.Context, userID string, fields account.ProfileFields) (*account.Profile, error)
}

// ProfileHandler serves the farmer profile of the signed-in account.
type ProfileHandler struct {
	profiles profileSvc
	sessions sessionChecker
	tokens   *identity.TokenIssuer
	logger   *zap.Logger
}

// NewProfileHandler creates a ProfileHandler.
func NewProfileHandler(profiles profileSvc, sessions sessionChecker, tokens *identity.TokenIssuer, logger *zap.Logger) *ProfileHandler {
	return &ProfileHandler{profiles: profiles, sessions: sessions, tokens: tokens, logger: logger}
}

// Register mounts the profile routes. Every route needs a live session and
// only serves the session's own profile.
func (h *ProfileHandler) Register(rg *gin.RouterGroup) {
	p := rg.Group("/profiles/:user_id",
		identity.RequireSession(h.tokens),
		RequireLiveSession(h.sessions, h.logger),
		requireOwner,
	)
	{
		p.GET("", h.Get)
		p.POST("", h.Create)
		p.PATCH("", h.Update)
	}
}

func requireOwner(c *gin.Context) {
	if identity.ClaimsFromCtx(c).UserID != c.Param("user_id") {
		abort(c, http.StatusForbidden, codeForbidden, "profiles can only be read or written by their owner")
		return
	}
	c.Next()
}

// Get handles GET /profiles/:user_id.
func (h *ProfileHandler) Get(c *gin.Context) {
	p, err := h.profiles.GetProfile(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		serviceError(c, h.logger, "get profile", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Create handles POST /profiles/:user_id. The new profile gets the welcome
// bonus; completed and points in the body are ignored.
func (h *ProfileHandler) Create(c *gin.Context) {
	var fields account.ProfileFields
	if err := c.ShouldBindJSON(&fields); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.profiles.CreateProfile(c.Request.Context(), c.Param("user_id"), fields)
	if err != nil {
		serviceError(c, h.logger, "create profile", err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// Update handles PATCH /profiles/:user_id.
func (h *ProfileHandler) Update(c *gin.Context) {
	var fields account.ProfileFields
	if err := c.ShouldBindJSON(&fields); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.profiles.UpdateProfile(c.Request.Context(), c.Param("user_id"), fields)
	if err != nil {
		serviceError(c, h.logger, "update profile", err)
		return
	}
	c.JSON(http.StatusOK, p)
}
