package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/krishisetu/krishisetu/internal/events"
	"github.com/krishisetu/krishisetu/internal/identity"
	"github.com/krishisetu/krishisetu/internal/users"
	"github.com/krishisetu/krishisetu/pkg/account"
	"go.uber.org/zap"
)

// accountSvc is the interface expected by AuthHandler, satisfied by *users.Service.
type accountSvc interface {
	Signup(ctx context.Context, email, password string, metadata map[string]string) (*users.Account, error)
	Login(ctx context.Context, email, password string) (*users.Account, error)
	ConfirmEmail(ctx context.Context, token string) (*users.Account, error)
	ResendConfirmation(ctx context.Context, email string) error
	RequestPhoneCode(ctx context.Context, phone string) error
	VerifyPhoneCode(ctx context.Context, phone, code string) (*users.Account, bool, error)
	StartSession(ctx context.Context, a *users.Account) (*users.SessionRecord, error)
	sessionChecker
	EndSession(ctx context.Context, sessionID uuid.UUID) error
}

// AuthHandler handles sign-up, sign-in and session routes.
type AuthHandler struct {
	users  accountSvc
	tokens *identity.TokenIssuer
	broker *events.Broker
	logger *zap.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(svc accountSvc, tokens *identity.TokenIssuer, broker *events.Broker, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{users: svc, tokens: tokens, broker: broker, logger: logger}
}

// Register mounts all auth routes on the provided router group.
func (h *AuthHandler) Register(rg *gin.RouterGroup) {
	auth := rg.Group("/auth")
	{
		auth.POST("/signup", h.Signup)
		auth.POST("/login", h.Login)
		auth.POST("/confirm-email", h.ConfirmEmail)
		auth.POST("/resend-confirmation", h.ResendConfirmation)
		auth.POST("/phone/code", h.RequestPhoneCode)
		auth.POST("/phone/verify", h.VerifyPhoneCode)
		auth.POST("/logout", identity.RequireSession(h.tokens), h.Logout)
		auth.GET("/session", identity.RequireSession(h.tokens), RequireLiveSession(h.users, h.logger), h.CurrentSession)
	}
}

// ─── Request types ───────────────────────────────────────────────────────────

type signupRequest struct {
	Email    string            `json:"email"    binding:"required"`
	Password string            `json:"password" binding:"required"`
	Metadata map[string]string `json:"metadata"`
}

type loginRequest struct {
	Email    string `json:"email"    binding:"required"`
	Password string `json:"password" binding:"required"`
}

type confirmEmailRequest struct {
	Token string `json:"token" binding:"required"`
}

type resendConfirmationRequest struct {
	Email string `json:"email" binding:"required"`
}

// ─── Handlers ────────────────────────────────────────────────────────────────

// Signup handles POST /auth/signup. The account starts unconfirmed and no
// session is issued.
func (h *AuthHandler) Signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	a, err := h.users.Signup(c.Request.Context(), req.Email, req.Password, req.Metadata)
	if err != nil {
		RecordAuthAttempt("signup", false)
		serviceError(c, h.logger, "signup", err)
		return
	}
	RecordAuthAttempt("signup", true)

	c.JSON(http.StatusCreated, gin.H{
		"user": a.Identity(),
		"note": "A confirmation link has been sent. Confirm your email to finish signing up.",
	})
}

// Login handles POST /auth/login. Unconfirmed accounts get a session too.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	a, err := h.users.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		RecordAuthAttempt("password", false)
		serviceError(c, h.logger, "login", err)
		return
	}
	RecordAuthAttempt("password", true)
	h.respondSession(c, a, false)
}

// ConfirmEmail handles POST /auth/confirm-email and tells the account's open
// push streams that it is now confirmed.
func (h *AuthHandler) ConfirmEmail(c *gin.Context) {
	var req confirmEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	a, err := h.users.ConfirmEmail(c.Request.Context(), req.Token)
	if err != nil {
		serviceError(c, h.logger, "confirm email", err)
		return
	}

	ident := a.Identity()
	h.broker.Publish(ident.ID, events.Notice{Type: account.EventSessionEstablished, User: &ident})
	c.JSON(http.StatusOK, gin.H{"user": ident})
}

// ResendConfirmation handles POST /auth/resend-confirmation. The answer is
// the same whether or not the address is registered.
func (h *AuthHandler) ResendConfirmation(c *gin.Context) {
	var req resendConfirmationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	_ = h.users.ResendConfirmation(c.Request.Context(), req.Email)
	c.JSON(http.StatusAccepted, gin.H{"status": "if the address is registered and unconfirmed, a new link is on its way"})
}
