package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krishisetu/krishisetu/internal/events"
	"github.com/krishisetu/krishisetu/internal/identity"
	"github.com/krishisetu/krishisetu/pkg/account"
	"go.uber.org/zap"
)

// DefaultKeepAlive is the interval between comment frames on an idle stream.
const DefaultKeepAlive = 25 * time.Second

// EventsHandler serves the session-change push stream as server-sent events.
type EventsHandler struct {
	broker    *events.Broker
	sessions  sessionChecker
	tokens    *identity.TokenIssuer
	keepAlive time.Duration
	logger    *zap.Logger
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(broker *events.Broker, sessions sessionChecker, tokens *identity.TokenIssuer, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{
		broker:    broker,
		sessions:  sessions,
		tokens:    tokens,
		keepAlive: DefaultKeepAlive,
		logger:    logger,
	}
}

// SetKeepAlive overrides the keep-alive interval.
func (h *EventsHandler) SetKeepAlive(d time.Duration) {
	h.keepAlive = d
}

// Register mounts GET /auth/events.
func (h *EventsHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/auth/events", identity.RequireSession(h.tokens), RequireLiveSession(h.sessions, h.logger), h.Stream)
}

func signedOut(sessionID string) events.Notice {
	return events.Notice{Type: account.EventSignedOut, SessionID: sessionID}
}

// Stream handles GET /auth/events. Each frame is "event: <TYPE>" plus a JSON
// account.Event. The stream ends after SIGNED_OUT for its own session.
func (h *EventsHandler) Stream(c *gin.Context) {
	rec, a := liveSession(c)
	sessionID := rec.ID.String()

	notices, cancel := h.broker.Subscribe(a.ID.String())
	defer cancel()
	pushStreams.Inc()
	defer pushStreams.Dec()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	_, _ = c.Writer.WriteString(": connected\n\n")
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-ticker.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		case n, ok := <-notices:
			if !ok {
				return false
			}
			switch n.Type {
			case account.EventSignedOut:
				if n.SessionID != "" && n.SessionID != sessionID {
					return true
				}
				c.SSEvent(string(n.Type), account.Event{Type: n.Type})
				return false
			case account.EventSessionEstablished:
				if n.User == nil {
					return true
				}
				c.SSEvent(string(n.Type), account.Event{Type: n.Type, Session: &account.Session{
					ID:        sessionID,
					ExpiresAt: rec.ExpiresAt,
					User:      *n.User,
				}})
			}
			return true
		}
	})
	h.logger.Debug("push stream closed", zap.String("user_id", a.ID.String()))
}
