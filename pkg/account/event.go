package account

// EventType names a session-change notification.
type EventType string

const (
	EventSignedOut          EventType = "SIGNED_OUT"
	EventSessionEstablished EventType = "SESSION_ESTABLISHED"
)

// Event is one discrete session-change notification delivered by the
// gateway's push channel. Session is nil for EventSignedOut.
type Event struct {
	Type    EventType `json:"event"`
	Session *Session  `json:"session,omitempty"`
}
