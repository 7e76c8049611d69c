// Package events fans session-change notices out to the push streams a user
// has open.
package events

import (
	"sync"

	"github.com/krishisetu/krishisetu/pkg/account"
	"go.uber.org/zap"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 8

// Notice is one session change for a user. SessionID scopes a SIGNED_OUT
// notice to a single session; an empty SessionID applies to all of them.
type Notice struct {
	Type      account.EventType
	User      *account.Identity
	SessionID string
}

// DropRecorder is an optional callback invoked when a slow subscriber misses a notice.
type DropRecorder func()

// Broker is an in-process publish/subscribe hub keyed by user ID.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan Notice
	nextID int
	buffer int
	onDrop DropRecorder
	logger *zap.Logger
}

// NewBroker creates a Broker.
func NewBroker(logger *zap.Logger) *Broker {
	return &Broker{
		subs:   make(map[string]map[int]chan Notice),
		buffer: DefaultBuffer,
		logger: logger,
	}
}

// SetDropRecorder configures the dropped-notice callback.
func (b *Broker) SetDropRecorder(fn DropRecorder) {
	b.onDrop = fn
}

// Subscribe registers a stream for userID. The returned cancel function
// unregisters it and closes the channel; calling it twice is harmless.
func (b *Broker) Subscribe(userID string) (<-chan Notice, func()) {
	ch := make(chan Notice, b.buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[int]chan Notice)
	}
	b.subs[userID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[userID], id)
			if len(b.subs[userID]) == 0 {
				delete(b.subs, userID)
			}
			close(ch)
		})
	}
}

// Publish delivers n to every stream of userID without blocking. A stream
// whose queue is full misses the notice.
func (b *Broker) Publish(userID string, n Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[userID] {
		select {
		case ch <- n:
		default:
			b.logger.Warn("push stream full, notice dropped",
				zap.String("user_id", userID),
				zap.String("event", string(n.Type)),
			)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}

// Subscribers returns the number of open streams for userID.
func (b *Broker) Subscribers(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[userID])
}
