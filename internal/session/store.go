// Package session holds the client's single authoritative session record and
// the rules that move it between signed out, pending verification and active.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/krishisetu/krishisetu/pkg/account"
	"go.uber.org/zap"
)

// DefaultResumeTimeout bounds the startup session lookup when Config leaves
// ResumeTimeout unset.
const DefaultResumeTimeout = 10 * time.Second

var (
	// ErrNotActive is returned by operations that need an active session.
	ErrNotActive = errors.New("no active session")
	// ErrNoProfile is returned by AddPoints when the active session has no
	// profile record.
	ErrNoProfile = errors.New("session has no profile")
)

// Gateway is the part of the identity gateway the store consumes.
type Gateway interface {
	GetCurrentSession(ctx context.Context) (*account.Session, error)
	SignOut(ctx context.Context) error
	GetProfile(ctx context.Context, userID string) (*account.Profile, error)
	UpdateProfile(ctx context.Context, userID string, fields account.ProfileFields) (*account.Profile, error)
	OnSessionChange(fn func(account.Event)) (unsubscribe func())
}

// Config carries the store's behaviour flags.
type Config struct {
	// DevMode trusts every identity as confirmed.
	DevMode bool
	// ResumeTimeout bounds Resume and background profile loads.
	ResumeTimeout time.Duration
}

// Store is the single source of truth for session state. The zero value is
// not usable; construct with New.
type Store struct {
	gw     Gateway
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	state State
	key   key
	rev   uint64 // bumped on every applied transition
	seq   uint64 // bumped on every change subscribers are told about

	smu     sync.Mutex
	subs    map[int]func(State)
	nextSub int

	// Deliveries run one at a time, newest snapshot only. A change made
	// while listeners are running (from another goroutine or from a listener
	// itself) is parked in pending and delivered by the running loop.
	dmu        sync.Mutex
	delivering bool
	delivered  uint64
	pending    *snapshot

	pmu sync.Mutex // serializes AddPoints

	stopGateway func()
}

// New creates a Store in the loading state and subscribes it to the
// gateway's session-change notifications. Call Resume once at startup.
func New(gw Gateway, cfg Config, logger *zap.Logger) *Store {
	if cfg.ResumeTimeout <= 0 {
		cfg.ResumeTimeout = DefaultResumeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		gw:     gw,
		cfg:    cfg,
		logger: logger,
		state:  State{Status: SignedOut, Loading: true},
		subs:   make(map[int]func(State)),
	}
	s.stopGateway = gw.OnSessionChange(s.HandleEvent)
	return s
}

// Close detaches the store from the gateway's notifications.
func (s *Store) Close() {
	if s.stopGateway != nil {
		s.stopGateway()
	}
}

// Current returns a snapshot of the session state.
func (s *Store) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe registers fn to receive a snapshot after every change. The
// returned function unregisters it and may be called more than once.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	s.smu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.smu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.smu.Lock()
			delete(s.subs, id)
			s.smu.Unlock()
		})
	}
}

// Resume looks up an existing gateway session and applies it when its
// identity is confirmed (or DevMode is set); any other outcome leaves the
// store signed out. The lookup is bounded by Config.ResumeTimeout and a
// lookup failure is returned.
//
// If any transition is applied while the lookup is in flight (a push event,
// a sign-in, a sign-out), the lookup's answer is older than the state and is
// discarded.
func (s *Store) Resume(ctx context.Context) error {
	s.mu.Lock()
	startRev := s.rev
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ResumeTimeout)
	defer cancel()

	sess, err := s.gw.GetCurrentSession(ctx)
	if err != nil {
		s.logger.Warn("session resume failed", zap.Error(err))
		s.settle(startRev, nil)
		return fmt.Errorf("resume session: %w", err)
	}
	if sess != nil && !s.trusted(sess.User) {
		sess = nil
	}
	if s.settle(startRev, sess) {
		s.loadProfile(ctx, sess.User.ID)
	}
	return nil
}

// settle applies the resume result unless another transition got there
// first. It reports whether a profile load is needed.
func (s *Store) settle(startRev uint64, sess *account.Session) bool {
	s.mu.Lock()
	if s.rev != startRev {
		s.mu.Unlock()
		s.logger.Debug("discarding stale resume result")
		return false
	}
	changed, load := s.reconcileLocked(sess, "resume")
	snap := s.snapshotLocked(changed)
	s.mu.Unlock()
	s.notify(snap)
	return load
}

// HandleEvent applies a gateway session-change notification. Re-delivering
// an event that is already applied is a no-op.
func (s *Store) HandleEvent(ev account.Event) {
	switch ev.Type {
	case account.EventSignedOut:
		s.apply(context.Background(), nil, "push")
	case account.EventSessionEstablished:
		if ev.Session == nil {
			s.logger.Warn("SESSION_ESTABLISHED without session")
			return
		}
		s.apply(context.Background(), ev.Session, "push")
	default:
		s.logger.Debug("ignoring session event", zap.String("event", string(ev.Type)))
	}
}

// Establish applies a session returned by a successful sign-in and returns
// the resulting state. An unconfirmed identity outside dev mode yields
// PendingVerification.
func (s *Store) Establish(ctx context.Context, sess *account.Session) State {
	s.apply(ctx, sess, "establish")
	return s.Current()
}

// MarkPending records a freshly registered identity whose contact channel is
// not yet confirmed.
func (s *Store) MarkPending(identity account.Identity) State {
	s.mu.Lock()
	k := key{status: PendingVerification, userID: identity.ID}
	changed := false
	if k != s.key || s.state.Loading {
		s.transitionLocked(State{Status: PendingVerification, Identity: &identity}, k, "register")
		changed = true
	}
	st := s.state.clone()
	snap := s.snapshotLocked(changed)
	s.mu.Unlock()
	s.notify(snap)
	return st
}

// SignOut clears the local session first and then asks the gateway to end
// it. A gateway failure is logged; local state stays signed out.
func (s *Store) SignOut(ctx context.Context) {
	s.mu.Lock()
	changed := s.key != (key{}) || s.state.Loading
	if changed {
		s.transitionLocked(State{Status: SignedOut}, key{}, "sign_out")
	}
	snap := s.snapshotLocked(changed)
	s.mu.Unlock()
	s.notify(snap)

	if err := s.gw.SignOut(ctx); err != nil {
		s.logger.Warn("remote sign-out failed", zap.Error(err))
	}
}

// SetProfile replaces the profile of the active session. It is ignored when
// p belongs to another user or the session is not active.
func (s *Store) SetProfile(p *account.Profile) {
	if p == nil {
		return
	}
	s.mu.Lock()
	if s.state.Status != Active || s.state.Identity.ID != p.UserID {
		s.mu.Unlock()
		return
	}
	s.state.Profile = p.Clone()
	snap := s.snapshotLocked(true)
	s.mu.Unlock()
	s.notify(snap)
}

// AddPoints credits n reward points to the active profile and persists the
// new balance. Level is re-derived from points. Calls are serialized so
// concurrent credits from this client are not lost.
func (s *Store) AddPoints(ctx context.Context, n int) (*account.Profile, error) {
	s.pmu.Lock()
	defer s.pmu.Unlock()

	st := s.Current()
	if st.Status != Active {
		return nil, ErrNotActive
	}
	if st.Profile == nil {
		return nil, ErrNoProfile
	}
	points := st.Profile.Points + n
	p, err := s.gw.UpdateProfile(ctx, st.Identity.ID, account.ProfileFields{Points: &points})
	if err != nil {
		return nil, fmt.Errorf("update points: %w", err)
	}
	s.SetProfile(p)
	return p, nil
}

func (s *Store) apply(ctx context.Context, sess *account.Session, source string) {
	s.mu.Lock()
	changed, load := s.reconcileLocked(sess, source)
	snap := s.snapshotLocked(changed)
	s.mu.Unlock()
	s.notify(snap)
	if load {
		s.loadProfile(ctx, sess.User.ID)
	}
}

// reconcileLocked moves the state to the one implied by sess (nil means
// signed out). It reports whether anything changed and whether the profile
// of the newly active user must be loaded.
func (s *Store) reconcileLocked(sess *account.Session, source string) (changed, load bool) {
	next, k := s.target(sess)
	if k == s.key && !s.state.Loading {
		return false, false
	}

	// Same user, new session id: keep what we know about the profile.
	if next.Status == Active && s.state.Status == Active && s.state.Identity.ID == k.userID {
		next.Profile = s.state.Profile
	}
	s.transitionLocked(next, k, source)
	return true, next.Status == Active && next.Profile == nil
}

func (s *Store) target(sess *account.Session) (State, key) {
	if sess == nil {
		return State{Status: SignedOut}, key{}
	}
	identity := sess.User
	status := PendingVerification
	if s.trusted(identity) {
		status = Active
	}
	k := key{status: status, userID: identity.ID}
	if status == Active {
		k.sessionID = sess.ID
	}
	return State{Status: status, Identity: &identity}, k
}

func (s *Store) trusted(identity account.Identity) bool {
	return s.cfg.DevMode || identity.Confirmed()
}

func (s *Store) transitionLocked(next State, k key, source string) {
	from := s.state.Status
	s.state = next
	s.key = k
	s.rev++
	sessionTransitions.WithLabelValues(next.Status.String(), source).Inc()
	s.logger.Debug("session transition",
		zap.Stringer("from", from),
		zap.Stringer("to", next.Status),
		zap.String("source", source),
		zap.String("user_id", k.userID),
	)
}

// loadProfile fetches the profile of an active user. A missing profile or a
// failed load leaves Profile nil.
func (s *Store) loadProfile(ctx context.Context, userID string) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ResumeTimeout)
	defer cancel()

	p, err := s.gw.GetProfile(ctx, userID)
	if err != nil {
		s.logger.Warn("profile load failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if p == nil {
		s.logger.Debug("no profile for user", zap.String("user_id", userID))
		return
	}

	s.mu.Lock()
	if s.state.Status != Active || s.state.Identity.ID != userID || s.state.Profile != nil {
		s.mu.Unlock()
		return
	}
	s.state.Profile = p.Clone()
	snap := s.snapshotLocked(true)
	s.mu.Unlock()
	s.notify(snap)
}

// snapshot is a state copy tagged with the change it was taken after.
type snapshot struct {
	state State
	seq   uint64
}

// snapshotLocked records a change and copies the state it produced. It
// returns nil when nothing changed. s.mu must be held.
func (s *Store) snapshotLocked(changed bool) *snapshot {
	if !changed {
		return nil
	}
	s.seq++
	return &snapshot{state: s.state.clone(), seq: s.seq}
}

// notify hands snap to every subscriber unless a newer snapshot has already
// been delivered or is waiting. Listeners run without s.mu held.
func (s *Store) notify(snap *snapshot) {
	if snap == nil {
		return
	}
	s.dmu.Lock()
	if snap.seq <= s.delivered || (s.pending != nil && snap.seq <= s.pending.seq) {
		s.dmu.Unlock()
		return
	}
	s.pending = snap
	if s.delivering {
		s.dmu.Unlock()
		return
	}
	s.delivering = true
	for s.pending != nil {
		next := s.pending
		s.pending = nil
		s.delivered = next.seq
		s.dmu.Unlock()

		for _, fn := range s.listeners() {
			fn(next.state.clone())
		}

		s.dmu.Lock()
	}
	s.delivering = false
	s.dmu.Unlock()
}

func (s *Store) listeners() []func(State) {
	s.smu.Lock()
	defer s.smu.Unlock()
	fns := make([]func(State), 0, len(s.subs))
	for id := 0; id < s.nextSub; id++ {
		if fn, ok := s.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	return fns
}
