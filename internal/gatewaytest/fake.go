// Package gatewaytest provides an in-memory identity gateway for tests of the
// session, authentication, onboarding and access packages.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/krishisetu/krishisetu/pkg/account"
	"github.com/krishisetu/krishisetu/pkg/client"
)

// Gateway is an in-memory stand-in for pkg/client.Client. It behaves like the
// real client: successful sign-ins emit SESSION_ESTABLISHED and SignOut emits
// SIGNED_OUT before the remote call.
type Gateway struct {
	mu        sync.Mutex
	users     map[string]*account.Identity
	byEmail   map[string]string
	byPhone   map[string]string
	passwords map[string]string
	profiles  map[string]*account.Profile
	codes     map[string]string
	expired   map[string]bool
	current   *account.Session
	calls     map[string]int
	errs      map[string]error
	codeSeq   int

	lmu       sync.Mutex
	listeners map[int]func(account.Event)
	nextID    int

	// ResumeGate, when set, blocks GetCurrentSession until it is closed.
	ResumeGate chan struct{}
	// SignOutGate, when set, blocks the remote half of SignOut until closed.
	SignOutGate chan struct{}
	// BeforeVerify runs inside VerifyPhoneCode before the code is checked.
	BeforeVerify func(phone, code string)
}

// New returns an empty gateway.
func New() *Gateway {
	return &Gateway{
		users:     make(map[string]*account.Identity),
		byEmail:   make(map[string]string),
		byPhone:   make(map[string]string),
		passwords: make(map[string]string),
		profiles:  make(map[string]*account.Profile),
		codes:     make(map[string]string),
		expired:   make(map[string]bool),
		calls:     make(map[string]int),
		errs:      make(map[string]error),
		listeners: make(map[int]func(account.Event)),
	}
}

// Calls returns how many times method was invoked.
func (g *Gateway) Calls(method string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[method]
}

// TotalCalls returns the number of gateway calls of any kind.
func (g *Gateway) TotalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		n += c
	}
	return n
}

// SetError makes every later call to method fail with err. A nil err clears it.
func (g *Gateway) SetError(method string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.errs, method)
		return
	}
	g.errs[method] = err
}

// ConfirmAccount marks the account registered with addr as confirmed.
func (g *Gateway) ConfirmAccount(addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id, ok := g.byEmail[addr]; ok {
		now := time.Now()
		g.users[id].EmailConfirmedAt = &now
	}
}

// AddUser seeds an account. Pass confirmed to mark its email confirmed.
func (g *Gateway) AddUser(addr, password string, confirmed bool) account.Identity {
	g.mu.Lock()
	defer g.mu.Unlock()
	u := &account.Identity{ID: uuid.NewString(), Email: addr, CreatedAt: time.Now()}
	if confirmed {
		now := time.Now()
		u.EmailConfirmedAt = &now
	}
	g.users[u.ID] = u
	g.byEmail[addr] = u.ID
	g.passwords[u.ID] = password
	return *u
}

// PutProfile stores p as-is.
func (g *Gateway) PutProfile(p *account.Profile) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.profiles[p.UserID] = p.Clone()
}

// Profile returns the stored profile of userID, or nil.
func (g *Gateway) Profile(userID string) *account.Profile {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.profiles[userID].Clone()
}

// LastCode returns the code most recently sent to phone.
func (g *Gateway) LastCode(phone string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.codes[phone]
}

// ExpireCode makes the outstanding code for phone expired.
func (g *Gateway) ExpireCode(phone string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expired[phone] = true
}

// SetCurrent replaces the session GetCurrentSession reports.
func (g *Gateway) SetCurrent(sess *account.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current = sess
}

// Push delivers ev to every OnSessionChange listener.
func (g *Gateway) Push(ev account.Event) { g.emit(ev) }

func (g *Gateway) enter(method string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[method]++
	return g.errs[method]
}

// RegisterWithPassword creates an unconfirmed account and provisions its
// profile from metadata["display_name"], as identityd does.
func (g *Gateway) RegisterWithPassword(_ context.Context, addr, password string, metadata map[string]string) (*account.Identity, error) {
	if err := g.enter("RegisterWithPassword"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	if _, ok := g.byEmail[addr]; ok {
		g.mu.Unlock()
		return nil, client.ErrConflict
	}
	g.mu.Unlock()
	id := g.AddUser(addr, password, false)

	name := metadata["display_name"]
	g.PutProfile(account.NewProfile(id.ID, account.ProfileFields{DisplayName: &name}))
	return &id, nil
}

func (g *Gateway) AuthenticateWithPassword(_ context.Context, addr, password string) (*account.Session, error) {
	if err := g.enter("AuthenticateWithPassword"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	id, ok := g.byEmail[addr]
	if !ok || g.passwords[id] != password {
		g.mu.Unlock()
		return nil, client.ErrInvalidCredentials
	}
	sess := g.newSessionLocked(*g.users[id], false)
	g.mu.Unlock()

	g.emit(account.Event{Type: account.EventSessionEstablished, Session: sess})
	return sess, nil
}

func (g *Gateway) RequestPhoneCode(_ context.Context, phone string) error {
	if err := g.enter("RequestPhoneCode"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.codeSeq++
	g.codes[phone] = fmt.Sprintf("%06d", 100000+g.codeSeq)
	delete(g.expired, phone)
	return nil
}

func (g *Gateway) VerifyPhoneCode(_ context.Context, phone, code string) (*account.Session, error) {
	if err := g.enter("VerifyPhoneCode"); err != nil {
		return nil, err
	}
	if g.BeforeVerify != nil {
		g.BeforeVerify(phone, code)
	}

	g.mu.Lock()
	want, ok := g.codes[phone]
	if !ok || want != code {
		g.mu.Unlock()
		return nil, client.ErrInvalidCode
	}
	if g.expired[phone] {
		g.mu.Unlock()
		return nil, client.ErrCodeExpired
	}
	delete(g.codes, phone)

	created := false
	id, exists := g.byPhone[phone]
	if !exists {
		u := &account.Identity{ID: uuid.NewString(), Phone: phone, CreatedAt: time.Now()}
		g.users[u.ID] = u
		g.byPhone[phone] = u.ID
		id = u.ID
		created = true
	}
	now := time.Now()
	g.users[id].PhoneConfirmedAt = &now
	sess := g.newSessionLocked(*g.users[id], created)
	g.mu.Unlock()

	g.emit(account.Event{Type: account.EventSessionEstablished, Session: sess})
	return sess, nil
}

func (g *Gateway) GetCurrentSession(ctx context.Context) (*account.Session, error) {
	if err := g.enter("GetCurrentSession"); err != nil {
		return nil, err
	}
	if g.ResumeGate != nil {
		select {
		case <-g.ResumeGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return nil, nil
	}
	cp := *g.current
	if u, ok := g.users[cp.User.ID]; ok {
		cp.User = *u
	}
	return &cp, nil
}

func (g *Gateway) SignOut(ctx context.Context) error {
	g.mu.Lock()
	g.current = nil
	g.mu.Unlock()
	g.emit(account.Event{Type: account.EventSignedOut})

	if err := g.enter("SignOut"); err != nil {
		return err
	}
	if g.SignOutGate != nil {
		select {
		case <-g.SignOutGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (g *Gateway) ResendConfirmation(_ context.Context, addr string) error {
	if err := g.enter("ResendConfirmation"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.byEmail[addr]; !ok {
		return client.ErrNotFound
	}
	return nil
}

func (g *Gateway) CreateProfile(_ context.Context, userID string, fields account.ProfileFields) (*account.Profile, error) {
	if err := g.enter("CreateProfile"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.profiles[userID]; ok {
		return nil, client.ErrConflict
	}
	p := account.NewProfile(userID, fields)
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	g.profiles[userID] = p
	return p.Clone(), nil
}

func (g *Gateway) UpdateProfile(_ context.Context, userID string, fields account.ProfileFields) (*account.Profile, error) {
	if err := g.enter("UpdateProfile"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.profiles[userID]
	if !ok {
		return nil, client.ErrNotFound
	}
	fields.Apply(p)
	p.UpdatedAt = time.Now()
	return p.Clone(), nil
}

func (g *Gateway) GetProfile(_ context.Context, userID string) (*account.Profile, error) {
	if err := g.enter("GetProfile"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.profiles[userID].Clone(), nil
}

func (g *Gateway) OnSessionChange(fn func(account.Event)) (unsubscribe func()) {
	g.lmu.Lock()
	id := g.nextID
	g.nextID++
	g.listeners[id] = fn
	g.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.lmu.Lock()
			delete(g.listeners, id)
			g.lmu.Unlock()
		})
	}
}

func (g *Gateway) newSessionLocked(u account.Identity, created bool) *account.Session {
	sess := &account.Session{
		ID:          uuid.NewString(),
		AccessToken: uuid.NewString(),
		ExpiresAt:   time.Now().Add(time.Hour),
		User:        u,
		Created:     created,
	}
	cp := *sess
	g.current = &cp
	return sess
}

func (g *Gateway) emit(ev account.Event) {
	g.lmu.Lock()
	fns := make([]func(account.Event), 0, len(g.listeners))
	for id := 0; id < g.nextID; id++ {
		if fn, ok := g.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	g.lmu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
