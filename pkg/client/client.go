package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/krishisetu/krishisetu/pkg/account"
	"go.uber.org/zap"
)

// Client talks to an identity gateway over HTTP. It holds the bearer token of
// the current session and fans session-change events out to listeners.
type Client struct {
	gatewayBase string
	httpClient  *http.Client
	logger      *zap.Logger

	// token state, guarded by mu
	mu          sync.Mutex
	accessToken string

	lmu       sync.Mutex
	listeners map[int]func(account.Event)
	nextID    int
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithTimeout bounds every gateway call, including session resume.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		c.httpClient = &http.Client{Timeout: d}
		return nil
	}
}

// WithAccessToken attaches a previously issued session token, so that
// GetCurrentSession can resume it.
func WithAccessToken(token string) Option {
	return func(c *Client) error {
		c.accessToken = token
		return nil
	}
}

// WithLogger sets the logger used for push-stream diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) error {
		c.logger = l
		return nil
	}
}

// New creates a Client for the gateway at gatewayBase.
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithAccessToken(saved),
//	    client.WithTimeout(5*time.Second),
//	)
func New(gatewayBase string, opts ...Option) (*Client, error) {
	if gatewayBase == "" {
		return nil, errors.New("gateway base URL is required")
	}
	if _, err := url.Parse(gatewayBase); err != nil {
		return nil, fmt.Errorf("parse gateway URL: %w", err)
	}
	c := &Client{
		gatewayBase: strings.TrimRight(gatewayBase, "/"),
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		logger:      zap.NewNop(),
		listeners:   make(map[int]func(account.Event)),
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(gatewayBase string, opts ...Option) *Client {
	c, err := New(gatewayBase, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// AccessToken returns the bearer token of the current session, or "".
func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

func (c *Client) setAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

// RegisterWithPassword creates an email/password account. The account is not
// signed in: the gateway sends a confirmation link first.
func (c *Client) RegisterWithPassword(ctx context.Context, email, password string, metadata map[string]string) (*account.Identity, error) {
	var resp struct {
		User account.Identity `json:"user"`
	}
	err := c.call(ctx, http.MethodPost, "/api/v1/auth/signup", map[string]any{
		"email":    email,
		"password": password,
		"metadata": metadata,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.User, nil
}

// AuthenticateWithPassword signs in with email and password. On success the
// session token is retained and SESSION_ESTABLISHED is emitted.
func (c *Client) AuthenticateWithPassword(ctx context.Context, email, password string) (*account.Session, error) {
	var sess account.Session
	err := c.call(ctx, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &sess)
	if err != nil {
		return nil, err
	}
	c.establish(&sess)
	return &sess, nil
}

// RequestPhoneCode asks the gateway to text a one-time code to an E.164 number.
func (c *Client) RequestPhoneCode(ctx context.Context, e164Phone string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/auth/phone/code", map[string]string{
		"phone": e164Phone,
	}, nil)
}

// VerifyPhoneCode exchanges a one-time code for a session. Session.Created is
// true when this sign-in also created the account.
func (c *Client) VerifyPhoneCode(ctx context.Context, e164Phone, code string) (*account.Session, error) {
	var sess account.Session
	err := c.call(ctx, http.MethodPost, "/api/v1/auth/phone/verify", map[string]string{
		"phone": e164Phone,
		"code":  code,
	}, &sess)
	if err != nil {
		return nil, err
	}
	c.establish(&sess)
	return &sess, nil
}

// GetCurrentSession returns the session behind the retained token. It returns
// (nil, nil) when there is no token or the gateway no longer honours it.
func (c *Client) GetCurrentSession(ctx context.Context) (*account.Session, error) {
	if c.AccessToken() == "" {
		return nil, nil
	}
	var sess account.Session
	err := c.call(ctx, http.MethodGet, "/api/v1/auth/session", nil, &sess)
	if errors.Is(err, ErrUnauthorized) {
		c.setAccessToken("")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sess.AccessToken == "" {
		sess.AccessToken = c.AccessToken()
	}
	return &sess, nil
}

// SignOut drops the retained token, emits SIGNED_OUT and then revokes the
// session on the gateway. The local token is gone even if revocation fails.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	token := c.accessToken
	c.accessToken = ""
	c.mu.Unlock()

	c.emit(account.Event{Type: account.EventSignedOut})

	if token == "" {
		return nil
	}
	return c.callWithToken(ctx, token, http.MethodPost, "/api/v1/auth/logout", nil, nil)
}

// ConfirmEmail consumes an email confirmation token.
func (c *Client) ConfirmEmail(ctx context.Context, token string) (*account.Identity, error) {
	var resp struct {
		User account.Identity `json:"user"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v1/auth/confirm-email", map[string]string{"token": token}, &resp); err != nil {
		return nil, err
	}
	return &resp.User, nil
}

// ResendConfirmation asks the gateway to send a fresh confirmation link.
func (c *Client) ResendConfirmation(ctx context.Context, email string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/auth/resend-confirmation", map[string]string{"email": email}, nil)
}

// CreateProfile creates the profile row for userID.
func (c *Client) CreateProfile(ctx context.Context, userID string, fields account.ProfileFields) (*account.Profile, error) {
	var p account.Profile
	if err := c.call(ctx, http.MethodPost, "/api/v1/profiles/"+url.PathEscape(userID), fields, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProfile applies a partial write to the profile of userID.
func (c *Client) UpdateProfile(ctx context.Context, userID string, fields account.ProfileFields) (*account.Profile, error) {
	var p account.Profile
	if err := c.call(ctx, http.MethodPatch, "/api/v1/profiles/"+url.PathEscape(userID), fields, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProfile fetches the profile of userID. A missing profile is (nil, nil).
func (c *Client) GetProfile(ctx context.Context, userID string) (*account.Profile, error) {
	var p account.Profile
	err := c.call(ctx, http.MethodGet, "/api/v1/profiles/"+url.PathEscape(userID), nil, &p)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// OnSessionChange registers fn for every session-change event, whether it
// originates from a call on this client or from the push stream (see Watch).
// The returned function unregisters fn and is safe to call more than once.
func (c *Client) OnSessionChange(fn func(account.Event)) (unsubscribe func()) {
	c.lmu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.lmu.Lock()
			delete(c.listeners, id)
			c.lmu.Unlock()
		})
	}
}

func (c *Client) establish(sess *account.Session) {
	c.setAccessToken(sess.AccessToken)
	c.emit(account.Event{Type: account.EventSessionEstablished, Session: sess})
}

// emit delivers ev to a snapshot of the listeners, outside the lock so a
// listener may call back into the client.
func (c *Client) emit(ev account.Event) {
	c.lmu.Lock()
	fns := make([]func(account.Event), 0, len(c.listeners))
	for id := 0; id < c.nextID; id++ {
		if fn, ok := c.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	c.lmu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// call performs a JSON request with the retained bearer token.
func (c *Client) call(ctx context.Context, method, path string, reqBody, respBody any) error {
	return c.callWithToken(ctx, c.AccessToken(), method, path, reqBody, respBody)
}

func (c *Client) callWithToken(ctx context.Context, token, method, path string, reqBody, respBody any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		payload, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.gatewayBase+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if respBody == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do executes an HTTP request and converts non-2xx answers into *APIError.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, newAPIError(resp.StatusCode, body)
	}
	return body, nil
}
