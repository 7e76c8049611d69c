package handler_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/krishisetu/krishisetu/internal/api/handler"
	"github.com/krishisetu/krishisetu/internal/events"
	"github.com/krishisetu/krishisetu/internal/identity"
	"github.com/krishisetu/krishisetu/internal/users"
	"github.com/krishisetu/krishisetu/pkg/account"
	"go.uber.org/zap"
)

// ── Stub outbox ───────────────────────────────────────────────────────────

type outbox struct {
	mu     sync.Mutex
	emails []string
	sms    []string
	smsErr error
}

func (o *outbox) Send(_ context.Context, _, _, body string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.emails = append(o.emails, body)
	return nil
}

func (o *outbox) SendSMS(_ context.Context, _, body string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.smsErr != nil {
		return o.smsErr
	}
	o.sms = append(o.sms, body)
	return nil
}

func (o *outbox) token(t *testing.T) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.emails) == 0 {
		t.Fatal("no confirmation email sent")
	}
	body := o.emails[len(o.emails)-1]
	i := strings.Index(body, "token=")
	if i < 0 {
		t.Fatalf("no token in email:\n%s", body)
	}
	return strings.Fields(body[i+len("token="):])[0]
}

func (o *outbox) code(t *testing.T) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.sms) == 0 {
		t.Fatal("no sms sent")
	}
	return strings.Fields(o.sms[len(o.sms)-1])[0]
}

// ── Test setup ────────────────────────────────────────────────────────────

type testEnv struct {
	router *gin.Engine
	svc    *users.Service
	broker *events.Broker
	tokens *identity.TokenIssuer
	events *handler.EventsHandler
	box    *outbox
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tokens := identity.NewTokenIssuer(key, "http://test")
	box := &outbox{}
	svc := users.NewService(users.NewMemoryRepository(), box, box, users.Config{FrontendURL: "http://app"}, zap.NewNop())
	broker := events.NewBroker(zap.NewNop())

	r := gin.New()
	v1 := r.Group("/api/v1")
	handler.NewAuthHandler(svc, tokens, broker, zap.NewNop()).Register(v1)
	handler.NewProfileHandler(svc, svc, tokens, zap.NewNop()).Register(v1)
	ev := handler.NewEventsHandler(broker, svc, tokens, zap.NewNop())
	ev.Register(v1)

	return &testEnv{router: r, svc: svc, broker: broker, tokens: tokens, events: ev, box: box}
}

func (e *testEnv) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) signup(t *testing.T, email string) account.Identity {
	t.Helper()
	w := e.do(http.MethodPost, "/api/v1/auth/signup", "",
		`{"email":"`+email+`","password":"khet-123","metadata":{"display_name":"Asha"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("signup: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		User account.Identity `json:"user"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp.User
}

func (e *testEnv) login(t *testing.T, email string) account.Session {
	t.Helper()
	w := e.do(http.MethodPost, "/api/v1/auth/login", "", `{"email":"`+email+`","password":"khet-123"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var sess account.Session
	if err := json.Unmarshal(w.Body.Bytes(), &sess); err != nil {
		t.Fatal(err)
	}
	return sess
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error body is not JSON: %s", w.Body.String())
	}
	if resp["error"] == "" {
		t.Errorf("error body without message: %s", w.Body.String())
	}
	return resp["code"]
}

// ── Signup / login ────────────────────────────────────────────────────────

func TestSignup_201(t *testing.T) {
	env := newEnv(t)
	user := env.signup(t, "asha@example.com")

	if user.ID == "" || user.Email != "asha@example.com" {
		t.Errorf("unexpected user: %+v", user)
	}
	if user.Confirmed() {
		t.Error("a fresh email account must not be confirmed")
	}
	if len(env.box.emails) != 1 {
		t.Errorf("expected 1 confirmation email, got %d", len(env.box.emails))
	}
}

func TestSignup_400(t *testing.T) {
	env := newEnv(t)
	tests := []struct {
		name string
		body string
	}{
		{"missing email", `{"password":"khet-123"}`},
		{"short password", `{"email":"a@b.com","password":"123"}`},
		{"bad email", `{"email":"not-an-email","password":"khet-123"}`},
		{"not json", `{`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/v1/auth/signup", "", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
			if code := errorCode(t, w); code != "validation" {
				t.Errorf("code = %q, want validation", code)
			}
		})
	}
}

func TestSignup_409_duplicateEmail(t *testing.T) {
	env := newEnv(t)
	env.signup(t, "asha@example.com")

	w := env.do(http.MethodPost, "/api/v1/auth/signup", "", `{"email":"ASHA@example.com","password":"khet-123"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "conflict" {
		t.Errorf("code = %q, want conflict", code)
	}
}

func TestLogin_200_unconfirmed(t *testing.T) {
	env := newEnv(t)
	env.signup(t, "asha@example.com")

	sess := env.login(t, "asha@example.com")
	if sess.AccessToken == "" || sess.ID == "" {
		t.Fatalf("expected token and session id: %+v", sess)
	}
	if sess.User.Confirmed() {
		t.Error("login must report the account as unconfirmed")
	}
	claims, err := env.tokens.Verify(sess.AccessToken)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.SessionID() != sess.ID {
		t.Errorf("token session %q, body session %q", claims.SessionID(), sess.ID)
	}
}

func TestLogin_401_badCredentials(t *testing.T) {
	env := newEnv(t)
	env.signup(t, "asha@example.com")

	for _, body := range []string{
		`{"email":"asha@example.com","password":"wrong-pass"}`,
		`{"email":"nobody@example.com","password":"khet-123"}`,
	} {
		w := env.do(http.MethodPost, "/api/v1/auth/login", "", body)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
		}
		if code := errorCode(t, w); code != "invalid_credentials" {
			t.Errorf("code = %q, want invalid_credentials", code)
		}
	}
}

// ── Email confirmation ────────────────────────────────────────────────────

func TestConfirmEmail_200(t *testing.T) {
	env := newEnv(t)
	user := env.signup(t, "asha@example.com")
	sess := env.login(t, "asha@example.com")

	notices, cancel := env.broker.Subscribe(user.ID)
	defer cancel()

	w := env.do(http.MethodPost, "/api/v1/auth/confirm-email", "", `{"token":"`+env.box.token(t)+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	select {
	case n := <-notices:
		if n.Type != account.EventSessionEstablished || n.User == nil || !n.User.Confirmed() {
			t.Errorf("unexpected notice: %+v", n)
		}
	default:
		t.Fatal("confirmation was not published")
	}

	// The existing session now reports the confirmed identity.
	w = env.do(http.MethodGet, "/api/v1/auth/session", sess.AccessToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("session: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var current account.Session
	json.Unmarshal(w.Body.Bytes(), &current)
	if !current.User.Confirmed() {
		t.Error("session should show the confirmed identity")
	}
	if current.ID != sess.ID {
		t.Errorf("session id changed: %q -> %q", sess.ID, current.ID)
	}
	if current.AccessToken != "" {
		t.Error("session lookup must not re-issue a token")
	}
}

func TestConfirmEmail_404_unknownOrReused(t *testing.T) {
	env := newEnv(t)
	env.signup(t, "asha@example.com")
	token := env.box.token(t)

	if w := env.do(http.MethodPost, "/api/v1/auth/confirm-email", "", `{"token":"`+token+`"}`); w.Code != http.StatusOK {
		t.Fatalf("first confirm: %d", w.Code)
	}
	for _, tok := range []string{token, "nope"} {
		w := env.do(http.MethodPost, "/api/v1/auth/confirm-email", "", `{"token":"`+tok+`"}`)
		if w.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
		}
	}
}

func TestResendConfirmation_202(t *testing.T) {
	env := newEnv(t)
	env.signup(t, "asha@example.com")

	for _, email := range []string{"asha@example.com", "nobody@example.com"} {
		w := env.do(http.MethodPost, "/api/v1/auth/resend-confirmation", "", `{"email":"`+email+`"}`)
		if w.Code != http.StatusAccepted {
			t.Fatalf("expected 202 for %s, got %d", email, w.Code)
		}
	}
	if len(env.box.emails) != 2 {
		t.Errorf("expected signup + one resend email, got %d", len(env.box.emails))
	}
}

// ── Session / logout ──────────────────────────────────────────────────────

func TestSession_401(t *testing.T) {
	env := newEnv(t)
	for _, tok := range []string{"", "garbage"} {
		w := env.do(http.MethodGet, "/api/v1/auth/session", tok, "")
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
		if code := errorCode(t, w); code != "unauthorized" {
			t.Errorf("code = %q, want unauthorized", code)
		}
	}
}

func TestLogout_revokesSession(t *testing.T) {
	env := newEnv(t)
	user := env.signup(t, "asha@example.com")
	sess := env.login(t, "asha@example.com")

	notices, cancel := env.broker.Subscribe(user.ID)
	defer cancel()

	w := env.do(http.MethodPost, "/api/v1/auth/logout", sess.AccessToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	n := <-notices
	if n.Type != account.EventSignedOut || n.SessionID != sess.ID {
		t.Errorf("unexpected notice: %+v", n)
	}

	w = env.do(http.MethodGet, "/api/v1/auth/session", sess.AccessToken, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("revoked session: expected 401, got %d", w.Code)
	}

	// Logging out twice is fine.
	if w := env.do(http.MethodPost, "/api/v1/auth/logout", sess.AccessToken, ""); w.Code != http.StatusOK {
		t.Fatalf("second logout: expected 200, got %d", w.Code)
	}
}

func TestLogout_leavesOtherSessions(t *testing.T) {
	env := newEnv(t)
	env.signup(t, "asha@example.com")
	first := env.login(t, "asha@example.com")
	second := env.login(t, "asha@example.com")

	env.do(http.MethodPost, "/api/v1/auth/logout", first.AccessToken, "")

	if w := env.do(http.MethodGet, "/api/v1/auth/session", second.AccessToken, ""); w.Code != http.StatusOK {
		t.Fatalf("other session: expected 200, got %d", w.Code)
	}
}

// ── Phone ─────────────────────────────────────────────────────────────────

func TestPhone_firstSignInCreatesAccount(t *testing.T) {
	env := newEnv(t)
	const phone = "+919876543210"

	w := env.do(http.MethodPost, "/api/v1/auth/phone/code", "", `{"phone":"`+phone+`"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("code: expected 202, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(http.MethodPost, "/api/v1/auth/phone/verify", "", `{"phone":"`+phone+`","code":"`+env.box.code(t)+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var sess account.Session
	json.Unmarshal(w.Body.Bytes(), &sess)
	if !sess.Created {
		t.Error("first sign-in should report created")
	}
	if sess.User.Phone != phone || !sess.User.Confirmed() {
		t.Errorf("unexpected identity: %+v", sess.User)
	}

	// Second sign-in reuses the account.
	env.do(http.MethodPost, "/api/v1/auth/phone/code", "", `{"phone":"`+phone+`"}`)
	w = env.do(http.MethodPost, "/api/v1/auth/phone/verify", "", `{"phone":"`+phone+`","code":"`+env.box.code(t)+`"}`)
	var again account.Session
	json.Unmarshal(w.Body.Bytes(), &again)
	if again.Created || again.User.ID != sess.User.ID {
		t.Errorf("returning sign-in: created=%v id=%q want %q", again.Created, again.User.ID, sess.User.ID)
	}
}

func TestPhone_400(t *testing.T) {
	env := newEnv(t)

	w := env.do(http.MethodPost, "/api/v1/auth/phone/code", "", `{"phone":"98765"}`)
	if w.Code != http.StatusBadRequest || errorCode(t, w) != "validation" {
		t.Fatalf("malformed phone: got %d %s", w.Code, w.Body.String())
	}

	env.do(http.MethodPost, "/api/v1/auth/phone/code", "", `{"phone":"+919876543210"}`)
	w = env.do(http.MethodPost, "/api/v1/auth/phone/verify", "", `{"phone":"+919876543210","code":"000000x"}`)
	if w.Code != http.StatusBadRequest || errorCode(t, w) != "invalid_code" {
		t.Fatalf("wrong code: got %d %s", w.Code, w.Body.String())
	}
}

func TestPhone_429(t *testing.T) {
	env := newEnv(t)
	body := `{"phone":"+919876543210"}`
	for i := 0; i < 3; i++ {
		if w := env.do(http.MethodPost, "/api/v1/auth/phone/code", "", body); w.Code != http.StatusAccepted {
			t.Fatalf("request %d: expected 202, got %d", i+1, w.Code)
		}
	}
	w := env.do(http.MethodPost, "/api/v1/auth/phone/code", "", body)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestPhone_502_deliveryFailed(t *testing.T) {
	env := newEnv(t)
	env.box.smsErr = context.DeadlineExceeded

	w := env.do(http.MethodPost, "/api/v1/auth/phone/code", "", `{"phone":"+919876543210"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
}
