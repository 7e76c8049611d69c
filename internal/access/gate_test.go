package access_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/krishisetu/krishisetu/internal/access"
	"github.com/krishisetu/krishisetu/internal/gatewaytest"
	"github.com/krishisetu/krishisetu/internal/session"
	"github.com/krishisetu/krishisetu/pkg/account"
	"go.uber.org/zap"
)

func TestDecide(t *testing.T) {
	identity := &account.Identity{ID: "u1"}
	incomplete := account.NewProfile("u1", account.ProfileFields{})
	complete := incomplete.Clone()
	complete.Completed = true

	tests := []struct {
		name      string
		st        session.State
		require   bool
		wantV     access.Verdict
		wantRoute access.Route
	}{
		{"loading", session.State{Loading: true}, false, access.Wait, access.RouteNone},
		{"signed out", session.State{Status: session.SignedOut}, false, access.Deny, access.RouteSignIn},
		{"signed out, completeness required", session.State{Status: session.SignedOut}, true, access.Deny, access.RouteSignIn},
		{"pending", session.State{Status: session.PendingVerification, Identity: identity}, false, access.Deny, access.RouteVerifyContact},
		{"pending, completeness required", session.State{Status: session.PendingVerification, Identity: identity}, true, access.Deny, access.RouteVerifyContact},
		{"active, nil profile, not required", session.State{Status: session.Active, Identity: identity}, false, access.Allow, access.RouteNone},
		{"active, nil profile, required", session.State{Status: session.Active, Identity: identity}, true, access.Deny, access.RouteOnboarding},
		{"active, incomplete, required", session.State{Status: session.Active, Identity: identity, Profile: incomplete}, true, access.Deny, access.RouteOnboarding},
		{"active, complete, required", session.State{Status: session.Active, Identity: identity, Profile: complete}, true, access.Allow, access.RouteNone},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := access.Decide(tc.st, tc.require)
			if d.Verdict != tc.wantV || d.Route != tc.wantRoute {
				t.Errorf("got %v/%v, want %v/%v", d.Verdict, d.Route, tc.wantV, tc.wantRoute)
			}
			if d.Verdict == access.Deny && d.Message == "" {
				t.Error("denials must carry a message")
			}
		})
	}
}

func TestDecide_pendingMessageDiffersFromSignIn(t *testing.T) {
	pending := access.Decide(session.State{Status: session.PendingVerification, Identity: &account.Identity{ID: "u1"}}, false)
	out := access.Decide(session.State{Status: session.SignedOut}, false)
	if pending.Message == out.Message {
		t.Error("pending verification must not read like signed out")
	}
}

func TestDecideFeature_usesLabelAndRequirement(t *testing.T) {
	chat, ok := access.Lookup("chat")
	if !ok {
		t.Fatal("chat missing from catalogue")
	}
	quests, _ := access.Lookup("quests")

	st := session.State{Status: session.Active, Identity: &account.Identity{ID: "u1"}}
	if d := access.DecideFeature(st, chat); d.Verdict != access.Allow {
		t.Errorf("chat should only need a session, got %+v", d)
	}
	if d := access.DecideFeature(st, quests); d.Route != access.RouteOnboarding {
		t.Errorf("quests need a complete profile, got %+v", d)
	}

	d := access.DecideFeature(session.State{}, chat)
	if d.Message != "Please sign in to access AI Chat Assistant." {
		t.Errorf("unexpected message %q", d.Message)
	}
}

func TestLookup_unknown(t *testing.T) {
	if _, ok := access.Lookup("teleport"); ok {
		t.Error("unknown feature found")
	}
}

func TestCheck(t *testing.T) {
	if err := access.Check(access.Decision{Verdict: access.Allow}); err != nil {
		t.Errorf("allow should be nil, got %v", err)
	}
	err := access.Check(access.Decision{Verdict: access.Deny, Route: access.RouteSignIn, Message: "sign in"})
	var aerr *access.Error
	if !errors.As(err, &aerr) || aerr.Decision.Route != access.RouteSignIn {
		t.Errorf("expected *access.Error with route, got %v", err)
	}
}

func TestWatch_reactsToStoreChanges(t *testing.T) {
	gw := gatewaytest.New()
	store := session.New(gw, session.Config{}, zap.NewNop())

	var got []access.Route
	var verdicts []access.Verdict
	stop := access.Watch(store, true, func(d access.Decision) {
		got = append(got, d.Route)
		verdicts = append(verdicts, d.Verdict)
	})
	defer stop()

	if err := store.Resume(context.Background()); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	gw.Push(account.Event{Type: account.EventSessionEstablished, Session: &account.Session{
		ID:   "s1",
		User: account.Identity{ID: "u1", Email: "a@b.com", EmailConfirmedAt: &now},
	}})
	p := account.NewProfile("u1", account.ProfileFields{})
	p.Completed = true
	store.SetProfile(p)
	store.SignOut(context.Background())

	wantVerdicts := []access.Verdict{access.Wait, access.Deny, access.Deny, access.Allow, access.Deny}
	wantRoutes := []access.Route{access.RouteNone, access.RouteSignIn, access.RouteOnboarding, access.RouteNone, access.RouteSignIn}
	if len(verdicts) != len(wantVerdicts) {
		t.Fatalf("got %d decisions %v/%v, want %d", len(verdicts), verdicts, got, len(wantVerdicts))
	}
	for i := range wantVerdicts {
		if verdicts[i] != wantVerdicts[i] || got[i] != wantRoutes[i] {
			t.Errorf("decision %d = %v/%v, want %v/%v", i, verdicts[i], got[i], wantVerdicts[i], wantRoutes[i])
		}
	}
}

func TestWatch_stop(t *testing.T) {
	gw := gatewaytest.New()
	store := session.New(gw, session.Config{}, zap.NewNop())

	calls := 0
	stop := access.Watch(store, false, func(access.Decision) { calls++ })
	stop()
	store.Resume(context.Background())

	if calls != 1 {
		t.Errorf("expected only the initial decision, got %d calls", calls)
	}
}

func TestWatch_settlesOnNewestStateWhenChangesOverlap(t *testing.T) {
	gw := gatewaytest.New()
	store := session.New(gw, session.Config{}, zap.NewNop())
	if err := store.Resume(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The first subscriber stalls on the Active delivery so the sign-out
	// lands while that delivery is still in flight.
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	store.Subscribe(func(st session.State) {
		if st.Status == session.Active {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	})

	var (
		mu   sync.Mutex
		last access.Decision
	)
	stop := access.Watch(store, false, func(d access.Decision) {
		mu.Lock()
		last = d
		mu.Unlock()
	})
	defer stop()

	now := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		store.HandleEvent(account.Event{Type: account.EventSessionEstablished, Session: &account.Session{
			ID:   "s1",
			User: account.Identity{ID: "u1", Email: "a@b.com", EmailConfirmedAt: &now},
		}})
	}()

	<-entered
	store.SignOut(context.Background())
	close(release)
	<-done

	if st := store.Current(); st.Status != session.SignedOut {
		t.Fatalf("store = %v, want signed_out", st.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if last.Verdict != access.Deny || last.Route != access.RouteSignIn {
		t.Errorf("gate settled on %v/%v while signed out, want deny/sign-in", last.Verdict, last.Route)
	}
}

func TestWatchFeature(t *testing.T) {
	gw := gatewaytest.New()
	store := session.New(gw, session.Config{}, zap.NewNop())
	if err := store.Resume(context.Background()); err != nil {
		t.Fatal(err)
	}
	quests, ok := access.Lookup("quests")
	if !ok {
		t.Fatal("quests not in catalogue")
	}

	var got []access.Decision
	stop := access.WatchFeature(store, quests, func(d access.Decision) { got = append(got, d) })
	defer stop()

	now := time.Now()
	store.Establish(context.Background(), &account.Session{
		ID:   "s1",
		User: account.Identity{ID: "u1", Email: "a@b.com", EmailConfirmedAt: &now},
	})
	p := account.NewProfile("u1", account.ProfileFields{})
	p.Completed = true
	store.SetProfile(p)

	want := []access.Route{access.RouteSignIn, access.RouteOnboarding, access.RouteNone}
	if len(got) != len(want) {
		t.Fatalf("got %d decisions %+v, want %d", len(got), got, len(want))
	}
	for i, r := range want {
		if got[i].Route != r {
			t.Errorf("decision %d route = %v, want %v", i, got[i].Route, r)
		}
	}
	if got[1].Message == "" || got[2].Verdict != access.Allow {
		t.Errorf("unexpected decisions %+v", got)
	}
}
