// Package access decides whether the current session may open a protected
// feature, and where to send the user when it may not.
package access

import (
	"fmt"
	"sync"

	"github.com/krishisetu/krishisetu/internal/session"
)

// Verdict is the outcome of a gate decision.
type Verdict int

const (
	Allow Verdict = iota + 1
	Deny
	// Wait means the session has not settled yet; show a loading state.
	Wait
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case Wait:
		return "wait"
	default:
		return "unknown"
	}
}

// Route tells the UI where a denied user should go.
type Route int

const (
	RouteNone Route = iota
	RouteSignIn
	RouteVerifyContact
	RouteOnboarding
)

func (r Route) String() string {
	switch r {
	case RouteSignIn:
		return "sign_in"
	case RouteVerifyContact:
		return "verify_contact"
	case RouteOnboarding:
		return "onboarding"
	default:
		return "none"
	}
}

// Decision is what the gate answers for one state.
type Decision struct {
	Verdict Verdict
	Route   Route
	Message string
}

// Decide is the gate for a state. A nil or incomplete profile fails the
// completeness requirement.
func Decide(st session.State, requireProfileComplete bool) Decision {
	return decide(st, requireProfileComplete, "this feature")
}

// DecideFeature is Decide with the feature's own requirement and label.
func DecideFeature(st session.State, f Feature) Decision {
	return decide(st, f.RequireProfileComplete, f.Label)
}

func decide(st session.State, requireComplete bool, label string) Decision {
	if st.Loading {
		return Decision{Verdict: Wait, Message: "Loading..."}
	}
	switch st.Status {
	case session.PendingVerification:
		return Decision{
			Verdict: Deny,
			Route:   RouteVerifyContact,
			Message: "Please verify your account to access " + label + ". Check your inbox for the confirmation link.",
		}
	case session.Active:
		if requireComplete && !st.ProfileComplete() {
			return Decision{
				Verdict: Deny,
				Route:   RouteOnboarding,
				Message: "Complete your farm profile to access " + label + ".",
			}
		}
		return Decision{Verdict: Allow}
	default:
		return Decision{
			Verdict: Deny,
			Route:   RouteSignIn,
			Message: "Please sign in to access " + label + ".",
		}
	}
}

// stateSource is the part of session.Store the gate reads.
type stateSource interface {
	Current() session.State
	Subscribe(fn func(session.State)) (unsubscribe func())
}

// Watch evaluates the gate now and again after every store change, calling fn
// with the first decision and then only when the decision changes. The
// returned function stops watching.
func Watch(store stateSource, requireProfileComplete bool, fn func(Decision)) (stop func()) {
	return watch(store, func(st session.State) Decision {
		return Decide(st, requireProfileComplete)
	}, fn)
}

// WatchFeature is Watch for a catalogue feature.
func WatchFeature(store stateSource, f Feature, fn func(Decision)) (stop func()) {
	return watch(store, func(st session.State) Decision {
		return DecideFeature(st, f)
	}, fn)
}

func watch(store stateSource, decideFn func(session.State) Decision, fn func(Decision)) func() {
	var (
		mu        sync.Mutex
		last      *Decision
		delivered bool
	)
	// The store delivers changes in order; the initial read only counts
	// when no delivery has beaten it.
	eval := func(st session.State, fromStore bool) {
		mu.Lock()
		defer mu.Unlock()
		if fromStore {
			delivered = true
		} else if delivered {
			return
		}
		d := decideFn(st)
		if last != nil && *last == d {
			return
		}
		last = &d
		fn(d)
	}

	stop := store.Subscribe(func(st session.State) { eval(st, true) })
	eval(store.Current(), false)
	return stop
}

// Error wraps a denied decision for callers that prefer error returns.
type Error struct {
	Decision Decision
}

func (e *Error) Error() string {
	return fmt.Sprintf("access %s: %s", e.Decision.Verdict, e.Decision.Message)
}

// Check returns nil when d allows access and an *Error otherwise.
func Check(d Decision) error {
	if d.Verdict == Allow {
		return nil
	}
	return &Error{Decision: d}
}
