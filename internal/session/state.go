package session

import "github.com/krishisetu/krishisetu/pkg/account"

// Status is the tag of the session state union.
type Status int

const (
	SignedOut Status = iota
	PendingVerification
	Active
)

func (s Status) String() string {
	switch s {
	case SignedOut:
		return "signed_out"
	case PendingVerification:
		return "pending_verification"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// State is a snapshot of the client's session.
//
//   - SignedOut: Identity and Profile are nil.
//   - PendingVerification: Identity is set, Profile is nil.
//   - Active: Identity is set; Profile is nil when it is missing or could
//     not be loaded.
//
// Loading is true until the first resume settles.
type State struct {
	Status   Status
	Identity *account.Identity
	Profile  *account.Profile
	Loading  bool
}

// ProfileComplete reports whether the state carries a completed profile.
func (s State) ProfileComplete() bool {
	return s.Status == Active && s.Profile != nil && s.Profile.Completed
}

func (s State) clone() State {
	out := s
	if s.Identity != nil {
		id := *s.Identity
		out.Identity = &id
	}
	out.Profile = s.Profile.Clone()
	return out
}

// key identifies an applied transition. Two sessions with equal keys are the
// same transition and applying the second is a no-op.
type key struct {
	status    Status
	userID    string
	sessionID string
}
