// Package onboarding collects the farmer profile in four steps after the first
// successful sign-in. Nothing is written to the gateway until the last step
// is submitted.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/krishisetu/krishisetu/internal/session"
	"github.com/krishisetu/krishisetu/pkg/account"
	"github.com/krishisetu/krishisetu/pkg/client"
	"go.uber.org/zap"
)

// Step is a wizard position.
type Step int

const (
	StepPersonal Step = iota + 1
	StepFarm
	StepCrops
	StepSettings
	Submitted
)

// Steps lists the editable steps in order.
var Steps = []Step{StepPersonal, StepFarm, StepCrops, StepSettings}

// Title is the heading shown for the step.
func (s Step) Title() string {
	switch s {
	case StepPersonal:
		return "Personal Info"
	case StepFarm:
		return "Farm Details"
	case StepCrops:
		return "Crop Preferences"
	case StepSettings:
		return "Settings"
	case Submitted:
		return "Done"
	default:
		return "Unknown"
	}
}

func (s Step) String() string { return s.Title() }

var (
	ErrNotActive   = errors.New("onboarding needs an active session")
	ErrFirstStep   = errors.New("already at the first step")
	ErrLastStep    = errors.New("last step: submit instead")
	ErrNotLastStep = errors.New("submit is only possible from the last step")
	ErrSubmitted   = errors.New("onboarding already submitted")
)

// ValidationError reports an invalid field on a step.
type ValidationError struct {
	Step    Step
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Step.Title(), e.Message)
}

// Draft is the wizard's working copy of the profile fields.
type Draft struct {
	DisplayName       string
	Location          string
	FarmSize          account.FarmSize
	Experience        account.Experience
	PrimaryCrops      []string
	PreferredLanguage string
}

func (d Draft) clone() Draft {
	d.PrimaryCrops = append([]string(nil), d.PrimaryCrops...)
	return d
}

func (d Draft) fields(completed bool) account.ProfileFields {
	crops := append([]string(nil), d.PrimaryCrops...)
	return account.ProfileFields{
		DisplayName:       &d.DisplayName,
		Location:          &d.Location,
		FarmSize:          &d.FarmSize,
		Experience:        &d.Experience,
		PrimaryCrops:      crops,
		PreferredLanguage: &d.PreferredLanguage,
		Completed:         &completed,
	}
}

// profileGateway is the gateway surface the wizard persists through.
type profileGateway interface {
	CreateProfile(ctx context.Context, userID string, fields account.ProfileFields) (*account.Profile, error)
	UpdateProfile(ctx context.Context, userID string, fields account.ProfileFields) (*account.Profile, error)
}

type sessionStore interface {
	Current() session.State
	SetProfile(p *account.Profile)
}

// Wizard starts onboarding runs for the active session.
type Wizard struct {
	gw     profileGateway
	store  sessionStore
	logger *zap.Logger
}

// New creates a Wizard.
func New(gw profileGateway, store sessionStore, logger *zap.Logger) *Wizard {
	return &Wizard{gw: gw, store: store, logger: logger}
}

// Start begins a fresh run at the first step, seeded from the persisted
// profile when there is one.
func (w *Wizard) Start() (*Run, error) {
	st := w.store.Current()
	if st.Status != session.Active {
		return nil, ErrNotActive
	}

	r := &Run{
		w:      w,
		userID: st.Identity.ID,
		step:   StepPersonal,
		draft:  Draft{PreferredLanguage: account.DefaultLanguage},
	}
	if p := st.Profile; p != nil {
		r.persisted = true
		r.draft = Draft{
			DisplayName:       p.DisplayName,
			Location:          p.Location,
			FarmSize:          p.FarmSize,
			Experience:        p.Experience,
			PrimaryCrops:      append([]string(nil), p.PrimaryCrops...),
			PreferredLanguage: p.PreferredLanguage,
		}
		if r.draft.PreferredLanguage == "" {
			r.draft.PreferredLanguage = account.DefaultLanguage
		}
	}
	return r, nil
}

// Run is one pass through the wizard. It is not safe for concurrent use.
type Run struct {
	w         *Wizard
	userID    string
	step      Step
	draft     Draft
	persisted bool
}

// Step returns the current position.
func (r *Run) Step() Step { return r.step }

// Draft returns a copy of the working fields.
func (r *Run) Draft() Draft { return r.draft.clone() }

// SetPersonal fills the personal-info step.
func (r *Run) SetPersonal(displayName, location string) error {
	return r.edit(func(d *Draft) {
		d.DisplayName = strings.TrimSpace(displayName)
		d.Location = strings.TrimSpace(location)
	})
}

// SetFarm fills the farm-details step.
func (r *Run) SetFarm(size account.FarmSize) error {
	return r.edit(func(d *Draft) { d.FarmSize = size })
}

// SetCrops fills the crop-preferences step.
func (r *Run) SetCrops(crops []string, experience account.Experience) error {
	return r.edit(func(d *Draft) {
		d.PrimaryCrops = dedupe(crops)
		d.Experience = experience
	})
}

// ToggleCrop adds crop to the selection, or removes it if already selected.
func (r *Run) ToggleCrop(crop string) error {
	return r.edit(func(d *Draft) {
		for i, c := range d.PrimaryCrops {
			if c == crop {
				d.PrimaryCrops = append(d.PrimaryCrops[:i:i], d.PrimaryCrops[i+1:]...)
				return
			}
		}
		d.PrimaryCrops = append(d.PrimaryCrops, crop)
	})
}

// SetLanguage fills the settings step.
func (r *Run) SetLanguage(code string) error {
	return r.edit(func(d *Draft) { d.PreferredLanguage = strings.TrimSpace(code) })
}

// Next validates the current step and moves to the following one.
func (r *Run) Next() error {
	switch r.step {
	case Submitted:
		return ErrSubmitted
	case StepSettings:
		return ErrLastStep
	}
	if err := validateStep(r.step, r.draft); err != nil {
		return err
	}
	r.step++
	return nil
}

// Back moves to the previous step. Draft edits are kept.
func (r *Run) Back() error {
	switch r.step {
	case Submitted:
		return ErrSubmitted
	case StepPersonal:
		return ErrFirstStep
	}
	r.step--
	return nil
}

// Submit validates every step, persists the draft with completed set, and
// updates the session's profile. It is only allowed from the last step; on
// failure the run stays there and nothing in the session changes.
func (r *Run) Submit(ctx context.Context) (*account.Profile, error) {
	switch r.step {
	case Submitted:
		return nil, ErrSubmitted
	case StepSettings:
	default:
		return nil, ErrNotLastStep
	}
	for _, s := range Steps {
		if err := validateStep(s, r.draft); err != nil {
			return nil, err
		}
	}

	p, err := r.persist(ctx)
	if err != nil {
		return nil, fmt.Errorf("save profile: %w", err)
	}
	r.w.store.SetProfile(p)
	r.step = Submitted
	r.w.logger.Info("onboarding completed", zap.String("user_id", r.userID))
	return p, nil
}

func (r *Run) persist(ctx context.Context) (*account.Profile, error) {
	fields := r.draft.fields(true)
	if r.persisted {
		return r.w.gw.UpdateProfile(ctx, r.userID, fields)
	}
	p, err := r.w.gw.CreateProfile(ctx, r.userID, fields)
	if errors.Is(err, client.ErrConflict) {
		// Provisioned elsewhere since this run started.
		return r.w.gw.UpdateProfile(ctx, r.userID, fields)
	}
	if err != nil {
		return nil, err
	}
	// A created profile ignores the completed flag; set it now.
	return r.w.gw.UpdateProfile(ctx, p.UserID, fields)
}

func (r *Run) edit(fn func(*Draft)) error {
	if r.step == Submitted {
		return ErrSubmitted
	}
	fn(&r.draft)
	return nil
}

func validateStep(s Step, d Draft) error {
	switch s {
	case StepPersonal:
		if d.DisplayName == "" {
			return &ValidationError{Step: s, Field: "display_name", Message: "please enter your name"}
		}
	case StepFarm:
		if !d.FarmSize.Valid() {
			return &ValidationError{Step: s, Field: "farm_size", Message: "choose small, medium or large"}
		}
	case StepCrops:
		if len(d.PrimaryCrops) == 0 {
			return &ValidationError{Step: s, Field: "primary_crops", Message: "select at least one crop"}
		}
		for _, c := range d.PrimaryCrops {
			if !account.ValidCrop(c) {
				return &ValidationError{Step: s, Field: "primary_crops", Message: fmt.Sprintf("unknown crop %q", c)}
			}
		}
		if !d.Experience.Valid() {
			return &ValidationError{Step: s, Field: "experience", Message: "choose your farming experience"}
		}
	case StepSettings:
		if !account.ValidLanguage(d.PreferredLanguage) {
			return &ValidationError{Step: s, Field: "preferred_language", Message: fmt.Sprintf("unsupported language %q", d.PreferredLanguage)}
		}
	}
	return nil
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, c := range in {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
