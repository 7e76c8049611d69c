// Package account holds the identity, session and farmer-profile model shared
// by the identity backend, its Go client, and the session core.
package account

import (
	"time"
)

// WelcomeBonus is the number of reward points a new profile starts with.
const WelcomeBonus = 100

// pointsPerLevel is the number of reward points needed to climb one level.
const pointsPerLevel = 100

// Identity is a remote-assigned user identity. Exactly one of Email or Phone
// is the primary contact channel, fixed at creation.
type Identity struct {
	ID               string     `json:"id"`
	Email            string     `json:"email,omitempty"`
	Phone            string     `json:"phone,omitempty"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at,omitempty"`
	PhoneConfirmedAt *time.Time `json:"phone_confirmed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Confirmed reports whether the primary contact channel has been verified.
func (i Identity) Confirmed() bool {
	if i.Phone != "" && i.Email == "" {
		return i.PhoneConfirmedAt != nil
	}
	return i.EmailConfirmedAt != nil
}

// Session is the remote-acknowledged proof that an Identity is signed in.
type Session struct {
	ID          string    `json:"id"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        Identity  `json:"user"`
	// Created is set when the authentication that produced this session also
	// created the account (first phone sign-in).
	Created bool `json:"created,omitempty"`
}

// FarmSize is the coarse farm-size category.
type FarmSize string

const (
	FarmSmall  FarmSize = "small"
	FarmMedium FarmSize = "medium"
	FarmLarge  FarmSize = "large"
)

// Valid reports whether s is one of the known categories.
func (s FarmSize) Valid() bool {
	switch s {
	case FarmSmall, FarmMedium, FarmLarge:
		return true
	}
	return false
}

// Experience is the farmer's self-reported experience band.
type Experience string

const (
	ExperienceBeginner     Experience = "beginner"
	ExperienceIntermediate Experience = "intermediate"
	ExperienceExperienced  Experience = "experienced"
)

// Valid reports whether e is one of the known bands.
func (e Experience) Valid() bool {
	switch e {
	case ExperienceBeginner, ExperienceIntermediate, ExperienceExperienced:
		return true
	}
	return false
}

// DefaultLanguage is the preferred language of a fresh profile.
const DefaultLanguage = "hi"

// Languages lists the supported preferred-language codes.
var Languages = []string{"en", "hi", "gu", "ta", "te"}

// ValidLanguage reports whether code is a supported language code.
func ValidLanguage(code string) bool {
	for _, l := range Languages {
		if l == code {
			return true
		}
	}
	return false
}

// Crops is the crop catalogue offered during onboarding.
var Crops = []string{
	"wheat", "rice", "cotton", "sugarcane", "maize", "soybean",
	"mustard", "gram", "potato", "onion", "tomato", "other",
}

// ValidCrop reports whether crop is in the catalogue.
func ValidCrop(crop string) bool {
	for _, c := range Crops {
		if c == crop {
			return true
		}
	}
	return false
}

// Profile is the farmer profile owned 1:1 by a verified Identity.
type Profile struct {
	UserID            string     `json:"user_id"`
	DisplayName       string     `json:"display_name"`
	Location          string     `json:"location"`
	FarmSize          FarmSize   `json:"farm_size,omitempty"`
	PrimaryCrops      []string   `json:"primary_crops"`
	Experience        Experience `json:"experience,omitempty"`
	PreferredLanguage string     `json:"preferred_language"`
	Completed         bool       `json:"completed"`
	Points            int        `json:"points"`
	Level             int        `json:"level"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of p.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	cp.PrimaryCrops = append([]string(nil), p.PrimaryCrops...)
	return &cp
}

// ProfileFields is a partial profile write. Nil pointers leave the stored
// value untouched.
type ProfileFields struct {
	DisplayName       *string     `json:"display_name,omitempty"`
	Location          *string     `json:"location,omitempty"`
	FarmSize          *FarmSize   `json:"farm_size,omitempty"`
	PrimaryCrops      []string    `json:"primary_crops,omitempty"`
	Experience        *Experience `json:"experience,omitempty"`
	PreferredLanguage *string     `json:"preferred_language,omitempty"`
	Completed         *bool       `json:"completed,omitempty"`
	Points            *int        `json:"points,omitempty"`
}

// Apply writes the non-nil fields of f onto p. Level is re-derived whenever
// points change.
func (f ProfileFields) Apply(p *Profile) {
	if f.DisplayName != nil {
		p.DisplayName = *f.DisplayName
	}
	if f.Location != nil {
		p.Location = *f.Location
	}
	if f.FarmSize != nil {
		p.FarmSize = *f.FarmSize
	}
	if f.PrimaryCrops != nil {
		p.PrimaryCrops = append([]string(nil), f.PrimaryCrops...)
	}
	if f.Experience != nil {
		p.Experience = *f.Experience
	}
	if f.PreferredLanguage != nil {
		p.PreferredLanguage = *f.PreferredLanguage
	}
	if f.Completed != nil {
		p.Completed = *f.Completed
	}
	if f.Points != nil {
		p.Points = *f.Points
		p.Level = LevelFor(p.Points)
	}
}

// NewProfile returns the profile created for a fresh account: welcome bonus,
// level 1, not completed.
func NewProfile(userID string, f ProfileFields) *Profile {
	p := &Profile{
		UserID:            userID,
		PrimaryCrops:      []string{},
		PreferredLanguage: DefaultLanguage,
		Points:            WelcomeBonus,
		Level:             LevelFor(WelcomeBonus),
	}
	f.Completed = nil
	f.Points = nil
	f.Apply(p)
	return p
}

// LevelFor derives the level counter from a points balance. Every full
// hundred points above the first is one level; the welcome bonus alone is
// level 1.
func LevelFor(points int) int {
	if points < pointsPerLevel {
		return 1
	}
	return points / pointsPerLevel
}
