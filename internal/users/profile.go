package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/krishisetu/krishisetu/pkg/account"
)

// GetProfile returns the profile owned by userID, or ErrNotFound.
func (s *Service) GetProfile(ctx context.Context, userID string) (*account.Profile, error) {
	return s.repo.GetProfile(ctx, userID)
}

// CreateProfile creates the profile for userID with the welcome bonus.
// Completed and Points in fields are ignored. A second create is ErrProfileExists.
func (s *Service) CreateProfile(ctx context.Context, userID string, fields account.ProfileFields) (*account.Profile, error) {
	if err := validateFields(fields); err != nil {
		return nil, err
	}
	p := account.NewProfile(userID, fields)
	if err := s.repo.CreateProfile(ctx, p); err != nil {
		if errors.Is(err, ErrProfileExists) {
			return nil, ErrProfileExists
		}
		return nil, fmt.Errorf("create profile: %w", err)
	}
	return p, nil
}

// UpdateProfile applies a partial write to the profile of userID.
func (s *Service) UpdateProfile(ctx context.Context, userID string, fields account.ProfileFields) (*account.Profile, error) {
	if err := validateFields(fields); err != nil {
		return nil, err
	}
	p, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	fields.Apply(p)
	if err := s.repo.SaveProfile(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) provisionProfile(ctx context.Context, userID, displayName string) (*account.Profile, error) {
	var fields account.ProfileFields
	if displayName != "" {
		fields.DisplayName = &displayName
	}
	return s.CreateProfile(ctx, userID, fields)
}

func validateFields(f account.ProfileFields) error {
	if f.FarmSize != nil && *f.FarmSize != "" && !f.FarmSize.Valid() {
		return &InvalidInputError{Field: "farm_size", Message: fmt.Sprintf("unknown farm size %q", *f.FarmSize)}
	}
	if f.Experience != nil && *f.Experience != "" && !f.Experience.Valid() {
		return &InvalidInputError{Field: "experience", Message: fmt.Sprintf("unknown experience %q", *f.Experience)}
	}
	if f.PreferredLanguage != nil && !account.ValidLanguage(*f.PreferredLanguage) {
		return &InvalidInputError{Field: "preferred_language", Message: fmt.Sprintf("unsupported language %q", *f.PreferredLanguage)}
	}
	for _, c := range f.PrimaryCrops {
		if !account.ValidCrop(c) {
			return &InvalidInputError{Field: "primary_crops", Message: fmt.Sprintf("unknown crop %q", c)}
		}
	}
	if f.Points != nil && *f.Points < 0 {
		return &InvalidInputError{Field: "points", Message: "must not be negative"}
	}
	return nil
}
