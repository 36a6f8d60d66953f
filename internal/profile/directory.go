package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/blackmichael/fantrix-feed/internal/domain"
)

// UsersCollection holds one document per user, keyed by user ID.
const UsersCollection = "users"

// Record is the stored user document.
type Record struct {
	FullName     string `json:"fullName,omitempty"`
	Email        string `json:"email,omitempty"`
	ProfileImage string `json:"profileImage,omitempty"`
}

// Documents is the subset of the document store the directory needs.
type Documents interface {
	Get(ctx context.Context, ref domain.DocumentRef) (domain.Document, error)
	Set(ctx context.Context, ref domain.DocumentRef, fields map[string]any) error
}

// Directory resolves and stores user profiles.
type Directory interface {
	domain.ProfileLookup
	Save(ctx context.Context, userID string, rec Record) error
}

// Store reads profiles from the users collection.
type Store struct {
	docs   Documents
	logger *slog.Logger
}

// NewStore creates a profile Store backed by docs.
func NewStore(docs Documents, logger *slog.Logger) *Store {
	return &Store{docs: docs, logger: logger}
}

// Lookup returns the user's display identity. A missing user document or
// missing fields resolve to the defaults; store failures are returned.
func (s *Store) Lookup(ctx context.Context, userID string) (domain.Profile, error) {
	doc, err := s.docs.Get(ctx, ref(userID))
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.Debug("no profile document, using defaults", "user_id", userID)
		return domain.DefaultProfile(), nil
	}
	if err != nil {
		return domain.Profile{}, fmt.Errorf("get profile %s: %w", userID, err)
	}

	var rec Record
	if err := json.Unmarshal(doc.Data, &rec); err != nil {
		return domain.Profile{}, fmt.Errorf("%w: profile %s: %v", domain.ErrMalformed, userID, err)
	}
	return FromRecord(rec), nil
}

// Save stores the user's profile document.
func (s *Store) Save(ctx context.Context, userID string, rec Record) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}
	fields := map[string]any{
		"fullName":     strings.TrimSpace(rec.FullName),
		"email":        strings.TrimSpace(rec.Email),
		"profileImage": strings.TrimSpace(rec.ProfileImage),
	}
	if err := s.docs.Set(ctx, ref(userID), fields); err != nil {
		return fmt.Errorf("save profile %s: %w", userID, err)
	}
	return nil
}

// FromRecord derives the public identity from a user document: the display
// name is the full name and the handle is the local part of the email.
func FromRecord(rec Record) domain.Profile {
	p := domain.DefaultProfile()
	if name := strings.TrimSpace(rec.FullName); name != "" {
		p.DisplayName = name
	}
	if email := strings.TrimSpace(rec.Email); email != "" {
		local, _, _ := strings.Cut(email, "@")
		if local != "" {
			p.Handle = "@" + local
		}
	}
	p.ImageURL = strings.TrimSpace(rec.ProfileImage)
	return p
}

func ref(userID string) domain.DocumentRef {
	return domain.DocumentRef{Collection: UsersCollection, ID: userID}
}
