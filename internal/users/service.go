// Package users keeps the per-user profile document the learning modules hang off.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/penbosso/IntLearn-sub000/internal/docstore"
	"github.com/penbosso/IntLearn-sub000/internal/shared"
)

// ErrProfileNotFound indicates the user has no profile yet.
var ErrProfileNotFound = fmt.Errorf("users: profile not found: %w", shared.ErrNotFound)

// Profile is the users/{uid} document.
type Profile struct {
	UID         string    `json:"uid"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email,omitempty"`
	PhotoURL    string    `json:"photoUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type profileDoc struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	PhotoURL    string `json:"photoUrl,omitempty"`
}

func profileKey(uid string) docstore.Key { return docstore.Doc("users", uid) }

func decodeProfile(snap docstore.Snapshot) (Profile, error) {
	var doc profileDoc
	if err := snap.DataTo(&doc); err != nil {
		return Profile{}, err
	}
	return Profile{
		UID:         snap.Key.ID(),
		DisplayName: doc.DisplayName,
		Email:       doc.Email,
		PhotoURL:    doc.PhotoURL,
		CreatedAt:   snap.CreateTime,
	}, nil
}

// Service manages profiles.
type Service struct {
	store  docstore.Store
	logger *slog.Logger
}

// NewService constructs a Service.
func NewService(store docstore.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// EnsureProfile creates the caller's profile on first sign-in and returns the
// stored profile otherwise. created reports whether this call wrote it.
func (s *Service) EnsureProfile(ctx context.Context, id shared.Identity) (profile Profile, created bool, err error) {
	key := profileKey(id.UID)
	if err := key.Validate(); err != nil {
		return Profile{}, false, fmt.Errorf("%w: %w", shared.ErrValidation, err)
	}
	res, err := s.store.RunAtomic(ctx, func(ctx context.Context, tx docstore.Tx) error {
		created = false
		snap, err := tx.Get(ctx, key)
		if err == nil {
			profile, err = decodeProfile(snap)
			return err
		}
		if !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		profile = Profile{UID: id.UID, DisplayName: id.DisplayName(), Email: id.Email, PhotoURL: id.PhotoURL}
		created = true
		return tx.Create(key, profileDoc{DisplayName: profile.DisplayName, Email: profile.Email, PhotoURL: profile.PhotoURL})
	})
	if err != nil {
		return Profile{}, false, err
	}
	if created {
		profile.CreatedAt = res.CommitTime
		s.logger.InfoContext(ctx, "users: profile created", slog.String("uid", id.UID))
	}
	return profile, created, nil
}

// GetProfile loads a stored profile.
func (s *Service) GetProfile(ctx context.Context, uid string) (Profile, error) {
	key := profileKey(uid)
	if err := key.Validate(); err != nil {
		return Profile{}, ErrProfileNotFound
	}
	snap, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return Profile{}, ErrProfileNotFound
		}
		return Profile{}, err
	}
	return decodeProfile(snap)
}
