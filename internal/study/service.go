package study

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/penbosso/IntLearn-sub000/internal/docstore"
	"github.com/penbosso/IntLearn-sub000/internal/shared"
)

// ErrProgressNotFound indicates the card has never been reviewed.
var ErrProgressNotFound = fmt.Errorf("study: progress not found: %w", shared.ErrNotFound)

type progressDoc struct {
	Streak      int    `json:"streak"`
	Status      Status `json:"status"`
	ReviewCount int    `json:"reviewCount"`
}

func progressKey(uid, flashcardID string) docstore.Key {
	return docstore.Doc("users", uid, "flashcardProgress", flashcardID)
}

func decodeProgress(snap docstore.Snapshot) (Progress, error) {
	var doc progressDoc
	if err := snap.DataTo(&doc); err != nil {
		return Progress{}, err
	}
	return Progress{
		FlashcardID:    snap.Key.ID(),
		Streak:         doc.Streak,
		Status:         doc.Status,
		ReviewCount:    doc.ReviewCount,
		LastReviewedAt: snap.UpdateTime,
	}, nil
}

// Service records flashcard reviews.
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

// ReviewFlashcard applies one review as an atomic read-modify-write so
// concurrent reviews of the same card never lose an update.
func (s *Service) ReviewFlashcard(ctx context.Context, uid, flashcardID string, correct bool) (Progress, error) {
	if err := checkID(flashcardID); err != nil {
		return Progress{}, err
	}
	key := progressKey(uid, flashcardID)
	var (
		next     Progress
		mastered bool
	)
	res, err := s.store.RunAtomic(ctx, func(ctx context.Context, tx docstore.Tx) error {
		current := Progress{FlashcardID: flashcardID, Status: StatusLearning}
		snap, err := tx.Get(ctx, key)
		switch {
		case err == nil:
			if current, err = decodeProgress(snap); err != nil {
				return err
			}
		case !errors.Is(err, docstore.ErrNotFound):
			return err
		}
		next = ApplyReview(current, correct)
		mastered = current.Status != StatusMastered && next.Status == StatusMastered
		return tx.Set(key, progressDoc{Streak: next.Streak, Status: next.Status, ReviewCount: next.ReviewCount})
	})
	if err != nil {
		if errors.Is(err, docstore.ErrInvalidKey) {
			return Progress{}, fmt.Errorf("%w: %w", shared.ErrValidation, err)
		}
		return Progress{}, err
	}
	next.LastReviewedAt = res.CommitTime
	if mastered {
		s.logger.InfoContext(ctx, "study: flashcard mastered",
			slog.String("uid", uid), slog.String("flashcard", flashcardID))
	}
	return next, nil
}

// GetProgress returns the stored progress for one card.
func (s *Service) GetProgress(ctx context.Context, uid, flashcardID string) (Progress, error) {
	if err := checkID(flashcardID); err != nil {
		return Progress{}, err
	}
	snap, err := s.store.Get(ctx, progressKey(uid, flashcardID))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return Progress{}, ErrProgressNotFound
		}
		return Progress{}, err
	}
	return decodeProgress(snap)
}

// ListProgress returns every reviewed card for the user.
func (s *Service) ListProgress(ctx context.Context, uid string) ([]Progress, error) {
	snaps, err := s.store.List(ctx, docstore.Query{Collection: docstore.Collection("users", uid, "flashcardProgress")})
	if err != nil {
		return nil, err
	}
	out := make([]Progress, 0, len(snaps))
	for _, snap := range snaps {
		p, err := decodeProgress(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func checkID(id string) error {
	if strings.TrimSpace(id) == "" || strings.Contains(id, "/") {
		return fmt.Errorf("study: invalid flashcard id %q: %w", id, shared.ErrValidation)
	}
	return nil
}
