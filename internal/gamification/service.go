package gamification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/penbosso/IntLearn-sub000/internal/docstore"
	"github.com/penbosso/IntLearn-sub000/internal/shared"
)

// ErrInvalidScore indicates a score outside 0..100.
var ErrInvalidScore = fmt.Errorf("gamification: score must be between 0 and 100: %w", shared.ErrValidation)

// EarnedBadge is a badge a user holds.
type EarnedBadge struct {
	Badge
	QuizID     string    `json:"quizId"`
	EarnedDate time.Time `json:"earnedDate"`
}

// QuizResult is a recorded quiz attempt.
type QuizResult struct {
	ID         string        `json:"id"`
	QuizID     string        `json:"quizId"`
	Score      int           `json:"score"`
	RecordedAt time.Time     `json:"recordedAt"`
	Awarded    []EarnedBadge `json:"awarded"`
}

type quizResultDoc struct {
	QuizID string `json:"quizId"`
	Score  int    `json:"score"`
}

type badgeDoc struct {
	BadgeID string `json:"badgeId"`
	QuizID  string `json:"quizId"`
	Score   int    `json:"score"`
}

func badgesPath(uid string) string { return docstore.Collection("users", uid, "badges") }

// Service records quiz results and awards badges.
type Service struct {
	store  docstore.Store
	logger *slog.Logger
	newID  func() string
}

// NewService constructs the badge service.
func NewService(store docstore.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, newID: uuid.NewString}
}

// RecordQuizResult stores the result and any newly earned badges atomically.
// The earned set is read before the transaction starts, so two concurrent
// results may both award the same badge; the second write keeps the first
// earned date.
func (s *Service) RecordQuizResult(ctx context.Context, actor shared.Identity, quizID string, score int) (QuizResult, error) {
	if score < 0 || score > 100 {
		return QuizResult{}, ErrInvalidScore
	}
	if strings.TrimSpace(quizID) == "" {
		return QuizResult{}, fmt.Errorf("gamification: quiz id required: %w", shared.ErrValidation)
	}
	earned, err := s.earnedSet(ctx, actor.UID)
	if err != nil {
		return QuizResult{}, err
	}
	awarded := AwardBadges(earned, score)
	result := QuizResult{ID: s.newID(), QuizID: quizID, Score: score}

	res, err := s.store.RunAtomic(ctx, func(_ context.Context, tx docstore.Tx) error {
		if err := tx.Create(docstore.Doc("users", actor.UID, "quizResults", result.ID), quizResultDoc{QuizID: quizID, Score: score}); err != nil {
			return err
		}
		for _, b := range awarded {
			if err := tx.Set(docstore.Doc("users", actor.UID, "badges", b.ID), badgeDoc{BadgeID: b.ID, QuizID: quizID, Score: score}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return QuizResult{}, keyError(err)
	}
	result.RecordedAt = res.CommitTime
	result.Awarded = make([]EarnedBadge, 0, len(awarded))
	for _, b := range awarded {
		result.Awarded = append(result.Awarded, EarnedBadge{Badge: b, QuizID: quizID, EarnedDate: res.CommitTime})
	}
	if len(awarded) > 0 {
		s.logger.InfoContext(ctx, "gamification: badges awarded",
			slog.String("uid", actor.UID), slog.Int("count", len(awarded)), slog.Int("score", score))
	}
	return result, nil
}

func (s *Service) earnedSet(ctx context.Context, uid string) (map[string]bool, error) {
	badges, err := s.ListBadges(ctx, uid)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(badges))
	for _, b := range badges {
		out[b.ID] = true
	}
	return out, nil
}

// ListBadges returns the user's earned badges ordered by earned date.
func (s *Service) ListBadges(ctx context.Context, uid string) ([]EarnedBadge, error) {
	snaps, err := s.store.List(ctx, docstore.Query{Collection: badgesPath(uid)})
	if err != nil {
		return nil, keyError(err)
	}
	out := make([]EarnedBadge, 0, len(snaps))
	for _, snap := range snaps {
		var doc badgeDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, err
		}
		def, ok := Lookup(snap.Key.ID())
		if !ok {
			s.logger.WarnContext(ctx, "gamification: unknown badge", slog.String("badge", snap.Key.ID()))
			continue
		}
		out = append(out, EarnedBadge{Badge: def, QuizID: doc.QuizID, EarnedDate: snap.CreateTime})
	}
	return out, nil
}

func keyError(err error) error {
	if errors.Is(err, docstore.ErrInvalidKey) {
		return fmt.Errorf("%w: %w", shared.ErrValidation, err)
	}
	return err
}
