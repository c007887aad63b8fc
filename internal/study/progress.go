// Package study tracks flashcard mastery through correct-answer streaks.
package study

import "time"

// Status is the mastery state of a flashcard.
type Status string

const (
	StatusLearning Status = "learning"
	StatusMastered Status = "mastered"
)

// MasteryStreak is the number of consecutive correct reviews that masters a card.
const MasteryStreak = 3

// Progress is a user's review state for one flashcard.
type Progress struct {
	FlashcardID    string    `json:"flashcardId"`
	Streak         int       `json:"streak"`
	Status         Status    `json:"status"`
	ReviewCount    int       `json:"reviewCount"`
	LastReviewedAt time.Time `json:"lastReviewedAt"`
}

// ApplyReview returns p after one review. Mastered is terminal: an incorrect
// review of a mastered card resets the streak only.
func ApplyReview(p Progress, correct bool) Progress {
	if p.Status == "" {
		p.Status = StatusLearning
	}
	p.ReviewCount++
	if !correct {
		p.Streak = 0
		return p
	}
	p.Streak++
	if p.Streak >= MasteryStreak {
		p.Status = StatusMastered
	}
	return p
}
