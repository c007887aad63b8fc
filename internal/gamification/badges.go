// Package gamification awards score-threshold badges when quiz results are recorded.
package gamification

// Badge is a fixed badge definition.
type Badge struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	// MinScore is the lowest qualifying percent score.
	MinScore int `json:"minScore"`
}

// Qualifies reports whether score earns the badge.
func (b Badge) Qualifies(score int) bool { return score >= b.MinScore }

// Definitions lists every badge in award order.
var Definitions = []Badge{
	{ID: "quiz-starter", Name: "Quiz Starter", Description: "Scored on your first quiz", MinScore: 1},
	{ID: "quiz-achiever", Name: "Quiz Achiever", Description: "Scored 50% or more on a quiz", MinScore: 50},
	{ID: "quiz-expert", Name: "Quiz Expert", Description: "Scored 80% or more on a quiz", MinScore: 80},
	{ID: "quiz-perfect", Name: "Perfect Score", Description: "Scored 100% on a quiz", MinScore: 100},
}

// Lookup returns the definition with the given id.
func Lookup(id string) (Badge, bool) {
	for _, b := range Definitions {
		if b.ID == id {
			return b, true
		}
	}
	return Badge{}, false
}

// AwardBadges returns the definitions newly satisfied by score that are not
// already in earned, in definition order.
func AwardBadges(earned map[string]bool, score int) []Badge {
	var out []Badge
	for _, b := range Definitions {
		if earned[b.ID] || !b.Qualifies(score) {
			continue
		}
		out = append(out, b)
	}
	return out
}
