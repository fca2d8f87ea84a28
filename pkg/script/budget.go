package script

import "math"

// DefaultSentencesPerMinute is the pacing assumption used to size a session.
const DefaultSentencesPerMinute = 13

// SessionLengths are the accepted session durations, in minutes.
var SessionLengths = []int{10, 15, 20, 30}

// DefaultSessionMinutes is used when a client asks for an unsupported length.
const DefaultSessionMinutes = 15

// Budget is the per-phase sentence allowance.
type Budget struct {
	// SentenceBudget is the total sentences allowed in the phase.
	SentenceBudget int `json:"sentence_budget"`
	// WindDownAt is the sentence count at which the wind-down hint is
	// injected into generation instructions.
	WindDownAt int `json:"wind_down_at"`
}

// ValidSessionMinutes reports whether minutes is an accepted session length.
func ValidSessionMinutes(minutes int) bool {
	for _, m := range SessionLengths {
		if m == minutes {
			return true
		}
	}
	return false
}

// NormalizeSessionMinutes maps unsupported lengths to the default.
func NormalizeSessionMinutes(minutes int) int {
	if ValidSessionMinutes(minutes) {
		return minutes
	}
	return DefaultSessionMinutes
}

// ComputeBudgets derives each phase's sentence budget from the total session
// duration. Deterministic for a given input.
func (s Script) ComputeBudgets(totalMinutes int) map[Phase]Budget {
	return s.ComputeBudgetsAtPace(totalMinutes, DefaultSentencesPerMinute)
}

// ComputeBudgetsAtPace is ComputeBudgets with an explicit pacing assumption.
func (s Script) ComputeBudgetsAtPace(totalMinutes int, sentencesPerMinute float64) map[Phase]Budget {
	if totalMinutes < 0 {
		totalMinutes = 0
	}
	if sentencesPerMinute <= 0 {
		sentencesPerMinute = DefaultSentencesPerMinute
	}
	total := int(math.Round(float64(totalMinutes) * sentencesPerMinute))

	out := make(map[Phase]Budget, len(Phases))
	for _, p := range Phases {
		budget := int(math.Round(float64(total) * s.Phases[p].Proportion))
		windDown := budget - maxInt(3, int(math.Round(float64(budget)*0.15)))
		if windDown < 0 {
			windDown = 0
		}
		out[p] = Budget{SentenceBudget: budget, WindDownAt: windDown}
	}
	return out
}

// TotalSentences sums the sentence budgets of all phases.
func TotalSentences(budgets map[Phase]Budget) int {
	total := 0
	for _, b := range budgets {
		total += b.SentenceBudget
	}
	return total
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
