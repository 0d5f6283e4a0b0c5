package models

import "time"

// Skill performance evaluation levels.
const (
	SkillDemonstrated = "Demonstrated"
	SkillPartial      = "Partial"
	SkillMissed       = "Missed"
)

// SkillScoreChange maps an evaluation level to its score delta. Scores are
// clamped to [0, 7] when applied.
func SkillScoreChange(evaluation string) (float64, bool) {
	switch evaluation {
	case SkillDemonstrated:
		return 1.0, true
	case SkillPartial:
		return 0.5, true
	case SkillMissed:
		return -1.0, true
	default:
		return 0, false
	}
}

// SkillFeedback is the evaluation of one skill within a session.
type SkillFeedback struct {
	SkillName             string `json:"skill_name"`
	Evaluation            string `json:"evaluation"`
	Feedback              string `json:"feedback"`
	ImprovementSuggestion string `json:"improvement_suggestion,omitempty"`
}

// DrillFeedback is the full structured evaluation of a session.
type DrillFeedback struct {
	Summary        string          `json:"summary"`
	Skills         []SkillFeedback `json:"skills"`
	EvaluationMeta *EvaluationMeta `json:"evaluation_meta,omitempty"`
}

// EvaluationMeta records how the feedback was produced.
type EvaluationMeta struct {
	Model       string    `json:"model"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// SkillEvaluation is the per-skill scoring record persisted on the session.
type SkillEvaluation struct {
	SkillID     string  `json:"skill_id"`
	SkillName   string  `json:"skill_name"`
	Evaluation  string  `json:"evaluation"`
	Feedback    string  `json:"feedback"`
	ScoreChange float64 `json:"score_change"`
	ScoreAfter  float64 `json:"score_after"`
}
