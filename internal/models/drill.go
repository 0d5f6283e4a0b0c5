package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Drill session statuses
const (
	SessionStatusInProgress = "in_progress"
	SessionStatusCompleted  = "completed"
	SessionStatusAbandoned  = "abandoned"
)

// Drill is one timed practice interview scenario.
type Drill struct {
	ID               uuid.UUID `json:"id"`
	Discipline       string    `json:"discipline"` // product, design, marketing
	Title            string    `json:"title"`
	ProblemStatement string    `json:"problem_statement"`
	Context          string    `json:"context"`
	CreatedAt        time.Time `json:"created_at"`
}

// DrillSession is one user attempt at a drill.
type DrillSession struct {
	ID              uuid.UUID       `json:"session_id"`
	UserID          uuid.UUID       `json:"user_id"`
	DrillID         uuid.UUID       `json:"drill_id"`
	Status          string          `json:"status"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	DurationSeconds *int            `json:"duration_seconds,omitempty"`
	Transcript      json.RawMessage `json:"transcript,omitempty"`
	Feedback        json.RawMessage `json:"feedback,omitempty"`
	EvaluationError string          `json:"evaluation_error,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

// SessionUpdate carries the fields the orchestrator writes at finalization.
type SessionUpdate struct {
	Status          string
	CompletedAt     time.Time
	DurationSeconds int
	TranscriptJSON  json.RawMessage
	Metadata        map[string]any
}

// UserProfile holds the per-user bookkeeping the drill endpoints need.
type UserProfile struct {
	UserID    uuid.UUID `json:"user_id"`
	FirstName string    `json:"first_name"`
	NumDrills int       `json:"num_drills"`
}

// Skill is one evaluable competency attached to drills.
type Skill struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
}
