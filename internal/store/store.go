// Package store is the PostgreSQL persistence layer for drills, drill
// sessions, and skill scores, backed by a single pgx connection pool.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/patrickmn/go-cache"

	"github.com/Dhairya10/primed-api/internal/models"
)

var (
	ErrNotFound             = errors.New("store: not found")
	ErrNoDrillsRemaining    = errors.New("store: no drills remaining")
	ErrSessionNotInProgress = errors.New("store: session not in progress")
)

const (
	drillCacheTTL     = 5 * time.Minute
	drillCacheCleanup = 10 * time.Minute
)

// Store wraps the connection pool. Drill rows are immutable in practice, so
// they sit behind a short-lived in-process cache; session rows are always
// read fresh.
type Store struct {
	pool   *pgxpool.Pool
	drills *cache.Cache
}

// New connects to the database at dsn and verifies the connection.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{
		pool:   pool,
		drills: cache.New(drillCacheTTL, drillCacheCleanup),
	}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// GetDrill returns the drill by id, serving repeat lookups from cache.
func (s *Store) GetDrill(ctx context.Context, drillID uuid.UUID) (*models.Drill, error) {
	if cached, ok := s.drills.Get(drillID.String()); ok {
		return cached.(*models.Drill), nil
	}

	const q = `
		SELECT id, discipline, title, problem_statement, context, created_at
		FROM   drills
		WHERE  id = $1`

	var d models.Drill
	err := s.pool.QueryRow(ctx, q, drillID).Scan(
		&d.ID, &d.Discipline, &d.Title, &d.ProblemStatement, &d.Context, &d.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: drill %s", ErrNotFound, drillID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get drill: %w", err)
	}

	s.drills.SetDefault(drillID.String(), &d)
	return &d, nil
}

// GetDrillSkills returns the skills tested by a drill.
func (s *Store) GetDrillSkills(ctx context.Context, drillID uuid.UUID) ([]models.Skill, error) {
	const q = `
		SELECT sk.id, sk.name, sk.description
		FROM   drill_skills ds
		JOIN   skills sk ON sk.id = ds.skill_id
		WHERE  ds.drill_id = $1
		ORDER  BY sk.name`

	rows, err := s.pool.Query(ctx, q, drillID)
	if err != nil {
		return nil, fmt.Errorf("store: get drill skills: %w", err)
	}
	defer rows.Close()

	var skills []models.Skill
	for rows.Next() {
		var sk models.Skill
		if err := rows.Scan(&sk.ID, &sk.Name, &sk.Description); err != nil {
			return nil, fmt.Errorf("store: scan skill: %w", err)
		}
		skills = append(skills, sk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: get drill skills: %w", err)
	}
	return skills, nil
}

// GetDrillSession returns the session by id.
func (s *Store) GetDrillSession(ctx context.Context, sessionID uuid.UUID) (*models.DrillSession, error) {
	const q = `
		SELECT id, user_id, drill_id, status, started_at, completed_at,
		       duration_seconds, transcript, feedback, COALESCE(evaluation_error, ''), metadata
		FROM   drill_sessions
		WHERE  id = $1`

	var ds models.DrillSession
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(
		&ds.ID, &ds.UserID, &ds.DrillID, &ds.Status, &ds.StartedAt, &ds.CompletedAt,
		&ds.DurationSeconds, &ds.Transcript, &ds.Feedback, &ds.EvaluationError, &ds.Metadata,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	return &ds, nil
}

// GetUserProfile returns the profile row for a user.
func (s *Store) GetUserProfile(ctx context.Context, userID uuid.UUID) (*models.UserProfile, error) {
	const q = `
		SELECT user_id, COALESCE(first_name, ''), num_drills
		FROM   user_profile
		WHERE  user_id = $1`

	var p models.UserProfile
	err := s.pool.QueryRow(ctx, q, userID).Scan(&p.UserID, &p.FirstName, &p.NumDrills)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: profile for user %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get profile: %w", err)
	}
	return &p, nil
}

// StartSession creates an in_progress session and decrements the user's
// remaining drill count in one transaction. The profile row is locked for
// the duration so two concurrent starts cannot both spend the last drill.
func (s *Store) StartSession(ctx context.Context, userID, drillID uuid.UUID) (*models.DrillSession, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var numDrills int
	err = tx.QueryRow(ctx,
		`SELECT num_drills FROM user_profile WHERE user_id = $1 FOR UPDATE`, userID,
	).Scan(&numDrills)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: profile for user %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: lock profile: %w", err)
	}
	if numDrills < 1 {
		return nil, ErrNoDrillsRemaining
	}

	metadata := map[string]any{"created_at": time.Now().UTC().Format(time.RFC3339)}
	var ds models.DrillSession
	err = tx.QueryRow(ctx, `
		INSERT INTO drill_sessions (user_id, drill_id, status, metadata)
		VALUES ($1, $2, $3, $4)
		RETURNING id, user_id, drill_id, status, started_at, metadata`,
		userID, drillID, models.SessionStatusInProgress, metadata,
	).Scan(&ds.ID, &ds.UserID, &ds.DrillID, &ds.Status, &ds.StartedAt, &ds.Metadata)
	if err != nil {
		return nil, fmt.Errorf("store: insert session: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE user_profile SET num_drills = num_drills - 1, updated_at = now() WHERE user_id = $1`,
		userID,
	); err != nil {
		return nil, fmt.Errorf("store: decrement drills: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return &ds, nil
}

// CompleteSession writes the finalization result onto the session row.
func (s *Store) CompleteSession(ctx context.Context, sessionID uuid.UUID, update models.SessionUpdate) error {
	const q = `
		UPDATE drill_sessions
		SET    status = $2,
		       completed_at = $3,
		       duration_seconds = $4,
		       transcript = $5,
		       metadata = COALESCE(metadata, '{}'::jsonb) || $6
		WHERE  id = $1`

	metadataPatch, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}

	tag, err := s.pool.Exec(ctx, q,
		sessionID, update.Status, update.CompletedAt, update.DurationSeconds,
		update.TranscriptJSON, metadataPatch,
	)
	if err != nil {
		return fmt.Errorf("store: complete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return nil
}

// AbandonSession marks an in_progress session abandoned and records the
// optional exit feedback in its metadata. Returns the abandonment time.
func (s *Store) AbandonSession(ctx context.Context, sessionID uuid.UUID, exitFeedback map[string]any) (time.Time, error) {
	abandonedAt := time.Now().UTC()
	patch := map[string]any{
		"abandoned_at": abandonedAt.Format(time.RFC3339),
	}
	if exitFeedback != nil {
		patch["exit_feedback"] = exitFeedback
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: marshal exit feedback: %w", err)
	}

	const q = `
		UPDATE drill_sessions
		SET    status = $2,
		       completed_at = $3,
		       metadata = COALESCE(metadata, '{}'::jsonb) || $4
		WHERE  id = $1 AND status = $5`

	tag, err := s.pool.Exec(ctx, q,
		sessionID, models.SessionStatusAbandoned, abandonedAt, patchJSON,
		models.SessionStatusInProgress,
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: abandon session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return time.Time{}, ErrSessionNotInProgress
	}
	return abandonedAt, nil
}

// SaveFeedback persists the structured evaluation and per-skill records.
func (s *Store) SaveFeedback(ctx context.Context, sessionID uuid.UUID, feedback *models.DrillFeedback, evaluations []models.SkillEvaluation) error {
	feedbackJSON, err := json.Marshal(feedback)
	if err != nil {
		return fmt.Errorf("store: marshal feedback: %w", err)
	}
	evalJSON, err := json.Marshal(evaluations)
	if err != nil {
		return fmt.Errorf("store: marshal evaluations: %w", err)
	}

	const q = `
		UPDATE drill_sessions
		SET    feedback = $2, skill_evaluations = $3, evaluation_error = NULL
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, sessionID, feedbackJSON, evalJSON)
	if err != nil {
		return fmt.Errorf("store: save feedback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return nil
}

// SaveEvaluationError records a failed evaluation on the session.
func (s *Store) SaveEvaluationError(ctx context.Context, sessionID uuid.UUID, message string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE drill_sessions SET evaluation_error = $2 WHERE id = $1`,
		sessionID, message,
	)
	if err != nil {
		return fmt.Errorf("store: save evaluation error: %w", err)
	}
	return nil
}

// GetSkillScore returns the user's current score for a skill, 0 if unset.
func (s *Store) GetSkillScore(ctx context.Context, userID, skillID uuid.UUID) (float64, error) {
	var score float64
	err := s.pool.QueryRow(ctx,
		`SELECT score FROM user_skill_scores WHERE user_id = $1 AND skill_id = $2`,
		userID, skillID,
	).Scan(&score)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: get skill score: %w", err)
	}
	return score, nil
}

// UpsertSkillScore writes a user's score for a skill.
func (s *Store) UpsertSkillScore(ctx context.Context, userID, skillID uuid.UUID, score float64) error {
	const q = `
		INSERT INTO user_skill_scores (user_id, skill_id, score, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, skill_id)
		DO UPDATE SET score = EXCLUDED.score, updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, userID, skillID, score); err != nil {
		return fmt.Errorf("store: upsert skill score: %w", err)
	}
	return nil
}

// CountCompletedSessions returns the user's completed session count.
func (s *Store) CountCompletedSessions(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM drill_sessions WHERE user_id = $1 AND status = $2`,
		userID, models.SessionStatusCompleted,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count sessions: %w", err)
	}
	return n, nil
}

// MarkStaleSessions abandons in_progress sessions older than maxAge. These
// are sessions whose process died without running the finalizer.
func (s *Store) MarkStaleSessions(ctx context.Context, maxAge time.Duration) (int64, error) {
	const q = `
		UPDATE drill_sessions
		SET    status = $1,
		       completed_at = now(),
		       metadata = COALESCE(metadata, '{}'::jsonb) || '{"abandoned_reason": "stale"}'::jsonb
		WHERE  status = $2 AND started_at < now() - $3::interval`

	interval := fmt.Sprintf("%d seconds", int(maxAge.Seconds()))
	tag, err := s.pool.Exec(ctx, q,
		models.SessionStatusAbandoned, models.SessionStatusInProgress, interval,
	)
	if err != nil {
		return 0, fmt.Errorf("store: mark stale sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
