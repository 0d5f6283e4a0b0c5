// Package feedback evaluates completed drill sessions with an LLM and
// applies the resulting skill scores. Evaluation runs on a small worker
// pool so finalization never waits on the model.
package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/Dhairya10/primed-api/internal/models"
	"github.com/Dhairya10/primed-api/internal/store"
)

const (
	queueSize = 64

	// Floor and cap for cumulative skill scores.
	minSkillScore = 0.0
	maxSkillScore = 7.0
)

var metricJobs = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedback_jobs_total",
	Help: "Feedback evaluation jobs by outcome.",
}, []string{"outcome"})

// Job is one session awaiting evaluation.
type Job struct {
	SessionID  uuid.UUID
	DrillID    uuid.UUID
	UserID     uuid.UUID
	Transcript string
}

// Service accepts jobs and evaluates them on background workers.
type Service struct {
	store     *store.Store
	evaluator Evaluator
	logger    *logrus.Logger

	jobs chan Job
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Evaluator produces structured feedback for a transcript.
type Evaluator interface {
	Evaluate(ctx context.Context, drill *models.Drill, skills []models.Skill, transcript string) (*models.DrillFeedback, error)
}

// NewService starts workers evaluation goroutines.
func NewService(st *store.Store, evaluator Evaluator, workers int) *Service {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if workers < 1 {
		workers = 1
	}
	s := &Service{
		store:     st,
		evaluator: evaluator,
		logger:    logger,
		jobs:      make(chan Job, queueSize),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Enqueue schedules an evaluation. Returns false when the queue is full or
// the service is shutting down; the caller records that as an evaluation
// error instead of blocking finalization.
func (s *Service) Enqueue(job Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.jobs <- job:
		return true
	default:
		metricJobs.WithLabelValues("rejected").Inc()
		s.logger.WithFields(logrus.Fields{
			"session_id": job.SessionID,
		}).Warn("feedback queue full, dropping job")
		return false
	}
}

// Close stops accepting jobs and drains the queue. Blocks until in-flight
// evaluations finish or ctx expires.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("feedback: drain: %w", ctx.Err())
	}
}

func (s *Service) worker() {
	defer s.wg.Done()
	for job := range s.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if err := s.process(ctx, job); err != nil {
			metricJobs.WithLabelValues("failed").Inc()
			s.logger.WithFields(logrus.Fields{
				"session_id": job.SessionID,
				"error":      err.Error(),
			}).Error("feedback evaluation failed")
			if dbErr := s.store.SaveEvaluationError(ctx, job.SessionID, err.Error()); dbErr != nil {
				s.logger.WithFields(logrus.Fields{
					"session_id": job.SessionID,
					"error":      dbErr.Error(),
				}).Error("failed to record evaluation error")
			}
		} else {
			metricJobs.WithLabelValues("completed").Inc()
		}
		cancel()
	}
}

// process runs in two phases: LLM calls first with no locks held, then the
// database writes.
func (s *Service) process(ctx context.Context, job Job) error {
	s.logger.WithFields(logrus.Fields{
		"session_id": job.SessionID,
		"drill_id":   job.DrillID,
	}).Info("starting evaluation")

	drill, err := s.store.GetDrill(ctx, job.DrillID)
	if err != nil {
		return fmt.Errorf("load drill: %w", err)
	}
	skills, err := s.store.GetDrillSkills(ctx, job.DrillID)
	if err != nil {
		return fmt.Errorf("load skills: %w", err)
	}
	if len(skills) == 0 {
		return fmt.Errorf("no skills associated with drill %s", job.DrillID)
	}

	result, err := s.evaluator.Evaluate(ctx, drill, skills, job.Transcript)
	if err != nil {
		return fmt.Errorf("generate feedback: %w", err)
	}

	valid, err := s.validateSkills(result, skills)
	if err != nil {
		return err
	}
	result.Skills = valid

	evaluations, err := s.applyScores(ctx, job.UserID, valid, skills)
	if err != nil {
		return err
	}

	if err := s.store.SaveFeedback(ctx, job.SessionID, result, evaluations); err != nil {
		return fmt.Errorf("persist feedback: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"session_id":       job.SessionID,
		"skills_evaluated": len(evaluations),
	}).Info("evaluation completed")
	return nil
}

// validateSkills keeps only evaluations naming a skill the drill actually
// tests. Zero valid evaluations is a failure; a partial set is accepted
// with a warning.
func (s *Service) validateSkills(result *models.DrillFeedback, skills []models.Skill) ([]models.SkillFeedback, error) {
	expected := make(map[string]bool, len(skills))
	for _, sk := range skills {
		expected[sk.Name] = true
	}

	var valid []models.SkillFeedback
	for _, sf := range result.Skills {
		if expected[sf.SkillName] {
			valid = append(valid, sf)
		}
	}
	if len(valid) == 0 {
		got := make([]string, 0, len(result.Skills))
		for _, sf := range result.Skills {
			got = append(got, sf.SkillName)
		}
		return nil, fmt.Errorf("no valid skill evaluations (got %v)", got)
	}
	if len(valid) < len(expected) {
		s.logger.WithFields(logrus.Fields{
			"expected": len(expected),
			"valid":    len(valid),
		}).Warn("model did not evaluate all skills")
	}
	return valid, nil
}

func (s *Service) applyScores(ctx context.Context, userID uuid.UUID, evals []models.SkillFeedback, skills []models.Skill) ([]models.SkillEvaluation, error) {
	byName := make(map[string]models.Skill, len(skills))
	for _, sk := range skills {
		byName[sk.Name] = sk
	}

	records := make([]models.SkillEvaluation, 0, len(evals))
	for _, sf := range evals {
		change, ok := models.SkillScoreChange(sf.Evaluation)
		if !ok {
			return nil, fmt.Errorf("unknown evaluation level %q for skill %q", sf.Evaluation, sf.SkillName)
		}
		skill := byName[sf.SkillName]

		current, err := s.store.GetSkillScore(ctx, userID, skill.ID)
		if err != nil {
			return nil, err
		}
		newScore := ClampScore(current + change)
		if err := s.store.UpsertSkillScore(ctx, userID, skill.ID, newScore); err != nil {
			return nil, err
		}

		records = append(records, models.SkillEvaluation{
			SkillID:     skill.ID.String(),
			SkillName:   sf.SkillName,
			Evaluation:  sf.Evaluation,
			Feedback:    sf.Feedback,
			ScoreChange: change,
			ScoreAfter:  newScore,
		})
	}
	return records, nil
}

// ClampScore bounds a cumulative skill score to the allowed range.
func ClampScore(score float64) float64 {
	if score < minSkillScore {
		return minSkillScore
	}
	if score > maxSkillScore {
		return maxSkillScore
	}
	return score
}

var jsonCodeBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")

// ParseFeedbackJSON decodes a model response into DrillFeedback, tolerating
// a fenced code block around the JSON.
func ParseFeedbackJSON(content string) (*models.DrillFeedback, error) {
	content = strings.TrimSpace(content)
	if m := jsonCodeBlock.FindStringSubmatch(content); m != nil {
		content = m[1]
	}
	var fb models.DrillFeedback
	if err := json.Unmarshal([]byte(content), &fb); err != nil {
		return nil, fmt.Errorf("feedback: parse response: %w", err)
	}
	if fb.Summary == "" || len(fb.Skills) == 0 {
		return nil, fmt.Errorf("feedback: response missing summary or skills")
	}
	return &fb, nil
}
