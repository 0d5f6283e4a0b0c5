package handlers

import (
	"errors"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/Dhairya10/primed-api/internal/models"
	"github.com/Dhairya10/primed-api/internal/store"
)

// DrillSessionHandler serves the REST endpoints around drill sessions:
// eligibility, start, status, and abandon.
type DrillSessionHandler struct {
	store *store.Store
}

func NewDrillSessionHandler(st *store.Store) *DrillSessionHandler {
	return &DrillSessionHandler{store: st}
}

func currentUserID(c *fiber.Ctx) (uuid.UUID, error) {
	raw, _ := c.Locals("user_id").(string)
	return uuid.Parse(raw)
}

// CheckEligibility reports whether the user can start a drill, without
// creating anything. The frontend calls this before entering the drill UI.
func (h *DrillSessionHandler) CheckEligibility(c *fiber.Ctx) error {
	userID, err := currentUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid user identity"})
	}

	profile, err := h.store.GetUserProfile(c.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "User profile not found. Please complete onboarding.",
		})
	}
	if err != nil {
		log.Printf("❌ Eligibility check failed for user %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Unable to check drill eligibility"})
	}

	completed, err := h.store.CountCompletedSessions(c.Context(), userID)
	if err != nil {
		log.Printf("⚠️ Failed to count completed sessions for user %s: %v", userID, err)
	}

	if profile.NumDrills < 1 {
		return c.JSON(fiber.Map{
			"eligible":           false,
			"num_drills":         0,
			"completed_sessions": completed,
			"message":            "You have no drills remaining. Please purchase more to continue.",
		})
	}

	plural := "s"
	if profile.NumDrills == 1 {
		plural = ""
	}
	return c.JSON(fiber.Map{
		"eligible":           true,
		"num_drills":         profile.NumDrills,
		"completed_sessions": completed,
		"message":            fmt.Sprintf("You have %d drill%s available.", profile.NumDrills, plural),
	})
}

type startSessionRequest struct {
	DrillID uuid.UUID `json:"drill_id"`
}

// Start creates an in_progress session and spends one drill credit.
func (h *DrillSessionHandler) Start(c *fiber.Ctx) error {
	userID, err := currentUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid user identity"})
	}

	var req startSessionRequest
	if err := c.BodyParser(&req); err != nil || req.DrillID == uuid.Nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "drill_id is required"})
	}

	drill, err := h.store.GetDrill(c.Context(), req.DrillID)
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Drill not found"})
	}
	if err != nil {
		log.Printf("❌ Failed to load drill %s: %v", req.DrillID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Unable to start drill session"})
	}

	session, err := h.store.StartSession(c.Context(), userID, drill.ID)
	switch {
	case errors.Is(err, store.ErrNoDrillsRemaining):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":      "insufficient_drills",
			"message":    "You have no drills remaining. Please purchase more to continue.",
			"num_drills": 0,
		})
	case errors.Is(err, store.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "User profile not found. Please complete onboarding.",
		})
	case err != nil:
		log.Printf("❌ Failed to start session for user %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Unable to start drill session"})
	}

	log.Printf("✅ Created drill session %s for drill %s", session.ID, drill.ID)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"session_id": session.ID,
		"status":     session.Status,
		"message":    "Drill session created.",
		"started_at": session.StartedAt,
		"drill": fiber.Map{
			"id":                drill.ID,
			"title":             drill.Title,
			"discipline":        drill.Discipline,
			"problem_statement": drill.ProblemStatement,
			"context":           drill.Context,
		},
	})
}

// Status returns the current state of a session the user owns.
func (h *DrillSessionHandler) Status(c *fiber.Ctx) error {
	userID, err := currentUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid user identity"})
	}
	sessionID, err := uuid.Parse(c.Params("session_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid session id"})
	}

	session, err := h.store.GetDrillSession(c.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Drill session not found"})
	}
	if err != nil {
		log.Printf("❌ Failed to load session %s: %v", sessionID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Unable to fetch session status"})
	}
	if session.UserID != userID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Not authorized to access this session"})
	}

	var durationMinutes *float64
	if session.DurationSeconds != nil {
		m := float64(*session.DurationSeconds) / 60
		durationMinutes = &m
	}

	return c.JSON(fiber.Map{
		"session_id":       session.ID,
		"status":           session.Status,
		"started_at":       session.StartedAt,
		"completed_at":     session.CompletedAt,
		"duration_minutes": durationMinutes,
		"has_transcript":   len(session.Transcript) > 0 && string(session.Transcript) != "[]",
		"has_feedback":     len(session.Feedback) > 0,
	})
}

type abandonSessionRequest struct {
	ExitFeedback map[string]any `json:"exit_feedback"`
}

// Abandon marks an in_progress session abandoned, recording optional exit
// feedback.
func (h *DrillSessionHandler) Abandon(c *fiber.Ctx) error {
	userID, err := currentUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid user identity"})
	}
	sessionID, err := uuid.Parse(c.Params("session_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid session id"})
	}

	session, err := h.store.GetDrillSession(c.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Drill session not found"})
	}
	if err != nil {
		log.Printf("❌ Failed to load session %s: %v", sessionID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Unable to abandon session"})
	}
	if session.UserID != userID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Not authorized to access this session"})
	}

	var req abandonSessionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
	}

	abandonedAt, err := h.store.AbandonSession(c.Context(), sessionID, req.ExitFeedback)
	if errors.Is(err, store.ErrSessionNotInProgress) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("Cannot abandon session with status: %s", session.Status),
		})
	}
	if err != nil {
		log.Printf("❌ Failed to abandon session %s: %v", sessionID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Unable to abandon session"})
	}

	log.Printf("🚪 Drill session %s abandoned", sessionID)
	return c.JSON(fiber.Map{
		"session_id":   sessionID,
		"status":       models.SessionStatusAbandoned,
		"abandoned_at": abandonedAt,
	})
}

// Feedback returns the structured evaluation for a completed session.
func (h *DrillSessionHandler) Feedback(c *fiber.Ctx) error {
	userID, err := currentUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid user identity"})
	}
	sessionID, err := uuid.Parse(c.Params("session_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid session id"})
	}

	session, err := h.store.GetDrillSession(c.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Session not found"})
	}
	if err != nil {
		log.Printf("❌ Failed to load session %s: %v", sessionID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Unable to fetch session feedback"})
	}
	if session.UserID != userID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Not authorized"})
	}

	drill, err := h.store.GetDrill(c.Context(), session.DrillID)
	if err != nil {
		log.Printf("❌ Failed to load drill %s: %v", session.DrillID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Unable to fetch session feedback"})
	}

	return c.JSON(fiber.Map{
		"data": fiber.Map{
			"session_id":       session.ID,
			"drill_id":         session.DrillID,
			"drill_title":      drill.Title,
			"completed_at":     session.CompletedAt,
			"feedback":         session.Feedback,
			"evaluation_error": session.EvaluationError,
		},
	})
}
