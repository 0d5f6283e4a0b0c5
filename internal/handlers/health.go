package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/Dhairya10/primed-api/internal/voice"
)

var startTime = time.Now()

// HealthHandler reports liveness plus the live session count.
type HealthHandler struct {
	registry *voice.Registry
}

func NewHealthHandler(registry *voice.Registry) *HealthHandler {
	return &HealthHandler{registry: registry}
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":          "ok",
		"uptime_seconds":  int(time.Since(startTime).Seconds()),
		"active_sessions": h.registry.Count(),
	})
}
