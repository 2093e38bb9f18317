package capture

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

type Handler struct {
	coordinator *Coordinator
	sessions    SessionStore
	previewPath string
}

func NewHandler(coordinator *Coordinator, sessions SessionStore, previewPath string) *Handler {
	return &Handler{
		coordinator: coordinator,
		sessions:    sessions,
		previewPath: previewPath,
	}
}

func (h *Handler) StartPreview(c *fiber.Ctx) error {
	if err := h.coordinator.StartPreview(); err != nil {
		return commandError(c, err)
	}
	return c.JSON(fiber.Map{"previewing": true})
}

func (h *Handler) StopPreview(c *fiber.Ctx) error {
	stopped, err := h.coordinator.StopPreview()
	if err != nil {
		return commandError(c, err)
	}
	return c.JSON(fiber.Map{"stopped": stopped})
}

func (h *Handler) StartCapture(c *fiber.Ctx) error {
	var req StartCaptureRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	session, err := h.coordinator.StartCapture(c.Context(), req.Notes)
	if err != nil {
		return commandError(c, err)
	}
	return c.JSON(StartCaptureResponse{
		SessionID: session.ID.Hex(),
		StartTime: session.StartTime,
	})
}

func (h *Handler) StopCapture(c *fiber.Ctx) error {
	if err := h.coordinator.StopCapture(c.Context()); err != nil {
		return commandError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *Handler) GetState(c *fiber.Ctx) error {
	state, sessionID := h.coordinator.CurrentState()
	resp := fiber.Map{"state": state}
	if sessionID != "" {
		resp["sessionId"] = sessionID
	}
	return c.JSON(resp)
}

func (h *Handler) UpdateNotes(c *fiber.Ctx) error {
	var req UpdateNotesRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	updated, err := h.coordinator.UpdateNotes(c.Context(), c.Params("id"), req.Notes)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid session ID",
		})
	}
	if !updated {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Session not found",
		})
	}
	return c.JSON(fiber.Map{"updated": true})
}

func (h *Handler) ListSessions(c *fiber.Ctx) error {
	sessions, err := h.sessions.FindAll(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list sessions",
		})
	}
	if sessions == nil {
		sessions = []*Session{}
	}
	return c.JSON(sessions)
}

func (h *Handler) GetSession(c *fiber.Ctx) error {
	id, err := primitive.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid session ID",
		})
	}

	session, err := h.sessions.Find(c.Context(), id)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get session",
		})
	}
	return c.JSON(session)
}

// GetPreviewStill serves the continuously overwritten preview image. Clients
// poll it, so caching must be disabled.
func (h *Handler) GetPreviewStill(c *fiber.Ctx) error {
	c.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	return c.SendFile(h.previewPath)
}

// commandError maps coordinator failures to HTTP responses. Every failed
// command carries a human-readable cause.
func commandError(c *fiber.Ctx, err error) error {
	var conflict *ConflictError
	var unavailable *DeviceUnavailableError
	var subprocess *SubprocessError

	switch {
	case errors.As(err, &conflict), errors.Is(err, ErrNotCapturing), errors.Is(err, ErrNotPreviewing):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &unavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &subprocess):
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
}
