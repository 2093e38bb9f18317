package auth

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"

	"capturedeck/internal/config"
)

type LoginRequest struct {
	Password string `json:"password"`
}

// Handler implements single-operator login: the configured operator password
// is exchanged for a bearer token.
type Handler struct {
	jwtService   *JWTService
	passwordHash []byte
}

func NewHandler(cfg config.AuthConfig) (*Handler, error) {
	if cfg.OperatorPassword == "" {
		return nil, fmt.Errorf("operator password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.OperatorPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash operator password: %w", err)
	}
	return &Handler{
		jwtService:   NewJWTService(cfg.SecretKey, cfg.TokenExpiration),
		passwordHash: hash,
	}, nil
}

func (h *Handler) JWTService() *JWTService {
	return h.jwtService
}

func (h *Handler) Login(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if err := bcrypt.CompareHashAndPassword(h.passwordHash, []byte(req.Password)); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid password",
		})
	}

	token, err := h.jwtService.GenerateToken()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate token",
		})
	}

	return c.JSON(fiber.Map{"token": token})
}
