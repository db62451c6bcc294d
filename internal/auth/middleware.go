package auth

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

const bearerPrefix = "Bearer "

const subjectLocal = "auth.subject"

// RequireSession rejects requests without a valid bearer token with
// 401 {"error": ...} and stores the subject in the request locals.
func RequireSession(m *Manager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
		if !strings.HasPrefix(raw, bearerPrefix) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing bearer token"})
		}
		claims, err := m.Verify(strings.TrimPrefix(raw, bearerPrefix), time.Now())
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid session"})
		}
		c.Locals(subjectLocal, claims.Subject)
		return c.Next()
	}
}

// Subject returns the authenticated subject, if any.
func Subject(c *fiber.Ctx) string {
	s, _ := c.Locals(subjectLocal).(string)
	return s
}
