package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"wildlife-backend/internal/tenant"
)

// RequireOperator admits only the listed organisations. It runs after Tenant
// and guards routes whose effect is not limited to one organisation.
func RequireOperator(slugs []string) fiber.Handler {
	operators := make(map[string]struct{}, len(slugs))
	for _, slug := range slugs {
		if slug = strings.TrimSpace(slug); slug != "" {
			operators[slug] = struct{}{}
		}
	}
	return func(c *fiber.Ctx) error {
		org, ok := tenant.FromContext(c.UserContext())
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Organisation not resolved"})
		}
		if _, ok := operators[org.Slug]; !ok {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Operator access required"})
		}
		return c.Next()
	}
}
