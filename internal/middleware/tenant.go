package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"wildlife-backend/internal/models"
	"wildlife-backend/internal/repository"
	"wildlife-backend/internal/tenant"
)

// OrganisationHeader selects the organisation when development mode allows it.
const OrganisationHeader = "X-Organisation"

// TenantConfig configures Tenant.
type TenantConfig struct {
	Secret string
	// AllowHeader accepts OrganisationHeader in place of a token.
	AllowHeader bool
}

var (
	errMissingToken = errors.New("missing or malformed token")
	errInvalidToken = errors.New("invalid or expired token")
	errNoOrgClaim   = errors.New("token has no organisation")
)

type organisationFinder interface {
	GetBySlug(ctx context.Context, slug string) (*models.Organisation, error)
}

// Tenant resolves the calling organisation from an HS256 bearer token carrying
// an "org" claim (the organisation slug) and stores it on the user context.
// Websocket upgrades may pass the token as ?token= instead of a header.
func Tenant(cfg TenantConfig, orgs organisationFinder) fiber.Handler {
	return func(c *fiber.Ctx) error {
		slug, err := organisationSlug(c, cfg)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
		}

		org, err := orgs.GetBySlug(c.UserContext(), slug)
		if errors.Is(err, repository.ErrOrganisationNotFound) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Unknown organisation"})
		}
		if err != nil {
			zap.L().Error("resolve organisation", zap.String("slug", slug), zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to resolve organisation"})
		}

		resolved := tenant.Organisation{ID: org.ID, Slug: org.Slug}
		c.SetUserContext(tenant.WithOrganisation(c.UserContext(), resolved))
		c.Locals("organisation", resolved)
		return c.Next()
	}
}

func organisationSlug(c *fiber.Ctx, cfg TenantConfig) (string, error) {
	raw := bearerToken(c)
	if raw == "" {
		if cfg.AllowHeader {
			if slug := strings.TrimSpace(c.Get(OrganisationHeader)); slug != "" {
				return slug, nil
			}
		}
		return "", errMissingToken
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(cfg.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", errInvalidToken
	}
	slug, _ := claims["org"].(string)
	if strings.TrimSpace(slug) == "" {
		return "", errNoOrgClaim
	}
	return slug, nil
}

func bearerToken(c *fiber.Ctx) string {
	header := c.Get(fiber.HeaderAuthorization)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return c.Query("token")
}
