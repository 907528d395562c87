package http

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/simplifica-app/verifactu-dispatcher/internal/application/dto"
	"github.com/simplifica-app/verifactu-dispatcher/pkg/jwt"
)

// Claves en c.Locals tras pasar el middleware de autenticación.
const (
	LocalUserID    = "user_id"
	LocalCompanyID = "company_id"
)

func unauthorized(c *fiber.Ctx, code, msg string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Code: code, Message: msg})
}

// AuthMiddleware valida el Bearer JWT y deja usuario y empresa en Locals.
// Toda acción del despachador queda acotada a la empresa del token, por lo
// que un token sin empresa se rechaza aunque la firma sea válida.
func AuthMiddleware(jwtSecret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			return unauthorized(c, "MISSING_TOKEN", "Authorization header requerido")
		}
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			return unauthorized(c, "INVALID_TOKEN", "formato: Bearer <token>")
		}
		token = strings.TrimSpace(token)
		if token == "" {
			return unauthorized(c, "MISSING_TOKEN", "token vacío")
		}
		claims, err := jwt.Parse(jwtSecret, token)
		if err != nil {
			return unauthorized(c, "INVALID_TOKEN", "token inválido o expirado")
		}
		if claims.CompanyID == "" {
			return unauthorized(c, "INVALID_TOKEN", "token sin empresa asociada")
		}
		c.Locals(LocalUserID, claims.UserID)
		c.Locals(LocalCompanyID, claims.CompanyID)
		return c.Next()
	}
}

// GetUserID devuelve el usuario autenticado, o "" fuera del middleware.
func GetUserID(c *fiber.Ctx) string {
	s, _ := c.Locals(LocalUserID).(string)
	return s
}

// GetCompanyID devuelve la empresa del token, o "" fuera del middleware.
func GetCompanyID(c *fiber.Ctx) string {
	s, _ := c.Locals(LocalCompanyID).(string)
	return s
}
