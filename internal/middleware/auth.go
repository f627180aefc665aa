package middleware

import (
	"strings"

	"homigo/server/internal/identity"

	"github.com/gofiber/fiber/v2"
)

// Auth validates the caller's token and stores the user ID in c.Locals("userID").
// The token is taken from the Authorization bearer header, then the "token"
// cookie, then the "token" query parameter (browsers cannot set headers on a
// websocket handshake).
func Auth(verifier identity.Verifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := TokenFromRequest(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "Unauthorized - No token provided",
			})
		}

		userID, err := verifier.Verify(c.UserContext(), token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "Unauthorized - Invalid token",
			})
		}

		c.Locals("userID", userID)
		return c.Next()
	}
}

// TokenFromRequest extracts a raw token from the request, or "".
func TokenFromRequest(c *fiber.Ctx) string {
	if h := c.Get(fiber.HeaderAuthorization); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if token := c.Cookies("token"); token != "" {
		return token
	}
	return c.Query("token")
}

// GetUserID gets user ID from context
func GetUserID(c *fiber.Ctx) string {
	userID, ok := c.Locals("userID").(string)
	if !ok {
		return ""
	}
	return userID
}
