package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(value))
}

func getRequestID(c *fiber.Ctx) string {
	value := c.Locals("requestID")
	if value == nil {
		return ""
	}
	id, ok := value.(string)
	if !ok {
		return ""
	}
	return id
}

// reservedUsernames are path segments of the web frontend that would clash
// with profile URLs.
var reservedUsernames = map[string]bool{
	"add": true,
	"new": true,
}

func isValidSlug(value string) bool {
	if value == "" || len(value) > 50 {
		return false
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return false
		}
	}
	return true
}
