package utils

import "github.com/gofiber/fiber/v2"

// Every response carries the same envelope: success flag, then either data or
// an error message. Machine-readable failures additionally carry a code so
// clients can branch without parsing the message text.
func Success(c *fiber.Ctx, status int, data interface{}) error {
	return c.Status(status).JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}

func Error(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   message,
	})
}

// ErrorCode is Error with a stable code for failures the client is expected
// to handle programmatically (expired tokens, taken phone numbers).
func ErrorCode(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"code":    code,
		"error":   message,
	})
}

// Paginated wraps a page of results with the paging metadata derived from the
// request's PaginationParams and the unpaged total.
func Paginated(c *fiber.Ctx, data interface{}, params PaginationParams, total int64) error {
	totalPages := int((total + int64(params.Limit) - 1) / int64(params.Limit))
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"success": true,
		"data":    data,
		"pagination": fiber.Map{
			"page":        params.Page,
			"limit":       params.Limit,
			"total":       total,
			"total_pages": totalPages,
		},
	})
}
