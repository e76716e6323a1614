package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func parsePaginationFor(t *testing.T, target string) PaginationParams {
	t.Helper()

	var params PaginationParams
	app := fiber.New()
	app.Get("/items", func(c *fiber.Ctx) error {
		params = ParsePagination(c)
		return c.SendStatus(fiber.StatusOK)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, target, nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	return params
}

func TestParsePagination(t *testing.T) {
	cases := []struct {
		name       string
		target     string
		wantPage   int
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "/items", 1, 20, 0},
		{"explicit values", "/items?page=3&limit=10", 3, 10, 20},
		{"clamps the limit", "/items?limit=5000", 1, 100, 0},
		{"rejects nonsense", "/items?page=-2&limit=abc", 1, 20, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parsePaginationFor(t, tc.target)
			if got.Page != tc.wantPage || got.Limit != tc.wantLimit || got.Offset != tc.wantOffset {
				t.Fatalf("got %+v, want page=%d limit=%d offset=%d", got, tc.wantPage, tc.wantLimit, tc.wantOffset)
			}
		})
	}
}
