package handler // handler defines http handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-marketplace/internal/engine"
)

// getUserID extracts the user_id from echo.Context and converts it to
// uint64. The JWT middleware stores the claim as whatever type the
// token carried, so all plausible representations are handled.
func getUserID(c echo.Context) (uint64, error) {
	v := c.Get("user_id")
	switch t := v.(type) {
	case uint64:
		return t, nil
	case int64:
		if t > 0 {
			return uint64(t), nil
		}
	case float64:
		if t > 0 {
			return uint64(t), nil
		}
	case string:
		if n, err := strconv.ParseUint(t, 10, 64); err == nil && n > 0 {
			return n, nil
		}
	}
	return 0, errors.New("user id missing from context")
}

// isOrganizer reports whether the authenticated caller carries the
// ORGANIZER role.
func isOrganizer(c echo.Context) bool {
	role, _ := c.Get("role").(string)
	return role == "ORGANIZER"
}

// respondError translates engine sentinel errors into HTTP responses.
// Validation errors are returned synchronously and never retried by
// the engine; the caller must re-request with corrected input.
func respondError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
	case errors.Is(err, engine.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	case errors.Is(err, engine.ErrInventoryExhausted):
		return c.JSON(http.StatusConflict, echo.Map{"error": "inventory exhausted"})
	case errors.Is(err, engine.ErrBenefitUnavailable):
		return c.JSON(http.StatusConflict, echo.Map{"error": "benefit unavailable"})
	case errors.Is(err, engine.ErrInvalidTransition):
		return c.JSON(http.StatusConflict, echo.Map{"error": "invalid transition"})
	case errors.Is(err, engine.ErrDeadlineExceeded):
		return c.JSON(http.StatusGone, echo.Map{"error": "deadline exceeded"})
	}
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}
