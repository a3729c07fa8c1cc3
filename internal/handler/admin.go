package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-marketplace/internal/engine"
	"github.com/iliyamo/ticket-marketplace/internal/model"
)

// AdminHandler exposes the organizer-facing decision operations. Role
// enforcement happens in middleware; these handlers only translate
// between HTTP and the engine.
type AdminHandler struct {
	Engine *engine.Engine
}

// NewAdminHandler constructs an AdminHandler. The engine must be
// non-nil.
func NewAdminHandler(e *engine.Engine) *AdminHandler {
	if e == nil {
		panic("nil engine passed to NewAdminHandler")
	}
	return &AdminHandler{Engine: e}
}

// Decide handles POST /v1/admin/transactions/:id/decision with a body
// of {"decision": "confirm"} or {"decision": "reject"}. A decision
// that loses the race against the admin-response timeout sweep comes
// back as 409: whichever conditional update ran first determined the
// outcome.
func (h *AdminHandler) Decide(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid transaction id"})
	}
	var body struct {
		Decision string `json:"decision"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	ctx := c.Request().Context()
	var (
		tx  *model.Transaction
		err error
	)
	switch body.Decision {
	case "confirm":
		tx, err = h.Engine.Confirm(ctx, id)
	case "reject":
		tx, err = h.Engine.Reject(ctx, id)
	default:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "decision must be confirm or reject"})
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"state":          tx.State,
		"rollback_state": tx.RollbackState,
	})
}

// ListAwaitingDecision handles GET /v1/admin/transactions. It returns
// transactions waiting on an admin decision, oldest first, so the
// queue can be worked in order.
func (h *AdminHandler) ListAwaitingDecision(c echo.Context) error {
	items, err := h.Engine.ListAwaitingDecision(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load transactions"})
	}
	if items == nil {
		items = []model.Transaction{}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"items": items,
	})
}
