package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-marketplace/internal/engine"
	"github.com/iliyamo/ticket-marketplace/internal/model"
)

// TransactionHandler exposes the buyer-facing lifecycle operations:
// reserve, proof submission, cancellation and status polling. All
// methods assume that JWT authentication and role validation has
// already been performed by middleware. The handler itself holds no
// state; every rule lives in the engine.
type TransactionHandler struct {
	Engine *engine.Engine
}

// NewTransactionHandler constructs a TransactionHandler. The engine
// must be non-nil.
func NewTransactionHandler(e *engine.Engine) *TransactionHandler {
	if e == nil {
		panic("nil engine passed to NewTransactionHandler")
	}
	return &TransactionHandler{Engine: e}
}

// Reserve handles POST /v1/transactions. The body names the event,
// the tier selections and any benefits to apply. On success it
// returns 201 with the transaction ID, the amount due and the payment
// proof deadline the buyer must meet.
func (h *TransactionHandler) Reserve(c echo.Context) error {
	buyerID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body struct {
		EventID     uint64                  `json:"event_id"`
		Selections  []model.TicketSelection `json:"ticket_selections"`
		PointsUsed  int64                   `json:"points_used"`
		VoucherCode string                  `json:"voucher_code"`
		CouponCode  string                  `json:"coupon_code"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.EventID == 0 || len(body.Selections) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "event_id and ticket_selections are required"})
	}
	tx, err := h.Engine.Reserve(c.Request().Context(), engine.ReserveRequest{
		BuyerID:     buyerID,
		EventID:     body.EventID,
		Selections:  body.Selections,
		PointsUsed:  body.PointsUsed,
		VoucherCode: body.VoucherCode,
		CouponCode:  body.CouponCode,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"transaction_id":         tx.ID,
		"amount_due_cents":       tx.AmountDueCents,
		"payment_proof_deadline": tx.PaymentProofDeadline.Format(time.RFC3339),
	})
}

// SubmitProof handles POST /v1/transactions/:id/proof. The body
// carries proof_ref, an opaque reference into the external file
// store; the engine records the reference and timestamp only.
func (h *TransactionHandler) SubmitProof(c echo.Context) error {
	buyerID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id := c.Param("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid transaction id"})
	}
	var body struct {
		ProofRef string `json:"proof_ref"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.ProofRef == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "proof_ref is required"})
	}
	tx, err := h.Engine.SubmitProof(c.Request().Context(), id, buyerID, body.ProofRef)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"state":                   tx.State,
		"admin_response_deadline": tx.AdminResponseDeadline.Format(time.RFC3339),
	})
}

// Cancel handles POST /v1/transactions/:id/cancel. Only the owning
// buyer may cancel, and only while the transaction is waiting for
// payment.
func (h *TransactionHandler) Cancel(c echo.Context) error {
	buyerID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id := c.Param("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid transaction id"})
	}
	tx, err := h.Engine.Cancel(c.Request().Context(), id, buyerID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"state":          tx.State,
		"rollback_state": tx.RollbackState,
	})
}

// GetTransaction handles GET /v1/transactions/:id. It returns the
// state, rollback state, deadlines and amount for polling UIs, plus
// the held resources for the detail view. Buyers see only their own
// transactions; organizers see all.
func (h *TransactionHandler) GetTransaction(c echo.Context) error {
	buyerID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id := c.Param("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid transaction id"})
	}
	ctx := c.Request().Context()
	tx, err := h.Engine.Get(ctx, id, buyerID, isOrganizer(c))
	if err != nil {
		return respondError(c, err)
	}
	holds, err := h.Engine.Holds(ctx, id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load holds"})
	}
	redemptions, err := h.Engine.Redemptions(ctx, id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load redemptions"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"item":        tx,
		"holds":       holds,
		"redemptions": redemptions,
	})
}

// ListTransactions handles GET /v1/my-transactions. It returns all
// transactions created by the current buyer, newest first. When none
// exist, it returns an empty array.
func (h *TransactionHandler) ListTransactions(c echo.Context) error {
	buyerID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	items, err := h.Engine.ListByBuyer(c.Request().Context(), buyerID)
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
