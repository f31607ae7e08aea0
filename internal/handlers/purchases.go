package handlers

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/surveyhelp/backend/internal/awards"
)

type confirmPurchaseRequest struct {
	PackageID     string          `json:"package_id"`
	PaymentRef    string          `json:"payment_ref"`
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
}

// ConfirmPurchase handles POST /api/purchases/confirm.
func (h *Handler) ConfirmPurchase(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var req confirmPurchaseRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.Awards.ConfirmPurchase(r.Context(), awards.PurchaseRequest{
		UserID:        p.UserID,
		PackageID:     req.PackageID,
		PaymentRef:    req.PaymentRef,
		TransactionID: req.TransactionID,
		Amount:        req.Amount,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PurchaseEligibility handles GET /api/purchases/eligibility.
func (h *Handler) PurchaseEligibility(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	el, err := h.Awards.PurchaseEligibility(r.Context(), p.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, el)
}
