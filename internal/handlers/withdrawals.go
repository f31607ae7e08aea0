package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/surveyhelp/backend/internal/models"
	"github.com/surveyhelp/backend/internal/rates"
	"github.com/surveyhelp/backend/internal/withdrawal"
)

// --- POST /api/withdrawals ---

type createWithdrawalRequest struct {
	Marks         int    `json:"marks"`
	WalletAddress string `json:"wallet_address"`
	Nonce         string `json:"nonce"`
	// Deadline is a unix timestamp in seconds; optional.
	Deadline int64 `json:"deadline"`
}

// withdrawalStatusCode reports how far processing got: settled, still in
// flight, or failed with the marks refunded.
func withdrawalStatusCode(status string) int {
	switch status {
	case models.TxStatusCompleted:
		return http.StatusOK
	case models.TxStatusFailed:
		return http.StatusBadGateway
	case models.TxStatusPending, models.TxStatusProcessing:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}

// CreateWithdrawal handles POST /api/withdrawals.
// Auth -> WithdrawalCheck (via middleware) -> reserve -> settle.
func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var req createWithdrawalRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Nonce == "" {
		h.writeError(w, r, fmt.Errorf("%w: nonce is required", rates.ErrValidation))
		return
	}
	wr := withdrawal.Request{
		UserID:        p.UserID,
		Marks:         req.Marks,
		WalletAddress: req.WalletAddress,
		Nonce:         req.Nonce,
	}
	if req.Deadline > 0 {
		wr.Deadline = time.Unix(req.Deadline, 0)
	}

	res, err := h.Withdrawals.ProcessWithdrawal(r.Context(), wr)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log().Info("withdrawal processed",
		zap.String("withdrawal_id", res.WithdrawalID.String()),
		zap.String("user_id", p.UserID.String()),
		zap.String("status", res.Status))
	writeJSON(w, withdrawalStatusCode(res.Status), res)
}

// GetWithdrawal handles GET /api/withdrawals/{id}.
func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.Withdrawals.Get(r.Context(), id, p.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelWithdrawal handles POST /api/withdrawals/{id}/cancel.
func (h *Handler) CancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.Withdrawals.Cancel(r.Context(), id, p.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- admin ---

// ListWithdrawals handles GET /api/admin/withdrawals?status=PENDING&limit=N.
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", models.TxStatusPending, models.TxStatusProcessing, models.TxStatusCompleted,
		models.TxStatusFailed, models.TxStatusRejected, models.TxStatusCancelled:
	default:
		h.writeError(w, r, fmt.Errorf("%w: unknown status %q", rates.ErrValidation, status))
		return
	}
	ws, err := h.Ledger.ListWithdrawals(r.Context(), status, queryLimit(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if ws == nil {
		ws = []*models.Withdrawal{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"withdrawals": ws})
}

type resolveRequest struct {
	Action      string `json:"action"`
	ExternalRef string `json:"external_ref"`
	Reason      string `json:"reason"`
}

// ResolveWithdrawal handles POST /api/admin/withdrawals/{id}/resolve.
func (h *Handler) ResolveWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.Withdrawals.Resolve(r.Context(), id, req.Action, req.ExternalRef, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ReconcileWithdrawal handles POST /api/admin/withdrawals/{id}/reconcile.
func (h *Handler) ReconcileWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	act, err := h.Withdrawals.Reconcile(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.Withdrawals.Get(r.Context(), id, uuid.Nil)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"action": act, "withdrawal": res})
}
