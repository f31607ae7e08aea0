package handlers

import (
	"net/http"

	"github.com/surveyhelp/backend/internal/awards"
	"github.com/surveyhelp/backend/internal/models"
)

type balanceResponse struct {
	Marks    int `json:"marks"`
	MaxMarks int `json:"max_marks"`
}

// GetBalance handles GET /api/marks/balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	marks, err := h.Ledger.GetBalance(r.Context(), p.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Marks: marks, MaxMarks: models.MaxMarksCap})
}

// ListTransactions handles GET /api/marks/transactions?limit=N.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	txs, err := h.Ledger.ListTransactions(r.Context(), p.UserID, queryLimit(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []*models.MarkTransaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txs})
}

// ListPackages handles GET /api/purchases/packages.
func ListPackages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"packages": awards.Packages()})
}
