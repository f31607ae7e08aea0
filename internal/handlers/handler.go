package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/surveyhelp/backend/internal/awards"
	"github.com/surveyhelp/backend/internal/identity"
	"github.com/surveyhelp/backend/internal/ledger"
	"github.com/surveyhelp/backend/internal/middleware"
	"github.com/surveyhelp/backend/internal/models"
	"github.com/surveyhelp/backend/internal/rates"
	"github.com/surveyhelp/backend/internal/withdrawal"
)

// Ledger is the read side of the ledger store used by the handlers.
type Ledger interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (int, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.MarkTransaction, error)
	ListWithdrawals(ctx context.Context, status string, limit int) ([]*models.Withdrawal, error)
}

// Withdrawals abstracts the withdrawal orchestrator.
type Withdrawals interface {
	ProcessWithdrawal(ctx context.Context, req withdrawal.Request) (*withdrawal.Result, error)
	Get(ctx context.Context, id, userID uuid.UUID) (*withdrawal.Result, error)
	Cancel(ctx context.Context, id, userID uuid.UUID) (*withdrawal.Result, error)
	Resolve(ctx context.Context, id uuid.UUID, action, ref, reason string) (*withdrawal.Result, error)
	Reconcile(ctx context.Context, id uuid.UUID) (withdrawal.Action, error)
}

// Awards abstracts the award engine.
type Awards interface {
	TryAwardSurveyHelp(ctx context.Context, ev awards.HelpEvent) (awards.HelpResult, bool)
	StakeBoost(ctx context.Context, owner, surveyID uuid.UUID, boost int) (int, error)
	ConfirmPurchase(ctx context.Context, req awards.PurchaseRequest) (awards.PurchaseResult, error)
	PurchaseEligibility(ctx context.Context, userID uuid.UUID) (awards.Eligibility, error)
}

// ProofVerifier checks a proof-of-personhood payload.
type ProofVerifier interface {
	Verify(ctx context.Context, payload json.RawMessage, action, signal string) (*identity.Verification, error)
}

// Handler serves the marks API.
type Handler struct {
	Ledger      Ledger
	Withdrawals Withdrawals
	Awards      Awards
	// Verifier is optional; without it survey help events are trusted as sent.
	Verifier ProofVerifier
	Logger   *zap.Logger
}

func (h *Handler) log() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, rates.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrConflictingWithdrawal),
		errors.Is(err, ledger.ErrDuplicateNonce),
		errors.Is(err, ledger.ErrWithdrawalFinalized),
		errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, awards.ErrExceedsCap):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, identity.ErrVerificationFailed):
		status = http.StatusForbidden
	case errors.Is(err, identity.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.log().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		msg := "internal error"
		if status == http.StatusServiceUnavailable {
			msg = "identity service unavailable"
		}
		writeJSON(w, status, map[string]string{"error": msg})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", rates.ErrValidation, err)
	}
	return nil
}

func caller(w http.ResponseWriter, r *http.Request) (*middleware.Principal, bool) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil || p.UserID == uuid.Nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return nil, false
	}
	return p, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func queryLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}
