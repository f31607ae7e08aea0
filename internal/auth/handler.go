package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/surveyhelp/backend/internal/identity"
	"github.com/surveyhelp/backend/internal/rates"
)

type Handler struct {
	svc Service
	log *zap.Logger
}

func NewHandler(svc Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, log: log}
}

// Login exchanges a World ID proof for a session token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		http.Error(w, "missing payload", http.StatusBadRequest)
		return
	}
	sess, err := h.svc.Login(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, rates.ErrValidation):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, identity.ErrVerificationFailed):
			http.Error(w, "verification failed", http.StatusUnauthorized)
		case errors.Is(err, identity.ErrUnavailable):
			h.log.Warn("identity service unavailable", zap.Error(err))
			http.Error(w, "identity service unavailable", http.StatusServiceUnavailable)
		default:
			h.log.Error("login failed", zap.Error(err))
			http.Error(w, "login failed", http.StatusInternalServerError)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(sess)
}
