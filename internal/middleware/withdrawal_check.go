package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/surveyhelp/backend/internal/rates"
)

const maxWithdrawalBody = 16 << 10

// BalanceReader reports a user's current marks.
type BalanceReader interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (int, error)
}

type parsedWithdrawal struct {
	Marks         int    `json:"marks"`
	WalletAddress string `json:"wallet_address"`
}

// WithdrawalCheck rejects withdrawal requests that cannot succeed before
// they reach the ledger: malformed amounts or addresses, and amounts above the
// caller's balance. The ledger re-checks everything under the row lock.
// Reads the body, then replaces r.Body so the handler can re-read it.
func WithdrawalCheck(balances BalanceReader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromCtx(r.Context())
			if p == nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxWithdrawalBody+1))
			r.Body.Close()
			if err != nil || len(bodyBytes) > maxWithdrawalBody {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			var peek parsedWithdrawal
			if err := json.Unmarshal(bodyBytes, &peek); err != nil {
				http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
				return
			}
			if err := rates.ValidateAmount(peek.Marks); err != nil {
				writeJSONError(w, http.StatusBadRequest, err)
				return
			}
			if err := rates.ValidateAddress(peek.WalletAddress); err != nil {
				writeJSONError(w, http.StatusBadRequest, err)
				return
			}

			balance, err := balances.GetBalance(r.Context(), p.UserID)
			if err != nil {
				http.Error(w, `{"error":"failed to read balance"}`, http.StatusInternalServerError)
				return
			}
			if peek.Marks > balance {
				writeJSONError(w, http.StatusPaymentRequired,
					fmt.Errorf("insufficient balance: have %d, need %d", balance, peek.Marks))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
