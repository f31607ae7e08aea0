package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

type stubBalances struct {
	marks int
	err   error
}

func (s *stubBalances) GetBalance(_ context.Context, _ uuid.UUID) (int, error) {
	return s.marks, s.err
}

// injectPrincipal wraps a handler to pre-set the caller in context,
// simulating what BearerAuth would do upstream.
func injectPrincipal(p *Principal, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// echoBody proves the middleware let the request through with its body intact.
var echoBody = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	w.Write(b)
})

const okWallet = "0xd4d9a17750329774f621335b56f9deada45f64b1"

func postWithdrawal(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/withdrawals", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWithdrawalCheck_PassesAndRestoresBody(t *testing.T) {
	p := &Principal{UserID: uuid.New()}
	h := injectPrincipal(p, WithdrawalCheck(&stubBalances{marks: 500})(echoBody))

	body := `{"marks":500,"wallet_address":"` + okWallet + `"}`
	rec := postWithdrawal(h, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != body {
		t.Errorf("body not restored: %q", rec.Body.String())
	}
}

func TestWithdrawalCheck_Rejections(t *testing.T) {
	p := &Principal{UserID: uuid.New()}
	cases := []struct {
		name     string
		body     string
		balances *stubBalances
		want     int
	}{
		{"invalid json", `{`, &stubBalances{marks: 500}, http.StatusBadRequest},
		{"below minimum", `{"marks":100,"wallet_address":"` + okWallet + `"}`, &stubBalances{marks: 500}, http.StatusBadRequest},
		{"not a multiple", `{"marks":750,"wallet_address":"` + okWallet + `"}`, &stubBalances{marks: 500}, http.StatusBadRequest},
		{"bad address", `{"marks":500,"wallet_address":"0x12"}`, &stubBalances{marks: 500}, http.StatusBadRequest},
		{"over balance", `{"marks":500,"wallet_address":"` + okWallet + `"}`, &stubBalances{marks: 499}, http.StatusPaymentRequired},
		{"balance lookup fails", `{"marks":500,"wallet_address":"` + okWallet + `"}`, &stubBalances{err: errors.New("db down")}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := injectPrincipal(p, WithdrawalCheck(tc.balances)(echoBody))
			rec := postWithdrawal(h, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestWithdrawalCheck_NoPrincipal(t *testing.T) {
	rec := postWithdrawal(WithdrawalCheck(&stubBalances{})(echoBody), `{}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
