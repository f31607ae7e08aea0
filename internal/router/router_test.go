package router

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surveyhelp/backend/internal/auth"
	"github.com/surveyhelp/backend/internal/awards"
	"github.com/surveyhelp/backend/internal/handlers"
	"github.com/surveyhelp/backend/internal/ledger"
	"github.com/surveyhelp/backend/internal/ledger/ledgertest"
	"github.com/surveyhelp/backend/internal/models"
	"github.com/surveyhelp/backend/internal/settlement"
	"github.com/surveyhelp/backend/internal/withdrawal"
)

const serviceToken = "svc-secret"

type tokens interface {
	IssueToken(userID uuid.UUID, role string) (string, error)
}

func newServer(t *testing.T) (http.Handler, *ledgertest.Ledger, tokens) {
	t.Helper()
	fake := ledgertest.New()
	store := ledger.NewStore(fake, fake, nil)
	svc, err := auth.NewService(nil, nil, auth.Config{Secret: "test-secret"}, nil)
	require.NoError(t, err)

	h := New(Deps{
		Auth:     auth.NewHandler(svc, nil),
		Tokens:   svc,
		Balances: store,
		API: &handlers.Handler{
			Ledger:      store,
			Withdrawals: withdrawal.NewOrchestrator(store, settlement.NewSimulated(), nil, withdrawal.Config{Mode: models.SettlementGateway}, nil),
			Awards:      awards.NewEngine(store, nil),
		},
		ServiceToken: serviceToken,
	})
	return h, fake, svc
}

func do(h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_PublicRoutes(t *testing.T) {
	h, _, _ := newServer(t)

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/healthz", "", "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/purchases/packages", "", "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/metrics", "", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodDelete, "/api/purchases/packages", "", "").Code)
}

func TestRouter_UserRoutesRequireToken(t *testing.T) {
	h, fake, tok := newServer(t)
	user := fake.AddUser(120)
	userTok, err := tok.IssueToken(user, auth.RoleUser)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/marks/balance", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/marks/balance", "garbage", "").Code)

	rec := do(h, http.MethodGet, "/api/marks/balance", userTok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"marks":120`)
}

func TestRouter_WithdrawalPrecheck(t *testing.T) {
	h, fake, tok := newServer(t)
	user := fake.AddUser(500)
	userTok, err := tok.IssueToken(user, auth.RoleUser)
	require.NoError(t, err)

	body := func(marks int) string {
		return fmt.Sprintf(`{"marks":%d,"wallet_address":"0xd4d9a17750329774f621335b56f9deada45f64b1","nonce":"n-%d"}`, marks, marks)
	}
	assert.Equal(t, http.StatusPaymentRequired, do(h, http.MethodPost, "/api/withdrawals", userTok, body(1000)).Code)
	assert.Equal(t, 500, fake.Balance(user))

	rec := do(h, http.MethodPost, "/api/withdrawals", userTok, body(500))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0, fake.Balance(user))
}

func TestRouter_AdminAndServiceChains(t *testing.T) {
	h, fake, tok := newServer(t)
	user := fake.AddUser(0)
	userTok, _ := tok.IssueToken(user, auth.RoleUser)
	adminTok, _ := tok.IssueToken(uuid.New(), auth.RoleAdmin)

	assert.Equal(t, http.StatusForbidden, do(h, http.MethodGet, "/api/admin/withdrawals", userTok, "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/admin/withdrawals", adminTok, "").Code)

	help := fmt.Sprintf(`{"user_id":%q,"boost_marks":100,"goal_count":10}`, user)
	path := "/api/surveys/" + uuid.NewString() + "/help"
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodPost, path, "", help).Code)
	assert.Equal(t, http.StatusForbidden, do(h, http.MethodPost, path, userTok, help).Code)

	rec := do(h, http.MethodPost, path, serviceToken, help)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Positive(t, fake.Balance(user))
}

func TestRouter_LoginRejectsMalformedBodies(t *testing.T) {
	h, _, _ := newServer(t)
	// Both fail before the verifier is consulted.
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/auth/login", "", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/auth/login", "", `{}`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodGet, "/api/auth/login", "", "").Code)
}
