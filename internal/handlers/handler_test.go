package handlers

import (
	"context"
	"encoding/json"
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
	"github.com/surveyhelp/backend/internal/identity"
	"github.com/surveyhelp/backend/internal/ledger"
	"github.com/surveyhelp/backend/internal/ledger/ledgertest"
	"github.com/surveyhelp/backend/internal/middleware"
	"github.com/surveyhelp/backend/internal/models"
	"github.com/surveyhelp/backend/internal/settlement"
	"github.com/surveyhelp/backend/internal/withdrawal"
)

const wallet = "0xd4d9a17750329774f621335b56f9deada45f64b1"

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type stubVerifier struct{ err error }

func (s stubVerifier) Verify(context.Context, json.RawMessage, string, string) (*identity.Verification, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &identity.Verification{NullifierHash: "0x1"}, nil
}

type fixture struct {
	h    *Handler
	fake *ledgertest.Ledger
	sim  *settlement.Simulated
}

func newFixture(mode string) *fixture {
	fake := ledgertest.New()
	store := ledger.NewStore(fake, fake, nil)
	sim := settlement.NewSimulated()
	return &fixture{
		h: &Handler{
			Ledger:      store,
			Withdrawals: withdrawal.NewOrchestrator(store, sim, nil, withdrawal.Config{Mode: mode}, nil),
			Awards:      awards.NewEngine(store, nil),
		},
		fake: fake,
		sim:  sim,
	}
}

// call invokes fn as user with the given JSON body and path id.
func call(fn http.HandlerFunc, user uuid.UUID, role, method, body, id string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	if user != uuid.Nil || role != "" {
		req = req.WithContext(middleware.WithPrincipal(req.Context(), &middleware.Principal{UserID: user, Role: role}))
	}
	if id != "" {
		req.SetPathValue("id", id)
	}
	rec := httptest.NewRecorder()
	fn(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v), rec.Body.String())
}

func withdrawalBody(marks int, nonce string) string {
	return fmt.Sprintf(`{"marks":%d,"wallet_address":%q,"nonce":%q}`, marks, wallet, nonce)
}

// ---------------------------------------------------------------------------
// Withdrawals
// ---------------------------------------------------------------------------

func TestCreateWithdrawal_Completed(t *testing.T) {
	f := newFixture(models.SettlementGateway)
	user := f.fake.AddUser(500)

	rec := call(f.h.CreateWithdrawal, user, auth.RoleUser, http.MethodPost, withdrawalBody(500, "n-1"), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res withdrawal.Result
	decodeBody(t, rec, &res)
	assert.Equal(t, models.TxStatusCompleted, res.Status)
	assert.Equal(t, "4", res.NetAmount.String())
	require.NotNil(t, res.TxRef)
	assert.Equal(t, 0, f.fake.Balance(user))

	rec = call(f.h.GetWithdrawal, user, auth.RoleUser, http.MethodGet, "", res.WithdrawalID.String())
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = call(f.h.GetWithdrawal, uuid.New(), auth.RoleUser, http.MethodGet, "", res.WithdrawalID.String())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateWithdrawal_StatusCodes(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*settlement.Simulated)
		want  int
	}{
		{"gateway failure refunds", func(s *settlement.Simulated) {
			s.SubmitErr = fmt.Errorf("%w: treasury empty", settlement.ErrGateway)
		}, http.StatusBadGateway},
		{"unknown outcome", func(s *settlement.Simulated) {
			s.ConfirmErr = settlement.ErrGatewayUnknown
		}, http.StatusAccepted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(models.SettlementGateway)
			user := f.fake.AddUser(500)
			tc.setup(f.sim)
			rec := call(f.h.CreateWithdrawal, user, auth.RoleUser, http.MethodPost, withdrawalBody(500, "n-1"), "")
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

func TestCreateWithdrawal_Errors(t *testing.T) {
	f := newFixture(models.SettlementGateway)
	user := f.fake.AddUser(500)
	f.sim.ConfirmErr = settlement.ErrGatewayUnknown

	cases := []struct {
		name string
		user uuid.UUID
		body string
		want int
	}{
		{"no caller", uuid.Nil, withdrawalBody(500, "a"), http.StatusUnauthorized},
		{"bad json", user, `{`, http.StatusBadRequest},
		{"missing nonce", user, withdrawalBody(500, ""), http.StatusBadRequest},
		{"below minimum", user, withdrawalBody(499, "b"), http.StatusBadRequest},
		{"insufficient", user, withdrawalBody(1000, "c"), http.StatusPaymentRequired},
		{"unknown user", uuid.New(), withdrawalBody(500, "d"), http.StatusNotFound},
		{"first in flight", user, withdrawalBody(500, "e"), http.StatusAccepted},
		{"replay while reserved", user, withdrawalBody(500, "e"), http.StatusPaymentRequired},
	}
	for _, tc := range cases {
		rec := call(f.h.CreateWithdrawal, tc.user, auth.RoleUser, http.MethodPost, tc.body, "")
		assert.Equal(t, tc.want, rec.Code, "%s: %s", tc.name, rec.Body.String())
	}
}

func TestManualWithdrawal_AdminAndCancel(t *testing.T) {
	f := newFixture(models.SettlementManual)
	alice, bob := f.fake.AddUser(500), f.fake.AddUser(500)
	admin := uuid.New()

	rec := call(f.h.CreateWithdrawal, alice, auth.RoleUser, http.MethodPost, withdrawalBody(500, "a"), "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var a withdrawal.Result
	decodeBody(t, rec, &a)

	rec = call(f.h.ListWithdrawals, admin, auth.RoleAdmin, http.MethodGet, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Withdrawals []models.Withdrawal `json:"withdrawals"`
	}
	decodeBody(t, rec, &list)
	assert.Len(t, list.Withdrawals, 1)

	rec = call(f.h.ResolveWithdrawal, admin, auth.RoleAdmin, http.MethodPost, `{"action":"approve","external_ref":"0xpaid"}`, a.WithdrawalID.String())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = call(f.h.ResolveWithdrawal, admin, auth.RoleAdmin, http.MethodPost, `{"action":"reject"}`, a.WithdrawalID.String())
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = call(f.h.CreateWithdrawal, bob, auth.RoleUser, http.MethodPost, withdrawalBody(500, "b"), "")
	var b withdrawal.Result
	decodeBody(t, rec, &b)
	rec = call(f.h.CancelWithdrawal, alice, auth.RoleUser, http.MethodPost, "", b.WithdrawalID.String())
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = call(f.h.CancelWithdrawal, bob, auth.RoleUser, http.MethodPost, "", b.WithdrawalID.String())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 500, f.fake.Balance(bob))

	rec = call(f.h.CancelWithdrawal, bob, auth.RoleUser, http.MethodPost, "", "not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListWithdrawals_RejectsUnknownStatus(t *testing.T) {
	f := newFixture(models.SettlementManual)
	req := httptest.NewRequest(http.MethodGet, "/?status=LOST", nil)
	rec := httptest.NewRecorder()
	f.h.ListWithdrawals(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReconcileWithdrawal(t *testing.T) {
	f := newFixture(models.SettlementGateway)
	user := f.fake.AddUser(500)
	f.sim.ConfirmErr = settlement.ErrGatewayUnknown

	rec := call(f.h.CreateWithdrawal, user, auth.RoleUser, http.MethodPost, withdrawalBody(500, "n"), "")
	var res withdrawal.Result
	decodeBody(t, rec, &res)

	rec = call(f.h.ReconcileWithdrawal, uuid.New(), auth.RoleAdmin, http.MethodPost, "", res.WithdrawalID.String())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Action     withdrawal.Action `json:"action"`
		Withdrawal withdrawal.Result `json:"withdrawal"`
	}
	decodeBody(t, rec, &out)
	assert.Equal(t, withdrawal.ActionCompleted, out.Action)
	assert.Equal(t, models.TxStatusCompleted, out.Withdrawal.Status)
}

// ---------------------------------------------------------------------------
// Balance, purchases, surveys
// ---------------------------------------------------------------------------

func TestBalanceAndTransactions(t *testing.T) {
	f := newFixture(models.SettlementGateway)
	user := f.fake.AddUser(120)

	rec := call(f.h.GetBalance, user, auth.RoleUser, http.MethodGet, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var bal balanceResponse
	decodeBody(t, rec, &bal)
	assert.Equal(t, balanceResponse{Marks: 120, MaxMarks: models.MaxMarksCap}, bal)

	rec = call(f.h.ListTransactions, user, auth.RoleUser, http.MethodGet, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"transactions":[]}`, rec.Body.String())
}

func TestPurchases(t *testing.T) {
	f := newFixture(models.SettlementGateway)
	user := f.fake.AddUser(440)
	body := `{"package_id":"marks_small","payment_ref":"ref-1","transaction_id":"tx-1","amount":"0.5"}`

	rec := call(f.h.ConfirmPurchase, user, auth.RoleUser, http.MethodPost, body, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res awards.PurchaseResult
	decodeBody(t, rec, &res)
	assert.Equal(t, 50, res.Added)
	assert.Equal(t, 490, res.Balance)

	rec = call(f.h.ConfirmPurchase, user, auth.RoleUser, http.MethodPost, body, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 490, f.fake.Balance(user))

	rec = call(f.h.ConfirmPurchase, user, auth.RoleUser, http.MethodPost,
		`{"package_id":"marks_medium","payment_ref":"r","transaction_id":"tx-2","amount":"0.95"}`, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = call(f.h.ConfirmPurchase, user, auth.RoleUser, http.MethodPost,
		`{"package_id":"marks_tiny","payment_ref":"r","transaction_id":"tx-3","amount":"0.2"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(f.h.PurchaseEligibility, user, auth.RoleUser, http.MethodGet, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var el awards.Eligibility
	decodeBody(t, rec, &el)
	assert.Equal(t, 10, el.Headroom)
	assert.Len(t, el.Packages, 1)

	rec = httptest.NewRecorder()
	ListPackages(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "marks_xlarge")
}

func TestStakeBoost(t *testing.T) {
	f := newFixture(models.SettlementGateway)
	owner := f.fake.AddUser(300)
	survey := uuid.New().String()

	rec := call(f.h.StakeBoost, owner, auth.RoleUser, http.MethodPost, `{"boost_marks":100}`, survey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 200, f.fake.Balance(owner))

	rec = call(f.h.StakeBoost, owner, auth.RoleUser, http.MethodPost, `{"boost_marks":100}`, survey)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = call(f.h.StakeBoost, owner, auth.RoleUser, http.MethodPost, `{"boost_marks":900}`, uuid.New().String())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSurveyHelp(t *testing.T) {
	f := newFixture(models.SettlementGateway)
	helper := f.fake.AddUser(0)
	survey := uuid.New().String()
	body := fmt.Sprintf(`{"user_id":%q,"boost_marks":100,"goal_count":10}`, helper)

	rec := call(f.h.SurveyHelp, uuid.Nil, auth.RoleService, http.MethodPost, body, survey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res surveyHelpResponse
	decodeBody(t, rec, &res)
	assert.Equal(t, 9, res.Awarded)
	assert.Equal(t, 4, res.Commission)
	assert.False(t, res.AwardFailed)

	// An unknown helper is not the survey flow's problem.
	body = fmt.Sprintf(`{"user_id":%q,"boost_marks":100,"goal_count":10}`, uuid.New())
	rec = call(f.h.SurveyHelp, uuid.Nil, auth.RoleService, http.MethodPost, body, survey)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &res)
	assert.True(t, res.AwardFailed)

	rec = call(f.h.SurveyHelp, uuid.Nil, auth.RoleService, http.MethodPost,
		fmt.Sprintf(`{"user_id":%q,"boost_marks":100,"goal_count":0}`, helper), survey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSurveyHelp_ProofVerification(t *testing.T) {
	f := newFixture(models.SettlementGateway)
	helper := f.fake.AddUser(0)
	body := fmt.Sprintf(`{"user_id":%q,"boost_marks":100,"goal_count":10,"proof":{"proof":"0x1"}}`, helper)

	f.h.Verifier = stubVerifier{err: identity.ErrVerificationFailed}
	rec := call(f.h.SurveyHelp, uuid.Nil, auth.RoleService, http.MethodPost, body, uuid.New().String())
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, f.fake.Balance(helper))

	f.h.Verifier = stubVerifier{}
	rec = call(f.h.SurveyHelp, uuid.Nil, auth.RoleService, http.MethodPost, body, uuid.New().String())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 9, f.fake.Balance(helper))
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	Health(stubPinger{})(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	Health(stubPinger{err: fmt.Errorf("down")})(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
