package router

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/surveyhelp/backend/internal/auth"
	"github.com/surveyhelp/backend/internal/handlers"
	"github.com/surveyhelp/backend/internal/middleware"
)

// Deps carries everything the router mounts.
type Deps struct {
	Auth     *auth.Handler
	Tokens   middleware.TokenValidator
	Balances middleware.BalanceReader
	API      *handlers.Handler
	DB       handlers.Pinger
	// ServiceToken is the shared secret the survey service sends; empty
	// disables it and only service/admin JWTs are accepted.
	ServiceToken string
}

// New returns an http.Handler that serves the API under /api.
//
// Chains:
//
//	public:  login, packages, healthz, metrics
//	user:    BearerAuth -> handler (WithdrawalCheck in front of POST /api/withdrawals)
//	service: ServiceAuth -> handler
//	admin:   BearerAuth -> RequireAdmin -> handler
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/login", d.Auth.Login)
	mux.HandleFunc("GET /api/purchases/packages", handlers.ListPackages)
	mux.Handle("GET /healthz", handlers.Health(d.DB))
	mux.Handle("GET /metrics", promhttp.Handler())

	user := middleware.BearerAuth(d.Tokens)
	admin := func(h http.Handler) http.Handler { return user(middleware.RequireAdmin(h)) }
	service := middleware.ServiceAuth(d.ServiceToken, d.Tokens)
	check := middleware.WithdrawalCheck(d.Balances)

	h := d.API
	mux.Handle("GET /api/marks/balance", user(http.HandlerFunc(h.GetBalance)))
	mux.Handle("GET /api/marks/transactions", user(http.HandlerFunc(h.ListTransactions)))

	mux.Handle("POST /api/withdrawals", user(check(http.HandlerFunc(h.CreateWithdrawal))))
	mux.Handle("GET /api/withdrawals/{id}", user(http.HandlerFunc(h.GetWithdrawal)))
	mux.Handle("POST /api/withdrawals/{id}/cancel", user(http.HandlerFunc(h.CancelWithdrawal)))

	mux.Handle("POST /api/purchases/confirm", user(http.HandlerFunc(h.ConfirmPurchase)))
	mux.Handle("GET /api/purchases/eligibility", user(http.HandlerFunc(h.PurchaseEligibility)))

	mux.Handle("POST /api/surveys/{id}/boost", user(http.HandlerFunc(h.StakeBoost)))
	mux.Handle("POST /api/surveys/{id}/help", service(http.HandlerFunc(h.SurveyHelp)))

	mux.Handle("GET /api/admin/withdrawals", admin(http.HandlerFunc(h.ListWithdrawals)))
	mux.Handle("POST /api/admin/withdrawals/{id}/resolve", admin(http.HandlerFunc(h.ResolveWithdrawal)))
	mux.Handle("POST /api/admin/withdrawals/{id}/reconcile", admin(http.HandlerFunc(h.ReconcileWithdrawal)))

	return mux
}
