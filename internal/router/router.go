package router

import (
	"net/http"

	"github.com/osirix/backend/internal/auth"
	"github.com/osirix/backend/internal/jobs"
	"github.com/osirix/backend/internal/ledger"
	"github.com/osirix/backend/internal/middleware"
	"github.com/osirix/backend/internal/wallet"
)

// New builds the API route table. Authenticated routes run through the JWT
// middleware; /v1/admin routes additionally require the admin role. The
// worker callback routes authenticate with the shared worker token inside the
// jobs handler instead.
func New(
	authHandler *auth.Handler,
	ledgerHandler *ledger.Handler,
	jobsHandler *jobs.Handler,
	walletHandler *wallet.Handler,
	validator middleware.TokenValidator,
) http.Handler {
	mux := http.NewServeMux()
	authed := middleware.Auth(validator)
	admin := func(h http.HandlerFunc) http.Handler {
		return authed(middleware.RequireAdmin(h))
	}

	mux.HandleFunc("POST /v1/auth/register", authHandler.Register)
	mux.HandleFunc("POST /v1/auth/login", authHandler.Login)
	mux.Handle("GET /v1/auth/me", authed(http.HandlerFunc(authHandler.Me)))

	mux.Handle("GET /v1/credits/balance", authed(http.HandlerFunc(ledgerHandler.GetBalance)))
	mux.Handle("GET /v1/credits/history", authed(http.HandlerFunc(ledgerHandler.History)))
	mux.Handle("POST /v1/credits/purchase", authed(http.HandlerFunc(ledgerHandler.Purchase)))

	mux.Handle("POST /v1/jobs", authed(http.HandlerFunc(jobsHandler.Create)))
	mux.Handle("GET /v1/jobs", authed(http.HandlerFunc(jobsHandler.List)))
	mux.Handle("GET /v1/jobs/{id}", authed(http.HandlerFunc(jobsHandler.Get)))
	mux.Handle("POST /v1/jobs/{id}/cancel", authed(http.HandlerFunc(jobsHandler.Cancel)))
	mux.Handle("POST /v1/jobs/{id}/retry", authed(http.HandlerFunc(jobsHandler.Retry)))

	// Out-of-process worker callbacks, worker-token authenticated.
	mux.HandleFunc("POST /v1/jobs/{id}/progress", jobsHandler.Progress)
	mux.HandleFunc("POST /v1/jobs/{id}/result", jobsHandler.Result)
	mux.HandleFunc("POST /v1/jobs/{id}/fail", jobsHandler.Fail)

	mux.Handle("GET /v1/wallet", authed(http.HandlerFunc(walletHandler.GetWallet)))
	mux.Handle("GET /v1/wallet/transactions", authed(http.HandlerFunc(walletHandler.ListTransactions)))
	mux.Handle("POST /v1/withdrawals", authed(http.HandlerFunc(walletHandler.RequestWithdrawal)))
	mux.Handle("GET /v1/withdrawals", authed(http.HandlerFunc(walletHandler.ListWithdrawals)))

	mux.Handle("POST /v1/products", authed(http.HandlerFunc(walletHandler.CreateProduct)))
	mux.Handle("POST /v1/products/{id}/purchase", authed(http.HandlerFunc(walletHandler.PurchaseProduct)))
	mux.Handle("POST /v1/deals", authed(http.HandlerFunc(walletHandler.CreateDeal)))

	mux.Handle("POST /v1/admin/withdrawals/{id}/approve", admin(walletHandler.ApproveWithdrawal))
	mux.Handle("POST /v1/admin/withdrawals/{id}/reject", admin(walletHandler.RejectWithdrawal))
	mux.Handle("POST /v1/admin/deals/{id}/approve", admin(walletHandler.ApproveDeal))
	mux.Handle("POST /v1/admin/deals/{id}/settle", admin(walletHandler.SettleDeal))
	mux.Handle("GET /v1/admin/users/{id}/reconcile", admin(ledgerHandler.Reconcile))

	mux.Handle("GET /metrics", middleware.MetricsHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return mux
}
