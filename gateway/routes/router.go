package routes

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bittrust/core/protocol"
	"bittrust/gateway/middleware"
)

type Config struct {
	Protocol      *protocol.Protocol
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	// Timeout bounds each protocol call; zero leaves the request context as is.
	Timeout time.Duration
}

// New mounts the protocol API. Reads are public; writes act for the subject of
// a bearer token and execute at the protocol clock, which only governance
// advances.
func New(cfg Config) (http.Handler, error) {
	if cfg.Protocol == nil {
		return nil, errors.New("routes: protocol required")
	}
	if cfg.Authenticator == nil {
		cfg.Authenticator = middleware.NewAuthenticator(middleware.AuthConfig{}, nil)
	}
	api := &protocolRoutes{p: cfg.Protocol, timeout: cfg.Timeout}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Observability != nil {
		r.Handle("/metrics", cfg.Observability.MetricsHandler())
	}

	group := func(name string, mount func(chi.Router)) func(chi.Router) {
		return func(sr chi.Router) {
			if cfg.Observability != nil {
				sr.Use(cfg.Observability.Middleware(name))
			}
			if cfg.RateLimiter != nil {
				sr.Use(cfg.RateLimiter.Middleware(name))
			}
			mount(sr)
		}
	}
	authed := cfg.Authenticator.Middleware

	r.Route("/v1/clock", group("clock", func(sr chi.Router) {
		sr.Get("/", api.currentClock)
		sr.With(authed(middleware.ScopeGovernance)).Post("/", api.advanceClock)
	}))
	r.Route("/v1/accounts", group("reputation", func(sr chi.Router) {
		sr.Get("/{id}", api.account)
		sr.Get("/{id}/loans", api.accountLoans)
		sr.Get("/{id}/stats", api.accountStats)
		sr.Get("/{id}/delegations", api.accountDelegations)
	}))
	r.Route("/v1/balances", group("bank", func(sr chi.Router) {
		sr.Get("/{asset}/{id}", api.balance)
	}))
	r.Route("/v1/loans", group("lending", func(sr chi.Router) {
		sr.Get("/{id}", api.loan)
		sr.With(authed()).Post("/", api.requestLoan)
		sr.With(authed()).Post("/{id}/accept", api.acceptLoan)
		sr.With(authed()).Post("/{id}/repay", api.repayLoan)
		sr.With(authed()).Post("/{id}/expire", api.expireLoan)
	}))
	r.Route("/v1/pools", group("pool", func(sr chi.Router) {
		sr.Get("/{asset}", api.pool)
		sr.Get("/{asset}/positions/{id}", api.position)
		sr.With(authed()).Post("/{asset}/deposit", api.poolAction(poolDeposit))
		sr.With(authed()).Post("/{asset}/withdraw", api.poolAction(poolWithdraw))
		sr.With(authed()).Post("/{asset}/borrow", api.poolAction(poolBorrow))
		sr.With(authed()).Post("/{asset}/repay", api.poolAction(poolRepay))
		sr.With(authed(middleware.ScopeGovernance)).Post("/{asset}/reserve", api.withdrawReserve)
	}))
	r.Route("/v1/delegations", group("delegation", func(sr chi.Router) {
		sr.Get("/{id}", api.delegation)
		sr.With(authed()).Post("/", api.createDelegation)
		sr.With(authed()).Post("/{id}/draw", api.drawDelegation)
		sr.With(authed()).Post("/{id}/revoke", api.revokeDelegation)
	}))

	return otelhttp.NewHandler(r, "bittrust.gateway"), nil
}
