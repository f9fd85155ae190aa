// Package server is the HTTP read-and-command surface over the payment core:
// customer payment endpoints, account/transaction reads, and the staff unlock
// escape hatch. All money logic lives below it.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harborpay/corebank/internal/bank/eligibility"
	"github.com/harborpay/corebank/internal/bank/payment"
	"github.com/harborpay/corebank/internal/bank/pinauth"
	"github.com/harborpay/corebank/internal/bank/store"
	"github.com/harborpay/corebank/internal/platform/auth"
)

type Server struct {
	Store    store.Store
	Gate     *eligibility.Gate
	PINs     *pinauth.Service
	Payments *payment.Coordinator
	Verifier *auth.JWTVerifier
	// Gatherer serves /metrics; nil falls back to the default registry.
	Gatherer prometheus.Gatherer

	http *http.Server
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	gatherer := s.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.Verifier, nil))

		r.Post("/v1/payments", s.handleInitiate)
		r.Post("/v1/payments/{transactionID}/confirm", s.handleConfirm)
		r.Post("/v1/payments/{transactionID}/resend", s.handleResend)
		r.Post("/v1/payments/direct", s.handleDirectDebit)

		r.Get("/v1/accounts/{accountID}", s.handleGetAccount)
		r.Get("/v1/accounts/{accountID}/transactions", s.handleListTransactions)
		r.Get("/v1/users/{userID}/authorization", s.handleAuthorization)

		r.Post("/v1/users/{userID}/unlock", s.handleAdminUnlock)
	})
	return r
}

func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
