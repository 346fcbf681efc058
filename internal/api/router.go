/**
 * @description
 * HTTP router setup for the escrow-service using go-chi/chi.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the credentials the middleware chain checks.
type RouterConfig struct {
	InternalAPIKey   string
	JWTSigningSecret string
}

// NewRouter creates a new Chi router and registers the escrow routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated by the HMAC signature, not by a bearer token.
	r.Post("/webhooks/gateway", h.handleGatewayWebhook)

	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(cfg.JWTSigningSecret))
		r.Post("/checkout", h.handleCheckout)
		r.Post("/payments/{id}/receipt", h.handleAttachReceipt)
		r.Get("/deals/{id}", h.handleGetDeal)
		r.Post("/deals/{id}/confirm", h.handleConfirmDeal)
		r.Post("/deals/{id}/cancel", h.handleCancelDeal)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/deliveries/events", h.handleDeliveryEvent)
		r.Post("/deals/{id}/dispute", h.handleOpenDispute)
		r.Post("/deals/{id}/dispute/resolve", h.handleResolveDispute)
		r.Post("/deals/{id}/refund", h.handleRefundDeal)
		r.Post("/payments/{id}/revoke", h.handleRevokePayment)
		r.Post("/settlements/run", h.handleRunSettlement)
		r.Post("/settlements/settle", h.handleSettleWalletLogs)
		r.Post("/wallet-logs/{id}/payout/replay", h.handleReplayPayout)
		r.Post("/commissions", h.handleSetCommission)
		r.Get("/commissions", h.handleListCommissions)
		r.Get("/error-logs", h.handleListErrorLogs)
	})

	return r
}
