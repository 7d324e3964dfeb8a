package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"freightflow/audit"
	"freightflow/auth"
	"freightflow/idempotency"
	"freightflow/offer"
	"freightflow/shipment"
)

type offerService interface {
	Submit(ctx context.Context, params offer.SubmitParams, actor auth.Principal) (offer.Offer, error)
	Accept(ctx context.Context, offerID string, actor auth.Principal) (offer.AcceptResult, error)
	Reject(ctx context.Context, offerID string, actor auth.Principal) (offer.Offer, error)
	Withdraw(ctx context.Context, offerID string, actor auth.Principal) (offer.Offer, error)
}

type shipmentService interface {
	Create(ctx context.Context, actor auth.Principal) (shipment.Shipment, error)
	Get(ctx context.Context, id string, actor auth.Principal) (shipment.Shipment, error)
}

type tokenVerifier interface {
	Verify(token string) (auth.Principal, error)
}

// Server wires HTTP routes to the offer and shipment services.
type Server struct {
	offerService    offerService
	shipmentService shipmentService
	verifier        tokenVerifier
	guard           *idempotency.Guard
	logger          *slog.Logger
	ping            func(ctx context.Context) error
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestContext)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(api chi.Router) {
		api.Use(s.authenticate)
		// Behind authentication so unauthenticated attempts are never captured.
		api.Use(s.guard.Middleware)

		api.Post("/shipments", s.handleCreateShipment)
		api.Get("/shipments/{shipmentID}", s.handleGetShipment)
		api.Post("/shipments/{shipmentID}/offers", s.handleSubmitOffer)
		api.Post("/offers/{offerID}/accept", s.handleAcceptOffer)
		api.Post("/offers/{offerID}/reject", s.handleRejectOffer)
		api.Post("/offers/{offerID}/withdraw", s.handleWithdrawOffer)
	})

	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		p, err := s.verifier.Verify(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

// requestContext makes the caller's address available to audit entries.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithRequestContext(r.Context(), audit.RequestContextFrom(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// idempotencyOwner records the authenticated user alongside a captured response.
func idempotencyOwner(r *http.Request) *string {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		return nil
	}
	id := p.UserID
	return &id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "database unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeServiceError maps domain errors to HTTP responses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, offer.ErrOfferNotFound):
		writeError(w, r, http.StatusNotFound, "OFFER_NOT_FOUND", "offer not found")
	case errors.Is(err, offer.ErrShipmentNotFound), errors.Is(err, shipment.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "SHIPMENT_NOT_FOUND", "shipment not found")
	case errors.Is(err, offer.ErrConflict):
		writeError(w, r, http.StatusConflict, "CONFLICT", "shipment already has an accepted offer")
	case errors.Is(err, offer.ErrInvalidTransition):
		writeError(w, r, http.StatusUnprocessableEntity, "INVALID_TRANSITION", "offer cannot move to the requested status")
	case errors.Is(err, offer.ErrForbidden), errors.Is(err, shipment.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "FORBIDDEN", "not allowed to act on this resource")
	case errors.Is(err, offer.ErrInvalidPrice):
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Status    string    `json:"status"`
	Error     errorBody `json:"error"`
	RequestID string    `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Status:    statusWord(status),
		Error:     errorBody{Code: code, Message: message},
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusWord(status int) string {
	switch status {
	case http.StatusConflict:
		return "conflict"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusUnprocessableEntity:
		return "invalid_transition"
	case http.StatusBadRequest:
		return "invalid_request"
	default:
		return "error"
	}
}
