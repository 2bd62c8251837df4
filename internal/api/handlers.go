/**
 * @description
 * HTTP handlers for the membership-service.
 *
 * Every confirmation channel ends in the same Engine.Reconcile call; the handlers
 * only decide the trust source, authenticate the caller, and map the error
 * taxonomy onto status codes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For URL parameters and request IDs.
 * - internal/app: For the reconciliation engine and ledgers.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/transfa/membership-service/internal/app"
	"github.com/transfa/membership-service/internal/domain"
)

const maxWebhookBodyBytes = 1 << 20

// Reconciler applies confirmation events.
type Reconciler interface {
	Reconcile(ctx context.Context, event domain.ConfirmationEvent) (app.ReconcileResult, error)
}

// IntentService is the part of the intent ledger exposed over HTTP.
type IntentService interface {
	Create(ctx context.Context, params app.CreateIntentParams) (*domain.PaymentIntent, error)
	Transition(ctx context.Context, intentID string, to domain.IntentStatus, params app.TransitionParams) (app.TransitionResult, error)
	FindByExternalReference(ctx context.Context, ref string) (*domain.PaymentIntent, error)
}

// MembershipService is the part of the membership ledger exposed over HTTP.
type MembershipService interface {
	GetInfo(ctx context.Context, accountID string) (domain.MembershipInfo, error)
	ListExpiring(ctx context.Context, withinDays int) ([]domain.MembershipInfo, error)
}

// DeliveryGuard short-circuits webhook deliveries that were already processed.
type DeliveryGuard interface {
	Seen(ctx context.Context, gateway, deliveryID string) (bool, error)
	Remember(ctx context.Context, gateway, deliveryID string) (bool, error)
}

// RateLimiter counts client callbacks per account.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error)
}

// Options carries the handler's configuration.
type Options struct {
	// WebhookSecrets maps a lowercase gateway name to its signing secret.
	WebhookSecrets             map[string]string
	CallbackRateLimitPerMinute int
}

// Handler holds the application services that handlers interact with.
type Handler struct {
	engine        Reconciler
	intents       IntentService
	memberships   MembershipService
	sweeper       app.MembershipSweeper
	deliveries    DeliveryGuard
	limiter       RateLimiter
	secrets       map[string]string
	callbackLimit int
	logger        *slog.Logger
}

// NewHandler creates a new Handler. deliveries and limiter may be nil.
func NewHandler(
	engine Reconciler,
	intents IntentService,
	memberships MembershipService,
	sweeper app.MembershipSweeper,
	deliveries DeliveryGuard,
	limiter RateLimiter,
	logger *slog.Logger,
	opts Options,
) *Handler {
	secrets := make(map[string]string, len(opts.WebhookSecrets))
	for gateway, secret := range opts.WebhookSecrets {
		secrets[strings.ToLower(gateway)] = secret
	}
	if deliveries == nil {
		deliveries = app.NewRedisDeliveryGuard(nil, "", 0)
	}
	if limiter == nil {
		limiter = app.NewRedisRateLimiter(nil, "")
	}
	return &Handler{
		engine:        engine,
		intents:       intents,
		memberships:   memberships,
		sweeper:       sweeper,
		deliveries:    deliveries,
		limiter:       limiter,
		secrets:       secrets,
		callbackLimit: opts.CallbackRateLimitPerMinute,
		logger:        logger,
	}
}

type createIntentRequest struct {
	PlanID            string `json:"plan_id"`
	Gateway           string `json:"gateway"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	ExternalReference string `json:"external_reference"`
}

func (h *Handler) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req createIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	intent, err := h.intents.Create(r.Context(), app.CreateIntentParams{
		AccountID:         userID,
		PlanID:            req.PlanID,
		Gateway:           domain.Gateway(strings.ToLower(strings.TrimSpace(req.Gateway))),
		Amount:            req.Amount,
		Currency:          req.Currency,
		ExternalReference: req.ExternalReference,
	})
	if err != nil {
		h.respondWithDomainError(w, r, "create intent", err)
		return
	}

	respondWithJSON(w, http.StatusCreated, intent)
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())
	gateway, ok := domain.ParseGateway(chi.URLParam(r, "gateway"))
	if !ok || gateway == domain.GatewayManual {
		respondWithError(w, http.StatusNotFound, "Unknown gateway")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Cannot read request body")
		return
	}

	secret := h.secrets[string(gateway)]
	if secret == "" {
		h.logger.Error("webhook secret not configured", "gateway", gateway, "request_id", requestID)
		respondWithError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}
	if !isValidSignature(secret, r.Header.Get(webhookSignatureHeader), body) {
		h.logger.Warn("rejected webhook with invalid signature", "security", true, "gateway", gateway, "request_id", requestID)
		respondWithError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var event domain.ConfirmationEvent
	if err := json.Unmarshal(body, &event); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid webhook payload")
		return
	}
	event.Gateway = gateway
	event.Source = domain.SourceWebhook
	event.VerifiedBy = ""
	event.RawPayload = json.RawMessage(body)
	if event.DeliveryID == "" {
		event.DeliveryID = r.Header.Get("X-Webhook-Delivery-ID")
	}

	if seen, err := h.deliveries.Seen(r.Context(), string(gateway), event.DeliveryID); err != nil {
		h.logger.Warn("webhook dedupe lookup failed; reconciling anyway", "gateway", gateway, "delivery_id", event.DeliveryID, "error", err)
	} else if seen {
		h.logger.Info("webhook delivery already processed", "gateway", gateway, "delivery_id", event.DeliveryID, "request_id", requestID)
		respondWithJSON(w, http.StatusOK, map[string]bool{"duplicate": true})
		return
	}

	result, err := h.engine.Reconcile(r.Context(), event)
	if err != nil {
		h.respondWithDomainError(w, r, "reconcile webhook", err)
		return
	}

	if _, err := h.deliveries.Remember(r.Context(), string(gateway), event.DeliveryID); err != nil {
		h.logger.Warn("failed to remember webhook delivery", "gateway", gateway, "delivery_id", event.DeliveryID, "error", err)
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleClientCallback(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), "payment_callback", userID, h.callbackLimit, time.Minute)
	if err != nil {
		h.logger.Warn("callback rate limiter unavailable; allowing request", "account_id", userID, "error", err)
	} else if h.callbackLimit > 0 && count > h.callbackLimit {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		respondWithError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.")
		return
	}

	var event domain.ConfirmationEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	event.AccountID = userID
	event.Source = domain.SourceClient
	event.VerifiedBy = ""

	result, err := h.engine.Reconcile(r.Context(), event)
	if err != nil {
		h.respondWithDomainError(w, r, "reconcile callback", err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

type adminVerifyRequest struct {
	Gateway           string `json:"gateway"`
	ExternalReference string `json:"external_reference"`
	AccountID         string `json:"account_id"`
	PlanID            string `json:"plan_id"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	Reason            string `json:"reason"`
	ProofOfPayment    string `json:"proof_of_payment"`
}

func (h *Handler) handleAdminVerify(w http.ResponseWriter, r *http.Request) {
	adminID, _ := UserFromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Cannot read request body")
		return
	}
	var req adminVerifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	gateway := domain.GatewayManual
	if req.Gateway != "" {
		parsed, ok := domain.ParseGateway(req.Gateway)
		if !ok {
			respondWithError(w, http.StatusBadRequest, "Unknown gateway")
			return
		}
		gateway = parsed
	}

	result, err := h.engine.Reconcile(r.Context(), domain.ConfirmationEvent{
		Gateway:           gateway,
		ExternalReference: req.ExternalReference,
		AccountID:         req.AccountID,
		PlanID:            req.PlanID,
		Amount:            req.Amount,
		Currency:          req.Currency,
		Outcome:           domain.OutcomeSucceeded,
		Source:            domain.SourceAdmin,
		ProofOfPayment:    req.ProofOfPayment,
		VerifiedBy:        adminID,
		Reason:            req.Reason,
		RawPayload:        json.RawMessage(body),
	})
	if err != nil {
		h.respondWithDomainError(w, r, "admin verify", err)
		return
	}

	h.logger.Info("payment manually verified", "admin_id", adminID, "external_reference", req.ExternalReference, "duplicate", result.Duplicate)
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleAdminFailIntent(w http.ResponseWriter, r *http.Request) {
	adminID, _ := UserFromContext(r.Context())
	intentID := chi.URLParam(r, "id")
	if intentID == "" {
		respondWithError(w, http.StatusBadRequest, "Intent ID is required")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	result, err := h.intents.Transition(r.Context(), intentID, domain.IntentFailed, app.TransitionParams{
		Source:     domain.SourceAdmin,
		Actor:      adminID,
		VerifiedBy: adminID,
		Reason:     req.Reason,
	})
	if err != nil {
		h.respondWithDomainError(w, r, "fail intent", err)
		return
	}
	respondWithJSON(w, http.StatusOK, result.Intent)
}

func (h *Handler) handleGetIntentByReference(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	intent, err := h.intents.FindByExternalReference(r.Context(), ref)
	if err != nil {
		h.respondWithDomainError(w, r, "get intent", err)
		return
	}
	respondWithJSON(w, http.StatusOK, intent)
}

func (h *Handler) handleGetMembership(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	info, err := h.memberships.GetInfo(r.Context(), accountID)
	if err != nil {
		h.respondWithDomainError(w, r, "get membership", err)
		return
	}
	respondWithJSON(w, http.StatusOK, info)
}

func (h *Handler) handleListExpiring(w http.ResponseWriter, r *http.Request) {
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondWithError(w, http.StatusBadRequest, "days must be a non-negative integer")
			return
		}
		days = parsed
	}

	infos, err := h.memberships.ListExpiring(r.Context(), days)
	if err != nil {
		h.respondWithDomainError(w, r, "list expiring", err)
		return
	}
	respondWithJSON(w, http.StatusOK, infos)
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	adminID, _ := UserFromContext(r.Context())
	result, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.respondWithDomainError(w, r, "sweep", err)
		return
	}
	h.logger.Info("manual membership sweep finished", "admin_id", adminID, "demoted", result.Demoted, "failed_batches", result.FailedBatches)
	respondWithJSON(w, http.StatusOK, result)
}

// respondWithDomainError maps the error taxonomy onto HTTP status codes.
func (h *Handler) respondWithDomainError(w http.ResponseWriter, r *http.Request, op string, err error) {
	requestID := middleware.GetReqID(r.Context())
	switch {
	case domain.IsValidation(err):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case domain.IsAuthorization(err):
		respondWithError(w, http.StatusForbidden, err.Error())
	case domain.IsNotFound(err):
		respondWithError(w, http.StatusNotFound, "Not found")
	case domain.IsConflict(err):
		respondWithJSON(w, http.StatusOK, map[string]bool{"conflict": true})
	case domain.IsTransient(err):
		h.logger.Warn(op+" hit a transient store error", "request_id", requestID, "error", err)
		w.Header().Set("Retry-After", "1")
		respondWithError(w, http.StatusServiceUnavailable, "Temporarily unavailable, retry later")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondWithError(w, http.StatusServiceUnavailable, "Request timed out")
	default:
		h.logger.Error(op+" failed", "request_id", requestID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
