/**
 * @description
 * HTTP handlers for the escrow-service. Handlers decode the request, call the engine
 * and translate its typed errors into status codes.
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

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/escrow-service/internal/domain"
)

const maxWebhookBody = 1 << 20

// Service is the part of the escrow engine exposed over HTTP.
type Service interface {
	Checkout(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutResult, error)
	AttachReceipt(ctx context.Context, paymentID uuid.UUID, buyerID uuid.UUID, receiptID string) (*domain.Payment, error)
	HandleGatewayCallback(ctx context.Context, callback domain.GatewayCallback) (*domain.Payment, error)
	RecordSignatureMismatch(ctx context.Context, body []byte, signature string, remoteAddr string)
	RevokePayment(ctx context.Context, paymentID uuid.UUID, reason string) (*domain.Payment, error)
	GetDealView(ctx context.Context, dealID uuid.UUID) (*domain.DealView, error)
	ConfirmDeal(ctx context.Context, dealID uuid.UUID, buyerID uuid.UUID) (*domain.Deal, error)
	CancelDeal(ctx context.Context, dealID uuid.UUID, actorID uuid.UUID, reason string) (*domain.Deal, error)
	HandleDeliveryEvent(ctx context.Context, dealID uuid.UUID, state domain.DeliveryState) (*domain.Deal, error)
	OpenDispute(ctx context.Context, dealID uuid.UUID, reason string) (*domain.Deal, error)
	ResolveDispute(ctx context.Context, dealID uuid.UUID, outcome domain.DisputeOutcome, reason string) (*domain.Deal, error)
	RefundDeal(ctx context.Context, dealID uuid.UUID, reason string) (*domain.Deal, error)
	RunSettlementBatch(ctx context.Context) (*domain.SettlementReport, error)
	SettleWalletLogs(ctx context.Context, ids []uuid.UUID) (*domain.SettlementReport, error)
	ReplayPayout(ctx context.Context, walletLogID uuid.UUID) (*domain.SettlementItemResult, error)
	SetCommissionRate(ctx context.Context, rate decimal.Decimal) (*domain.Commission, error)
	ListCommissions(ctx context.Context) ([]domain.Commission, error)
	ListErrorLogs(ctx context.Context, filter domain.ErrorLogFilter) ([]domain.PaymentErrorLog, error)
}

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service       Service
	webhookSecret string
	logger        *slog.Logger
}

// NewHandler creates a new Handler. An empty webhook secret disables signature checks
// and is only meant for local development.
func NewHandler(service Service, webhookSecret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")
	if strings.TrimSpace(webhookSecret) == "" {
		logger.Warn("gateway webhook secret not configured; signature verification disabled")
	}
	return &Handler{service: service, webhookSecret: strings.TrimSpace(webhookSecret), logger: logger}
}

type attachReceiptRequest struct {
	ReceiptID string `json:"receipt_id"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type resolveDisputeRequest struct {
	Outcome domain.DisputeOutcome `json:"outcome"`
	Reason  string                `json:"reason"`
}

type deliveryEventRequest struct {
	DealID uuid.UUID            `json:"deal_id"`
	State  domain.DeliveryState `json:"state"`
}

type settleWalletLogsRequest struct {
	WalletLogIDs []uuid.UUID `json:"wallet_log_ids"`
}

type setCommissionRequest struct {
	Rate decimal.Decimal `json:"rate"`
}

func (h *Handler) handleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}

	if h.webhookSecret != "" {
		signature := r.Header.Get(SignatureHeader)
		if strings.TrimSpace(signature) == "" {
			h.service.RecordSignatureMismatch(r.Context(), body, signature, r.RemoteAddr)
			respondWithError(w, http.StatusBadRequest, "Missing signature")
			return
		}
		if !verifySignature(h.webhookSecret, body, signature) {
			h.logger.Warn("gateway webhook rejected", "reason", "signature_mismatch", "remote_addr", r.RemoteAddr)
			h.service.RecordSignatureMismatch(r.Context(), body, signature, r.RemoteAddr)
			respondWithError(w, http.StatusUnauthorized, "Invalid signature")
			return
		}
	}

	var callback domain.GatewayCallback
	if err := json.Unmarshal(body, &callback); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	payment, err := h.service.HandleGatewayCallback(r.Context(), callback)
	if err != nil {
		h.logger.Warn("gateway webhook not applied", "receipt_id", callback.ReceiptID, "status", callback.Status, "error", err)
		h.respondWithServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, payment)
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req domain.CheckoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.BuyerID = buyerID

	result, err := h.service.Checkout(r.Context(), req)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleAttachReceipt(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	paymentID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req attachReceiptRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	payment, err := h.service.AttachReceipt(r.Context(), paymentID, buyerID, req.ReceiptID)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, payment)
}

func (h *Handler) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	dealID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	view, err := h.service.GetDealView(r.Context(), dealID)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	// Deals are only visible to their two parties.
	if view.Deal.BuyerID != userID && view.Deal.SellerID != userID {
		respondWithError(w, http.StatusNotFound, "deal not found")
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

func (h *Handler) handleConfirmDeal(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	dealID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	deal, err := h.service.ConfirmDeal(r.Context(), dealID, buyerID)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, deal)
}

func (h *Handler) handleCancelDeal(w http.ResponseWriter, r *http.Request) {
	actorID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	dealID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}

	deal, err := h.service.CancelDeal(r.Context(), dealID, actorID, req.Reason)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, deal)
}

func (h *Handler) handleDeliveryEvent(w http.ResponseWriter, r *http.Request) {
	var req deliveryEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	deal, err := h.service.HandleDeliveryEvent(r.Context(), req.DealID, req.State)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, deal)
}

func (h *Handler) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	dealID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}

	deal, err := h.service.OpenDispute(r.Context(), dealID, req.Reason)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, deal)
}

func (h *Handler) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	dealID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req resolveDisputeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	deal, err := h.service.ResolveDispute(r.Context(), dealID, req.Outcome, req.Reason)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, deal)
}

func (h *Handler) handleRefundDeal(w http.ResponseWriter, r *http.Request) {
	dealID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}

	deal, err := h.service.RefundDeal(r.Context(), dealID, req.Reason)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, deal)
}

func (h *Handler) handleRevokePayment(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}

	payment, err := h.service.RevokePayment(r.Context(), paymentID, req.Reason)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, payment)
}

func (h *Handler) handleRunSettlement(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.RunSettlementBatch(r.Context())
	if err != nil {
		h.logger.Error("settlement run failed", "error", err)
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

func (h *Handler) handleSettleWalletLogs(w http.ResponseWriter, r *http.Request) {
	var req settleWalletLogsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	report, err := h.service.SettleWalletLogs(r.Context(), req.WalletLogIDs)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

func (h *Handler) handleReplayPayout(w http.ResponseWriter, r *http.Request) {
	walletLogID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	result, err := h.service.ReplayPayout(r.Context(), walletLogID)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleSetCommission(w http.ResponseWriter, r *http.Request) {
	var req setCommissionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	commission, err := h.service.SetCommissionRate(r.Context(), req.Rate)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, commission)
}

func (h *Handler) handleListCommissions(w http.ResponseWriter, r *http.Request) {
	commissions, err := h.service.ListCommissions(r.Context())
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, commissions)
}

func (h *Handler) handleListErrorLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := domain.ErrorLogFilter{Kind: domain.ErrorKind(strings.TrimSpace(query.Get("kind")))}

	if raw := strings.TrimSpace(query.Get("payment_id")); raw != "" {
		paymentID, err := uuid.Parse(raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid payment_id")
			return
		}
		filter.PaymentID = &paymentID
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			respondWithError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		filter.Limit = limit
	}

	logs, err := h.service.ListErrorLogs(r.Context(), filter)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, logs)
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// statusForError maps the engine's error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case domain.IsStateConflict(err), domain.IsSettlementConflict(err):
		return http.StatusConflict
	case domain.IsGateway(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondWithServiceError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
		message = "Internal Server Error"
	}
	respondWithError(w, status, message)
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
