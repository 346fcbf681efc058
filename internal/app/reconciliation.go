package app

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
)

const defaultErrorLogLimit = 100

// recordError appends a reconciliation entry. The log is observational only, so a
// failed append is logged and never changes the outcome of the caller.
func (s *Service) recordError(ctx context.Context, kind domain.ErrorKind, paymentID *uuid.UUID, payload map[string]interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to encode error log payload", "kind", kind, "error", err)
		body = []byte("{}")
	}
	entry := &domain.PaymentErrorLog{
		ID:        uuid.New(),
		PaymentID: paymentID,
		Kind:      kind,
		Payload:   body,
		CreatedAt: s.now(),
	}
	if err := s.repo.AppendErrorLog(ctx, entry); err != nil {
		s.logger.Error("failed to append error log", "kind", kind, "payment_id", paymentID, "error", err)
		return
	}
	s.logger.Warn("reconciliation entry recorded", "kind", kind, "payment_id", paymentID)
}

// RecordSignatureMismatch logs a webhook whose signature did not verify.
func (s *Service) RecordSignatureMismatch(ctx context.Context, body []byte, signature string, remoteAddr string) {
	payload := map[string]interface{}{
		"signature":   signature,
		"remote_addr": remoteAddr,
	}
	var callback domain.GatewayCallback
	if err := json.Unmarshal(body, &callback); err == nil && callback.ReceiptID != "" {
		payload["receipt_id"] = callback.ReceiptID
		payload["status"] = callback.Status
		payload["amount"] = callback.Amount
	} else {
		payload["raw_body"] = truncate(string(body), 2048)
	}
	webhookCallbacks.WithLabelValues("signature_mismatch").Inc()
	s.recordError(ctx, domain.ErrorKindSignatureMismatch, nil, payload)
}

// ListErrorLogs returns reconciliation entries newest first.
func (s *Service) ListErrorLogs(ctx context.Context, filter domain.ErrorLogFilter) ([]domain.PaymentErrorLog, error) {
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = defaultErrorLogLimit
	}
	return s.repo.ListErrorLogs(ctx, filter)
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
