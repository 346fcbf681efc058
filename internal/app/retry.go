package app

import (
	"context"
	"errors"
	"time"

	"github.com/transfa/escrow-service/internal/domain"
)

type temporary interface {
	Temporary() bool
}

// retryable reports whether a collaborator error may succeed on another attempt.
// Errors that classify themselves decide; cancellation never retries; anything else
// (transport failures) does.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

// callWithRetry runs fn up to the configured attempt count with exponential backoff.
// The final error is wrapped in a GatewayError naming the collaborator.
func (s *Service) callWithRetry(ctx context.Context, collaborator, operation string, fn func(context.Context) error) error {
	maxAttempts := s.opts.GatewayMaxAttempts
	backoff := s.opts.GatewayRetryBackoff

	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		attempt++
		lastErr = fn(ctx)
		if lastErr == nil {
			gatewayAttempts.WithLabelValues(collaborator, "success").Inc()
			return nil
		}
		gatewayAttempts.WithLabelValues(collaborator, "failure").Inc()
		s.logger.Warn("collaborator call failed",
			"collaborator", collaborator,
			"operation", operation,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"error", lastErr,
		)
		if !retryable(lastErr) || attempt >= maxAttempts {
			break
		}

		wait := backoff * time.Duration(1<<(attempt-1))
		select {
		case <-ctx.Done():
			return &domain.GatewayError{Collaborator: collaborator, Operation: operation, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(wait):
		}
	}
	return &domain.GatewayError{Collaborator: collaborator, Operation: operation, Attempts: attempt, Err: lastErr}
}
