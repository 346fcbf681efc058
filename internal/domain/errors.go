package domain

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed or out-of-range input. Callers must correct the
// input and resubmit; it is never retried automatically.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError reports a reference to an unknown entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// StateConflictError reports an illegal state transition. It indicates an ordering
// bug upstream and must not be retried blindly.
type StateConflictError struct {
	Entity    string
	ID        string
	Current   string
	Attempted string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("state conflict: %s %s is %s, cannot move to %s", e.Entity, e.ID, e.Current, e.Attempted)
}

// GatewayError reports a failure talking to the payment gateway or the payout
// collaborator after the bounded retry budget was spent.
type GatewayError struct {
	Collaborator string
	Operation    string
	Attempts     int
	Err          error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Collaborator, e.Operation, e.Attempts, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// SettlementConflictError reports that another worker already settled the WalletLog.
// The loser observes the winner's result; it is never user visible.
type SettlementConflictError struct {
	WalletLogID string
}

func (e *SettlementConflictError) Error() string {
	return fmt.Sprintf("wallet log %s already settled by a concurrent run", e.WalletLogID)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsStateConflict(err error) bool {
	var target *StateConflictError
	return errors.As(err, &target)
}

func IsGateway(err error) bool {
	var target *GatewayError
	return errors.As(err, &target)
}

func IsSettlementConflict(err error) bool {
	var target *SettlementConflictError
	return errors.As(err, &target)
}
