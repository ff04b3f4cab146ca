package models

import (
	"context"
	"time"
)

// StatusChange describes a guarded status write. The store applies it only
// when the record is currently in From; otherwise it reports applied=false.
type StatusChange struct {
	ID          string
	From        Status
	To          Status
	TxHash      *string
	Reason      string
	CompletedAt *time.Time
}

// Repository is the durable store for payment records.
type Repository interface {
	// CreatePayment inserts a new record. It fails with ErrActivePayment when another
	// record holds the same active key, and with ErrAddressInUse on address collisions.
	CreatePayment(ctx context.Context, payment *PaymentRecord) error
	GetPayment(ctx context.Context, id string) (*PaymentRecord, error)
	GetActivePayment(ctx context.Context, userID string, purpose Purpose, relatedID string) (*PaymentRecord, error)
	GetPaymentsByUser(ctx context.Context, userID string) ([]*PaymentRecord, error)
	// ListActivePayments returns pending and processing records.
	ListActivePayments(ctx context.Context) ([]*PaymentRecord, error)
	// ListExpiredActive returns active records whose window ended before now.
	ListExpiredActive(ctx context.Context, now time.Time) ([]*PaymentRecord, error)
	// ListUndispatched returns succeeded records whose completion was never dispatched.
	ListUndispatched(ctx context.Context, limit int) ([]*PaymentRecord, error)
	HasSucceededPayment(ctx context.Context, userID string, purpose Purpose, relatedID string) (bool, error)

	// AssignAddress sets the deposit address when none is set and the record is pending.
	AssignAddress(ctx context.Context, id, address, account string) (bool, error)
	// ChangeStatus applies a guarded status transition.
	ChangeStatus(ctx context.Context, change StatusChange) (bool, error)
	// MarkDispatched records a successful completion dispatch once.
	MarkDispatched(ctx context.Context, id string, at time.Time) (bool, error)
	// RecordDispatchError keeps the last completion handler error for retries.
	RecordDispatchError(ctx context.Context, id string, msg string) error
}
