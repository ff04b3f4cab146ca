package models

import (
	"context"

	"github.com/shopspring/decimal"
)

// CreatePaymentRequest asks for a payment for one priced action.
type CreatePaymentRequest struct {
	UserID       string                 `json:"user_id" binding:"required"`
	Purpose      Purpose                `json:"purpose" binding:"required"`
	RelatedID    string                 `json:"related_id,omitempty"`
	AmountFiat   decimal.Decimal        `json:"amount_fiat"`
	CurrencyCode string                 `json:"currency" binding:"required"`
	Provider     string                 `json:"provider,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// GatewayCallback is the correlation data a gateway webhook carries.
type GatewayCallback struct {
	PaymentID string `json:"payment_id"`
	Address   string `json:"address"`
	TxHash    string `json:"tx_id"`
	Currency  string `json:"currency"`
}

type SolvoI interface {
	// Start resumes in-flight payments and schedules the sweeper
	Start(ctx context.Context) error

	// CreatePayment returns the active payment for the same action instead of opening a second one.
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (*PaymentRecord, error)

	// MarkComplete is idempotent: the completion action runs at most once.
	MarkComplete(ctx context.Context, id, txHash string) (*PaymentRecord, error)
	MarkFailed(ctx context.Context, id, reason string) (*PaymentRecord, error)

	RetryProvisioning(ctx context.Context, id string) (*PaymentRecord, error)
	RetryDispatch(ctx context.Context, id string) (*PaymentRecord, error)

	GetPayment(ctx context.Context, id string) (*PaymentRecord, error)
	// GetActivePayment returns nil when the action has no pending or processing payment.
	GetActivePayment(ctx context.Context, userID string, purpose Purpose, relatedID string) (*PaymentRecord, error)
	GetPaymentsByUser(ctx context.Context, userID string) ([]*PaymentRecord, error)
	HasSucceededPayment(ctx context.Context, userID string, purpose Purpose, relatedID string) (bool, error)

	HandleGatewayCallback(ctx context.Context, cb GatewayCallback) (*PaymentRecord, error)
}

type APIServer interface {
	Start()
	Shutdown() error
}
