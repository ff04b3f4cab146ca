package models

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Purpose is the domain reason a payment exists.
type Purpose string

const (
	PurposeSubscription Purpose = "subscription"
	PurposeBooking      Purpose = "booking"
	PurposeCourse       Purpose = "course"
	PurposeDonation     Purpose = "donation"
)

// Valid reports whether p is one of the known purposes.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeSubscription, PurposeBooking, PurposeCourse, PurposeDonation:
		return true
	}
	return false
}

// PaymentRecord is a single settlement attempt for a priced action.
type PaymentRecord struct {
	// ID is the opaque unique identifier of the payment.
	ID string `json:"id" gorm:"column:id;primaryKey;size:64"`
	// UserID is the user paying.
	UserID string `json:"user_id" gorm:"column:user_id;index;not null"`
	// Purpose selects the completion handler.
	Purpose Purpose `json:"purpose" gorm:"column:purpose;index:idx_payments_purpose_related;not null"`
	// RelatedID is the booking id, course id, etc. Empty when the purpose has no related item.
	RelatedID string `json:"related_id,omitempty" gorm:"column:related_id;index:idx_payments_purpose_related"`
	// AmountFiat is the price in the reference fiat currency.
	AmountFiat decimal.Decimal `json:"amount_fiat" gorm:"column:amount_fiat;type:numeric(20,8);not null"`
	// FiatCurrency is the reference fiat currency code (USD).
	FiatCurrency string `json:"fiat_currency" gorm:"column:fiat_currency;size:8;not null"`
	// CryptoCurrency is the currency/network code the user pays in.
	CryptoCurrency string `json:"crypto_currency" gorm:"column:crypto_currency;size:32;not null"`
	// CryptoAmountMinorUnits is the amount to receive, locked at creation. Decimal string of an integer.
	CryptoAmountMinorUnits string `json:"crypto_amount_minor_units" gorm:"column:crypto_amount_minor_units;not null"`
	// Rate is the fiat-per-unit exchange rate that produced CryptoAmountMinorUnits.
	Rate decimal.Decimal `json:"rate" gorm:"column:rate;type:numeric(30,12)"`
	// Provider is the gateway identifier.
	Provider string `json:"provider" gorm:"column:provider;size:32"`
	// Account is the gateway account the deposit address belongs to.
	Account string `json:"account,omitempty" gorm:"column:account"`
	// PaymentAddress is the single-use deposit address, set once provisioned.
	PaymentAddress *string `json:"payment_address,omitempty" gorm:"column:payment_address;uniqueIndex"`
	// TxHash is the settling transaction hash, when known.
	TxHash *string `json:"tx_hash,omitempty" gorm:"column:tx_hash"`
	// Status is the current lifecycle state.
	Status Status `json:"status" gorm:"column:status;index;not null"`
	// FailureReason is set when the payment failed.
	FailureReason string `json:"failure_reason,omitempty" gorm:"column:failure_reason"`
	// Metadata is a free-form bag passed through to completion handlers.
	Metadata map[string]interface{} `json:"metadata,omitempty" gorm:"column:metadata;serializer:json"`
	// ActiveKey is "user|purpose|related" while the payment is pending or processing and NULL otherwise.
	ActiveKey *string `json:"-" gorm:"column:active_key;uniqueIndex"`
	// DispatchedAt is set once the completion handler ran successfully.
	DispatchedAt *time.Time `json:"dispatched_at,omitempty" gorm:"column:dispatched_at"`
	// DispatchError holds the last completion handler error.
	DispatchError string `json:"dispatch_error,omitempty" gorm:"column:dispatch_error"`

	CreatedAt   time.Time  `json:"created_at" gorm:"column:created_at;not null"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"column:updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" gorm:"column:completed_at"`
	ExpiresAt   time.Time  `json:"expires_at" gorm:"column:expires_at;index;not null"`
}

// TableName specifies the table name for GORM
func (PaymentRecord) TableName() string {
	return "payments"
}

// ActivePaymentKey builds the key that identifies an active payment for a priced action.
func ActivePaymentKey(userID string, purpose Purpose, relatedID string) string {
	return fmt.Sprintf("%s|%s|%s", userID, purpose, relatedID)
}

// RequiredAmount parses the locked minor unit amount.
func (p *PaymentRecord) RequiredAmount() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(p.CryptoAmountMinorUnits, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("invalid locked amount %q for payment %s", p.CryptoAmountMinorUnits, p.ID)
	}
	return amount, nil
}

// Address returns the deposit address or an empty string when not provisioned yet.
func (p *PaymentRecord) Address() string {
	if p.PaymentAddress == nil {
		return ""
	}
	return *p.PaymentAddress
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (p *PaymentRecord) Clone() *PaymentRecord {
	c := *p
	if p.PaymentAddress != nil {
		v := *p.PaymentAddress
		c.PaymentAddress = &v
	}
	if p.TxHash != nil {
		v := *p.TxHash
		c.TxHash = &v
	}
	if p.ActiveKey != nil {
		v := *p.ActiveKey
		c.ActiveKey = &v
	}
	if p.DispatchedAt != nil {
		v := *p.DispatchedAt
		c.DispatchedAt = &v
	}
	if p.CompletedAt != nil {
		v := *p.CompletedAt
		c.CompletedAt = &v
	}
	if p.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
