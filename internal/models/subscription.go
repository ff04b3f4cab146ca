package models

import (
	"context"
	"time"
)

// Subscription is an activated plan. Each one is linked to the payment that bought it.
type Subscription struct {
	ID int64 `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	// PaymentID is unique so the same payment can never open two periods.
	PaymentID string    `json:"payment_id" gorm:"column:payment_id;uniqueIndex;not null"`
	UserID    string    `json:"user_id" gorm:"column:user_id;index;not null"`
	Plan      string    `json:"plan" gorm:"column:plan;not null"`
	Active    bool      `json:"active" gorm:"column:active;index"`
	StartsAt  time.Time `json:"starts_at" gorm:"column:starts_at"`
	ExpiresAt time.Time `json:"expires_at" gorm:"column:expires_at"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// Booking is the subset of a session booking the settlement engine touches.
type Booking struct {
	ID          string     `json:"id" gorm:"column:id;primaryKey"`
	UserID      string     `json:"user_id" gorm:"column:user_id;index"`
	Status      string     `json:"status" gorm:"column:status"`
	PaymentID   *string    `json:"payment_id,omitempty" gorm:"column:payment_id"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty" gorm:"column:confirmed_at"`
}

func (Booking) TableName() string {
	return "bookings"
}

const BookingStatusConfirmed = "confirmed"

// RenewalMode decides what happens to a running subscription when a new one is bought.
type RenewalMode string

const (
	// RenewalReplace ends the running period and starts a new one now.
	RenewalReplace RenewalMode = "replace"
	// RenewalExtend appends the new period to the end of the running one.
	RenewalExtend RenewalMode = "extend"
)

func (m RenewalMode) Valid() bool {
	return m == RenewalReplace || m == RenewalExtend
}

// Activation asks for a plan to be activated on behalf of a payment.
type Activation struct {
	UserID    string
	Plan      string
	PaymentID string
	Duration  time.Duration
	Mode      RenewalMode
	Now       time.Time
}

// SubscriptionActivator activates a plan for a user, linked to a payment.
// Activating twice with the same payment id must not open a second period.
type SubscriptionActivator interface {
	Activate(ctx context.Context, a Activation) (*Subscription, error)
}

// BookingConfirmer marks a booking confirmed and links the payment.
type BookingConfirmer interface {
	Confirm(ctx context.Context, bookingID, paymentID string) error
}
