package models

import (
	"context"
	"time"
)

// Notification event types pushed by completion handlers.
const (
	EventBookingConfirmed      = "booking_confirmed"
	EventSubscriptionActivated = "subscription_activated"
	EventDonationReceived      = "donation_received"
)

// NotificationPusher delivers an event to a user.
type NotificationPusher interface {
	Push(ctx context.Context, userID, eventType string, payload map[string]interface{}) error
}

// Notification is a pushed event kept in the user's inbox.
type Notification struct {
	ID int64 `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	// DedupKey makes repeated pushes of the same event a no-op.
	DedupKey  string                 `json:"-" gorm:"column:dedup_key;uniqueIndex;not null"`
	UserID    string                 `json:"user_id" gorm:"column:user_id;index;not null"`
	EventType string                 `json:"event_type" gorm:"column:event_type;not null"`
	Payload   map[string]interface{} `json:"payload,omitempty" gorm:"column:payload;serializer:json"`
	Read      bool                   `json:"read" gorm:"column:read;default:false"`
	CreatedAt time.Time              `json:"created_at" gorm:"column:created_at"`
}

func (Notification) TableName() string {
	return "notifications"
}

// NotificationRepository persists the inbox and delivery channels.
type NotificationRepository interface {
	// AddNotification stores n unless one with the same DedupKey exists; it reports whether it was stored.
	AddNotification(ctx context.Context, n *Notification) (bool, error)
	GetNotifications(ctx context.Context, userID string) ([]*Notification, error)
	// GetNotificationProvider returns the channels userID linked; both may be nil.
	GetNotificationProvider(ctx context.Context, userID string) (*NotificationProvider, error)
	SaveTelegramProvider(ctx context.Context, p *TelegramProvider) error
	SaveEmailProvider(ctx context.Context, p *EmailProvider) error
}
