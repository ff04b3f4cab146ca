package notificator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/core-coin/solvo/internal/models"
	"github.com/core-coin/solvo/pkg/logger"
)

// Sender delivers a rendered message to one destination of a channel.
type Sender interface {
	SendNotification(to, message string)
}

// Notificator stores pushed events in the user's inbox and forwards them to
// the channels the user linked.
type Notificator struct {
	logger *logger.Logger
	db     models.NotificationRepository

	TelegramNotificator Sender
	EmailNotificator    Sender
}

func NewNotificator(logger *logger.Logger, db models.NotificationRepository, telNotif, emailNotif Sender) *Notificator {
	return &Notificator{logger: logger, db: db, TelegramNotificator: telNotif, EmailNotificator: emailNotif}
}

// safeCall runs a function with panic recovery (synchronous, no goroutine spawning)
func (n *Notificator) safeCall(fn func(), context string) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Function panicked",
				"context", context,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Push implements models.NotificationPusher. Pushing the same event for the
// same payment twice stores and delivers it once.
func (n *Notificator) Push(ctx context.Context, userID, eventType string, payload map[string]interface{}) error {
	notification := &models.Notification{
		DedupKey:  DedupKey(eventType, payload),
		UserID:    userID,
		EventType: eventType,
		Payload:   payload,
	}
	stored, err := n.db.AddNotification(ctx, notification)
	if err != nil {
		return err
	}
	if !stored {
		n.logger.Debug("Notification already delivered", "user_id", userID, "event", eventType)
		return nil
	}

	n.deliver(ctx, notification)
	return nil
}

func (n *Notificator) Inbox(ctx context.Context, userID string) ([]*models.Notification, error) {
	return n.db.GetNotifications(ctx, userID)
}

// deliver never fails the push: the inbox entry is the source of truth.
func (n *Notificator) deliver(ctx context.Context, notification *models.Notification) {
	provider, err := n.db.GetNotificationProvider(ctx, notification.UserID)
	if err != nil {
		n.logger.Error("Failed to get notification provider", "user_id", notification.UserID, "error", err)
		return
	}
	message := Render(notification)

	if provider.TelegramProvider != nil && provider.TelegramProvider.ChatID != "" && n.TelegramNotificator != nil {
		chatID := provider.TelegramProvider.ChatID
		n.safeCall(func() { n.TelegramNotificator.SendNotification(chatID, message) }, "telegramNotification")
	}
	if provider.EmailProvider != nil && provider.EmailProvider.Email != "" && n.EmailNotificator != nil {
		email := provider.EmailProvider.Email
		n.safeCall(func() { n.EmailNotificator.SendNotification(email, message) }, "emailNotification")
	}
}

// DedupKey identifies an event by its type and the payment that caused it.
func DedupKey(eventType string, payload map[string]interface{}) string {
	if id := cast.ToString(payload["payment_id"]); id != "" {
		return eventType + ":" + id
	}
	return eventType + ":" + uuid.NewString()
}

// Render turns a notification into a short human readable message.
func Render(n *models.Notification) string {
	var head string
	switch n.EventType {
	case models.EventBookingConfirmed:
		head = fmt.Sprintf("Your booking %s is confirmed.", cast.ToString(n.Payload["booking_id"]))
	case models.EventSubscriptionActivated:
		head = fmt.Sprintf("Your %s subscription is active until %s.", cast.ToString(n.Payload["plan"]), cast.ToString(n.Payload["expires_at"]))
	case models.EventDonationReceived:
		head = "Thank you, your donation was received."
	default:
		head = n.EventType
	}

	keys := make([]string, 0, len(n.Payload))
	for k := range n.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(head)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, cast.ToString(n.Payload[k]))
	}
	return b.String()
}
