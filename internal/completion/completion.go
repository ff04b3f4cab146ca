// Package completion holds the purpose specific actions run once a payment succeeds.
package completion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/core-coin/solvo/internal/dispatcher"
	"github.com/core-coin/solvo/internal/models"
	"github.com/core-coin/solvo/pkg/logger"
)

// Metadata keys read by the handlers.
const (
	MetaPlan         = "plan"
	MetaDurationDays = "duration_days"
	MetaMessage      = "message"
)

// Deps are the domain collaborators the handlers call into.
type Deps struct {
	Subscriptions models.SubscriptionActivator
	Bookings      models.BookingConfirmer
	Notifier      models.NotificationPusher

	RenewalMode      models.RenewalMode
	SubscriptionDays int
	Now              func() time.Time
}

// Register installs a handler for every purpose on d.
func Register(d *dispatcher.Dispatcher, deps Deps, logger *logger.Logger) {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if !deps.RenewalMode.Valid() {
		deps.RenewalMode = models.RenewalReplace
	}
	if deps.SubscriptionDays <= 0 {
		deps.SubscriptionDays = 30
	}

	d.Register(models.PurposeSubscription, &Subscription{deps: deps, logger: logger})
	d.Register(models.PurposeBooking, &Booking{deps: deps, logger: logger})
	d.Register(models.PurposeCourse, Course{})
	d.Register(models.PurposeDonation, &Donation{deps: deps, logger: logger})
}

// ValidateMetadata checks the metadata a purpose needs before a payment is opened.
func ValidateMetadata(purpose models.Purpose, relatedID string, metadata map[string]interface{}) error {
	switch purpose {
	case models.PurposeSubscription:
		if _, err := planOf(metadata); err != nil {
			return err
		}
		if _, err := durationDays(metadata, 1); err != nil {
			return err
		}
	case models.PurposeBooking, models.PurposeCourse:
		if strings.TrimSpace(relatedID) == "" {
			return fmt.Errorf("%w: %s payments need a related id", models.ErrInvalidRequest, purpose)
		}
	}
	return nil
}

// Subscription activates the plan named in the payment metadata.
type Subscription struct {
	deps   Deps
	logger *logger.Logger
}

func (h *Subscription) Handle(ctx context.Context, c dispatcher.Completion) error {
	plan, err := planOf(c.Metadata)
	if err != nil {
		return err
	}
	days, err := durationDays(c.Metadata, h.deps.SubscriptionDays)
	if err != nil {
		return err
	}

	sub, err := h.deps.Subscriptions.Activate(ctx, models.Activation{
		UserID:    c.UserID,
		Plan:      plan,
		PaymentID: c.PaymentID,
		Duration:  time.Duration(days) * 24 * time.Hour,
		Mode:      h.deps.RenewalMode,
		Now:       h.deps.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to activate subscription: %w", err)
	}

	return push(ctx, h.deps.Notifier, h.logger, c.UserID, models.EventSubscriptionActivated, map[string]interface{}{
		"payment_id": c.PaymentID,
		"plan":       sub.Plan,
		"expires_at": sub.ExpiresAt.Format(time.RFC3339),
	})
}

// Booking confirms the booking the payment was made for.
type Booking struct {
	deps   Deps
	logger *logger.Logger
}

func (h *Booking) Handle(ctx context.Context, c dispatcher.Completion) error {
	if c.RelatedID == "" {
		return fmt.Errorf("%w: booking payment %s has no booking id", models.ErrInvalidRequest, c.PaymentID)
	}
	if err := h.deps.Bookings.Confirm(ctx, c.RelatedID, c.PaymentID); err != nil {
		return fmt.Errorf("failed to confirm booking: %w", err)
	}

	return push(ctx, h.deps.Notifier, h.logger, c.UserID, models.EventBookingConfirmed, map[string]interface{}{
		"payment_id": c.PaymentID,
		"booking_id": c.RelatedID,
	})
}

// Course has nothing to do: access is derived from the succeeded payment itself.
type Course struct{}

func (Course) Handle(context.Context, dispatcher.Completion) error {
	return nil
}

// Donation thanks the donor.
type Donation struct {
	deps   Deps
	logger *logger.Logger
}

func (h *Donation) Handle(ctx context.Context, c dispatcher.Completion) error {
	payload := map[string]interface{}{
		"payment_id": c.PaymentID,
	}
	if msg := cast.ToString(c.Metadata[MetaMessage]); msg != "" {
		payload["message"] = msg
	}
	return push(ctx, h.deps.Notifier, h.logger, c.UserID, models.EventDonationReceived, payload)
}

func push(ctx context.Context, notifier models.NotificationPusher, logger *logger.Logger, userID, event string, payload map[string]interface{}) error {
	if notifier == nil {
		logger.Debug("No notifier configured, dropping event", "user_id", userID, "event", event)
		return nil
	}
	if err := notifier.Push(ctx, userID, event, payload); err != nil {
		return fmt.Errorf("failed to push %s notification: %w", event, err)
	}
	return nil
}

func planOf(metadata map[string]interface{}) (string, error) {
	plan, err := cast.ToStringE(metadata[MetaPlan])
	if err != nil || strings.TrimSpace(plan) == "" {
		return "", fmt.Errorf("%w: subscription metadata needs a %q", models.ErrInvalidRequest, MetaPlan)
	}
	return plan, nil
}

func durationDays(metadata map[string]interface{}, fallback int) (int, error) {
	raw, ok := metadata[MetaDurationDays]
	if !ok || raw == nil {
		return fallback, nil
	}
	days, err := cast.ToIntE(raw)
	if err != nil || days <= 0 {
		return 0, fmt.Errorf("%w: invalid %s %v", models.ErrInvalidRequest, MetaDurationDays, raw)
	}
	return days, nil
}
