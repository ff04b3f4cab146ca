package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/core-coin/solvo/internal/models"
)

// Activate opens a subscription period for a.PaymentID. A second call with the
// same payment id returns the period opened by the first one.
func (db *Database) Activate(ctx context.Context, a models.Activation) (*models.Subscription, error) {
	if a.Duration <= 0 {
		return nil, fmt.Errorf("%w: subscription duration must be positive", models.ErrInvalidRequest)
	}
	now := a.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var result models.Subscription
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("payment_id = ?", a.PaymentID).First(&result).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var current []models.Subscription
		if err := tx.Where("user_id = ? AND active = ?", a.UserID, true).Find(&current).Error; err != nil {
			return err
		}

		end := now
		if a.Mode == models.RenewalExtend {
			for _, s := range current {
				if s.ExpiresAt.After(end) {
					end = s.ExpiresAt
				}
			}
		}

		if len(current) > 0 {
			if err := tx.Model(&models.Subscription{}).
				Where("user_id = ? AND active = ?", a.UserID, true).
				Update("active", false).Error; err != nil {
				return err
			}
		}

		result = models.Subscription{
			PaymentID: a.PaymentID,
			UserID:    a.UserID,
			Plan:      a.Plan,
			Active:    true,
			StartsAt:  now,
			ExpiresAt: end.Add(a.Duration),
			CreatedAt: now,
		}
		return tx.Create(&result).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// lost a race with a concurrent activation of the same payment
			if ferr := db.Conn.WithContext(ctx).Where("payment_id = ?", a.PaymentID).First(&result).Error; ferr == nil {
				return &result, nil
			}
		}
		return nil, fmt.Errorf("failed to activate subscription: %w", err)
	}

	db.logger.Debug("Subscription activated", "user_id", a.UserID, "plan", result.Plan, "payment_id", a.PaymentID, "expires_at", result.ExpiresAt)
	return &result, nil
}

// GetActiveSubscription returns the running subscription of userID, or nil.
func (db *Database) GetActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := db.Conn.WithContext(ctx).Where("user_id = ? AND active = ?", userID, true).
		Order("expires_at DESC").First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active subscription: %s", err)
	}
	return &sub, nil
}

// Confirm marks the booking confirmed and links it to paymentID.
func (db *Database) Confirm(ctx context.Context, bookingID, paymentID string) error {
	now := time.Now().UTC()
	res := db.Conn.WithContext(ctx).Model(&models.Booking{}).
		Where("id = ? AND (payment_id IS NULL OR payment_id = ?)", bookingID, paymentID).
		Updates(map[string]interface{}{
			"status":       models.BookingStatusConfirmed,
			"payment_id":   paymentID,
			"confirmed_at": gorm.Expr("COALESCE(confirmed_at, ?)", now),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to confirm booking: %s", res.Error)
	}
	if res.RowsAffected == 0 {
		var booking models.Booking
		if err := db.Conn.WithContext(ctx).Where("id = ?", bookingID).First(&booking).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", models.ErrBookingNotFound, bookingID)
			}
			return fmt.Errorf("failed to get booking: %s", err)
		}
		return fmt.Errorf("booking %s already paid by another payment", bookingID)
	}
	return nil
}

// GetBooking returns the booking with the given id.
func (db *Database) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	var booking models.Booking
	if err := db.Conn.WithContext(ctx).Where("id = ?", id).First(&booking).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrBookingNotFound, id)
		}
		return nil, fmt.Errorf("failed to get booking: %s", err)
	}
	return &booking, nil
}
