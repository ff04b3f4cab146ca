package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/core-coin/solvo/internal/models"
	"github.com/core-coin/solvo/pkg/logger"
)

// Database is the gorm backed store for payments, subscriptions, bookings,
// notifications and locks.
type Database struct {
	logger *logger.Logger

	Conn *gorm.DB
}

func NewPostgresDB(user, password, dbname, host string, port int, logger *logger.Logger) (*Database, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		host, user, password, dbname, port)

	db, err := gorm.Open(postgres.Open(dsn), newGormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %s", err)
	}
	logger.Info("Successfully connected to PostgreSQL!")
	return NewDatabase(db, logger)
}

// NewDatabase migrates the schema on an already opened connection.
func NewDatabase(db *gorm.DB, logger *logger.Logger) (*Database, error) {
	if err := db.AutoMigrate(&models.PaymentRecord{}, &models.Subscription{}, &models.Booking{},
		&models.Notification{}, &models.TelegramProvider{}, &models.EmailProvider{}, &models.AppLock{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate models: %s", err)
	}
	return &Database{Conn: db, logger: logger}, nil
}

func newGormConfig() *gorm.Config {
	// Configure GORM logger to suppress "record not found" messages
	l := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)
	return &gorm.Config{Logger: l, TranslateError: true}
}

func (db *Database) Close() error {
	sqlDB, err := db.Conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %s", err)
	}
	return sqlDB.Close()
}

func (db *Database) CreatePayment(ctx context.Context, payment *models.PaymentRecord) error {
	if payment.Status.Active() {
		key := models.ActivePaymentKey(payment.UserID, payment.Purpose, payment.RelatedID)
		payment.ActiveKey = &key
	} else {
		payment.ActiveKey = nil
	}

	err := db.Conn.WithContext(ctx).Create(payment).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("failed to create payment: %w", err)
	}

	if payment.ActiveKey != nil {
		var count int64
		if cerr := db.Conn.WithContext(ctx).Model(&models.PaymentRecord{}).
			Where("active_key = ?", *payment.ActiveKey).Count(&count).Error; cerr == nil && count > 0 {
			return fmt.Errorf("%w: %s", models.ErrActivePayment, *payment.ActiveKey)
		}
	}
	if payment.PaymentAddress != nil {
		return fmt.Errorf("%w: %s", models.ErrAddressInUse, *payment.PaymentAddress)
	}
	return fmt.Errorf("failed to create payment: %w", err)
}

func (db *Database) GetPayment(ctx context.Context, id string) (*models.PaymentRecord, error) {
	var payment models.PaymentRecord
	if err := db.Conn.WithContext(ctx).Where("id = ?", id).First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrPaymentNotFound, id)
		}
		return nil, fmt.Errorf("failed to get payment: %s", err)
	}
	return &payment, nil
}

func (db *Database) GetActivePayment(ctx context.Context, userID string, purpose models.Purpose, relatedID string) (*models.PaymentRecord, error) {
	var payment models.PaymentRecord
	key := models.ActivePaymentKey(userID, purpose, relatedID)
	if err := db.Conn.WithContext(ctx).Where("active_key = ?", key).First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active payment: %s", err)
	}
	return &payment, nil
}

func (db *Database) GetPaymentsByUser(ctx context.Context, userID string) ([]*models.PaymentRecord, error) {
	var payments []*models.PaymentRecord
	if err := db.Conn.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&payments).Error; err != nil {
		return nil, fmt.Errorf("failed to get payments by user: %s", err)
	}
	return payments, nil
}

func (db *Database) ListActivePayments(ctx context.Context) ([]*models.PaymentRecord, error) {
	var payments []*models.PaymentRecord
	if err := db.Conn.WithContext(ctx).
		Where("status IN ?", []models.Status{models.StatusPending, models.StatusProcessing}).
		Order("created_at").Find(&payments).Error; err != nil {
		return nil, fmt.Errorf("failed to list active payments: %s", err)
	}
	return payments, nil
}

func (db *Database) ListExpiredActive(ctx context.Context, now time.Time) ([]*models.PaymentRecord, error) {
	var payments []*models.PaymentRecord
	if err := db.Conn.WithContext(ctx).
		Where("status IN ? AND expires_at <= ?", []models.Status{models.StatusPending, models.StatusProcessing}, now).
		Order("expires_at").Find(&payments).Error; err != nil {
		return nil, fmt.Errorf("failed to list expired payments: %s", err)
	}
	return payments, nil
}

func (db *Database) ListUndispatched(ctx context.Context, limit int) ([]*models.PaymentRecord, error) {
	var payments []*models.PaymentRecord
	q := db.Conn.WithContext(ctx).
		Where("status = ? AND dispatched_at IS NULL", models.StatusSucceeded).
		Order("completed_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&payments).Error; err != nil {
		return nil, fmt.Errorf("failed to list undispatched payments: %s", err)
	}
	return payments, nil
}

func (db *Database) HasSucceededPayment(ctx context.Context, userID string, purpose models.Purpose, relatedID string) (bool, error) {
	var count int64
	if err := db.Conn.WithContext(ctx).Model(&models.PaymentRecord{}).
		Where("user_id = ? AND purpose = ? AND related_id = ? AND status = ?", userID, purpose, relatedID, models.StatusSucceeded).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check succeeded payment: %s", err)
	}
	return count > 0, nil
}

func (db *Database) AssignAddress(ctx context.Context, id, address, account string) (bool, error) {
	res := db.Conn.WithContext(ctx).Model(&models.PaymentRecord{}).
		Where("id = ? AND status = ? AND payment_address IS NULL", id, models.StatusPending).
		Updates(map[string]interface{}{
			"payment_address": address,
			"account":         account,
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return false, fmt.Errorf("%w: %s", models.ErrAddressInUse, address)
		}
		return false, fmt.Errorf("failed to assign address: %s", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (db *Database) ChangeStatus(ctx context.Context, change models.StatusChange) (bool, error) {
	if !change.From.CanTransition(change.To) {
		return false, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, change.From, change.To)
	}

	updates := map[string]interface{}{
		"status":     change.To,
		"updated_at": time.Now().UTC(),
	}
	if change.To.Terminal() {
		updates["active_key"] = nil
	}
	if change.TxHash != nil {
		updates["tx_hash"] = *change.TxHash
	}
	if change.Reason != "" {
		updates["failure_reason"] = change.Reason
	}
	if change.CompletedAt != nil {
		updates["completed_at"] = *change.CompletedAt
	}

	res := db.Conn.WithContext(ctx).Model(&models.PaymentRecord{}).
		Where("id = ? AND status = ?", change.ID, change.From).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to change payment status: %s", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (db *Database) MarkDispatched(ctx context.Context, id string, at time.Time) (bool, error) {
	res := db.Conn.WithContext(ctx).Model(&models.PaymentRecord{}).
		Where("id = ? AND status = ? AND dispatched_at IS NULL", id, models.StatusSucceeded).
		Updates(map[string]interface{}{
			"dispatched_at":  at,
			"dispatch_error": "",
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark payment dispatched: %s", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (db *Database) RecordDispatchError(ctx context.Context, id string, msg string) error {
	if err := db.Conn.WithContext(ctx).Model(&models.PaymentRecord{}).
		Where("id = ? AND dispatched_at IS NULL", id).
		Updates(map[string]interface{}{
			"dispatch_error": msg,
			"updated_at":     time.Now().UTC(),
		}).Error; err != nil {
		return fmt.Errorf("failed to record dispatch error: %s", err)
	}
	return nil
}
