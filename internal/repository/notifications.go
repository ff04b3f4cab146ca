package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/core-coin/solvo/internal/models"
)

func (db *Database) AddNotification(ctx context.Context, n *models.Notification) (bool, error) {
	res := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedup_key"}},
		DoNothing: true,
	}).Create(n)
	if res.Error != nil {
		return false, fmt.Errorf("failed to add notification: %s", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (db *Database) GetNotifications(ctx context.Context, userID string) ([]*models.Notification, error) {
	var notifications []*models.Notification
	if err := db.Conn.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC, id DESC").Find(&notifications).Error; err != nil {
		return nil, fmt.Errorf("failed to get notifications: %s", err)
	}
	return notifications, nil
}

func (db *Database) GetNotificationProvider(ctx context.Context, userID string) (*models.NotificationProvider, error) {
	provider := &models.NotificationProvider{UserID: userID}

	var telegram models.TelegramProvider
	if err := db.Conn.WithContext(ctx).Where("user_id = ?", userID).First(&telegram).Error; err == nil {
		provider.TelegramProvider = &telegram
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get telegram provider: %s", err)
	}

	var email models.EmailProvider
	if err := db.Conn.WithContext(ctx).Where("user_id = ?", userID).First(&email).Error; err == nil {
		provider.EmailProvider = &email
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get email provider: %s", err)
	}

	return provider, nil
}

func (db *Database) SaveTelegramProvider(ctx context.Context, p *models.TelegramProvider) error {
	if err := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "chat_id"}),
	}).Create(p).Error; err != nil {
		return fmt.Errorf("failed to save telegram provider: %s", err)
	}
	return nil
}

func (db *Database) SaveEmailProvider(ctx context.Context, p *models.EmailProvider) error {
	if err := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email"}),
	}).Create(p).Error; err != nil {
		return fmt.Errorf("failed to save email provider: %s", err)
	}
	return nil
}
