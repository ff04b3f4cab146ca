package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/core-coin/solvo/internal/models"
)

// TryAcquire takes or renews the named lease. It succeeds when the lock is
// free, expired, or already held by instanceID.
func (db *Database) TryAcquire(ctx context.Context, name, instanceID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	lock := models.AppLock{
		LockName:   name,
		InstanceID: instanceID,
		AcquiredAt: now.Unix(),
		ExpiresAt:  now.Add(ttl).Unix(),
	}

	res := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "lock_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"instance_id", "acquired_at", "expires_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "app_locks.expires_at < ? OR app_locks.instance_id = ?", Vars: []interface{}{now.Unix(), instanceID}},
		}},
	}).Create(&lock)
	if res.Error != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %s", name, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (db *Database) Release(ctx context.Context, name, instanceID string) error {
	if err := db.Conn.WithContext(ctx).
		Where("lock_name = ? AND instance_id = ?", name, instanceID).
		Delete(&models.AppLock{}).Error; err != nil {
		return fmt.Errorf("failed to release lock %s: %s", name, err)
	}
	return nil
}
