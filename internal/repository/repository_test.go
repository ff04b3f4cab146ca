package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/core-coin/solvo/internal/models"
	"github.com/core-coin/solvo/pkg/logger"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "solvo.db")), newGormConfig())
	require.NoError(t, err)
	db, err := NewDatabase(conn, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func stores(t *testing.T) map[string]models.Repository {
	return map[string]models.Repository{
		"memory": NewMemory(),
		"gorm":   newTestDatabase(t),
	}
}

var seq int64

func newPayment(userID string, purpose models.Purpose, relatedID string) *models.PaymentRecord {
	now := time.Now().UTC()
	return &models.PaymentRecord{
		ID:                     fmt.Sprintf("pay-%d", atomic.AddInt64(&seq, 1)),
		UserID:                 userID,
		Purpose:                purpose,
		RelatedID:              relatedID,
		AmountFiat:             decimal.RequireFromString("9.99"),
		FiatCurrency:           "USD",
		CryptoCurrency:         "USDT_TRON",
		CryptoAmountMinorUnits: "9990000",
		Rate:                   decimal.NewFromInt(1),
		Provider:               "tatum",
		Status:                 models.StatusPending,
		Metadata:               map[string]interface{}{"plan": "pro"},
		CreatedAt:              now,
		ExpiresAt:              now.Add(time.Hour),
	}
}

func TestRepository_CreateAndGet(t *testing.T) {
	for name, repo := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := newPayment("u1", models.PurposeSubscription, "")
			require.NoError(t, repo.CreatePayment(ctx, p))

			got, err := repo.GetPayment(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, "9990000", got.CryptoAmountMinorUnits)
			assert.Equal(t, models.StatusPending, got.Status)
			assert.Equal(t, "pro", got.Metadata["plan"])
			assert.True(t, got.AmountFiat.Equal(decimal.RequireFromString("9.99")))

			_, err = repo.GetPayment(ctx, "missing")
			assert.ErrorIs(t, err, models.ErrPaymentNotFound)

			active, err := repo.GetActivePayment(ctx, "u1", models.PurposeSubscription, "")
			require.NoError(t, err)
			require.NotNil(t, active)
			assert.Equal(t, p.ID, active.ID)
		})
	}
}

func TestRepository_OneActivePaymentPerTuple(t *testing.T) {
	for name, repo := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := newPayment("u2", models.PurposeBooking, "B1")
			require.NoError(t, repo.CreatePayment(ctx, first))

			err := repo.CreatePayment(ctx, newPayment("u2", models.PurposeBooking, "B1"))
			assert.ErrorIs(t, err, models.ErrActivePayment)

			// another booking is a different tuple
			require.NoError(t, repo.CreatePayment(ctx, newPayment("u2", models.PurposeBooking, "B2")))

			// once terminal, the tuple is free again
			ok, err := repo.ChangeStatus(ctx, models.StatusChange{ID: first.ID, From: models.StatusPending, To: models.StatusExpired})
			require.NoError(t, err)
			require.True(t, ok)

			active, err := repo.GetActivePayment(ctx, "u2", models.PurposeBooking, "B1")
			require.NoError(t, err)
			assert.Nil(t, active)
			require.NoError(t, repo.CreatePayment(ctx, newPayment("u2", models.PurposeBooking, "B1")))
		})
	}
}

func TestRepository_AddressAssignedOnceAndUnique(t *testing.T) {
	for name, repo := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := newPayment("u3", models.PurposeDonation, "")
			b := newPayment("u4", models.PurposeDonation, "")
			require.NoError(t, repo.CreatePayment(ctx, a))
			require.NoError(t, repo.CreatePayment(ctx, b))

			ok, err := repo.AssignAddress(ctx, a.ID, "TAddr00000000000000000001", "acc")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = repo.AssignAddress(ctx, a.ID, "TAddr00000000000000000002", "acc")
			require.NoError(t, err)
			assert.False(t, ok, "address must not be reassigned")

			_, err = repo.AssignAddress(ctx, b.ID, "TAddr00000000000000000001", "acc")
			assert.ErrorIs(t, err, models.ErrAddressInUse)

			got, err := repo.GetPayment(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, "TAddr00000000000000000001", got.Address())
			assert.Equal(t, "acc", got.Account)
		})
	}
}

func TestRepository_ChangeStatusIsGuarded(t *testing.T) {
	for name, repo := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := newPayment("u5", models.PurposeCourse, "C1")
			require.NoError(t, repo.CreatePayment(ctx, p))

			_, err := repo.ChangeStatus(ctx, models.StatusChange{ID: p.ID, From: models.StatusPending, To: models.StatusSucceeded})
			assert.ErrorIs(t, err, models.ErrInvalidTransition)

			ok, err := repo.ChangeStatus(ctx, models.StatusChange{ID: p.ID, From: models.StatusPending, To: models.StatusProcessing})
			require.NoError(t, err)
			assert.True(t, ok)

			// stale writer loses
			ok, err = repo.ChangeStatus(ctx, models.StatusChange{ID: p.ID, From: models.StatusPending, To: models.StatusExpired})
			require.NoError(t, err)
			assert.False(t, ok)

			has, err := repo.HasSucceededPayment(ctx, "u5", models.PurposeCourse, "C1")
			require.NoError(t, err)
			assert.False(t, has)

			tx := "0xabc"
			done := time.Now().UTC()
			ok, err = repo.ChangeStatus(ctx, models.StatusChange{ID: p.ID, From: models.StatusProcessing, To: models.StatusSucceeded, TxHash: &tx, CompletedAt: &done})
			require.NoError(t, err)
			assert.True(t, ok)

			got, err := repo.GetPayment(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusSucceeded, got.Status)
			require.NotNil(t, got.TxHash)
			assert.Equal(t, "0xabc", *got.TxHash)
			assert.NotNil(t, got.CompletedAt)
			assert.Nil(t, got.ActiveKey)

			has, err = repo.HasSucceededPayment(ctx, "u5", models.PurposeCourse, "C1")
			require.NoError(t, err)
			assert.True(t, has)
		})
	}
}

func TestRepository_DispatchMarkers(t *testing.T) {
	for name, repo := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := newPayment("u6", models.PurposeSubscription, "")
			require.NoError(t, repo.CreatePayment(ctx, p))
			for _, to := range []models.Status{models.StatusProcessing, models.StatusSucceeded} {
				from := models.StatusPending
				if to == models.StatusSucceeded {
					from = models.StatusProcessing
				}
				ok, err := repo.ChangeStatus(ctx, models.StatusChange{ID: p.ID, From: from, To: to})
				require.NoError(t, err)
				require.True(t, ok)
			}

			require.NoError(t, repo.RecordDispatchError(ctx, p.ID, "handler down"))
			pending, err := repo.ListUndispatched(ctx, 10)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, "handler down", pending[0].DispatchError)

			ok, err := repo.MarkDispatched(ctx, p.ID, time.Now().UTC())
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = repo.MarkDispatched(ctx, p.ID, time.Now().UTC())
			require.NoError(t, err)
			assert.False(t, ok)

			pending, err = repo.ListUndispatched(ctx, 10)
			require.NoError(t, err)
			assert.Empty(t, pending)
		})
	}
}

func TestRepository_ListExpiredActive(t *testing.T) {
	for name, repo := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stale := newPayment("u7", models.PurposeDonation, "")
			stale.ExpiresAt = time.Now().UTC().Add(-time.Minute)
			fresh := newPayment("u8", models.PurposeDonation, "")
			require.NoError(t, repo.CreatePayment(ctx, stale))
			require.NoError(t, repo.CreatePayment(ctx, fresh))

			expired, err := repo.ListExpiredActive(ctx, time.Now().UTC())
			require.NoError(t, err)
			require.Len(t, expired, 1)
			assert.Equal(t, stale.ID, expired[0].ID)

			active, err := repo.ListActivePayments(ctx)
			require.NoError(t, err)
			assert.Len(t, active, 2)

			byUser, err := repo.GetPaymentsByUser(ctx, "u7")
			require.NoError(t, err)
			assert.Len(t, byUser, 1)
		})
	}
}

func TestMemory_ConcurrentStatusWritersOnlyOneWins(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()
	p := newPayment("u9", models.PurposeSubscription, "")
	require.NoError(t, repo.CreatePayment(ctx, p))
	_, err := repo.ChangeStatus(ctx, models.StatusChange{ID: p.ID, From: models.StatusPending, To: models.StatusProcessing})
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := models.StatusSucceeded
			if i%2 == 0 {
				to = models.StatusExpired
			}
			ok, err := repo.ChangeStatus(ctx, models.StatusChange{ID: p.ID, From: models.StatusProcessing, To: to})
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestDatabase_SubscriptionsAndBookings(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	month := 30 * 24 * time.Hour

	first, err := db.Activate(ctx, models.Activation{UserID: "u1", Plan: "pro", PaymentID: "p1", Duration: month, Mode: models.RenewalReplace, Now: now})
	require.NoError(t, err)
	assert.True(t, first.ExpiresAt.Equal(now.Add(month)))

	again, err := db.Activate(ctx, models.Activation{UserID: "u1", Plan: "pro", PaymentID: "p1", Duration: month, Mode: models.RenewalReplace, Now: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	extended, err := db.Activate(ctx, models.Activation{UserID: "u1", Plan: "pro", PaymentID: "p2", Duration: month, Mode: models.RenewalExtend, Now: now.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.True(t, extended.ExpiresAt.Equal(now.Add(2*month)))

	current, err := db.GetActiveSubscription(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "p2", current.PaymentID)

	require.NoError(t, db.Conn.Create(&models.Booking{ID: "B1", UserID: "u1", Status: "pending"}).Error)
	require.NoError(t, db.Confirm(ctx, "B1", "p3"))
	require.NoError(t, db.Confirm(ctx, "B1", "p3"))
	assert.Error(t, db.Confirm(ctx, "B1", "p4"))
	assert.ErrorIs(t, db.Confirm(ctx, "B9", "p3"), models.ErrBookingNotFound)

	booking, err := db.GetBooking(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusConfirmed, booking.Status)
	require.NotNil(t, booking.PaymentID)
	assert.Equal(t, "p3", *booking.PaymentID)
}

func TestDatabase_NotificationsDedup(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	n := func() *models.Notification {
		return &models.Notification{DedupKey: "p1:booking_confirmed", UserID: "u1", EventType: models.EventBookingConfirmed,
			Payload: map[string]interface{}{"booking_id": "B1"}}
	}
	stored, err := db.AddNotification(ctx, n())
	require.NoError(t, err)
	assert.True(t, stored)
	stored, err = db.AddNotification(ctx, n())
	require.NoError(t, err)
	assert.False(t, stored)

	list, err := db.GetNotifications(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "B1", list[0].Payload["booking_id"])

	p, err := db.GetNotificationProvider(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, p.TelegramProvider)
	assert.Nil(t, p.EmailProvider)

	require.NoError(t, db.SaveTelegramProvider(ctx, &models.TelegramProvider{UserID: "u1", Username: "alice", ChatID: "1"}))
	require.NoError(t, db.SaveTelegramProvider(ctx, &models.TelegramProvider{UserID: "u1", Username: "alice", ChatID: "2"}))
	require.NoError(t, db.SaveEmailProvider(ctx, &models.EmailProvider{UserID: "u1", Email: "alice@example.com"}))

	p, err = db.GetNotificationProvider(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, p.TelegramProvider)
	assert.Equal(t, "2", p.TelegramProvider.ChatID)
	require.NotNil(t, p.EmailProvider)
	assert.Equal(t, "alice@example.com", p.EmailProvider.Email)
}

func TestDatabase_Locks(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	ok, err := db.TryAcquire(ctx, "sweeper", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.TryAcquire(ctx, "sweeper", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = db.TryAcquire(ctx, "sweeper", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews its lease")

	require.NoError(t, db.Release(ctx, "sweeper", "a"))
	ok, err = db.TryAcquire(ctx, "sweeper", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
