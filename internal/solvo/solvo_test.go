package solvo

import (
	"context"
	"errors"
	"fmt"
	"math/big"
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
	gormLogger "gorm.io/gorm/logger"

	"github.com/core-coin/solvo/internal/config"
	"github.com/core-coin/solvo/internal/conversion"
	"github.com/core-coin/solvo/internal/currency"
	"github.com/core-coin/solvo/internal/dispatcher"
	"github.com/core-coin/solvo/internal/models"
	"github.com/core-coin/solvo/internal/notificator"
	"github.com/core-coin/solvo/internal/repository"
	"github.com/core-coin/solvo/pkg/logger"
)

type fakeGateway struct {
	mu       sync.Mutex
	n        int
	provErr  error
	rateErr  error
	rate     decimal.Decimal
	balances map[string]*big.Int
	checks   atomic.Int64

	// addresses are handed out before the generated ones
	addresses []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{rate: decimal.NewFromInt(1), balances: make(map[string]*big.Int)}
}

func (g *fakeGateway) ProvisionAddress(_ context.Context, _, _ string, _ models.CallbackRef) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.provErr != nil {
		return "", g.provErr
	}
	if len(g.addresses) > 0 {
		addr := g.addresses[0]
		g.addresses = g.addresses[1:]
		return addr, nil
	}
	g.n++
	return fmt.Sprintf("TDeposit%026d", g.n), nil
}

func (g *fakeGateway) GetBalance(_ context.Context, _, address, _ string) (*models.Balance, error) {
	g.checks.Add(1)
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.balances[address]
	if !ok {
		v = new(big.Int)
	}
	return &models.Balance{Available: new(big.Int).Set(v), Total: new(big.Int).Set(v)}, nil
}

func (g *fakeGateway) GetExchangeRate(_ context.Context, _ string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rateErr != nil {
		return decimal.Zero, g.rateErr
	}
	return g.rate, nil
}

func (g *fakeGateway) fund(address string, amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[address] = big.NewInt(amount)
}

func (g *fakeGateway) failProvisioning(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.provErr = err
}

type fakeLocker struct {
	allow bool
	calls atomic.Int64
}

func (l *fakeLocker) TryAcquire(context.Context, string, string, time.Duration) (bool, error) {
	l.calls.Add(1)
	return l.allow, nil
}

func (l *fakeLocker) Release(context.Context, string, string) error { return nil }

type testEnv struct {
	engine  *Solvo
	gateway *fakeGateway
	repo    *repository.Memory
	db      *repository.Database
}

func testConfig() *config.Config {
	return &config.Config{
		GatewayAccount:      "acc-1",
		Provider:            "tatum",
		FiatCurrency:        "USD",
		EnabledCurrencies:   currency.Codes(),
		PollInterval:        20 * time.Millisecond,
		PaymentWindow:       time.Hour,
		AcceptUnconfirmed:   true,
		SubscriptionRenewal: models.RenewalReplace,
		SubscriptionDays:    30,
		SweepSchedule:       "@every 1m",
		InstanceID:          "test-1",
	}
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	conn, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "solvo.db")), &gorm.Config{
		TranslateError: true,
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
	})
	require.NoError(t, err)
	db, err := repository.NewDatabase(conn, logger.NewNop())
	require.NoError(t, err)

	gw := newFakeGateway()
	conv, err := conversion.NewService(gw, 0, logger.NewNop())
	require.NoError(t, err)
	repo := repository.NewMemory()

	engine := NewSolvo(Deps{
		Repo:          repo,
		Gateway:       gw,
		Converter:     conv,
		Subscriptions: db,
		Bookings:      db,
		Notifier:      notificator.NewNotificator(logger.NewNop(), db, nil, nil),
	}, cfg, logger.NewNop())

	t.Cleanup(func() {
		engine.Stop()
		_ = db.Close()
	})
	return &testEnv{engine: engine, gateway: gw, repo: repo, db: db}
}

func (e *testEnv) waitStatus(t *testing.T, id string, status models.Status) *models.PaymentRecord {
	t.Helper()
	var record *models.PaymentRecord
	require.Eventually(t, func() bool {
		r, err := e.engine.GetPayment(context.Background(), id)
		if err != nil {
			return false
		}
		record = r
		return r.Status == status
	}, 3*time.Second, 10*time.Millisecond)
	return record
}

func (e *testEnv) waitDispatched(t *testing.T, id string) *models.PaymentRecord {
	t.Helper()
	var record *models.PaymentRecord
	require.Eventually(t, func() bool {
		r, err := e.engine.GetPayment(context.Background(), id)
		if err != nil {
			return false
		}
		record = r
		return r.DispatchedAt != nil
	}, 3*time.Second, 10*time.Millisecond)
	return record
}

func subscriptionRequest(userID string) models.CreatePaymentRequest {
	return models.CreatePaymentRequest{
		UserID:       userID,
		Purpose:      models.PurposeSubscription,
		AmountFiat:   decimal.RequireFromString("9.99"),
		CurrencyCode: "USDT_TRON",
		Metadata:     map[string]interface{}{"plan": "pro"},
	}
}

func TestSubscriptionPaymentSettles(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	record, err := env.engine.CreatePayment(ctx, subscriptionRequest("u1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, record.Status)
	assert.Equal(t, "9990000", record.CryptoAmountMinorUnits)
	assert.Equal(t, "tatum", record.Provider)
	require.NotEmpty(t, record.Address())

	env.gateway.fund(record.Address(), 9990000)

	settled := env.waitDispatched(t, record.ID)
	assert.Equal(t, models.StatusSucceeded, settled.Status)
	assert.NotNil(t, settled.CompletedAt)
	assert.Nil(t, settled.ActiveKey)

	sub, err := env.db.GetActiveSubscription(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "pro", sub.Plan)
	assert.Equal(t, record.ID, sub.PaymentID)

	active, err := env.engine.GetActivePayment(ctx, "u1", models.PurposeSubscription, "")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestBookingConfirmedOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.db.Conn.Create(&models.Booking{ID: "B1", UserID: "u2", Status: "pending"}).Error)

	record, err := env.engine.CreatePayment(ctx, models.CreatePaymentRequest{
		UserID:       "u2",
		Purpose:      models.PurposeBooking,
		RelatedID:    "B1",
		AmountFiat:   decimal.NewFromInt(25),
		CurrencyCode: "USDT_TRON",
	})
	require.NoError(t, err)

	env.gateway.fund(record.Address(), 25000000)
	env.waitDispatched(t, record.ID)

	// a late manual completion changes nothing
	again, err := env.engine.MarkComplete(ctx, record.ID, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, again.Status)

	booking, err := env.db.GetBooking(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusConfirmed, booking.Status)
	require.NotNil(t, booking.PaymentID)
	assert.Equal(t, record.ID, *booking.PaymentID)

	notifications, err := env.db.GetNotifications(ctx, "u2")
	require.NoError(t, err)
	confirmed := 0
	for _, n := range notifications {
		if n.EventType == models.EventBookingConfirmed {
			confirmed++
			assert.Equal(t, "B1", n.Payload["booking_id"])
		}
	}
	assert.Equal(t, 1, confirmed)

	paid, err := env.engine.HasSucceededPayment(ctx, "u2", models.PurposeBooking, "B1")
	require.NoError(t, err)
	assert.True(t, paid)
}

func TestPaymentExpiresWithoutFunds(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.PaymentWindow = 80 * time.Millisecond })
	ctx := context.Background()

	record, err := env.engine.CreatePayment(ctx, subscriptionRequest("u3"))
	require.NoError(t, err)

	expired := env.waitStatus(t, record.ID, models.StatusExpired)
	assert.Equal(t, models.ErrTimeoutExpired.Error(), expired.FailureReason)
	assert.Nil(t, expired.DispatchedAt)

	active, err := env.engine.GetActivePayment(ctx, "u3", models.PurposeSubscription, "")
	require.NoError(t, err)
	assert.Nil(t, active)

	sub, err := env.db.GetActiveSubscription(ctx, "u3")
	require.NoError(t, err)
	assert.Nil(t, sub)

	// late funds do not revive it
	env.gateway.fund(record.Address(), 9990000)
	_, err = env.engine.MarkComplete(ctx, record.ID, "")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestPartialFundsMoveToProcessing(t *testing.T) {
	env := newTestEnv(t, nil)

	record, err := env.engine.CreatePayment(context.Background(), subscriptionRequest("u4"))
	require.NoError(t, err)

	env.gateway.fund(record.Address(), 5000000)
	processing := env.waitStatus(t, record.ID, models.StatusProcessing)
	assert.NotNil(t, processing.ActiveKey)

	env.gateway.fund(record.Address(), 9990000)
	env.waitStatus(t, record.ID, models.StatusSucceeded)
}

func TestCreatePayment_ReturnsActivePayment(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.PollInterval = time.Hour })
	ctx := context.Background()

	const workers = 8
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			record, err := env.engine.CreatePayment(ctx, subscriptionRequest("u5"))
			if assert.NoError(t, err) {
				ids[i] = record.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	records, err := env.engine.GetPaymentsByUser(ctx, "u5")
	require.NoError(t, err)
	assert.Len(t, records, 1)

	// a different related id is a different action
	other := subscriptionRequest("u5")
	other.Purpose = models.PurposeDonation
	other.Metadata = nil
	donation, err := env.engine.CreatePayment(ctx, other)
	require.NoError(t, err)
	assert.NotEqual(t, ids[0], donation.ID)
}

func TestMarkComplete_DispatchesOnce(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.PollInterval = time.Hour })
	ctx := context.Background()

	var calls atomic.Int64
	env.engine.RegisterHandler(models.PurposeDonation, dispatcher.HandlerFunc(func(context.Context, dispatcher.Completion) error {
		calls.Add(1)
		return nil
	}))

	record, err := env.engine.CreatePayment(ctx, models.CreatePaymentRequest{
		UserID:       "u6",
		Purpose:      models.PurposeDonation,
		AmountFiat:   decimal.NewFromInt(5),
		CurrencyCode: "USDT_TRON",
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := env.engine.MarkComplete(ctx, record.ID, "0xfeed")
			if assert.NoError(t, err) {
				assert.Equal(t, models.StatusSucceeded, got.Status)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	final, err := env.engine.GetPayment(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, final.TxHash)
	assert.Equal(t, "0xfeed", *final.TxHash)
	assert.NotNil(t, final.DispatchedAt)

	require.Eventually(t, func() bool { return env.engine.pollers.Running() == 0 }, time.Second, 10*time.Millisecond)
}

func TestMarkFailed(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.PollInterval = time.Hour })
	ctx := context.Background()

	record, err := env.engine.CreatePayment(ctx, subscriptionRequest("u7"))
	require.NoError(t, err)

	failed, err := env.engine.MarkFailed(ctx, record.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Equal(t, "marked failed", failed.FailureReason)

	_, err = env.engine.MarkComplete(ctx, record.ID, "")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	// the action can be paid for again
	next, err := env.engine.CreatePayment(ctx, subscriptionRequest("u7"))
	require.NoError(t, err)
	assert.NotEqual(t, record.ID, next.ID)
}

func TestCreatePayment_ConversionFailurePersistsNothing(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gateway.rateErr = errors.New("rate source down")

	_, err := env.engine.CreatePayment(context.Background(), subscriptionRequest("u8"))
	assert.ErrorIs(t, err, models.ErrConversionFailure)

	records, err := env.engine.GetPaymentsByUser(context.Background(), "u8")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCreatePayment_ProvisioningFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.gateway.failProvisioning(errors.New("gateway unavailable"))

	record, err := env.engine.CreatePayment(ctx, subscriptionRequest("u9"))
	assert.ErrorIs(t, err, models.ErrProvisioningFailure)
	require.NotNil(t, record)
	assert.Equal(t, models.StatusPending, record.Status)
	assert.Empty(t, record.Address())
	assert.Zero(t, env.engine.pollers.Running())

	env.gateway.failProvisioning(nil)
	retried, err := env.engine.RetryProvisioning(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.ID, retried.ID)
	assert.NotEmpty(t, retried.Address())
	_, polling := env.engine.pollers.Get(record.ID)
	assert.True(t, polling)
}

func TestCreatePayment_InvalidRequests(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.EnabledCurrencies = []string{"USDT_TRON"} })
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(*models.CreatePaymentRequest)
		wantErr error
	}{
		{"missing user", func(r *models.CreatePaymentRequest) { r.UserID = " " }, models.ErrInvalidRequest},
		{"zero amount", func(r *models.CreatePaymentRequest) { r.AmountFiat = decimal.Zero }, models.ErrInvalidRequest},
		{"unknown purpose", func(r *models.CreatePaymentRequest) { r.Purpose = "gift" }, models.ErrInvalidRequest},
		{"unknown currency", func(r *models.CreatePaymentRequest) { r.CurrencyCode = "DOGE" }, models.ErrUnknownCurrency},
		{"disabled currency", func(r *models.CreatePaymentRequest) { r.CurrencyCode = "BTC" }, models.ErrInvalidRequest},
		{"subscription without plan", func(r *models.CreatePaymentRequest) { r.Metadata = nil }, models.ErrInvalidRequest},
		{"booking without id", func(r *models.CreatePaymentRequest) { r.Purpose = models.PurposeBooking }, models.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := subscriptionRequest("u10")
			tt.mutate(&req)
			_, err := env.engine.CreatePayment(ctx, req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	records, err := env.engine.GetPaymentsByUser(ctx, "u10")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestHandleGatewayCallback_ChecksImmediately(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.PollInterval = time.Hour })
	ctx := context.Background()

	record, err := env.engine.CreatePayment(ctx, subscriptionRequest("u11"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.gateway.checks.Load() >= 1 }, time.Second, 5*time.Millisecond)

	_, err = env.engine.HandleGatewayCallback(ctx, models.GatewayCallback{PaymentID: record.ID, Address: "TSomeoneElse000000000000000000000"})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
	_, err = env.engine.HandleGatewayCallback(ctx, models.GatewayCallback{})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
	_, err = env.engine.HandleGatewayCallback(ctx, models.GatewayCallback{PaymentID: "missing"})
	assert.ErrorIs(t, err, models.ErrPaymentNotFound)

	env.gateway.fund(record.Address(), 9990000)
	_, err = env.engine.HandleGatewayCallback(ctx, models.GatewayCallback{PaymentID: record.ID, Address: record.Address(), TxHash: " 0x1 "})
	require.NoError(t, err)

	settled := env.waitDispatched(t, record.ID)
	assert.Equal(t, models.StatusSucceeded, settled.Status)
	require.NotNil(t, settled.TxHash)
	assert.Equal(t, "0x1", *settled.TxHash)
}

func TestHandleGatewayCallback_WithoutTxHash(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.PollInterval = time.Hour })
	ctx := context.Background()

	record, err := env.engine.CreatePayment(ctx, subscriptionRequest("u13"))
	require.NoError(t, err)

	env.gateway.fund(record.Address(), 9990000)
	_, err = env.engine.HandleGatewayCallback(ctx, models.GatewayCallback{PaymentID: record.ID})
	require.NoError(t, err)

	settled := env.waitDispatched(t, record.ID)
	assert.Nil(t, settled.TxHash)
}

func TestProvision_NormalizesCoreAddresses(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.PollInterval = time.Hour })
	ctx := context.Background()

	const canonical = "cb57bbbb54cdf60fa666fd741be78f794d4608d67109"
	env.gateway.mu.Lock()
	env.gateway.addresses = []string{"0xCB57BBBB54CDF60FA666FD741BE78F794D4608D67109", canonical}
	env.gateway.mu.Unlock()

	donation := func(userID string) models.CreatePaymentRequest {
		return models.CreatePaymentRequest{
			UserID: userID, Purpose: models.PurposeDonation, AmountFiat: decimal.NewFromInt(5), CurrencyCode: "XCB",
		}
	}

	first, err := env.engine.CreatePayment(ctx, donation("u20"))
	require.NoError(t, err)
	assert.Equal(t, canonical, first.Address())

	second, err := env.engine.CreatePayment(ctx, donation("u21"))
	require.ErrorIs(t, err, models.ErrProvisioningFailure)
	require.NotNil(t, second)
	assert.Empty(t, second.Address())

	// callbacks may spell the address either way
	_, err = env.engine.HandleGatewayCallback(ctx, models.GatewayCallback{
		PaymentID: first.ID, Address: "0XCB57BBBB54CDF60FA666FD741BE78F794D4608D67109",
	})
	assert.NoError(t, err)
}

func TestSweep(t *testing.T) {
	t.Run("retries provisioning and dispatch", func(t *testing.T) {
		env := newTestEnv(t, func(c *config.Config) { c.PollInterval = time.Hour })
		ctx := context.Background()

		env.gateway.failProvisioning(errors.New("gateway unavailable"))
		unprovisioned, err := env.engine.CreatePayment(ctx, subscriptionRequest("u12"))
		require.ErrorIs(t, err, models.ErrProvisioningFailure)
		env.gateway.failProvisioning(nil)

		var fail atomic.Bool
		fail.Store(true)
		env.engine.RegisterHandler(models.PurposeDonation, dispatcher.HandlerFunc(func(context.Context, dispatcher.Completion) error {
			if fail.Load() {
				return errors.New("downstream unavailable")
			}
			return nil
		}))
		donation, err := env.engine.CreatePayment(ctx, models.CreatePaymentRequest{
			UserID: "u12", Purpose: models.PurposeDonation, AmountFiat: decimal.NewFromInt(1), CurrencyCode: "USDT_TRON",
		})
		require.NoError(t, err)
		_, err = env.engine.MarkComplete(ctx, donation.ID, "")
		require.ErrorIs(t, err, models.ErrDispatchFailure)
		fail.Store(false)

		res := env.engine.Sweep(ctx)
		assert.False(t, res.Skipped)
		assert.Equal(t, 1, res.Provisioned)
		assert.Equal(t, 1, res.Dispatched)

		got, err := env.engine.GetPayment(ctx, unprovisioned.ID)
		require.NoError(t, err)
		assert.NotEmpty(t, got.Address())
		got, err = env.engine.GetPayment(ctx, donation.ID)
		require.NoError(t, err)
		assert.NotNil(t, got.DispatchedAt)
	})

	t.Run("expires payments nobody polls", func(t *testing.T) {
		env := newTestEnv(t, func(c *config.Config) { c.PaymentWindow = 30 * time.Millisecond })
		ctx := context.Background()

		env.gateway.failProvisioning(errors.New("gateway unavailable"))
		record, err := env.engine.CreatePayment(ctx, subscriptionRequest("u13"))
		require.ErrorIs(t, err, models.ErrProvisioningFailure)
		time.Sleep(50 * time.Millisecond)

		res := env.engine.Sweep(ctx)
		assert.Equal(t, 1, res.Expired)
		assert.Zero(t, res.Provisioned)

		got, err := env.engine.GetPayment(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusExpired, got.Status)
	})

	t.Run("skips without the lease", func(t *testing.T) {
		env := newTestEnv(t, nil)
		locker := &fakeLocker{allow: false}
		env.engine.locker = locker

		res := env.engine.Sweep(context.Background())
		assert.True(t, res.Skipped)
		assert.EqualValues(t, 1, locker.calls.Load())
	})
}

func TestStart_ResumesPolling(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.PollInterval = time.Hour })
	ctx := context.Background()

	record, err := env.engine.CreatePayment(ctx, subscriptionRequest("u14"))
	require.NoError(t, err)
	env.engine.Stop()
	assert.Zero(t, env.engine.pollers.Running())

	gw := env.gateway
	conv, err := conversion.NewService(gw, 0, logger.NewNop())
	require.NoError(t, err)
	restarted := NewSolvo(Deps{
		Repo:          env.repo,
		Gateway:       gw,
		Converter:     conv,
		Subscriptions: env.db,
		Bookings:      env.db,
		Notifier:      notificator.NewNotificator(logger.NewNop(), env.db, nil, nil),
	}, testConfig(), logger.NewNop())
	t.Cleanup(restarted.Stop)

	require.NoError(t, restarted.Start(ctx))
	_, polling := restarted.pollers.Get(record.ID)
	assert.True(t, polling)

	gw.fund(record.Address(), 9990000)
	require.Eventually(t, func() bool {
		r, err := restarted.GetPayment(ctx, record.ID)
		return err == nil && r.DispatchedAt != nil
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.SweepSchedule = "not a schedule" })
	assert.Error(t, env.engine.Start(context.Background()))
}
