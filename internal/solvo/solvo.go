// Package solvo is the settlement engine: it turns a priced action into a
// confirmed crypto payment and runs the matching completion action once.
package solvo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/core-coin/solvo/internal/completion"
	"github.com/core-coin/solvo/internal/config"
	"github.com/core-coin/solvo/internal/conversion"
	"github.com/core-coin/solvo/internal/currency"
	"github.com/core-coin/solvo/internal/dispatcher"
	"github.com/core-coin/solvo/internal/ledger"
	"github.com/core-coin/solvo/internal/metrics"
	"github.com/core-coin/solvo/internal/models"
	"github.com/core-coin/solvo/internal/poller"
	"github.com/core-coin/solvo/pkg/logger"
	"github.com/core-coin/solvo/pkg/validation"
)

// Converter locks a fiat price into a crypto amount.
type Converter interface {
	Convert(ctx context.Context, fiat decimal.Decimal, code string) (*conversion.Quote, error)
}

// Deps are the collaborators of the engine.
type Deps struct {
	Repo      models.Repository
	Gateway   models.Gateway
	Converter Converter
	// Locker is optional; without it every instance runs the sweeper.
	Locker  models.Locker
	Metrics *metrics.Metrics

	Subscriptions models.SubscriptionActivator
	Bookings      models.BookingConfirmer
	Notifier      models.NotificationPusher
}

// Solvo is the main struct of the settlement engine.
// It wires ledger, poller and dispatcher together and serves all business logic.
type Solvo struct {
	logger *logger.Logger
	config *config.Config

	ledger     *ledger.Ledger
	gateway    models.Gateway
	converter  Converter
	dispatcher *dispatcher.Dispatcher
	pollers    *poller.Manager
	locker     models.Locker
	metrics    *metrics.Metrics
	cron       *cron.Cron

	// callbackTx holds the tx hash a gateway callback reported, keyed by
	// payment id, until the poller confirms the funds.
	callbackTx sync.Map

	// ctx outlives requests; pollers run on it until Stop.
	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
}

var _ models.SolvoI = (*Solvo)(nil)

// NewSolvo creates a new Solvo instance
func NewSolvo(deps Deps, cfg *config.Config, logger *logger.Logger) *Solvo {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Solvo{
		logger:    logger,
		config:    cfg,
		ledger:    ledger.New(deps.Repo, cfg.PaymentWindow, logger),
		gateway:   deps.Gateway,
		converter: deps.Converter,
		locker:    deps.Locker,
		metrics:   deps.Metrics,
		ctx:       ctx,
		cancel:    cancel,
	}

	s.dispatcher = dispatcher.New(s.ledger, deps.Metrics, logger)
	completion.Register(s.dispatcher, completion.Deps{
		Subscriptions:    deps.Subscriptions,
		Bookings:         deps.Bookings,
		Notifier:         deps.Notifier,
		RenewalMode:      cfg.SubscriptionRenewal,
		SubscriptionDays: cfg.SubscriptionDays,
		Now:              s.ledger.Now,
	}, logger)

	s.pollers = poller.NewManager(deps.Gateway, &sink{s: s}, poller.Config{
		Interval:          cfg.PollInterval,
		AcceptUnconfirmed: cfg.AcceptUnconfirmed,
	}, deps.Metrics, logger)

	return s
}

// RegisterHandler replaces the completion handler of purpose.
func (s *Solvo) RegisterHandler(purpose models.Purpose, h dispatcher.Handler) {
	s.dispatcher.Register(purpose, h)
}

// CreatePayment opens a payment for the priced action in req, or returns the
// active one when the same user already has one for the same action.
// A provisioning failure returns the pending record together with an error
// wrapping models.ErrProvisioningFailure; RetryProvisioning can finish it.
func (s *Solvo) CreatePayment(ctx context.Context, req models.CreatePaymentRequest) (*models.PaymentRecord, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	existing, err := s.ledger.GetActive(ctx, req.UserID, req.Purpose, req.RelatedID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.logger.Debug("Returning active payment", "payment_id", existing.ID, "user_id", req.UserID, "purpose", req.Purpose)
		return existing, nil
	}

	quote, err := s.converter.Convert(ctx, req.AmountFiat, req.CurrencyCode)
	if err != nil {
		s.metrics.ConversionFailed(req.CurrencyCode)
		s.logger.Error("Failed to convert price", "user_id", req.UserID, "currency", req.CurrencyCode, "error", err)
		return nil, err
	}

	record, err := s.ledger.Create(ctx, ledger.NewPayment{
		UserID:       req.UserID,
		Purpose:      req.Purpose,
		RelatedID:    req.RelatedID,
		AmountFiat:   req.AmountFiat,
		FiatCurrency: s.config.FiatCurrency,
		Provider:     req.Provider,
		Metadata:     req.Metadata,
		Quote:        quote,
	})
	if ledger.IsConflict(err) {
		// a concurrent request won the race for this action
		existing, gerr := s.ledger.GetActive(ctx, req.UserID, req.Purpose, req.RelatedID)
		if gerr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	s.metrics.PaymentCreated(string(record.Purpose), record.CryptoCurrency)

	return s.provision(ctx, record)
}

func (s *Solvo) validate(req *models.CreatePaymentRequest) error {
	req.UserID = strings.TrimSpace(req.UserID)
	req.CurrencyCode = strings.ToUpper(strings.TrimSpace(req.CurrencyCode))
	if req.Provider == "" {
		req.Provider = s.config.Provider
	}

	if req.UserID == "" {
		return fmt.Errorf("%w: user id is required", models.ErrInvalidRequest)
	}
	if !req.Purpose.Valid() {
		return fmt.Errorf("%w: unknown purpose %q", models.ErrInvalidRequest, req.Purpose)
	}
	if !req.AmountFiat.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", models.ErrInvalidRequest)
	}
	if _, err := currency.Lookup(req.CurrencyCode); err != nil {
		return err
	}
	if !s.config.CurrencyEnabled(req.CurrencyCode) {
		return fmt.Errorf("%w: currency %s is not enabled", models.ErrInvalidRequest, req.CurrencyCode)
	}
	return completion.ValidateMetadata(req.Purpose, req.RelatedID, req.Metadata)
}

// provision mints the deposit address of a pending record and starts polling it.
func (s *Solvo) provision(ctx context.Context, record *models.PaymentRecord) (*models.PaymentRecord, error) {
	cur, err := currency.Lookup(record.CryptoCurrency)
	if err != nil {
		return record, err
	}

	address, err := s.gateway.ProvisionAddress(ctx, s.config.GatewayAccount, cur.Code, models.CallbackRef{
		PaymentID: record.ID,
		UserID:    record.UserID,
		Purpose:   record.Purpose,
	})
	if err == nil {
		address, err = validation.ValidateAndNormalizeAddress(cur.Network, address)
	}
	if err != nil {
		s.metrics.ProvisioningFailed(cur.Code)
		s.logger.Error("Failed to provision deposit address", "payment_id", record.ID, "currency", cur.Code, "error", err)
		return record, fmt.Errorf("%w: payment %s: %v", models.ErrProvisioningFailure, record.ID, err)
	}

	updated, err := s.ledger.AssignAddress(ctx, record.ID, address, s.config.GatewayAccount)
	if err != nil {
		if errors.Is(err, models.ErrAddressInUse) {
			s.metrics.ProvisioningFailed(cur.Code)
			return record, fmt.Errorf("%w: %v", models.ErrProvisioningFailure, err)
		}
		return record, err
	}

	if _, err := s.pollers.Start(s.ctx, updated); err != nil {
		s.logger.Error("Failed to start poller", "payment_id", updated.ID, "error", err)
	}
	return updated, nil
}

// RetryProvisioning mints the address of a pending payment whose provisioning failed.
func (s *Solvo) RetryProvisioning(ctx context.Context, id string) (*models.PaymentRecord, error) {
	record, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !record.Status.Active() {
		return record, fmt.Errorf("%w: payment %s is %s", models.ErrInvalidTransition, id, record.Status)
	}
	if record.Address() != "" {
		if _, err := s.pollers.Start(s.ctx, record); err != nil {
			return record, err
		}
		return record, nil
	}
	return s.provision(ctx, record)
}

// MarkComplete settles a payment by hand. Completing an already succeeded
// payment changes nothing and never runs the completion action twice.
func (s *Solvo) MarkComplete(ctx context.Context, id, txHash string) (*models.PaymentRecord, error) {
	record, changed, err := s.ledger.MarkSucceeded(ctx, id, txHash)
	if err != nil {
		return record, err
	}
	s.pollers.Stop(id)
	if changed {
		s.metrics.StatusChanged(string(models.StatusSucceeded))
	}
	if record.DispatchedAt != nil {
		return record, nil
	}

	if err := s.dispatcher.Dispatch(ctx, id); err != nil {
		return s.reload(ctx, record), err
	}
	return s.reload(ctx, record), nil
}

// MarkFailed gives up on a payment.
func (s *Solvo) MarkFailed(ctx context.Context, id, reason string) (*models.PaymentRecord, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "marked failed"
	}
	record, changed, err := s.ledger.MarkFailed(ctx, id, reason)
	if err != nil {
		return record, err
	}
	s.pollers.Stop(id)
	if changed {
		s.metrics.StatusChanged(string(models.StatusFailed))
		s.logger.Info("Payment marked failed", "payment_id", id, "reason", reason)
	}
	return record, nil
}

// RetryDispatch runs the completion action of a succeeded payment whose earlier run failed.
func (s *Solvo) RetryDispatch(ctx context.Context, id string) (*models.PaymentRecord, error) {
	record, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.dispatcher.Dispatch(ctx, id); err != nil {
		return s.reload(ctx, record), err
	}
	return s.reload(ctx, record), nil
}

// GetActivePayment returns the pending or processing payment for the action, or nil.
func (s *Solvo) GetActivePayment(ctx context.Context, userID string, purpose models.Purpose, relatedID string) (*models.PaymentRecord, error) {
	return s.ledger.GetActive(ctx, userID, purpose, relatedID)
}

func (s *Solvo) GetPaymentsByUser(ctx context.Context, userID string) ([]*models.PaymentRecord, error) {
	return s.ledger.ByUser(ctx, userID)
}

func (s *Solvo) GetPayment(ctx context.Context, id string) (*models.PaymentRecord, error) {
	return s.ledger.Get(ctx, id)
}

// HasSucceededPayment backs derived entitlements such as course access.
func (s *Solvo) HasSucceededPayment(ctx context.Context, userID string, purpose models.Purpose, relatedID string) (bool, error) {
	return s.ledger.HasSucceeded(ctx, userID, purpose, relatedID)
}

// WatchPayment makes sure the payment is being polled.
func (s *Solvo) WatchPayment(ctx context.Context, id string) (*poller.Handle, error) {
	record, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.pollers.Start(s.ctx, record)
}

// StopWatching stops polling without touching the record.
func (s *Solvo) StopWatching(id string) bool {
	return s.pollers.Stop(id)
}

// HandleGatewayCallback correlates a webhook with its payment and checks the
// balance right away instead of waiting for the next tick.
func (s *Solvo) HandleGatewayCallback(ctx context.Context, cb models.GatewayCallback) (*models.PaymentRecord, error) {
	if cb.PaymentID == "" {
		return nil, fmt.Errorf("%w: callback without payment id", models.ErrInvalidRequest)
	}
	record, err := s.ledger.Get(ctx, cb.PaymentID)
	if err != nil {
		return nil, err
	}
	if cb.Address != "" && !s.sameAddress(record, cb.Address) {
		return nil, fmt.Errorf("%w: callback address does not match payment %s", models.ErrInvalidRequest, record.ID)
	}
	if !record.Status.Active() {
		return record, nil
	}
	if txHash := strings.TrimSpace(cb.TxHash); txHash != "" {
		s.callbackTx.Store(record.ID, txHash)
	}

	if _, err := s.pollers.Start(s.ctx, record); err != nil {
		return record, err
	}
	s.pollers.CheckNow(record.ID)
	s.logger.Info("Gateway callback received", "payment_id", record.ID, "tx", cb.TxHash)
	return record, nil
}

// sameAddress compares addr with the record's deposit address in the
// canonical form of the record's network.
func (s *Solvo) sameAddress(record *models.PaymentRecord, addr string) bool {
	network := ""
	if cur, err := currency.Lookup(record.CryptoCurrency); err == nil {
		network = cur.Network
	}
	return strings.EqualFold(
		validation.NormalizeAddress(network, addr),
		validation.NormalizeAddress(network, record.Address()),
	)
}

// Start resumes polling of in-flight payments and schedules the sweeper.
func (s *Solvo) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		err = s.resume(ctx)
		if err != nil {
			return
		}
		err = s.startCron()
	})
	return err
}

// Stop cancels every poller and the sweeper.
func (s *Solvo) Stop() {
	s.stopOnce.Do(func() {
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		s.cancel()
		s.pollers.Shutdown()
		s.logger.Info("Settlement engine stopped")
	})
}

func (s *Solvo) resume(ctx context.Context) error {
	active, err := s.ledger.Active(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active payments: %w", err)
	}

	resumed := 0
	for _, record := range active {
		if record.Address() == "" {
			continue
		}
		if _, err := s.pollers.Start(s.ctx, record); err != nil {
			s.logger.Error("Failed to resume poller", "payment_id", record.ID, "error", err)
			continue
		}
		resumed++
	}
	s.logger.Info("Resumed polling of in-flight payments", "count", resumed, "active", len(active))
	return nil
}

func (s *Solvo) reload(ctx context.Context, fallback *models.PaymentRecord) *models.PaymentRecord {
	record, err := s.ledger.Get(ctx, fallback.ID)
	if err != nil {
		return fallback
	}
	return record
}

// sink feeds poller outcomes back into the ledger.
type sink struct {
	s *Solvo
}

func (k *sink) FundsDetected(ctx context.Context, id string) error {
	_, changed, err := k.s.ledger.MarkProcessing(ctx, id)
	if err != nil {
		return err
	}
	if changed {
		k.s.metrics.StatusChanged(string(models.StatusProcessing))
	}
	return nil
}

func (k *sink) Matched(ctx context.Context, id string) error {
	txHash := ""
	if v, ok := k.s.callbackTx.Load(id); ok {
		txHash = v.(string)
	}
	_, changed, err := k.s.ledger.MarkSucceeded(ctx, id, txHash)
	if err != nil {
		return err
	}
	k.s.callbackTx.Delete(id)
	if changed {
		k.s.metrics.StatusChanged(string(models.StatusSucceeded))
	}
	// dispatch failures stay on the record and are retried by the sweeper
	if err := k.s.dispatcher.Dispatch(ctx, id); err != nil {
		k.s.logger.Warn("Completion dispatch failed, will retry", "payment_id", id, "error", err)
	}
	return nil
}

func (k *sink) TimedOut(ctx context.Context, id string) error {
	_, changed, err := k.s.ledger.Expire(ctx, id)
	if err != nil {
		return err
	}
	k.s.callbackTx.Delete(id)
	if changed {
		k.s.metrics.StatusChanged(string(models.StatusExpired))
	}
	return nil
}
