// Package ledger owns payment records and every status change applied to them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/core-coin/solvo/internal/conversion"
	"github.com/core-coin/solvo/internal/models"
	"github.com/core-coin/solvo/pkg/logger"
)

// maxTransitionAttempts bounds retries when concurrent writers keep moving a record.
const maxTransitionAttempts = 5

// NewPayment holds everything needed to open a record for a converted price.
type NewPayment struct {
	UserID       string
	Purpose      models.Purpose
	RelatedID    string
	AmountFiat   decimal.Decimal
	FiatCurrency string
	Provider     string
	Metadata     map[string]interface{}
	Quote        *conversion.Quote
}

// Update carries the optional fields written together with a status change.
type Update struct {
	TxHash string
	Reason string
}

// Ledger applies guarded writes on a models.Repository.
type Ledger struct {
	logger *logger.Logger
	repo   models.Repository
	window time.Duration
	now    func() time.Time
}

// New creates a Ledger. window is how long a payment stays open.
func New(repo models.Repository, window time.Duration, logger *logger.Logger) *Ledger {
	return &Ledger{
		logger: logger,
		repo:   repo,
		window: window,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source, used by tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) Now() time.Time {
	return l.now()
}

// Create opens a pending record with the amount locked from the quote.
func (l *Ledger) Create(ctx context.Context, req NewPayment) (*models.PaymentRecord, error) {
	if req.Quote == nil || req.Quote.MinorUnits == nil || req.Quote.MinorUnits.Sign() <= 0 {
		return nil, fmt.Errorf("%w: missing locked amount", models.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", models.ErrInvalidRequest)
	}
	if !req.Purpose.Valid() {
		return nil, fmt.Errorf("%w: unknown purpose %q", models.ErrInvalidRequest, req.Purpose)
	}

	now := l.now()
	record := &models.PaymentRecord{
		ID:                     uuid.NewString(),
		UserID:                 req.UserID,
		Purpose:                req.Purpose,
		RelatedID:              req.RelatedID,
		AmountFiat:             req.AmountFiat,
		FiatCurrency:           req.FiatCurrency,
		CryptoCurrency:         req.Quote.Currency.Code,
		CryptoAmountMinorUnits: req.Quote.MinorUnits.String(),
		Rate:                   req.Quote.Rate,
		Provider:               req.Provider,
		Status:                 models.StatusPending,
		Metadata:               req.Metadata,
		CreatedAt:              now,
		UpdatedAt:              now,
		ExpiresAt:              now.Add(l.window),
	}
	if err := l.repo.CreatePayment(ctx, record); err != nil {
		return nil, err
	}

	l.logger.Info("Payment created", "payment_id", record.ID, "user_id", record.UserID, "purpose", record.Purpose,
		"currency", record.CryptoCurrency, "amount", record.CryptoAmountMinorUnits)
	return record, nil
}

// AssignAddress stores the provisioned deposit address once.
func (l *Ledger) AssignAddress(ctx context.Context, id, address, account string) (*models.PaymentRecord, error) {
	ok, err := l.repo.AssignAddress(ctx, id, address, account)
	if err != nil {
		return nil, err
	}
	record, err := l.repo.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok && record.Address() != address {
		return record, fmt.Errorf("%w: payment %s is %s with address %q", models.ErrInvalidTransition, id, record.Status, record.Address())
	}
	return record, nil
}

// MarkProcessing records that funds were seen on the address.
func (l *Ledger) MarkProcessing(ctx context.Context, id string) (*models.PaymentRecord, bool, error) {
	return l.Transition(ctx, id, models.StatusProcessing, Update{})
}

// MarkSucceeded moves the record to succeeded, through processing when needed.
func (l *Ledger) MarkSucceeded(ctx context.Context, id, txHash string) (*models.PaymentRecord, bool, error) {
	return l.Transition(ctx, id, models.StatusSucceeded, Update{TxHash: txHash})
}

// MarkFailed moves the record to failed, through processing when needed.
func (l *Ledger) MarkFailed(ctx context.Context, id, reason string) (*models.PaymentRecord, bool, error) {
	return l.Transition(ctx, id, models.StatusFailed, Update{Reason: reason})
}

// Expire closes an active record whose window elapsed.
func (l *Ledger) Expire(ctx context.Context, id string) (*models.PaymentRecord, bool, error) {
	return l.Transition(ctx, id, models.StatusExpired, Update{Reason: models.ErrTimeoutExpired.Error()})
}

// Transition walks the record to target using guarded writes. It reports
// changed=false when the record already was in target. Losing a race to a
// concurrent writer reloads the record and tries again.
func (l *Ledger) Transition(ctx context.Context, id string, target models.Status, upd Update) (*models.PaymentRecord, bool, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		record, err := l.repo.GetPayment(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if record.Status == target {
			return record, false, nil
		}

		path, err := record.Status.PathTo(target)
		if err != nil {
			return record, false, fmt.Errorf("payment %s: %w", id, err)
		}

		from := record.Status
		lost := false
		for _, to := range path {
			change := models.StatusChange{ID: id, From: from, To: to}
			if to == target {
				if upd.TxHash != "" {
					tx := upd.TxHash
					change.TxHash = &tx
				}
				change.Reason = upd.Reason
				if to.Terminal() {
					at := l.now()
					change.CompletedAt = &at
				}
			}

			ok, err := l.repo.ChangeStatus(ctx, change)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				lost = true
				break
			}
			l.logger.Info("Payment status changed", "payment_id", id, "from", from, "to", to)
			from = to
		}
		if lost {
			continue
		}

		record, err = l.repo.GetPayment(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return record, true, nil
	}
	return nil, false, fmt.Errorf("payment %s: too many concurrent status changes", id)
}

func (l *Ledger) Get(ctx context.Context, id string) (*models.PaymentRecord, error) {
	return l.repo.GetPayment(ctx, id)
}

func (l *Ledger) GetActive(ctx context.Context, userID string, purpose models.Purpose, relatedID string) (*models.PaymentRecord, error) {
	return l.repo.GetActivePayment(ctx, userID, purpose, relatedID)
}

func (l *Ledger) ByUser(ctx context.Context, userID string) ([]*models.PaymentRecord, error) {
	return l.repo.GetPaymentsByUser(ctx, userID)
}

func (l *Ledger) Active(ctx context.Context) ([]*models.PaymentRecord, error) {
	return l.repo.ListActivePayments(ctx)
}

func (l *Ledger) ExpiredActive(ctx context.Context) ([]*models.PaymentRecord, error) {
	return l.repo.ListExpiredActive(ctx, l.now())
}

func (l *Ledger) Undispatched(ctx context.Context, limit int) ([]*models.PaymentRecord, error) {
	return l.repo.ListUndispatched(ctx, limit)
}

func (l *Ledger) HasSucceeded(ctx context.Context, userID string, purpose models.Purpose, relatedID string) (bool, error) {
	return l.repo.HasSucceededPayment(ctx, userID, purpose, relatedID)
}

func (l *Ledger) MarkDispatched(ctx context.Context, id string) (bool, error) {
	return l.repo.MarkDispatched(ctx, id, l.now())
}

func (l *Ledger) RecordDispatchError(ctx context.Context, id string, cause error) error {
	return l.repo.RecordDispatchError(ctx, id, cause.Error())
}

// IsConflict reports whether err means another active record already exists.
func IsConflict(err error) bool {
	return errors.Is(err, models.ErrActivePayment)
}
