// Package dispatcher runs the purpose specific completion action of a
// succeeded payment exactly once.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/core-coin/solvo/internal/metrics"
	"github.com/core-coin/solvo/internal/models"
	"github.com/core-coin/solvo/pkg/logger"
)

// Completion is what a handler gets to know about a settled payment.
type Completion struct {
	PaymentID string
	UserID    string
	RelatedID string
	TxHash    string
	Metadata  map[string]interface{}
}

// Handler applies the side effect of a succeeded payment. Handlers must be
// safe to run again for the same payment id.
type Handler interface {
	Handle(ctx context.Context, c Completion) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c Completion) error

func (f HandlerFunc) Handle(ctx context.Context, c Completion) error {
	return f(ctx, c)
}

// Store is the part of the ledger the dispatcher needs.
type Store interface {
	Get(ctx context.Context, id string) (*models.PaymentRecord, error)
	MarkDispatched(ctx context.Context, id string) (bool, error)
	RecordDispatchError(ctx context.Context, id string, cause error) error
}

type Dispatcher struct {
	logger  *logger.Logger
	store   Store
	metrics *metrics.Metrics

	mu       sync.RWMutex
	handlers map[models.Purpose]Handler

	locksMu sync.Mutex
	locks   map[string]*paymentLock
}

type paymentLock struct {
	mu   sync.Mutex
	refs int
}

func New(store Store, metrics *metrics.Metrics, logger *logger.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		store:    store,
		metrics:  metrics,
		handlers: make(map[models.Purpose]Handler),
		locks:    make(map[string]*paymentLock),
	}
}

// Register binds h to purpose, replacing any earlier handler.
func (d *Dispatcher) Register(purpose models.Purpose, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[purpose] = h
}

func (d *Dispatcher) handler(purpose models.Purpose) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[purpose]
	return h, ok
}

// Dispatch runs the handler for a succeeded payment unless it already ran.
// Calls for the same payment are serialized.
func (d *Dispatcher) Dispatch(ctx context.Context, paymentID string) error {
	unlock := d.lock(paymentID)
	defer unlock()

	record, err := d.store.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	if record.Status != models.StatusSucceeded {
		return fmt.Errorf("%w: payment %s is %s", models.ErrInvalidTransition, paymentID, record.Status)
	}
	if record.DispatchedAt != nil {
		d.logger.Debug("Payment already dispatched", "payment_id", paymentID)
		return nil
	}

	h, ok := d.handler(record.Purpose)
	if !ok {
		return d.fail(ctx, record, fmt.Errorf("%w: no handler registered for purpose %s", models.ErrDispatchFailure, record.Purpose), 0)
	}

	completion := Completion{
		PaymentID: record.ID,
		UserID:    record.UserID,
		RelatedID: record.RelatedID,
		Metadata:  record.Metadata,
	}
	if record.TxHash != nil {
		completion.TxHash = *record.TxHash
	}

	started := time.Now()
	if err := h.Handle(ctx, completion); err != nil {
		return d.fail(ctx, record, fmt.Errorf("%w: %s handler: %v", models.ErrDispatchFailure, record.Purpose, err), time.Since(started))
	}

	if _, err := d.store.MarkDispatched(ctx, paymentID); err != nil {
		// the side effect happened; handlers tolerate the rerun this may cause
		d.logger.Error("Failed to mark payment dispatched", "payment_id", paymentID, "error", err)
		return err
	}

	d.metrics.Dispatched(string(record.Purpose), "ok", time.Since(started).Seconds())
	d.logger.Info("Payment completion dispatched", "payment_id", paymentID, "purpose", record.Purpose, "user_id", record.UserID)
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, record *models.PaymentRecord, cause error, took time.Duration) error {
	d.metrics.Dispatched(string(record.Purpose), "error", took.Seconds())
	d.logger.Error("Payment completion failed", "payment_id", record.ID, "purpose", record.Purpose, "error", cause)
	if err := d.store.RecordDispatchError(ctx, record.ID, cause); err != nil {
		d.logger.Error("Failed to record dispatch error", "payment_id", record.ID, "error", err)
	}
	return cause
}

func (d *Dispatcher) lock(id string) func() {
	d.locksMu.Lock()
	l, ok := d.locks[id]
	if !ok {
		l = &paymentLock{}
		d.locks[id] = l
	}
	l.refs++
	d.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		d.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, id)
		}
		d.locksMu.Unlock()
	}
}
