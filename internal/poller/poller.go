// Package poller watches deposit addresses until the expected amount arrives
// or the payment window closes.
package poller

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-coin/solvo/internal/metrics"
	"github.com/core-coin/solvo/internal/models"
	"github.com/core-coin/solvo/pkg/logger"
)

// State is the lifecycle of one polling task.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateMatched
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateMatched:
		return "matched"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Sink receives the outcomes of a polling task. Returning an error wrapping
// models.ErrInvalidTransition tells the task the payment moved on without it.
type Sink interface {
	FundsDetected(ctx context.Context, paymentID string) error
	Matched(ctx context.Context, paymentID string) error
	TimedOut(ctx context.Context, paymentID string) error
}

type Config struct {
	Interval time.Duration
	// AcceptUnconfirmed counts unconfirmed funds towards the target.
	AcceptUnconfirmed bool
}

// Manager runs at most one polling task per payment.
type Manager struct {
	logger  *logger.Logger
	checker models.BalanceChecker
	sink    Sink
	metrics *metrics.Metrics
	config  Config

	mu    sync.Mutex
	tasks map[string]*Handle
	wg    sync.WaitGroup
}

func NewManager(checker models.BalanceChecker, sink Sink, config Config, metrics *metrics.Metrics, logger *logger.Logger) *Manager {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	return &Manager{
		logger:  logger,
		checker: checker,
		sink:    sink,
		metrics: metrics,
		config:  config,
		tasks:   make(map[string]*Handle),
	}
}

// Handle controls a running task.
type Handle struct {
	id       string
	account  string
	address  string
	currency string
	target   *big.Int
	deadline time.Time

	state   atomic.Int32
	cancel  context.CancelFunc
	trigger chan struct{}
	done    chan struct{}
}

func (h *Handle) PaymentID() string { return h.id }

func (h *Handle) State() State { return State(h.state.Load()) }

// Stop cancels the task. It does not wait for it to exit.
func (h *Handle) Stop() { h.cancel() }

// Done is closed once the task has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task exits and returns its final state.
func (h *Handle) Wait() State {
	<-h.done
	return h.State()
}

// Start begins polling record's address. When the payment is already being
// polled the existing handle is returned. The task ends when ctx is cancelled.
func (m *Manager) Start(ctx context.Context, record *models.PaymentRecord) (*Handle, error) {
	if record.Address() == "" {
		return nil, fmt.Errorf("%w: payment %s has no deposit address", models.ErrInvalidRequest, record.ID)
	}
	if !record.Status.Active() {
		return nil, fmt.Errorf("%w: payment %s is %s", models.ErrInvalidTransition, record.ID, record.Status)
	}
	target, err := record.RequiredAmount()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.tasks[record.ID]; ok {
		return h, nil
	}

	taskCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		id:       record.ID,
		account:  record.Account,
		address:  record.Address(),
		currency: record.CryptoCurrency,
		target:   target,
		deadline: record.ExpiresAt,
		cancel:   cancel,
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	m.tasks[record.ID] = h
	m.wg.Add(1)
	m.metrics.PollerStarted()

	go m.run(taskCtx, h, record.Status == models.StatusProcessing)

	m.logger.Debug("Polling started", "payment_id", record.ID, "currency", record.CryptoCurrency, "deadline", record.ExpiresAt)
	return h, nil
}

// Stop cancels the task of paymentID and reports whether one was running.
func (m *Manager) Stop(paymentID string) bool {
	m.mu.Lock()
	h, ok := m.tasks[paymentID]
	m.mu.Unlock()
	if ok {
		h.Stop()
	}
	return ok
}

// CheckNow makes the task of paymentID query the balance without waiting for the next tick.
func (m *Manager) CheckNow(paymentID string) bool {
	m.mu.Lock()
	h, ok := m.tasks[paymentID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case h.trigger <- struct{}{}:
	default:
	}
	return true
}

func (m *Manager) Get(paymentID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.tasks[paymentID]
	return h, ok
}

// Running returns the number of live tasks.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Shutdown cancels every task and waits for them to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, h := range m.tasks {
		h.Stop()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, h *Handle, fundsSeen bool) {
	defer func() {
		m.mu.Lock()
		if m.tasks[h.id] == h {
			delete(m.tasks, h.id)
		}
		m.mu.Unlock()
		h.cancel()
		m.metrics.PollerStopped()
		close(h.done)
		m.wg.Done()
	}()

	h.state.Store(int32(StatePolling))

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	deadline := time.NewTimer(time.Until(h.deadline))
	defer deadline.Stop()

	for {
		if ctx.Err() != nil {
			h.state.Store(int32(StateCancelled))
			return
		}

		matched, err := m.check(ctx, h, &fundsSeen)
		if err != nil {
			m.metrics.PollTick("error")
			m.logger.Warn("Balance check failed", "payment_id", h.id, "error", fmt.Errorf("%w: %v", models.ErrTransientPoll, err))
		}
		if matched {
			if done := m.settle(ctx, h); done {
				return
			}
		} else if !time.Now().Before(h.deadline) {
			m.expire(ctx, h)
			return
		}

		select {
		case <-ctx.Done():
			h.state.Store(int32(StateCancelled))
			return
		case <-ticker.C:
		case <-h.trigger:
		case <-deadline.C:
		}
	}
}

// check queries the balance once and reports whether the target is reached.
func (m *Manager) check(ctx context.Context, h *Handle, fundsSeen *bool) (bool, error) {
	balance, err := m.checker.GetBalance(ctx, h.account, h.address, h.currency)
	if err != nil {
		return false, err
	}

	received := counted(balance, m.config.AcceptUnconfirmed)
	if received.Cmp(h.target) >= 0 {
		m.metrics.PollTick("matched")
		m.logger.Info("Expected amount received", "payment_id", h.id, "received", received.String(), "target", h.target.String())
		return true, nil
	}

	if received.Sign() > 0 {
		m.metrics.PollTick("partial")
		if !*fundsSeen {
			if err := m.sink.FundsDetected(ctx, h.id); err != nil && !errors.Is(err, models.ErrInvalidTransition) {
				return false, err
			}
			*fundsSeen = true
			m.logger.Info("Funds detected", "payment_id", h.id, "received", received.String(), "target", h.target.String())
		}
		return false, nil
	}

	m.metrics.PollTick("below")
	return false, nil
}

// settle reports whether the task is finished.
func (m *Manager) settle(ctx context.Context, h *Handle) bool {
	err := m.sink.Matched(ctx, h.id)
	switch {
	case err == nil:
		h.state.Store(int32(StateMatched))
		return true
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrPaymentNotFound):
		m.logger.Warn("Payment settled elsewhere, stopping poller", "payment_id", h.id, "error", err)
		h.state.Store(int32(StateCancelled))
		return true
	default:
		m.logger.Error("Failed to settle matched payment, retrying on next tick", "payment_id", h.id, "error", err)
		return false
	}
}

func (m *Manager) expire(ctx context.Context, h *Handle) {
	h.state.Store(int32(StateTimedOut))
	if err := m.sink.TimedOut(ctx, h.id); err != nil {
		m.logger.Warn("Failed to expire payment", "payment_id", h.id, "error", err)
		return
	}
	m.logger.Info("Payment window elapsed", "payment_id", h.id, "error", models.ErrTimeoutExpired)
}

func counted(b *models.Balance, acceptUnconfirmed bool) *big.Int {
	if b == nil {
		return new(big.Int)
	}
	v := b.Available
	if acceptUnconfirmed && b.Total != nil {
		v = b.Total
	}
	if v == nil {
		return new(big.Int)
	}
	return v
}
