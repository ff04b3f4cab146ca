package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/core-coin/solvo/internal/models"
)

// Memory is an in-process payment store with the same guarantees as Database.
type Memory struct {
	mu        sync.RWMutex
	payments  map[string]*models.PaymentRecord
	active    map[string]string // active key -> payment id
	addresses map[string]string // payment address -> payment id
}

func NewMemory() *Memory {
	return &Memory{
		payments:  make(map[string]*models.PaymentRecord),
		active:    make(map[string]string),
		addresses: make(map[string]string),
	}
}

func (m *Memory) CreatePayment(_ context.Context, payment *models.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[payment.ID]; ok {
		return fmt.Errorf("payment %s already exists", payment.ID)
	}

	var key string
	if payment.Status.Active() {
		key = models.ActivePaymentKey(payment.UserID, payment.Purpose, payment.RelatedID)
		if _, ok := m.active[key]; ok {
			return fmt.Errorf("%w: %s", models.ErrActivePayment, key)
		}
	}
	if addr := payment.Address(); addr != "" {
		if _, ok := m.addresses[addr]; ok {
			return fmt.Errorf("%w: %s", models.ErrAddressInUse, addr)
		}
	}

	stored := payment.Clone()
	if key != "" {
		stored.ActiveKey = &key
		m.active[key] = stored.ID
	} else {
		stored.ActiveKey = nil
	}
	if addr := stored.Address(); addr != "" {
		m.addresses[addr] = stored.ID
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.UpdatedAt = stored.CreatedAt
	m.payments[stored.ID] = stored

	payment.ActiveKey = stored.ActiveKey
	payment.CreatedAt = stored.CreatedAt
	payment.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *Memory) GetPayment(_ context.Context, id string) (*models.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrPaymentNotFound, id)
	}
	return p.Clone(), nil
}

func (m *Memory) GetActivePayment(_ context.Context, userID string, purpose models.Purpose, relatedID string) (*models.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.active[models.ActivePaymentKey(userID, purpose, relatedID)]
	if !ok {
		return nil, nil
	}
	return m.payments[id].Clone(), nil
}

func (m *Memory) GetPaymentsByUser(_ context.Context, userID string) ([]*models.PaymentRecord, error) {
	return m.filter(func(p *models.PaymentRecord) bool { return p.UserID == userID }, func(a, b *models.PaymentRecord) bool {
		return a.CreatedAt.After(b.CreatedAt)
	}, 0), nil
}

func (m *Memory) ListActivePayments(_ context.Context) ([]*models.PaymentRecord, error) {
	return m.filter(func(p *models.PaymentRecord) bool { return p.Status.Active() }, byCreated, 0), nil
}

func (m *Memory) ListExpiredActive(_ context.Context, now time.Time) ([]*models.PaymentRecord, error) {
	return m.filter(func(p *models.PaymentRecord) bool {
		return p.Status.Active() && !p.ExpiresAt.After(now)
	}, byCreated, 0), nil
}

func (m *Memory) ListUndispatched(_ context.Context, limit int) ([]*models.PaymentRecord, error) {
	return m.filter(func(p *models.PaymentRecord) bool {
		return p.Status == models.StatusSucceeded && p.DispatchedAt == nil
	}, byCreated, limit), nil
}

func (m *Memory) HasSucceededPayment(_ context.Context, userID string, purpose models.Purpose, relatedID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.payments {
		if p.UserID == userID && p.Purpose == purpose && p.RelatedID == relatedID && p.Status == models.StatusSucceeded {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) AssignAddress(_ context.Context, id, address, account string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", models.ErrPaymentNotFound, id)
	}
	if p.Status != models.StatusPending || p.PaymentAddress != nil {
		return false, nil
	}
	if owner, ok := m.addresses[address]; ok && owner != id {
		return false, fmt.Errorf("%w: %s", models.ErrAddressInUse, address)
	}

	addr := address
	p.PaymentAddress = &addr
	p.Account = account
	p.UpdatedAt = time.Now().UTC()
	m.addresses[address] = id
	return true, nil
}

func (m *Memory) ChangeStatus(_ context.Context, change models.StatusChange) (bool, error) {
	if !change.From.CanTransition(change.To) {
		return false, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, change.From, change.To)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[change.ID]
	if !ok {
		return false, fmt.Errorf("%w: %s", models.ErrPaymentNotFound, change.ID)
	}
	if p.Status != change.From {
		return false, nil
	}

	p.Status = change.To
	p.UpdatedAt = time.Now().UTC()
	if change.To.Terminal() && p.ActiveKey != nil {
		delete(m.active, *p.ActiveKey)
		p.ActiveKey = nil
	}
	if change.TxHash != nil {
		v := *change.TxHash
		p.TxHash = &v
	}
	if change.Reason != "" {
		p.FailureReason = change.Reason
	}
	if change.CompletedAt != nil {
		v := *change.CompletedAt
		p.CompletedAt = &v
	}
	return true, nil
}

func (m *Memory) MarkDispatched(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", models.ErrPaymentNotFound, id)
	}
	if p.Status != models.StatusSucceeded || p.DispatchedAt != nil {
		return false, nil
	}
	p.DispatchedAt = &at
	p.DispatchError = ""
	p.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) RecordDispatchError(_ context.Context, id string, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrPaymentNotFound, id)
	}
	if p.DispatchedAt == nil {
		p.DispatchError = msg
		p.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func byCreated(a, b *models.PaymentRecord) bool {
	return a.CreatedAt.Before(b.CreatedAt)
}

func (m *Memory) filter(keep func(*models.PaymentRecord) bool, less func(a, b *models.PaymentRecord) bool, limit int) []*models.PaymentRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.PaymentRecord, 0)
	for _, p := range m.payments {
		if keep(p) {
			out = append(out, p.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
