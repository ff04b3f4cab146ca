package solvo

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	sweeperLock  = "solvo-sweeper"
	sweeperLease = 2 * time.Minute
	// dispatchBatch bounds how many completions a single sweep retries.
	dispatchBatch = 50
)

// SweepResult counts what one sweep did.
type SweepResult struct {
	Skipped     bool
	Expired     int
	Provisioned int
	Dispatched  int
}

func (s *Solvo) startCron() error {
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger{s}),
		cron.SkipIfStillRunning(cronLogger{s}),
	))
	if _, err := s.cron.AddFunc(s.config.SweepSchedule, func() {
		res := s.Sweep(s.ctx)
		if !res.Skipped {
			s.logger.Debug("Sweep finished", "expired", res.Expired, "provisioned", res.Provisioned, "dispatched", res.Dispatched)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.config.SweepSchedule, err)
	}
	s.cron.Start()
	s.logger.Info("Sweeper scheduled", "schedule", s.config.SweepSchedule, "instance", s.config.InstanceID)
	return nil
}

// Sweep catches up on work no poller owns: it expires abandoned payments,
// retries failed provisioning and reruns failed completions. Only the
// instance holding the sweeper lease does the work.
func (s *Solvo) Sweep(ctx context.Context) SweepResult {
	if s.locker != nil {
		ok, err := s.locker.TryAcquire(ctx, sweeperLock, s.config.InstanceID, sweeperLease)
		if err != nil {
			s.logger.Error("Failed to acquire sweeper lock", "error", err)
			return SweepResult{Skipped: true}
		}
		if !ok {
			return SweepResult{Skipped: true}
		}
		defer func() {
			if err := s.locker.Release(context.Background(), sweeperLock, s.config.InstanceID); err != nil {
				s.logger.Warn("Failed to release sweeper lock", "error", err)
			}
		}()
	}

	return SweepResult{
		Expired:     s.expireAbandoned(ctx),
		Provisioned: s.retryProvisioning(ctx),
		Dispatched:  s.retryDispatch(ctx),
	}
}

func (s *Solvo) expireAbandoned(ctx context.Context) int {
	expired, err := s.ledger.ExpiredActive(ctx)
	if err != nil {
		s.logger.Error("Failed to list expired payments", "error", err)
		return 0
	}

	n := 0
	for _, record := range expired {
		// a live poller closes its own window
		if _, polling := s.pollers.Get(record.ID); polling {
			continue
		}
		_, changed, err := s.ledger.Expire(ctx, record.ID)
		if err != nil {
			s.logger.Warn("Failed to expire payment", "payment_id", record.ID, "error", err)
			continue
		}
		if changed {
			s.metrics.StatusChanged("expired")
			n++
		}
	}
	return n
}

func (s *Solvo) retryProvisioning(ctx context.Context) int {
	active, err := s.ledger.Active(ctx)
	if err != nil {
		s.logger.Error("Failed to list active payments", "error", err)
		return 0
	}

	now := s.ledger.Now()
	n := 0
	for _, record := range active {
		if record.Address() != "" || !now.Before(record.ExpiresAt) {
			continue
		}
		if _, err := s.provision(ctx, record); err != nil {
			continue
		}
		n++
	}
	return n
}

func (s *Solvo) retryDispatch(ctx context.Context) int {
	pending, err := s.ledger.Undispatched(ctx, dispatchBatch)
	if err != nil {
		s.logger.Error("Failed to list undispatched payments", "error", err)
		return 0
	}

	n := 0
	for _, record := range pending {
		if err := s.dispatcher.Dispatch(ctx, record.ID); err != nil {
			s.logger.Warn("Completion retry failed", "payment_id", record.ID, "error", err)
			continue
		}
		n++
	}
	return n
}

// cronLogger routes cron's own messages to the service logger.
type cronLogger struct {
	s *Solvo
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
