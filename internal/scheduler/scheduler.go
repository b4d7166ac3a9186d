// Package scheduler dispatches deferred one-shot reminders through the
// delivery engine when their run time passes.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amakihi/fanpush/internal/db"
	"github.com/amakihi/fanpush/internal/engine"
	"github.com/amakihi/fanpush/internal/metrics"
)

// Repository is the scheduled-notification storage contract.
type Repository interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*db.ScheduledNotification, error)
	MarkSent(ctx context.Context, id uuid.UUID) (bool, error)
}

// Dispatcher is the delivery engine surface the scheduler uses.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *engine.Event) (*engine.DeliveryReport, error)
}

// Config tunes the polling loop.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// Scheduler polls for due reminders and dispatches them.
type Scheduler struct {
	repo       Repository
	dispatcher Dispatcher
	config     Config
	logger     *zap.Logger
}

// New creates a scheduler.
func New(repo Repository, dispatcher Dispatcher, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 20
	}

	return &Scheduler{
		repo:       repo,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger,
	}
}

// Start runs the polling loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.processDue(ctx)
		}
	}
}

func (s *Scheduler) processDue(ctx context.Context) {
	due, err := s.repo.ListDue(ctx, time.Now(), s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to list due notifications", zap.Error(err))
		return
	}

	for _, sched := range due {
		s.dispatchOne(ctx, sched)
	}
}

// dispatchOne claims the reminder before sending. The claim is the
// exactly-once flip of the sent flag; a reminder that loses the claim
// race belongs to the other scheduler pass. At-most-once delivery: a
// dispatch failure after a successful claim is logged, not retried.
func (s *Scheduler) dispatchOne(ctx context.Context, sched *db.ScheduledNotification) {
	claimed, err := s.repo.MarkSent(ctx, sched.ID)
	if err != nil {
		s.logger.Error("failed to claim scheduled notification",
			zap.Error(err),
			zap.String("id", sched.ID.String()),
		)
		return
	}
	if !claimed {
		return
	}

	var event engine.Event
	if err := json.Unmarshal(sched.Payload, &event); err != nil {
		s.logger.Error("scheduled notification has invalid payload",
			zap.Error(err),
			zap.String("id", sched.ID.String()),
		)
		return
	}

	report, err := s.dispatcher.Dispatch(ctx, &event)
	if err != nil {
		s.logger.Error("failed to dispatch scheduled notification",
			zap.Error(err),
			zap.String("id", sched.ID.String()),
		)
		return
	}

	metrics.RecordScheduledDispatched()
	s.logger.Info("scheduled notification dispatched",
		zap.String("id", sched.ID.String()),
		zap.String("status", report.Status),
		zap.Int("subscribers", report.Subscribers),
	)
}
