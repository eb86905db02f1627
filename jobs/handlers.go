package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/watchpost/watchpost/internal/incidents"
	jobmetrics "github.com/watchpost/watchpost/internal/jobs"
)

// NotificationDeliverer sends one notification attempt.
type NotificationDeliverer interface {
	DeliverNotification(ctx context.Context, id uuid.UUID, attempt, maxAttempts int) error
}

// PendingRequeuer re-enqueues outbox rows whose task was lost.
type PendingRequeuer interface {
	RequeuePending(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// CommandRunner exposes the command operations run in the background.
type CommandRunner interface {
	Dispatch(ctx context.Context, agentID uuid.UUID) (int, error)
	SweepTimeouts(ctx context.Context, now time.Time) (int, error)
}

// KeyPruner deletes idempotency keys older than a cutoff.
type KeyPruner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

func isDuplicate(err error) bool {
	return errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask)
}

// NotifyJob delivers incident notifications.
type NotifyJob struct {
	Deliverer   NotificationDeliverer
	MaxAttempts int
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
}

// Handle runs one delivery attempt. The attempt number comes from the asynq
// retry counter. The final failure stops asynq from retrying again.
func (j *NotifyJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Deliverer == nil {
		return errors.New("notify: handler not configured")
	}
	var payload NotifyDeliverPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.NotificationID == uuid.Nil {
		return fmt.Errorf("notify: bad payload: %w", asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskNotifyDeliver)
	defer func() { err = tracker.End(err) }()

	retried, _ := asynq.GetRetryCount(ctx)
	attempt := retried + 1
	err = j.Deliverer.DeliverNotification(ctx, payload.NotificationID, attempt, j.MaxAttempts)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, incidents.ErrDeliveryExhausted):
		logger(j.Logger).Error("notification delivery exhausted",
			slog.String("notification_id", payload.NotificationID.String()),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		logger(j.Logger).Warn("notification delivery failed",
			slog.String("notification_id", payload.NotificationID.String()),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		return err
	}
}

// DispatchJob drains one agent's command queue.
type DispatchJob struct {
	Commands CommandRunner
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// Handle dispatches queued commands for the payload agent.
func (j *DispatchJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	var payload DispatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.AgentID == uuid.Nil {
		return fmt.Errorf("dispatch: bad payload: %w", asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskCommandsDispatch)
	defer func() { err = tracker.End(err) }()

	n, err := j.Commands.Dispatch(ctx, payload.AgentID)
	if err != nil {
		return err
	}
	if n > 0 {
		logger(j.Logger).Info("commands dispatched", slog.String("agent_id", payload.AgentID.String()), slog.Int("count", n))
	}
	return nil
}

// SweepJob times out overdue commands.
type SweepJob struct {
	Commands CommandRunner
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// Handle runs one sweep pass.
func (j *SweepJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	tracker := j.Metrics.Track(TaskCommandsSweep)
	defer func() { err = tracker.End(err) }()

	now := time.Now().UTC()
	if j.clock != nil {
		now = j.clock()
	}
	n, err := j.Commands.SweepTimeouts(ctx, now)
	if err != nil {
		return err
	}
	if n > 0 {
		logger(j.Logger).Warn("commands timed out", slog.Int("count", n))
		j.Metrics.AddTimedOut(n)
	}
	return nil
}

// CleanupJob prunes expired idempotency keys and re-queues notifications
// that never reached a worker.
type CleanupJob struct {
	Keys     KeyPruner
	Outbox   PendingRequeuer
	Defaults CleanupPayload
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// Handle runs the maintenance pass.
func (j *CleanupJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	payload := j.Defaults
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("cleanup: bad payload: %w", asynq.SkipRetry)
		}
	}
	if payload.IdempotencyTTL <= 0 {
		payload.IdempotencyTTL = 24 * time.Hour
	}
	if payload.StalePending <= 0 {
		payload.StalePending = 10 * time.Minute
	}
	tracker := j.Metrics.Track(TaskMaintenanceCleanup)
	defer func() { err = tracker.End(err) }()

	var errs []error
	if j.Keys != nil {
		removed, err := j.Keys.Cleanup(ctx, payload.IdempotencyTTL)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune idempotency keys: %w", err))
		} else if removed > 0 {
			logger(j.Logger).Info("idempotency keys pruned", slog.Int64("count", removed))
		}
	}
	if j.Outbox != nil {
		requeued, err := j.Outbox.RequeuePending(ctx, payload.StalePending, 500)
		if err != nil {
			errs = append(errs, fmt.Errorf("requeue notifications: %w", err))
		} else if requeued > 0 {
			logger(j.Logger).Warn("stale notifications requeued", slog.Int("count", requeued))
		}
	}
	return errors.Join(errs...)
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
