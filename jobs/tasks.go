package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries command dispatch, which an operator is waiting on.
	QueueCritical = "critical"

	// TaskNotifyDeliver sends one queued incident notification.
	TaskNotifyDeliver = "notify:deliver"
	// TaskCommandsDispatch pushes queued commands of one agent to its channel.
	TaskCommandsDispatch = "commands:dispatch"
	// TaskCommandsSweep moves overdue commands to timeout.
	TaskCommandsSweep = "commands:sweep_timeouts"
	// TaskMaintenanceCleanup prunes idempotency keys and re-queues stuck notifications.
	TaskMaintenanceCleanup = "maintenance:cleanup"
)

// NotifyDeliverPayload identifies the notification row to send.
type NotifyDeliverPayload struct {
	NotificationID uuid.UUID `json:"notification_id"`
}

// DispatchPayload identifies the agent whose queue should be drained.
type DispatchPayload struct {
	AgentID uuid.UUID `json:"agent_id"`
}

// CleanupPayload configures the maintenance pass.
type CleanupPayload struct {
	IdempotencyTTL time.Duration `json:"idempotency_ttl"`
	StalePending   time.Duration `json:"stale_pending"`
}

// NewNotifyDeliverTask builds a delivery task. maxAttempts bounds the total
// number of sends, so asynq retries maxAttempts-1 times.
func NewNotifyDeliverTask(id uuid.UUID, maxAttempts int) (*asynq.Task, error) {
	body, err := json.Marshal(NotifyDeliverPayload{NotificationID: id})
	if err != nil {
		return nil, err
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return asynq.NewTask(TaskNotifyDeliver, body,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(maxAttempts-1),
		asynq.TaskID(notifyTaskID(id)),
	), nil
}

func notifyTaskID(id uuid.UUID) string {
	return "notify:" + id.String()
}

// NewDispatchTask builds a dispatch task for agentID.
func NewDispatchTask(agentID uuid.UUID) (*asynq.Task, error) {
	body, err := json.Marshal(DispatchPayload{AgentID: agentID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCommandsDispatch, body, asynq.Queue(QueueCritical), asynq.MaxRetry(3)), nil
}

// NewSweepTask builds the periodic timeout sweep.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskCommandsSweep, nil, asynq.Queue(QueueCritical), asynq.MaxRetry(0))
}

// NewCleanupTask builds the maintenance task.
func NewCleanupTask(payload CleanupPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskMaintenanceCleanup, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}

// Client submits jobs to the queue.
type Client struct {
	client      *asynq.Client
	inspector   *asynq.Inspector
	maxAttempts int
}

// NewClient constructs an Asynq client. maxAttempts applies to notification
// delivery tasks.
func NewClient(redisOpts asynq.RedisClientOpt, maxAttempts int) *Client {
	return &Client{
		client:      asynq.NewClient(redisOpts),
		inspector:   asynq.NewInspector(redisOpts),
		maxAttempts: maxAttempts,
	}
}

// EnqueueNotification schedules delivery of one outbox row. A notification
// already queued is not queued twice.
func (c *Client) EnqueueNotification(ctx context.Context, id uuid.UUID) error {
	_, err := c.enqueueNotification(ctx, id)
	return err
}

// RequeueNotification schedules a row left pending. An archived task for the
// row holds its task id, so it is deleted first; a task still queued, scheduled
// or retrying is left alone and false is returned.
func (c *Client) RequeueNotification(ctx context.Context, id uuid.UUID) (bool, error) {
	taskID := notifyTaskID(id)
	info, err := c.inspector.GetTaskInfo(QueueDefault, taskID)
	switch {
	case err == nil && info.State == asynq.TaskStateArchived:
		if err := c.inspector.DeleteTask(QueueDefault, taskID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return false, err
		}
	case err == nil:
		return false, nil
	case !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound):
		return false, err
	}
	return c.enqueueNotification(ctx, id)
}

func (c *Client) enqueueNotification(ctx context.Context, id uuid.UUID) (bool, error) {
	task, err := NewNotifyDeliverTask(id, c.maxAttempts)
	if err != nil {
		return false, err
	}
	_, err = c.client.EnqueueContext(ctx, task)
	if isDuplicate(err) {
		return false, nil
	}
	return err == nil, err
}

// ScheduleDispatch asks a worker to drain agentID's queued commands.
func (c *Client) ScheduleDispatch(ctx context.Context, agentID uuid.UUID) error {
	task, err := NewDispatchTask(agentID)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task)
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	return errors.Join(c.inspector.Close(), c.client.Close())
}
