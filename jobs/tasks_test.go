package jobs

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T) (*Client, *asynq.Inspector) {
	t.Helper()
	mr := miniredis.RunT(t)
	opts := asynq.RedisClientOpt{Addr: mr.Addr()}
	client := NewClient(opts, 3)
	inspector := asynq.NewInspector(opts)
	t.Cleanup(func() {
		_ = inspector.Close()
		_ = client.Close()
	})
	return client, inspector
}

func TestRequeueNotificationReplacesArchivedTask(t *testing.T) {
	client, inspector := newQueue(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, client.EnqueueNotification(ctx, id))
	require.NoError(t, client.EnqueueNotification(ctx, id), "a second enqueue of a live task is absorbed")

	queued, err := client.RequeueNotification(ctx, id)
	require.NoError(t, err)
	require.False(t, queued, "a pending task is left alone")

	require.NoError(t, inspector.ArchiveTask(QueueDefault, notifyTaskID(id)))
	queued, err = client.RequeueNotification(ctx, id)
	require.NoError(t, err)
	require.True(t, queued)

	info, err := inspector.GetTaskInfo(QueueDefault, notifyTaskID(id))
	require.NoError(t, err)
	require.Equal(t, asynq.TaskStatePending, info.State)

	archived, err := inspector.ListArchivedTasks(QueueDefault)
	require.NoError(t, err)
	require.Empty(t, archived)
}

func TestRequeueNotificationWithoutPriorTask(t *testing.T) {
	client, inspector := newQueue(t)
	ctx := context.Background()

	queued, err := client.RequeueNotification(ctx, uuid.New())
	require.NoError(t, err, "an unknown queue counts as no prior task")
	require.True(t, queued)

	queued, err = client.RequeueNotification(ctx, uuid.New())
	require.NoError(t, err)
	require.True(t, queued)

	pending, err := inspector.ListPendingTasks(QueueDefault)
	require.NoError(t, err)
	require.Len(t, pending, 2)
}
