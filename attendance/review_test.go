package attendance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"go-attendance-verifier/facematch"
)

func TestInlineQueue_StampsReviewRequest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.Save(ctx, sampleRecord("bob", "lecture-1", StatusPendingReview))
	require.NoError(t, err)

	at := time.Date(2024, 9, 2, 12, 0, 0, 0, time.UTC)
	worker := NewReviewWorker(store)
	worker.now = func() time.Time { return at }

	queue := &InlineQueue{Worker: worker}
	require.NoError(t, queue.Enqueue(ctx, ReviewTask{UserID: "bob", ActivityID: "lecture-1", Similarity: 0.5}))

	rec, err := store.Get(ctx, "bob", "lecture-1")
	require.NoError(t, err)
	require.NotNil(t, rec.ReviewRequestedAt)
	require.Equal(t, at, *rec.ReviewRequestedAt)
}

func TestReviewWorker_ProcessTask(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.Save(ctx, sampleRecord("bob", "lecture-1", StatusPendingReview))
	require.NoError(t, err)
	worker := NewReviewWorker(store)

	task, err := NewReviewTask(ReviewTask{
		UserID:     "bob",
		ActivityID: "lecture-1",
		Similarity: 0.61,
		Method:     facematch.MethodPerceptualHash,
	})
	require.NoError(t, err)
	require.Equal(t, TypeReviewTask, task.Type())
	require.NoError(t, worker.ProcessTask(ctx, task))

	rec, err := store.Get(ctx, "bob", "lecture-1")
	require.NoError(t, err)
	require.NotNil(t, rec.ReviewRequestedAt)
}

func TestReviewWorker_SkipsRetryForUnknownRecords(t *testing.T) {
	worker := NewReviewWorker(NewMemoryStore())

	task, err := NewReviewTask(ReviewTask{UserID: "ghost", ActivityID: "lecture-1"})
	require.NoError(t, err)
	err = worker.ProcessTask(context.Background(), task)
	require.True(t, errors.Is(err, asynq.SkipRetry))

	err = worker.ProcessTask(context.Background(), asynq.NewTask(TypeReviewTask, []byte("{not json")))
	require.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestReviewTaskID_UniquePerRecordVersion(t *testing.T) {
	first := ReviewTask{UserID: "bob", ActivityID: "lecture-1", UpdatedAt: time.Date(2024, 9, 2, 12, 0, 0, 0, time.UTC)}
	again := first
	again.Similarity = 0.4
	require.Equal(t, reviewTaskID(first), reviewTaskID(again))

	reverified := first
	reverified.UpdatedAt = first.UpdatedAt.Add(time.Minute)
	require.NotEqual(t, reviewTaskID(first), reviewTaskID(reverified))

	otherUser := first
	otherUser.UserID = "carol"
	require.NotEqual(t, reviewTaskID(first), reviewTaskID(otherUser))
}

func TestAsynqQueue_EnqueuesEachRecordVersion(t *testing.T) {
	addr := os.Getenv("ATTENDANCE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ATTENDANCE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	opt := asynq.RedisClientOpt{Addr: addr}
	queueName := fmt.Sprintf("test-reviews-%d", time.Now().UnixNano())

	queue := NewAsynqQueue(opt, queueName)
	t.Cleanup(func() { _ = queue.Close() })
	inspector := asynq.NewInspector(opt)
	t.Cleanup(func() {
		_ = inspector.DeleteQueue(queueName, true)
		_ = inspector.Close()
	})

	task := ReviewTask{UserID: "bob", ActivityID: "lecture-1", UpdatedAt: time.Now()}
	require.NoError(t, queue.Enqueue(ctx, task))
	require.NoError(t, queue.Enqueue(ctx, task), "duplicate enqueue of one save is not an error")

	task.UpdatedAt = task.UpdatedAt.Add(time.Minute)
	require.NoError(t, queue.Enqueue(ctx, task))

	pending, err := inspector.ListPendingTasks(queueName)
	require.NoError(t, err)
	require.Len(t, pending, 2)
}
