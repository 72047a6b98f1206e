package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"go-attendance-verifier/facematch"
)

const TypeReviewTask = "attendance:review"

const DefaultReviewQueueName = "reviews"

// ReviewTask asks a human to look at a low confidence verification.
type ReviewTask struct {
	UserID     string           `json:"user_id"`
	ActivityID string           `json:"activity_id"`
	Similarity float64          `json:"similarity"`
	Method     facematch.Method `json:"method"`
	// UpdatedAt of the record the review was requested for
	UpdatedAt time.Time `json:"updated_at"`
}

type ReviewQueue interface {
	Enqueue(ctx context.Context, task ReviewTask) error
}

// ReviewWorker stamps records when their review request was processed.
type ReviewWorker struct {
	store Store
	now   func() time.Time
}

func NewReviewWorker(store Store) *ReviewWorker {
	return &ReviewWorker{store: store, now: time.Now}
}

func (w *ReviewWorker) Process(ctx context.Context, task ReviewTask) error {
	err := w.store.MarkReviewRequested(ctx, task.UserID, task.ActivityID, w.now())
	if err != nil {
		return fmt.Errorf("failed to mark review requested: %w", err)
	}
	slog.Info("Attendance queued for manual review",
		"user_id", task.UserID,
		"activity_id", task.ActivityID,
		"similarity", task.Similarity,
		"method", task.Method)
	return nil
}

// ProcessTask is the asynq handler for TypeReviewTask.
func (w *ReviewWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var task ReviewTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		slog.Error("an error occurred while unmarshalling review task payload", "error", err)
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	err := w.Process(ctx, task)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return err
}

// InlineQueue processes review tasks synchronously in the caller.
type InlineQueue struct {
	Worker *ReviewWorker
}

func (q *InlineQueue) Enqueue(ctx context.Context, task ReviewTask) error {
	return q.Worker.Process(ctx, task)
}

type AsynqQueue struct {
	client *asynq.Client
	queue  string
}

func NewAsynqQueue(opt asynq.RedisConnOpt, queue string) *AsynqQueue {
	if queue == "" {
		queue = DefaultReviewQueueName
	}
	return &AsynqQueue{client: asynq.NewClient(opt), queue: queue}
}

func NewReviewTask(task ReviewTask) (*asynq.Task, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal review task: %w", err)
	}
	return asynq.NewTask(TypeReviewTask, payload), nil
}

// reviewTaskID is unique per saved record version, so a repeated enqueue of
// one save is deduplicated while a later verification gets its own task.
func reviewTaskID(task ReviewTask) string {
	return fmt.Sprintf("%s:%s:%d", task.UserID, task.ActivityID, task.UpdatedAt.UnixNano())
}

func (q *AsynqQueue) Enqueue(ctx context.Context, task ReviewTask) error {
	t, err := NewReviewTask(task)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, t,
		asynq.Queue(q.queue),
		asynq.MaxRetry(10),
		asynq.Timeout(60*time.Second),
		asynq.TaskID(reviewTaskID(task)))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		slog.Debug("Review task already queued", "user_id", task.UserID, "activity_id", task.ActivityID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue review task: %w", err)
	}
	slog.Debug("Review task enqueued", "task_id", info.ID, "queue", info.Queue)
	return nil
}

func (q *AsynqQueue) Close() error {
	return q.client.Close()
}

// NewReviewServer builds the asynq server and mux that run the worker.
func NewReviewServer(opt asynq.RedisConnOpt, worker *ReviewWorker, queue string, concurrency int) (*asynq.Server, *asynq.ServeMux) {
	if queue == "" {
		queue = DefaultReviewQueueName
	}
	if concurrency <= 0 {
		concurrency = 10
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeReviewTask, worker.ProcessTask)
	return srv, mux
}
