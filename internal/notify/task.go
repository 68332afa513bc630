package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue/internal/config"
	"github.com/hackgods/clinic-queue/internal/queue"
)

const TypePatientNotify = "queue:notify_patient"

// NewNotifyTask wraps a queue event in an asynq task.
func NewNotifyTask(ev queue.Event) (*asynq.Task, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal notify payload: %w", err)
	}
	return asynq.NewTask(TypePatientNotify, payload), nil
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqNotifier hands queue events to the notification workers.
type AsynqNotifier struct {
	client enqueuer
	queue  string
	logger *zap.Logger
}

func NewAsynqNotifier(client enqueuer, queueName string, logger *zap.Logger) *AsynqNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsynqNotifier{client: client, queue: queueName, logger: logger}
}

func (n *AsynqNotifier) Notify(ctx context.Context, ev queue.Event) error {
	task, err := NewNotifyTask(ev)
	if err != nil {
		return err
	}
	info, err := n.client.EnqueueContext(ctx, task,
		asynq.Queue(n.queue),
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", ev.Type, err)
	}
	n.logger.Debug("notification enqueued",
		zap.String("task_id", info.ID),
		zap.String("event", string(ev.Type)),
	)
	return nil
}

// RedisOpt builds asynq connection options from the shared Redis settings.
func RedisOpt(cfg config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	}
}
