package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue/internal/config"
	"github.com/hackgods/clinic-queue/internal/queue"
)

// Message is a rendered patient notification.
type Message struct {
	ClinicID    string
	PatientKind queue.PatientKind
	PatientID   string
	Text        string
}

// Sender delivers a message over some channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the log. It stands in until a delivery channel
// is configured.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) Send(_ context.Context, msg Message) error {
	s.Logger.Info("patient notification",
		zap.String("clinic_id", msg.ClinicID),
		zap.String("patient_kind", string(msg.PatientKind)),
		zap.String("patient_id", msg.PatientID),
		zap.String("text", msg.Text),
	)
	return nil
}

type Handler struct {
	sender Sender
	logger *zap.Logger
}

func NewHandler(sender Sender, logger *zap.Logger) *Handler {
	return &Handler{sender: sender, logger: logger}
}

func (h *Handler) HandleNotify(ctx context.Context, t *asynq.Task) error {
	var ev queue.Event
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		return fmt.Errorf("decode notify payload: %v: %w", err, asynq.SkipRetry)
	}
	if ev.PatientID == nil {
		h.logger.Debug("queue event without patient", zap.String("event", string(ev.Type)), zap.String("date", ev.Date))
		return nil
	}

	text, ok := render(ev)
	if !ok {
		return nil
	}
	return h.sender.Send(ctx, Message{
		ClinicID:    ev.ClinicID.String(),
		PatientKind: ev.PatientKind,
		PatientID:   ev.PatientID.String(),
		Text:        text,
	})
}

func render(ev queue.Event) (string, bool) {
	switch ev.Type {
	case queue.EventPatientCalled:
		return "It's your turn. Please proceed to the consultation room.", true
	case queue.EventPositionChanged:
		if ev.Position == nil {
			return "", false
		}
		if *ev.Position == 1 {
			return "You are next in line.", true
		}
		return fmt.Sprintf("Your place in the queue is now %d.", *ev.Position), true
	case queue.EventMarkedAbsent:
		return "We called you but couldn't find you. Please check in at the front desk.", true
	case queue.EventPatientReturned:
		return "Welcome back. You have been placed back in the queue.", true
	case queue.EventNoShow:
		return "Your appointment was marked as missed. Please contact the clinic to rebook.", true
	case queue.EventWaitlistPromoted:
		return "A slot opened up and you have been booked for today.", true
	}
	return "", false
}

// NewServeMux registers the notification task handlers.
func NewServeMux(h *Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypePatientNotify, h.HandleNotify)
	return mux
}

// NewServer builds the asynq worker server for notification tasks.
func NewServer(cfg config.Config, logger *zap.Logger) *asynq.Server {
	return asynq.NewServer(RedisOpt(cfg), asynq.Config{
		Concurrency: cfg.NotifyConcurrency,
		Queues:      map[string]int{cfg.NotifyQueue: 1},
		Logger:      logger.Sugar(),
	})
}
