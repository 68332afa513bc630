package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue/internal/queue"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: uuid.NewString()}, nil
}

type captureSender struct {
	sent []Message
}

func (c *captureSender) Send(_ context.Context, msg Message) error {
	c.sent = append(c.sent, msg)
	return nil
}

func calledEvent() queue.Event {
	appointmentID, patientID := uuid.New(), uuid.New()
	return queue.Event{
		Type:          queue.EventPatientCalled,
		ClinicID:      uuid.New(),
		StaffID:       uuid.New(),
		Date:          "2026-03-02",
		AppointmentID: &appointmentID,
		PatientKind:   queue.PatientGuest,
		PatientID:     &patientID,
		OccurredAt:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestNotifierEnqueuesAndHandlerDelivers(t *testing.T) {
	enq := &fakeEnqueuer{}
	n := NewAsynqNotifier(enq, "default", zap.NewNop())
	ev := calledEvent()

	require.NoError(t, n.Notify(context.Background(), ev))
	require.Len(t, enq.tasks, 1)
	assert.Equal(t, TypePatientNotify, enq.tasks[0].Type())

	sender := &captureSender{}
	h := NewHandler(sender, zap.NewNop())
	require.NoError(t, h.HandleNotify(context.Background(), enq.tasks[0]))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, ev.PatientID.String(), sender.sent[0].PatientID)
	assert.Equal(t, queue.PatientGuest, sender.sent[0].PatientKind)
	assert.Contains(t, sender.sent[0].Text, "your turn")
}

func TestNotifierReportsEnqueueFailure(t *testing.T) {
	n := NewAsynqNotifier(&fakeEnqueuer{err: errors.New("redis down")}, "default", nil)
	err := n.Notify(context.Background(), calledEvent())
	assert.ErrorContains(t, err, "redis down")
}

func TestHandlerSkipsRetryOnBadPayload(t *testing.T) {
	h := NewHandler(&captureSender{}, zap.NewNop())
	err := h.HandleNotify(context.Background(), asynq.NewTask(TypePatientNotify, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRenderPositionMessages(t *testing.T) {
	first, fifth := 1, 5
	text, ok := render(queue.Event{Type: queue.EventPositionChanged, Position: &first})
	require.True(t, ok)
	assert.Equal(t, "You are next in line.", text)

	text, ok = render(queue.Event{Type: queue.EventPositionChanged, Position: &fifth})
	require.True(t, ok)
	assert.Contains(t, text, "5")

	_, ok = render(queue.Event{Type: queue.EventDayClosed})
	assert.False(t, ok)
}
