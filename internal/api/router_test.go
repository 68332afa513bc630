package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue/internal/directory"
	"github.com/hackgods/clinic-queue/internal/queue"
)

// fakeService implements the routes under test; anything else panics through
// the nil embedded interface.
type fakeService struct {
	QueueService

	callNext    func(clinicID, staffID uuid.UUID, date time.Time, actor uuid.UUID) (*queue.Appointment, error)
	markPresent func(id, actor uuid.UUID) (*queue.Appointment, error)
	requestSlot func(req queue.SlotRequest) (*queue.SlotResult, error)
	schedule    func(staffID uuid.UUID, date time.Time) (*queue.Schedule, error)
	endDay      func(in queue.EndDayInput) (*queue.DayClosure, error)
}

func (f *fakeService) CallNext(_ context.Context, clinicID, staffID uuid.UUID, date time.Time, actor uuid.UUID) (*queue.Appointment, error) {
	return f.callNext(clinicID, staffID, date, actor)
}

func (f *fakeService) MarkPresent(_ context.Context, id, actor uuid.UUID) (*queue.Appointment, error) {
	return f.markPresent(id, actor)
}

func (f *fakeService) RequestSlot(_ context.Context, req queue.SlotRequest) (*queue.SlotResult, error) {
	return f.requestSlot(req)
}

func (f *fakeService) GetSchedule(_ context.Context, staffID uuid.UUID, date time.Time) (*queue.Schedule, error) {
	return f.schedule(staffID, date)
}

func (f *fakeService) EndDay(_ context.Context, in queue.EndDayInput) (*queue.DayClosure, error) {
	return f.endDay(in)
}

var testDate = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func newTestRouter(svc QueueService) http.Handler {
	return NewRouter(RouterConfig{Service: svc, Logger: zap.NewNop()})
}

func do(t *testing.T, h http.Handler, method, path string, actor *uuid.UUID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != nil {
		req.Header.Set("X-Actor-ID", actor.String())
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func servingAppointment(clinicID, staffID uuid.UUID) *queue.Appointment {
	started := testDate.Add(9 * time.Hour)
	return &queue.Appointment{
		ID:               uuid.New(),
		ClinicID:         clinicID,
		StaffID:          staffID,
		Patient:          queue.GuestPatient(uuid.New()),
		Date:             testDate,
		Status:           queue.StatusInProgress,
		IsPresent:        true,
		ServiceStartedAt: &started,
		PriorityScore:    queue.DefaultPriority,
	}
}

func TestCallNext(t *testing.T) {
	clinicID, staffID, actor := uuid.New(), uuid.New(), uuid.New()
	path := fmt.Sprintf("/clinics/%s/staff/%s/days/2026-03-02/call-next", clinicID, staffID)

	t.Run("returns the called appointment", func(t *testing.T) {
		var gotActor uuid.UUID
		var gotDate time.Time
		svc := &fakeService{callNext: func(_, s uuid.UUID, d time.Time, a uuid.UUID) (*queue.Appointment, error) {
			gotActor, gotDate = a, d
			return servingAppointment(clinicID, s), nil
		}}

		rec := do(t, newTestRouter(svc), http.MethodPost, path, &actor, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, actor, gotActor)
		assert.True(t, gotDate.Equal(testDate))

		var resp AppointmentResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, queue.StatusInProgress, resp.Status)
		assert.Equal(t, queue.PatientGuest, resp.PatientKind)
		assert.Equal(t, "2026-03-02", resp.Date)
		assert.Nil(t, resp.QueuePosition)
	})

	t.Run("patient not present is a conflict", func(t *testing.T) {
		svc := &fakeService{callNext: func(uuid.UUID, uuid.UUID, time.Time, uuid.UUID) (*queue.Appointment, error) {
			return nil, queue.ErrNotPresent
		}}
		rec := do(t, newTestRouter(svc), http.MethodPost, path, &actor, "")
		assert.Equal(t, http.StatusConflict, rec.Code)
		resp := decodeError(t, rec)
		assert.Equal(t, "patient_not_present", resp.Error)
		assert.Contains(t, resp.Details, "mark present or absent")
	})

	t.Run("lock contention asks the caller to retry", func(t *testing.T) {
		svc := &fakeService{callNext: func(uuid.UUID, uuid.UUID, time.Time, uuid.UUID) (*queue.Appointment, error) {
			return nil, fmt.Errorf("call_next: %w", queue.ErrLockContention)
		}}
		rec := do(t, newTestRouter(svc), http.MethodPost, path, &actor, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	})

	t.Run("unknown staff is not found", func(t *testing.T) {
		svc := &fakeService{callNext: func(uuid.UUID, uuid.UUID, time.Time, uuid.UUID) (*queue.Appointment, error) {
			return nil, directory.ErrStaffNotFound
		}}
		rec := do(t, newTestRouter(svc), http.MethodPost, path, &actor, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unexpected errors are hidden", func(t *testing.T) {
		svc := &fakeService{callNext: func(uuid.UUID, uuid.UUID, time.Time, uuid.UUID) (*queue.Appointment, error) {
			return nil, errors.New("connection reset by peer")
		}}
		rec := do(t, newTestRouter(svc), http.MethodPost, path, &actor, "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "connection reset")
	})

	t.Run("missing actor is rejected", func(t *testing.T) {
		rec := do(t, newTestRouter(&fakeService{}), http.MethodPost, path, nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_actor", decodeError(t, rec).Error)
	})

	t.Run("bad date is rejected", func(t *testing.T) {
		bad := fmt.Sprintf("/clinics/%s/staff/%s/days/02-03-2026/call-next", clinicID, staffID)
		rec := do(t, newTestRouter(&fakeService{}), http.MethodPost, bad, &actor, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_date", decodeError(t, rec).Error)
	})
}

func TestMarkPresentPassesAppointmentID(t *testing.T) {
	actor, id := uuid.New(), uuid.New()
	svc := &fakeService{markPresent: func(got, _ uuid.UUID) (*queue.Appointment, error) {
		a := servingAppointment(uuid.New(), uuid.New())
		a.ID = got
		a.Status = queue.StatusWaiting
		a.QueuePosition = new(int)
		*a.QueuePosition = 2
		return a, nil
	}}

	rec := do(t, newTestRouter(svc), http.MethodPost, "/appointments/"+id.String()+"/present", &actor, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.ID)
	require.NotNil(t, resp.QueuePosition)
	assert.Equal(t, 2, *resp.QueuePosition)
}

func TestRequestSlot(t *testing.T) {
	actor, clinicID, staffID, patientID := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	t.Run("full day with overflow goes to the waitlist", func(t *testing.T) {
		var got queue.SlotRequest
		svc := &fakeService{requestSlot: func(req queue.SlotRequest) (*queue.SlotResult, error) {
			got = req
			return &queue.SlotResult{Waitlist: &queue.WaitlistEntry{
				ID:            uuid.New(),
				ClinicID:      req.ClinicID,
				StaffID:       &req.StaffID,
				Patient:       req.Patient,
				RequestedDate: req.Date,
				Priority:      queue.DefaultPriority,
				Status:        queue.WaitlistWaiting,
			}}, nil
		}}

		body := fmt.Sprintf(`{"clinic_id":%q,"staff_id":%q,"date":"2026-03-02","patient_id":%q}`, clinicID, staffID, patientID)
		rec := do(t, newTestRouter(svc), http.MethodPost, "/slots", &actor, body)
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, queue.RegisteredPatient(patientID), got.Patient)
		assert.Equal(t, actor, got.Actor)

		var resp SlotResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Nil(t, resp.Appointment)
		require.NotNil(t, resp.Waitlist)
		assert.Equal(t, "2026-03-02", resp.Waitlist.RequestedDate)
	})

	t.Run("both patient kinds are rejected", func(t *testing.T) {
		body := fmt.Sprintf(`{"clinic_id":%q,"staff_id":%q,"date":"2026-03-02","patient_id":%q,"guest_patient_id":%q}`,
			clinicID, staffID, patientID, uuid.New())
		rec := do(t, newTestRouter(&fakeService{}), http.MethodPost, "/slots", &actor, body)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "invalid_patient_reference", decodeError(t, rec).Error)
	})

	t.Run("capacity exceeded", func(t *testing.T) {
		svc := &fakeService{requestSlot: func(queue.SlotRequest) (*queue.SlotResult, error) {
			return nil, queue.ErrCapacityExceeded
		}}
		body := fmt.Sprintf(`{"clinic_id":%q,"staff_id":%q,"date":"2026-03-02","guest_patient_id":%q}`, clinicID, staffID, patientID)
		rec := do(t, newTestRouter(svc), http.MethodPost, "/slots", &actor, body)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "capacity_exceeded", decodeError(t, rec).Error)
	})
}

func TestEndDayReadsBody(t *testing.T) {
	actor, clinicID, staffID := uuid.New(), uuid.New(), uuid.New()
	var got queue.EndDayInput
	svc := &fakeService{endDay: func(in queue.EndDayInput) (*queue.DayClosure, error) {
		got = in
		return &queue.DayClosure{
			ID:        uuid.New(),
			ClinicID:  in.ClinicID,
			StaffID:   in.StaffID,
			Date:      in.Date,
			ClosedBy:  in.Actor,
			Counts:    queue.ClosureCounts{Waiting: 2},
			NoShowIDs: []uuid.UUID{uuid.New(), uuid.New()},
			Reason:    in.Reason,
		}, nil
	}}

	path := fmt.Sprintf("/clinics/%s/staff/%s/days/2026-03-02/close", clinicID, staffID)
	rec := do(t, newTestRouter(svc), http.MethodPost, path, &actor, `{"reason":"end of shift"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "end of shift", got.Reason)
	assert.Equal(t, staffID, got.StaffID)

	var resp ClosureResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Counts.Waiting)
	assert.Len(t, resp.NoShowIDs, 2)
}

func TestScheduleIsPublic(t *testing.T) {
	staffID := uuid.New()
	a := servingAppointment(uuid.New(), staffID)
	svc := &fakeService{schedule: func(s uuid.UUID, d time.Time) (*queue.Schedule, error) {
		return &queue.Schedule{
			StaffID:   s,
			StaffName: "Dr. Ada Okafor",
			Date:      d,
			Mode:      queue.ModeFluid,
			Clinic:    queue.ClinicDisplay{Name: "Riverside Clinic"},
			Entries: []queue.ScheduleEntry{{
				Appointment: *a,
				Patient:     queue.PatientDisplay{Name: "Walk-in 3", IsGuest: true},
			}},
		}, nil
	}}

	rec := do(t, newTestRouter(svc), http.MethodGet, "/staff/"+staffID.String()+"/days/2026-03-02/schedule", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ScheduleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Riverside Clinic", resp.Clinic.Name)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "Walk-in 3", resp.Entries[0].PatientName)
	assert.Equal(t, a.ID, resp.Entries[0].ID)
}

func TestRequestIDIsEchoed(t *testing.T) {
	staffID := uuid.New()
	svc := &fakeService{schedule: func(uuid.UUID, time.Time) (*queue.Schedule, error) {
		return nil, queue.ErrAppointmentNotFound
	}}
	req := httptest.NewRequest(http.MethodGet, "/staff/"+staffID.String()+"/days/2026-03-02/schedule", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	newTestRouter(svc).ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadiness(t *testing.T) {
	down := func(context.Context) error { return errors.New("down") }
	up := func(context.Context) error { return nil }

	cases := []struct {
		name     string
		postgres PingFunc
		redis    PingFunc
		status   int
		state    string
	}{
		{"all up", up, up, http.StatusOK, "ok"},
		{"redis down", up, down, http.StatusOK, "degraded"},
		{"postgres down", down, up, http.StatusServiceUnavailable, "error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewRouter(RouterConfig{
				Service: &fakeService{},
				Logger:  zap.NewNop(),
				Health:  NewHealthHandler(tc.postgres, tc.redis, "test", "dev"),
			})
			rec := do(t, h, http.MethodGet, "/health/ready", nil, "")
			assert.Equal(t, tc.status, rec.Code)

			var resp ReadinessResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.state, resp.Status)
		})
	}
}
