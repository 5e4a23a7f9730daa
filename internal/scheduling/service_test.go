package scheduling

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/therapy-clinic-scheduling/internal/authz"
	"github.com/hackgods/therapy-clinic-scheduling/internal/config"
)

var slot10 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc        *Service
	store      *MemoryStore
	supervisor authz.Caller
	therapist  *Therapist
	patient    *Patient
}

func (f *fixture) therapistCaller() authz.Caller {
	return authz.Caller{ID: f.therapist.ID, Role: authz.RoleTherapist}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	svc := NewService(store, zerolog.Nop(), config.Config{ClinicLocation: time.UTC})

	return &fixture{
		svc:        svc,
		store:      store,
		supervisor: authz.Caller{ID: uuid.New(), Role: authz.RoleSupervisor},
		therapist:  seedTherapist(t, store, RecordActive),
		patient:    seedPatient(t, store, "111.222.333-44", RecordActive),
	}
}

func seedTherapist(t *testing.T, store *MemoryStore, status RecordStatus) *Therapist {
	t.Helper()
	id := uuid.New()
	th := &Therapist{
		ID:             id,
		Name:           "Therapist " + id.String()[:8],
		Email:          id.String() + "@clinic.test",
		RegistrationID: "CRP-" + id.String()[:8],
		Status:         status,
	}
	if err := store.InsertTherapist(context.Background(), th); err != nil {
		t.Fatalf("seed therapist: %v", err)
	}
	return th
}

func seedPatient(t *testing.T, store *MemoryStore, nationalID string, status RecordStatus) *Patient {
	t.Helper()
	p := &Patient{ID: uuid.New(), Name: "Patient " + nationalID, NationalID: nationalID, Status: status}
	if err := store.InsertPatient(context.Background(), p); err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	return p
}

func (f *fixture) openSlot(t *testing.T, at time.Time, minutes int) *Availability {
	t.Helper()
	a, err := f.svc.CreateAvailability(context.Background(), f.therapistCaller(), CreateAvailabilityInput{
		TherapistID:     f.therapist.ID,
		StartsAt:        at,
		DurationMinutes: minutes,
	})
	if err != nil {
		t.Fatalf("create availability: %v", err)
	}
	return a
}

func (f *fixture) book(t *testing.T, at time.Time) *Appointment {
	t.Helper()
	appt, err := f.svc.CreateAppointment(context.Background(), f.supervisor, CreateAppointmentInput{
		PatientID:   f.patient.ID,
		TherapistID: f.therapist.ID,
		StartsAt:    at,
		TherapyType: "ABA",
		Location:    "Room 1",
	})
	if err != nil {
		t.Fatalf("create appointment: %v", err)
	}
	return appt
}

// slotState counts availability rows and live appointments at one slot.
func slotState(t *testing.T, store *MemoryStore, therapistID uuid.UUID, at time.Time) (avail, live int) {
	t.Helper()
	ctx := context.Background()
	list, err := store.ListAvailability(ctx, AvailabilityFilter{TherapistID: &therapistID})
	if err != nil {
		t.Fatalf("list availability: %v", err)
	}
	for _, a := range list {
		if a.StartsAt.Equal(at) {
			avail++
		}
	}
	appts, err := store.ListAppointments(ctx, AppointmentFilter{TherapistID: &therapistID})
	if err != nil {
		t.Fatalf("list appointments: %v", err)
	}
	for _, a := range appts {
		if a.StartsAt.Equal(at) && a.Status.Live() {
			live++
		}
	}
	return avail, live
}

func TestBookingConsumesAvailability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.openSlot(t, slot10, 60)
	appt := f.book(t, slot10)

	if appt.Status != StatusScheduled {
		t.Fatalf("expected status %q, got %q", StatusScheduled, appt.Status)
	}
	if appt.DurationMinutes != 60 {
		t.Fatalf("expected duration taken from the slot, got %d", appt.DurationMinutes)
	}

	open, err := f.svc.ListAvailability(ctx, f.supervisor, AvailabilityFilter{})
	if err != nil {
		t.Fatalf("list availability: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("booked slot still listed as available: %+v", open)
	}

	events := f.store.Events()
	if len(events) != 1 || events[0].EventType != EventAppointmentBooked {
		t.Fatalf("expected one booking event, got %+v", events)
	}
	if events[0].AppointmentID == nil || *events[0].AppointmentID != appt.ID {
		t.Fatalf("event not linked to appointment")
	}
}

func TestBookingWithoutAvailability(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateAppointment(context.Background(), f.supervisor, CreateAppointmentInput{
		PatientID:   f.patient.ID,
		TherapistID: f.therapist.ID,
		StartsAt:    slot10.Add(time.Hour),
	})
	if !errors.Is(err, ErrTimeNotAvailable) {
		t.Fatalf("expected ErrTimeNotAvailable, got %v", err)
	}
	if len(f.store.Events()) != 0 {
		t.Fatal("failed booking must not write events")
	}
}

func TestCancelRestoresSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.openSlot(t, slot10, 60)
	appt := f.book(t, slot10)

	updated, err := f.svc.UpdateAppointmentStatus(ctx, f.therapistCaller(), appt.ID, StatusCancelled)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if updated.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %q", updated.Status)
	}

	restored, err := f.store.FindAvailabilityAt(ctx, f.therapist.ID, slot10)
	if err != nil {
		t.Fatalf("expected restored availability: %v", err)
	}
	if restored.DurationMinutes != 60 || restored.Status != AvailabilityOpen {
		t.Fatalf("unexpected restored slot: %+v", restored)
	}
}

func TestCancelRestoresSlotLength(t *testing.T) {
	tests := []struct {
		name        string
		slotMinutes int
		bookMinutes int
		wantSession int
	}{
		{"session takes the slot length", 90, 0, 90},
		{"shorter session", 90, 30, 30},
		{"longer session", 45, 60, 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			f.openSlot(t, slot10, tt.slotMinutes)
			appt, err := f.svc.CreateAppointment(ctx, f.supervisor, CreateAppointmentInput{
				PatientID:       f.patient.ID,
				TherapistID:     f.therapist.ID,
				StartsAt:        slot10,
				DurationMinutes: tt.bookMinutes,
			})
			if err != nil {
				t.Fatalf("book: %v", err)
			}
			if appt.DurationMinutes != tt.wantSession || appt.SlotMinutes != tt.slotMinutes {
				t.Fatalf("duration=%d slot=%d", appt.DurationMinutes, appt.SlotMinutes)
			}

			if _, err := f.svc.UpdateAppointmentStatus(ctx, f.supervisor, appt.ID, StatusCancelled); err != nil {
				t.Fatalf("cancel: %v", err)
			}
			restored, err := f.store.FindAvailabilityAt(ctx, f.therapist.ID, slot10)
			if err != nil {
				t.Fatalf("find restored: %v", err)
			}
			if restored.DurationMinutes != tt.slotMinutes {
				t.Fatalf("restored slot is %d minutes, want %d", restored.DurationMinutes, tt.slotMinutes)
			}
		})
	}
}

func TestCancelTwiceRestoresOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.openSlot(t, slot10, 60)
	appt := f.book(t, slot10)

	for i := 0; i < 2; i++ {
		if _, err := f.svc.UpdateAppointmentStatus(ctx, f.supervisor, appt.ID, StatusCancelled); err != nil {
			t.Fatalf("cancel #%d: %v", i+1, err)
		}
	}

	avail, live := slotState(t, f.store, f.therapist.ID, slot10)
	if avail != 1 || live != 0 {
		t.Fatalf("expected exactly one restored slot, got avail=%d live=%d", avail, live)
	}

	restoredEvents := 0
	for _, ev := range f.store.Events() {
		if ev.EventType == EventAvailabilityRestored {
			restoredEvents++
		}
	}
	if restoredEvents != 1 {
		t.Fatalf("expected one restore event, got %d", restoredEvents)
	}
}

func TestCompletedAndNoShowKeepSlotBooked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.openSlot(t, slot10, 60)
	appt := f.book(t, slot10)

	for _, status := range []AppointmentStatus{StatusCompleted, StatusNoShow, StatusScheduled} {
		if _, err := f.svc.UpdateAppointmentStatus(ctx, f.therapistCaller(), appt.ID, status); err != nil {
			t.Fatalf("update to %s: %v", status, err)
		}
		avail, live := slotState(t, f.store, f.therapist.ID, slot10)
		if avail != 0 || live != 1 {
			t.Fatalf("after %s: avail=%d live=%d", status, avail, live)
		}
	}
}

func TestCreateAvailability(t *testing.T) {
	ctx := context.Background()

	t.Run("conflicts with existing availability", func(t *testing.T) {
		f := newFixture(t)
		f.openSlot(t, slot10, 60)

		_, err := f.svc.CreateAvailability(ctx, f.supervisor, CreateAvailabilityInput{TherapistID: f.therapist.ID, StartsAt: slot10})
		if !errors.Is(err, ErrTimeConflict) {
			t.Fatalf("expected ErrTimeConflict, got %v", err)
		}
	})

	t.Run("conflicts with live appointment", func(t *testing.T) {
		f := newFixture(t)
		f.openSlot(t, slot10, 60)
		f.book(t, slot10)

		_, err := f.svc.CreateAvailability(ctx, f.therapistCaller(), CreateAvailabilityInput{TherapistID: f.therapist.ID, StartsAt: slot10})
		if !errors.Is(err, ErrTimeConflict) {
			t.Fatalf("expected ErrTimeConflict, got %v", err)
		}
	})

	t.Run("normalises to the minute in UTC", func(t *testing.T) {
		f := newFixture(t)
		loc := time.FixedZone("BRT", -3*3600)
		a := f.openSlot(t, time.Date(2025, 6, 1, 7, 0, 42, 0, loc), 0)

		if !a.StartsAt.Equal(slot10) || a.StartsAt.Location() != time.UTC {
			t.Fatalf("expected %v, got %v", slot10, a.StartsAt)
		}
		if a.DurationMinutes != 60 {
			t.Fatalf("expected default duration 60, got %d", a.DurationMinutes)
		}
	})

	t.Run("inactive therapist", func(t *testing.T) {
		f := newFixture(t)
		inactive := seedTherapist(t, f.store, RecordInactive)

		_, err := f.svc.CreateAvailability(ctx, f.supervisor, CreateAvailabilityInput{TherapistID: inactive.ID, StartsAt: slot10})
		if !errors.Is(err, ErrTherapistNotFound) {
			t.Fatalf("expected ErrTherapistNotFound, got %v", err)
		}
	})

	t.Run("therapist for another therapist", func(t *testing.T) {
		f := newFixture(t)
		other := seedTherapist(t, f.store, RecordActive)

		_, err := f.svc.CreateAvailability(ctx, f.therapistCaller(), CreateAvailabilityInput{TherapistID: other.ID, StartsAt: slot10})
		if !errors.Is(err, ErrInsufficientPermissions) {
			t.Fatalf("expected ErrInsufficientPermissions, got %v", err)
		}
	})

	t.Run("negative duration", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.CreateAvailability(ctx, f.supervisor, CreateAvailabilityInput{TherapistID: f.therapist.ID, StartsAt: slot10, DurationMinutes: -5})
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestDeleteAvailability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.openSlot(t, slot10, 60)

	other := authz.Caller{ID: uuid.New(), Role: authz.RoleTherapist}
	if err := f.svc.DeleteAvailability(ctx, other, a.ID); !errors.Is(err, ErrInsufficientPermissions) {
		t.Fatalf("expected ErrInsufficientPermissions, got %v", err)
	}
	if err := f.svc.DeleteAvailability(ctx, f.therapistCaller(), a.ID); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if err := f.svc.DeleteAvailability(ctx, f.supervisor, a.ID); !errors.Is(err, ErrAvailabilityNotFound) {
		t.Fatalf("expected ErrAvailabilityNotFound, got %v", err)
	}
}

func TestCreateAppointmentPreconditionOrder(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture) CreateAppointmentInput
		want  error
	}{
		{
			name: "missing patient wins over everything",
			setup: func(t *testing.T, f *fixture) CreateAppointmentInput {
				return CreateAppointmentInput{PatientID: uuid.New(), TherapistID: uuid.New(), StartsAt: slot10}
			},
			want: ErrPatientNotFound,
		},
		{
			name: "inactive patient",
			setup: func(t *testing.T, f *fixture) CreateAppointmentInput {
				f.openSlot(t, slot10, 60)
				p := seedPatient(t, f.store, "999", RecordInactive)
				return CreateAppointmentInput{PatientID: p.ID, TherapistID: f.therapist.ID, StartsAt: slot10}
			},
			want: ErrPatientNotFound,
		},
		{
			name: "missing therapist",
			setup: func(t *testing.T, f *fixture) CreateAppointmentInput {
				return CreateAppointmentInput{PatientID: f.patient.ID, TherapistID: uuid.New(), StartsAt: slot10}
			},
			want: ErrTherapistNotFound,
		},
		{
			name: "inactive therapist",
			setup: func(t *testing.T, f *fixture) CreateAppointmentInput {
				th := seedTherapist(t, f.store, RecordInactive)
				return CreateAppointmentInput{PatientID: f.patient.ID, TherapistID: th.ID, StartsAt: slot10}
			},
			want: ErrTherapistNotFound,
		},
		{
			name: "no availability",
			setup: func(t *testing.T, f *fixture) CreateAppointmentInput {
				return CreateAppointmentInput{PatientID: f.patient.ID, TherapistID: f.therapist.ID, StartsAt: slot10}
			},
			want: ErrTimeNotAvailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			in := tt.setup(t, f)
			_, err := f.svc.CreateAppointment(ctx, f.supervisor, in)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCreateAppointmentRequiresSupervisor(t *testing.T) {
	f := newFixture(t)
	f.openSlot(t, slot10, 60)

	_, err := f.svc.CreateAppointment(context.Background(), f.therapistCaller(), CreateAppointmentInput{
		PatientID: f.patient.ID, TherapistID: f.therapist.ID, StartsAt: slot10,
	})
	if !errors.Is(err, ErrInsufficientPermissions) {
		t.Fatalf("expected ErrInsufficientPermissions, got %v", err)
	}
	if avail, _ := slotState(t, f.store, f.therapist.ID, slot10); avail != 1 {
		t.Fatal("rejected booking must leave the slot open")
	}
}

func TestUpdateAppointmentStatusErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openSlot(t, slot10, 60)
	appt := f.book(t, slot10)

	if _, err := f.svc.UpdateAppointmentStatus(ctx, f.supervisor, uuid.New(), StatusCancelled); !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("expected ErrAppointmentNotFound, got %v", err)
	}

	other := authz.Caller{ID: uuid.New(), Role: authz.RoleTherapist}
	if _, err := f.svc.UpdateAppointmentStatus(ctx, other, appt.ID, StatusCancelled); !errors.Is(err, ErrInsufficientPermissions) {
		t.Fatalf("expected ErrInsufficientPermissions, got %v", err)
	}

	if _, err := f.svc.UpdateAppointmentStatus(ctx, f.supervisor, appt.ID, "pending"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}

	got, err := f.svc.GetAppointment(ctx, f.supervisor, appt.ID)
	if err != nil {
		t.Fatalf("get appointment: %v", err)
	}
	if got.Status != StatusScheduled {
		t.Fatalf("failed updates must not change status, got %q", got.Status)
	}
}

func TestReviveCancelledAppointment(t *testing.T) {
	ctx := context.Background()

	t.Run("takes the restored slot back", func(t *testing.T) {
		f := newFixture(t)
		f.openSlot(t, slot10, 60)
		appt := f.book(t, slot10)

		if _, err := f.svc.UpdateAppointmentStatus(ctx, f.supervisor, appt.ID, StatusCancelled); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if _, err := f.svc.UpdateAppointmentStatus(ctx, f.supervisor, appt.ID, StatusScheduled); err != nil {
			t.Fatalf("revive: %v", err)
		}
		avail, live := slotState(t, f.store, f.therapist.ID, slot10)
		if avail != 0 || live != 1 {
			t.Fatalf("avail=%d live=%d", avail, live)
		}
	})

	t.Run("slot rebooked by someone else", func(t *testing.T) {
		f := newFixture(t)
		f.openSlot(t, slot10, 60)
		first := f.book(t, slot10)

		if _, err := f.svc.UpdateAppointmentStatus(ctx, f.supervisor, first.ID, StatusCancelled); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		f.book(t, slot10)

		_, err := f.svc.UpdateAppointmentStatus(ctx, f.supervisor, first.ID, StatusScheduled)
		if !errors.Is(err, ErrTimeConflict) {
			t.Fatalf("expected ErrTimeConflict, got %v", err)
		}
	})

	t.Run("patient deactivated while cancelled", func(t *testing.T) {
		f := newFixture(t)
		f.openSlot(t, slot10, 60)
		appt := f.book(t, slot10)

		if _, err := f.svc.UpdateAppointmentStatus(ctx, f.supervisor, appt.ID, StatusCancelled); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if _, err := f.svc.DeactivatePatient(ctx, f.supervisor, f.patient.ID); err != nil {
			t.Fatalf("deactivate: %v", err)
		}

		_, err := f.svc.UpdateAppointmentStatus(ctx, f.supervisor, appt.ID, StatusScheduled)
		if !errors.Is(err, ErrPatientNotFound) {
			t.Fatalf("expected ErrPatientNotFound, got %v", err)
		}
		avail, live := slotState(t, f.store, f.therapist.ID, slot10)
		if avail != 1 || live != 0 {
			t.Fatalf("failed revive must leave the slot open: avail=%d live=%d", avail, live)
		}
	})

	t.Run("therapist deactivated while cancelled", func(t *testing.T) {
		f := newFixture(t)
		f.openSlot(t, slot10, 60)
		appt := f.book(t, slot10)

		if _, err := f.svc.UpdateAppointmentStatus(ctx, f.supervisor, appt.ID, StatusCancelled); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		th := *f.therapist
		th.Status = RecordInactive
		if err := f.store.UpdateTherapist(ctx, &th); err != nil {
			t.Fatalf("deactivate therapist: %v", err)
		}

		_, err := f.svc.UpdateAppointmentStatus(ctx, f.supervisor, appt.ID, StatusNoShow)
		if !errors.Is(err, ErrTherapistNotFound) {
			t.Fatalf("expected ErrTherapistNotFound, got %v", err)
		}
	})

	t.Run("slot withdrawn", func(t *testing.T) {
		f := newFixture(t)
		f.openSlot(t, slot10, 60)
		appt := f.book(t, slot10)

		if _, err := f.svc.UpdateAppointmentStatus(ctx, f.supervisor, appt.ID, StatusCancelled); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		restored, err := f.store.FindAvailabilityAt(ctx, f.therapist.ID, slot10)
		if err != nil {
			t.Fatalf("find restored: %v", err)
		}
		if err := f.svc.DeleteAvailability(ctx, f.therapistCaller(), restored.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}

		_, err = f.svc.UpdateAppointmentStatus(ctx, f.supervisor, appt.ID, StatusCompleted)
		if !errors.Is(err, ErrTimeNotAvailable) {
			t.Fatalf("expected ErrTimeNotAvailable, got %v", err)
		}
	})
}

func TestListAppointmentsRoleScoping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := seedTherapist(t, f.store, RecordActive)
	otherCaller := authz.Caller{ID: other.ID, Role: authz.RoleTherapist}

	f.openSlot(t, slot10.Add(time.Hour), 60)
	f.openSlot(t, slot10, 60)
	if _, err := f.svc.CreateAvailability(ctx, otherCaller, CreateAvailabilityInput{TherapistID: other.ID, StartsAt: slot10}); err != nil {
		t.Fatalf("other availability: %v", err)
	}

	f.book(t, slot10.Add(time.Hour))
	f.book(t, slot10)
	if _, err := f.svc.CreateAppointment(ctx, f.supervisor, CreateAppointmentInput{
		PatientID: f.patient.ID, TherapistID: other.ID, StartsAt: slot10,
	}); err != nil {
		t.Fatalf("book other: %v", err)
	}

	minePage, err := f.svc.ListAppointments(ctx, f.therapistCaller(), AppointmentFilter{TherapistID: &other.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	mine := minePage.Items
	if len(mine) != 2 {
		t.Fatalf("expected 2 own appointments, got %d", len(mine))
	}
	for _, a := range mine {
		if a.TherapistID != f.therapist.ID {
			t.Fatalf("therapist saw another therapist's appointment %s", a.ID)
		}
	}
	if !mine[0].StartsAt.Before(mine[1].StartsAt) {
		t.Fatal("appointments not ordered by start time")
	}

	all, err := f.svc.ListAppointments(ctx, f.supervisor, AppointmentFilter{})
	if err != nil {
		t.Fatalf("supervisor list: %v", err)
	}
	if len(all.Items) != 3 || all.Total != 3 || all.NextOffset != nil {
		t.Fatalf("supervisor expected 3 on one page, got %d of %d", len(all.Items), all.Total)
	}

	if _, err := f.svc.GetAppointment(ctx, otherCaller, mine[0].ID); !errors.Is(err, ErrInsufficientPermissions) {
		t.Fatalf("expected ErrInsufficientPermissions, got %v", err)
	}
}

func TestListAppointmentsPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		at := slot10.Add(time.Duration(i) * time.Hour)
		f.openSlot(t, at, 60)
		f.book(t, at)
	}

	first, err := f.svc.ListAppointments(ctx, f.supervisor, AppointmentFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first.Items) != 2 || first.Total != 5 {
		t.Fatalf("got %d items of %d", len(first.Items), first.Total)
	}
	if first.NextOffset == nil || *first.NextOffset != 2 {
		t.Fatalf("next_offset = %v, want 2", first.NextOffset)
	}

	last, err := f.svc.ListAppointments(ctx, f.supervisor, AppointmentFilter{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("list last page: %v", err)
	}
	if len(last.Items) != 1 || last.NextOffset != nil {
		t.Fatalf("last page: %d items, next_offset %v", len(last.Items), last.NextOffset)
	}
	if !last.Items[0].StartsAt.Equal(slot10.Add(4 * time.Hour)) {
		t.Fatalf("last page holds %s", last.Items[0].StartsAt)
	}

	capped, err := f.svc.ListAppointments(ctx, f.supervisor, AppointmentFilter{Limit: 10000})
	if err != nil {
		t.Fatalf("list capped: %v", err)
	}
	if capped.Limit != maxListLimit {
		t.Fatalf("limit = %d, want %d", capped.Limit, maxListLimit)
	}
}

func TestConcurrentBookingSingleWinner(t *testing.T) {
	f := newFixture(t)
	f.openSlot(t, slot10, 60)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		unexpect  []error
	)

	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.CreateAppointment(context.Background(), f.supervisor, CreateAppointmentInput{
				PatientID: f.patient.ID, TherapistID: f.therapist.ID, StartsAt: slot10,
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrTimeNotAvailable), errors.Is(err, ErrTimeConflict):
			default:
				unexpect = append(unexpect, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one booking, got %d", successes)
	}
	if len(unexpect) > 0 {
		t.Fatalf("unexpected errors: %v", unexpect)
	}
	if avail, live := slotState(t, f.store, f.therapist.ID, slot10); avail != 0 || live != 1 {
		t.Fatalf("avail=%d live=%d", avail, live)
	}
}

// TestSlotExclusivityUnderRandomOperations drives random operation sequences
// against one slot and checks after every step that the slot is never both
// open and booked.
func TestSlotExclusivityUnderRandomOperations(t *testing.T) {
	statuses := []AppointmentStatus{StatusScheduled, StatusCompleted, StatusCancelled, StatusNoShow}

	for seed := int64(1); seed <= 25; seed++ {
		f := newFixture(t)
		ctx := context.Background()
		rng := rand.New(rand.NewSource(seed))
		var appts []uuid.UUID

		for step := 0; step < 40; step++ {
			switch rng.Intn(4) {
			case 0:
				_, _ = f.svc.CreateAvailability(ctx, f.therapistCaller(), CreateAvailabilityInput{
					TherapistID: f.therapist.ID, StartsAt: slot10,
				})
			case 1:
				a, err := f.svc.CreateAppointment(ctx, f.supervisor, CreateAppointmentInput{
					PatientID: f.patient.ID, TherapistID: f.therapist.ID, StartsAt: slot10,
				})
				if err == nil {
					appts = append(appts, a.ID)
				}
			case 2:
				if a, err := f.store.FindAvailabilityAt(ctx, f.therapist.ID, slot10); err == nil {
					_ = f.svc.DeleteAvailability(ctx, f.supervisor, a.ID)
				}
			case 3:
				if len(appts) == 0 {
					continue
				}
				id := appts[rng.Intn(len(appts))]
				_, _ = f.svc.UpdateAppointmentStatus(ctx, f.supervisor, id, statuses[rng.Intn(len(statuses))])
			}

			avail, live := slotState(t, f.store, f.therapist.ID, slot10)
			if avail > 1 || live > 1 || (avail == 1 && live == 1) {
				t.Fatalf("seed %d step %d: avail=%d live=%d", seed, step, avail, live)
			}
		}
	}
}

type failingStore struct {
	*MemoryStore
	err error
}

func (s failingStore) ListAppointments(context.Context, AppointmentFilter) ([]Appointment, error) {
	return nil, s.err
}

func (s failingStore) InTx(context.Context, func(Queries) error) error {
	return s.err
}

func TestStoreFailuresBecomeStoreUnavailable(t *testing.T) {
	store := failingStore{MemoryStore: NewMemoryStore(), err: errors.New("conn reset by peer")}
	svc := NewService(store, zerolog.Nop(), config.Config{})
	supervisor := authz.Caller{ID: uuid.New(), Role: authz.RoleSupervisor}

	_, err := svc.ListAppointments(context.Background(), supervisor, AppointmentFilter{})
	if !errors.Is(err, ErrStoreUnavailable) || !IsRetryable(err) {
		t.Fatalf("expected retryable ErrStoreUnavailable, got %v", err)
	}

	_, err = svc.CreateAppointment(context.Background(), supervisor, CreateAppointmentInput{
		PatientID: uuid.New(), TherapistID: uuid.New(), StartsAt: slot10,
	})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}

	store.err = ErrTimeConflict
	svc.store = store
	_, err = svc.CreateAppointment(context.Background(), supervisor, CreateAppointmentInput{
		PatientID: uuid.New(), TherapistID: uuid.New(), StartsAt: slot10,
	})
	if !errors.Is(err, ErrTimeConflict) || IsRetryable(err) {
		t.Fatalf("domain errors must pass through unchanged, got %v", err)
	}
}
