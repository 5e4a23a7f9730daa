package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/therapy-clinic-scheduling/internal/authz"
	"github.com/hackgods/therapy-clinic-scheduling/internal/config"
)

var (
	ErrTimeNotAvailable = errors.New("no open availability at the requested time")
	ErrInvalidStatus    = errors.New("invalid appointment status")
	ErrInvalidInput     = errors.New("invalid input")

	ErrInsufficientPermissions = authz.ErrInsufficientPermissions
)

const (
	defaultSlotMinutes = 60
	defaultListLimit   = 100
	maxListLimit       = 500
)

type Service struct {
	store Store
	log   zerolog.Logger
	loc   *time.Location
	now   func() time.Time
}

func NewService(store Store, log zerolog.Logger, cfg config.Config) *Service {
	loc := cfg.ClinicLocation
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		store: store,
		log:   log.With().Str("component", "scheduling").Logger(),
		loc:   loc,
		now:   time.Now,
	}
}

type CreateAvailabilityInput struct {
	TherapistID     uuid.UUID `json:"therapist_id"`
	StartsAt        time.Time `json:"starts_at"`
	DurationMinutes int       `json:"duration_minutes"`
}

type CreateAppointmentInput struct {
	PatientID       uuid.UUID `json:"patient_id"`
	TherapistID     uuid.UUID `json:"therapist_id"`
	StartsAt        time.Time `json:"starts_at"`
	DurationMinutes int       `json:"duration_minutes"`
	TherapyType     string    `json:"therapy_type"`
	Location        string    `json:"location"`
	Notes           string    `json:"notes"`
}

// IsRetryable reports whether err may succeed if the same request is sent
// again unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

var domainErrors = []error{
	ErrPatientNotFound,
	ErrTherapistNotFound,
	ErrAppointmentNotFound,
	ErrAvailabilityNotFound,
	ErrTimeNotAvailable,
	ErrTimeConflict,
	ErrInvalidStatus,
	ErrInvalidInput,
	ErrInsufficientPermissions,
	ErrDuplicateIdentifier,
	ErrStoreUnavailable,
}

// fail passes domain errors through untouched and turns everything else
// into ErrStoreUnavailable after logging the cause.
func (s *Service) fail(op string, err error) error {
	for _, known := range domainErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.log.Error().Err(err).Str("op", op).Msg("store failure")
	return fmt.Errorf("%s: %w", op, ErrStoreUnavailable)
}

func activeTherapist(ctx context.Context, q Queries, id uuid.UUID) (*Therapist, error) {
	t, err := q.GetTherapist(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != RecordActive {
		return nil, ErrTherapistNotFound
	}
	return t, nil
}

func activePatient(ctx context.Context, q Queries, id uuid.UUID) (*Patient, error) {
	p, err := q.GetPatient(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != RecordActive {
		return nil, ErrPatientNotFound
	}
	return p, nil
}

// openAvailability returns the availability row at the slot, or nil.
func openAvailability(ctx context.Context, q Queries, therapistID uuid.UUID, at time.Time) (*Availability, error) {
	a, err := q.FindAvailabilityAt(ctx, therapistID, at)
	if errors.Is(err, ErrAvailabilityNotFound) {
		return nil, nil
	}
	return a, err
}

// liveAppointment returns the live appointment at the slot other than
// exclude, or nil.
func liveAppointment(ctx context.Context, q Queries, therapistID uuid.UUID, at time.Time, exclude uuid.UUID) (*Appointment, error) {
	a, err := q.FindLiveAppointmentAt(ctx, therapistID, at, exclude)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, nil
	}
	return a, err
}

// CreateAvailability opens a bookable slot. The slot must be free: neither
// an availability row nor a live appointment may already sit on it.
func (s *Service) CreateAvailability(ctx context.Context, caller authz.Caller, in CreateAvailabilityInput) (*Availability, error) {
	if err := authz.Authorize(caller, authz.CreateAvailability, in.TherapistID); err != nil {
		return nil, err
	}
	if in.StartsAt.IsZero() || in.DurationMinutes < 0 {
		return nil, ErrInvalidInput
	}
	duration := in.DurationMinutes
	if duration == 0 {
		duration = defaultSlotMinutes
	}
	startsAt := SlotKey(in.StartsAt)

	var created *Availability
	err := s.store.InTx(ctx, func(q Queries) error {
		if _, err := activeTherapist(ctx, q, in.TherapistID); err != nil {
			return err
		}

		existing, err := openAvailability(ctx, q, in.TherapistID, startsAt)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrTimeConflict
		}
		booked, err := liveAppointment(ctx, q, in.TherapistID, startsAt, uuid.Nil)
		if err != nil {
			return err
		}
		if booked != nil {
			return ErrTimeConflict
		}

		a := &Availability{
			ID:              uuid.New(),
			TherapistID:     in.TherapistID,
			StartsAt:        startsAt,
			DurationMinutes: duration,
			Status:          AvailabilityOpen,
		}
		if err := q.InsertAvailability(ctx, a); err != nil {
			return err
		}
		created = a
		return nil
	})
	if err != nil {
		return nil, s.fail("create availability", err)
	}

	s.log.Info().
		Str("availability_id", created.ID.String()).
		Str("therapist_id", created.TherapistID.String()).
		Time("starts_at", created.StartsAt).
		Msg("availability created")
	return created, nil
}

func (s *Service) DeleteAvailability(ctx context.Context, caller authz.Caller, id uuid.UUID) error {
	err := s.store.InTx(ctx, func(q Queries) error {
		a, err := q.GetAvailability(ctx, id)
		if err != nil {
			return err
		}
		if err := authz.Authorize(caller, authz.DeleteAvailability, a.TherapistID); err != nil {
			return err
		}
		return q.DeleteAvailability(ctx, id)
	})
	if err != nil {
		return s.fail("delete availability", err)
	}

	s.log.Info().Str("availability_id", id.String()).Msg("availability deleted")
	return nil
}

// ListAvailability returns open slots ordered by start time. Therapists
// only ever see their own.
func (s *Service) ListAvailability(ctx context.Context, caller authz.Caller, f AvailabilityFilter) ([]Availability, error) {
	if !authz.Allowed(caller, authz.ViewSchedule) {
		return nil, ErrInsufficientPermissions
	}
	f.TherapistID = authz.ScopeTherapist(caller, authz.ViewSchedule, f.TherapistID)

	list, err := s.store.ListAvailability(ctx, f)
	if err != nil {
		return nil, s.fail("list availability", err)
	}
	return list, nil
}

// CreateAppointment books a patient into an open slot. The availability row
// is consumed in the same transaction that inserts the appointment.
func (s *Service) CreateAppointment(ctx context.Context, caller authz.Caller, in CreateAppointmentInput) (*Appointment, error) {
	if err := authz.Authorize(caller, authz.CreateAppointment, in.TherapistID); err != nil {
		return nil, err
	}
	if in.StartsAt.IsZero() || in.DurationMinutes < 0 {
		return nil, ErrInvalidInput
	}
	startsAt := SlotKey(in.StartsAt)

	var created *Appointment
	err := s.store.InTx(ctx, func(q Queries) error {
		if _, err := activePatient(ctx, q, in.PatientID); err != nil {
			return err
		}
		if _, err := activeTherapist(ctx, q, in.TherapistID); err != nil {
			return err
		}

		slot, err := openAvailability(ctx, q, in.TherapistID, startsAt)
		if err != nil {
			return err
		}
		if slot == nil {
			return ErrTimeNotAvailable
		}
		booked, err := liveAppointment(ctx, q, in.TherapistID, startsAt, uuid.Nil)
		if err != nil {
			return err
		}
		if booked != nil {
			return ErrTimeConflict
		}

		duration := in.DurationMinutes
		if duration == 0 {
			duration = slot.DurationMinutes
		}

		appt := &Appointment{
			ID:              uuid.New(),
			PatientID:       in.PatientID,
			TherapistID:     in.TherapistID,
			StartsAt:        startsAt,
			DurationMinutes: duration,
			SlotMinutes:     slot.DurationMinutes,
			TherapyType:     in.TherapyType,
			Location:        in.Location,
			Notes:           in.Notes,
			Status:          StatusScheduled,
		}
		if err := q.InsertAppointment(ctx, appt); err != nil {
			return err
		}
		if err := q.DeleteAvailability(ctx, slot.ID); err != nil {
			return err
		}

		payload := slotPayload(startsAt, duration)
		payload["patient_id"] = in.PatientID.String()
		payload["availability_id"] = slot.ID.String()
		payload["booked_by"] = idString(caller.ID)
		if err := s.logEvent(ctx, q, EventAppointmentBooked, appt, payload); err != nil {
			return err
		}

		created = appt
		return nil
	})
	if err != nil {
		return nil, s.fail("create appointment", err)
	}

	s.log.Info().
		Str("appointment_id", created.ID.String()).
		Str("therapist_id", created.TherapistID.String()).
		Str("patient_id", created.PatientID.String()).
		Time("starts_at", created.StartsAt).
		Msg("appointment booked")
	return created, nil
}

// UpdateAppointmentStatus moves an appointment to status. Cancelling frees
// the slot again, and reviving a cancelled appointment takes it back.
func (s *Service) UpdateAppointmentStatus(ctx context.Context, caller authz.Caller, id uuid.UUID, status AppointmentStatus) (*Appointment, error) {
	var updated *Appointment
	err := s.store.InTx(ctx, func(q Queries) error {
		appt, err := q.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if err := authz.Authorize(caller, authz.UpdateAppointmentStatus, appt.TherapistID); err != nil {
			return err
		}
		if !status.Valid() {
			return ErrInvalidStatus
		}

		prev := appt.Status
		if !prev.Live() && status.Live() {
			if err := s.reclaimSlot(ctx, q, appt); err != nil {
				return err
			}
		}

		updated, err = q.UpdateAppointmentStatus(ctx, id, status, s.now().UTC())
		if err != nil {
			return err
		}

		if prev.Live() && !status.Live() {
			if err := s.restoreSlot(ctx, q, updated); err != nil {
				return err
			}
		}

		return s.logEvent(ctx, q, EventAppointmentStatusChanged, updated, map[string]any{
			"from":       string(prev),
			"to":         string(status),
			"changed_by": idString(caller.ID),
		})
	})
	if err != nil {
		return nil, s.fail("update appointment status", err)
	}

	s.log.Info().
		Str("appointment_id", updated.ID.String()).
		Str("status", string(updated.Status)).
		Msg("appointment status updated")
	return updated, nil
}

// restoreSlot reopens the slot of a just-cancelled appointment unless
// another live appointment still holds it. The insert tolerates an existing
// row so that retried cancellations never duplicate availability.
func (s *Service) restoreSlot(ctx context.Context, q Queries, appt *Appointment) error {
	other, err := liveAppointment(ctx, q, appt.TherapistID, appt.StartsAt, appt.ID)
	if err != nil {
		return err
	}
	if other != nil {
		return nil
	}

	// The reopened slot gets the length of the availability that was
	// booked, not the session length.
	duration := appt.SlotMinutes
	if duration <= 0 {
		duration = appt.DurationMinutes
	}
	if duration <= 0 {
		duration = defaultSlotMinutes
	}
	slot := &Availability{
		ID:              uuid.New(),
		TherapistID:     appt.TherapistID,
		StartsAt:        appt.StartsAt,
		DurationMinutes: duration,
		Status:          AvailabilityOpen,
	}
	inserted, err := q.InsertAvailabilityIfAbsent(ctx, slot)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	payload := slotPayload(slot.StartsAt, slot.DurationMinutes)
	payload["availability_id"] = slot.ID.String()
	return s.logEvent(ctx, q, EventAvailabilityRestored, appt, payload)
}

// reclaimSlot lets a cancelled appointment become live again only if its
// slot is still open, consuming the availability row like a new booking.
// Patient and therapist must still be active.
func (s *Service) reclaimSlot(ctx context.Context, q Queries, appt *Appointment) error {
	if _, err := activePatient(ctx, q, appt.PatientID); err != nil {
		return err
	}
	if _, err := activeTherapist(ctx, q, appt.TherapistID); err != nil {
		return err
	}

	other, err := liveAppointment(ctx, q, appt.TherapistID, appt.StartsAt, appt.ID)
	if err != nil {
		return err
	}
	if other != nil {
		return ErrTimeConflict
	}

	slot, err := openAvailability(ctx, q, appt.TherapistID, appt.StartsAt)
	if err != nil {
		return err
	}
	if slot == nil {
		return ErrTimeNotAvailable
	}
	return q.DeleteAvailability(ctx, slot.ID)
}

func (s *Service) GetAppointment(ctx context.Context, caller authz.Caller, id uuid.UUID) (*Appointment, error) {
	appt, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return nil, s.fail("get appointment", err)
	}
	if err := authz.Authorize(caller, authz.ViewSchedule, appt.TherapistID); err != nil {
		return nil, err
	}
	return appt, nil
}

// AppointmentPage is one window of a ListAppointments result. NextOffset
// is set when more rows match than were returned.
type AppointmentPage struct {
	Items      []Appointment `json:"items"`
	Total      int           `json:"total"`
	Limit      int           `json:"limit"`
	Offset     int           `json:"offset"`
	NextOffset *int          `json:"next_offset,omitempty"`
}

// ListAppointments returns appointments ordered by start time. A therapist
// is pinned to their own schedule whatever TherapistID they pass. Results
// are paged: Limit defaults to 100 and is capped at 500.
func (s *Service) ListAppointments(ctx context.Context, caller authz.Caller, f AppointmentFilter) (*AppointmentPage, error) {
	if !authz.Allowed(caller, authz.ViewSchedule) {
		return nil, ErrInsufficientPermissions
	}
	if f.Status != nil && !f.Status.Valid() {
		return nil, ErrInvalidStatus
	}
	f.TherapistID = authz.ScopeTherapist(caller, authz.ViewSchedule, f.TherapistID)

	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	page := &AppointmentPage{Limit: f.Limit, Offset: f.Offset}
	err := s.store.InTx(ctx, func(q Queries) error {
		list, err := q.ListAppointments(ctx, f)
		if err != nil {
			return err
		}
		total, err := q.CountAppointments(ctx, f)
		if err != nil {
			return err
		}
		page.Items, page.Total = list, total
		return nil
	})
	if err != nil {
		return nil, s.fail("list appointments", err)
	}

	if next := f.Offset + len(page.Items); next < page.Total {
		page.NextOffset = &next
	}
	return page, nil
}
