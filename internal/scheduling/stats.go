package scheduling

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/therapy-clinic-scheduling/internal/authz"
)

type Statistics struct {
	Scheduled          int        `json:"scheduled"`
	CompletedThisMonth int        `json:"completed_this_month"`
	Cancelled          int        `json:"cancelled"`
	FreeSlots          int        `json:"free_slots"`
	ActivePatients     int        `json:"active_patients"`
	ActiveTherapists   int        `json:"active_therapists"`
	AttendanceRate     int        `json:"attendance_rate"`
	TherapistID        *uuid.UUID `json:"therapist_id,omitempty"`
	GeneratedAt        time.Time  `json:"generated_at"`
}

// AttendanceRate is completed / (completed + cancelled) as a rounded
// percentage, 0 when nothing has been completed or cancelled.
func AttendanceRate(completed, cancelled int) int {
	total := completed + cancelled
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(completed) / float64(total) * 100))
}

// monthBounds returns [first day of the month, first day of next month) for
// now in loc.
func monthBounds(now time.Time, loc *time.Location) (time.Time, time.Time) {
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	return start.UTC(), start.AddDate(0, 1, 0).UTC()
}

// Statistics computes the dashboard counters from one consistent snapshot.
// Therapists get appointment and slot counts for their own schedule only.
func (s *Service) Statistics(ctx context.Context, caller authz.Caller) (*Statistics, error) {
	if !authz.Allowed(caller, authz.ViewStatistics) {
		return nil, ErrInsufficientPermissions
	}
	scope := authz.ScopeTherapist(caller, authz.ViewStatistics, nil)

	now := s.now()
	from, to := monthBounds(now, s.loc)
	scheduled, completed, cancelled := StatusScheduled, StatusCompleted, StatusCancelled

	var st Statistics
	err := s.store.InTx(ctx, func(q Queries) error {
		var err error
		if st.Scheduled, err = q.CountAppointments(ctx, AppointmentFilter{TherapistID: scope, Status: &scheduled}); err != nil {
			return err
		}
		if st.CompletedThisMonth, err = q.CountAppointments(ctx, AppointmentFilter{
			TherapistID: scope, Status: &completed, From: &from, To: &to,
		}); err != nil {
			return err
		}
		if st.Cancelled, err = q.CountAppointments(ctx, AppointmentFilter{TherapistID: scope, Status: &cancelled}); err != nil {
			return err
		}
		if st.FreeSlots, err = q.CountAvailability(ctx, AvailabilityFilter{TherapistID: scope}); err != nil {
			return err
		}
		if st.ActivePatients, err = q.CountPatients(ctx, RecordActive); err != nil {
			return err
		}
		st.ActiveTherapists, err = q.CountTherapists(ctx, RecordActive)
		return err
	})
	if err != nil {
		return nil, s.fail("statistics", err)
	}

	st.AttendanceRate = AttendanceRate(st.CompletedThisMonth, st.Cancelled)
	st.TherapistID = scope
	st.GeneratedAt = now.UTC()
	return &st, nil
}
