package authz

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestAuthorize_Table(t *testing.T) {
	self := uuid.New()
	other := uuid.New()
	supervisor := Caller{ID: uuid.New(), Role: RoleSupervisor}
	therapist := Caller{ID: self, Role: RoleTherapist}

	tests := []struct {
		name   string
		caller Caller
		op     Operation
		owner  uuid.UUID
		allow  bool
	}{
		{"supervisor manages patients", supervisor, ManagePatients, uuid.Nil, true},
		{"therapist cannot manage patients", therapist, ManagePatients, uuid.Nil, false},
		{"supervisor manages therapists", supervisor, ManageTherapists, uuid.Nil, true},
		{"therapist cannot manage therapists", therapist, ManageTherapists, self, false},
		{"supervisor creates availability for anyone", supervisor, CreateAvailability, other, true},
		{"therapist creates own availability", therapist, CreateAvailability, self, true},
		{"therapist cannot create availability for another", therapist, CreateAvailability, other, false},
		{"supervisor deletes any availability", supervisor, DeleteAvailability, other, true},
		{"therapist deletes own availability", therapist, DeleteAvailability, self, true},
		{"therapist cannot delete another's availability", therapist, DeleteAvailability, other, false},
		{"supervisor books appointments", supervisor, CreateAppointment, other, true},
		{"therapist cannot book appointments", therapist, CreateAppointment, self, false},
		{"supervisor updates any appointment", supervisor, UpdateAppointmentStatus, other, true},
		{"therapist updates own appointment", therapist, UpdateAppointmentStatus, self, true},
		{"therapist cannot update another's appointment", therapist, UpdateAppointmentStatus, other, false},
		{"therapist views own schedule", therapist, ViewSchedule, self, true},
		{"therapist cannot view another schedule", therapist, ViewSchedule, other, false},
		{"therapist views patients", therapist, ViewPatients, uuid.Nil, true},
		{"unknown role denied", Caller{ID: self, Role: "admin"}, ViewPatients, uuid.Nil, false},
		{"nil therapist id never owns", Caller{Role: RoleTherapist}, ViewSchedule, uuid.Nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(tt.caller, tt.op, tt.owner)
			if tt.allow && err != nil {
				t.Fatalf("expected allow, got %v", err)
			}
			if !tt.allow && !errors.Is(err, ErrInsufficientPermissions) {
				t.Fatalf("expected ErrInsufficientPermissions, got %v", err)
			}
		})
	}
}

func TestScopeTherapist(t *testing.T) {
	self := uuid.New()
	other := uuid.New()

	got := ScopeTherapist(Caller{ID: self, Role: RoleTherapist}, ViewSchedule, &other)
	if got == nil || *got != self {
		t.Fatalf("therapist must be pinned to own id, got %v", got)
	}

	got = ScopeTherapist(Caller{ID: self, Role: RoleTherapist}, ViewSchedule, nil)
	if got == nil || *got != self {
		t.Fatalf("therapist without filter must still be pinned, got %v", got)
	}

	got = ScopeTherapist(Caller{ID: uuid.New(), Role: RoleSupervisor}, ViewSchedule, &other)
	if got == nil || *got != other {
		t.Fatalf("supervisor filter must pass through, got %v", got)
	}

	if got := ScopeTherapist(Caller{ID: uuid.New(), Role: RoleSupervisor}, ViewSchedule, nil); got != nil {
		t.Fatalf("supervisor without filter sees everything, got %v", got)
	}
}

func TestAllowed(t *testing.T) {
	if !Allowed(Caller{Role: RoleTherapist}, ViewSchedule) {
		t.Error("therapist should hold view_schedule")
	}
	if Allowed(Caller{Role: RoleTherapist}, CreateAppointment) {
		t.Error("therapist should not hold create_appointment")
	}
	if !RoleSupervisor.Valid() || Role("nurse").Valid() {
		t.Error("unexpected role validity")
	}
}
