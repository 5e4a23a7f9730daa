package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound      = errors.New("patient not found")
	ErrTherapistNotFound    = errors.New("therapist not found")
	ErrAppointmentNotFound  = errors.New("appointment not found")
	ErrAvailabilityNotFound = errors.New("availability not found")

	// ErrTimeConflict is also what a store returns when a slot uniqueness
	// constraint rejects a write.
	ErrTimeConflict = errors.New("slot already taken by another availability or appointment")
	// ErrDuplicateIdentifier is returned for national id, email or
	// registration id collisions.
	ErrDuplicateIdentifier = errors.New("identifier already in use")
	// ErrStoreUnavailable covers connection loss and transactions that could
	// not be committed. It is the only error worth retrying.
	ErrStoreUnavailable = errors.New("store unavailable")
)

type PatientFilter struct {
	Status *RecordStatus
	Search string // case-insensitive match on name or national id
}

type TherapistFilter struct {
	Status *RecordStatus
}

type AvailabilityFilter struct {
	TherapistID *uuid.UUID
	From        *time.Time // inclusive
	To          *time.Time // exclusive
}

type AppointmentFilter struct {
	TherapistID *uuid.UUID
	PatientID   *uuid.UUID
	Status      *AppointmentStatus
	From        *time.Time // inclusive
	To          *time.Time // exclusive
	Limit       int
	Offset      int
}

// Queries is every read and write the service issues. Implementations must
// return the NotFound errors above for missing rows, ErrTimeConflict or
// ErrDuplicateIdentifier for uniqueness violations, and anything else as an
// opaque store error.
type Queries interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetPatientByNationalID(ctx context.Context, nationalID string) (*Patient, error)
	InsertPatient(ctx context.Context, p *Patient) error
	UpdatePatient(ctx context.Context, p *Patient) error
	ListPatients(ctx context.Context, f PatientFilter) ([]Patient, error)
	CountPatients(ctx context.Context, status RecordStatus) (int, error)

	GetTherapist(ctx context.Context, id uuid.UUID) (*Therapist, error)
	InsertTherapist(ctx context.Context, t *Therapist) error
	UpdateTherapist(ctx context.Context, t *Therapist) error
	ListTherapists(ctx context.Context, f TherapistFilter) ([]Therapist, error)
	CountTherapists(ctx context.Context, status RecordStatus) (int, error)

	GetAvailability(ctx context.Context, id uuid.UUID) (*Availability, error)
	FindAvailabilityAt(ctx context.Context, therapistID uuid.UUID, at time.Time) (*Availability, error)
	InsertAvailability(ctx context.Context, a *Availability) error
	// InsertAvailabilityIfAbsent inserts a unless a row already exists for
	// its slot. It reports whether a row was written and never fails on the
	// slot uniqueness constraint.
	InsertAvailabilityIfAbsent(ctx context.Context, a *Availability) (bool, error)
	DeleteAvailability(ctx context.Context, id uuid.UUID) error
	ListAvailability(ctx context.Context, f AvailabilityFilter) ([]Availability, error)
	CountAvailability(ctx context.Context, f AvailabilityFilter) (int, error)

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// FindLiveAppointmentAt returns the non-cancelled appointment at the
	// slot, skipping exclude (uuid.Nil excludes nothing).
	FindLiveAppointmentAt(ctx context.Context, therapistID uuid.UUID, at time.Time, exclude uuid.UUID) (*Appointment, error)
	InsertAppointment(ctx context.Context, a *Appointment) error
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus, at time.Time) (*Appointment, error)
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error)
	CountAppointments(ctx context.Context, f AppointmentFilter) (int, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}

// Store is the persistence boundary. InTx runs fn atomically: either all of
// its writes commit or none do. fn may be invoked more than once when the
// store retries a transaction, so it must not keep side effects outside
// the Queries it is handed.
type Store interface {
	Queries
	InTx(ctx context.Context, fn func(q Queries) error) error
}
