package scheduling

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "agendado"
	StatusCompleted AppointmentStatus = "realizado"
	StatusCancelled AppointmentStatus = "cancelado"
	StatusNoShow    AppointmentStatus = "faltou"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Live reports whether an appointment in this status still occupies its slot.
func (s AppointmentStatus) Live() bool {
	return s != StatusCancelled
}

type RecordStatus string

const (
	RecordActive   RecordStatus = "active"
	RecordInactive RecordStatus = "inactive"
)

func (s RecordStatus) Valid() bool {
	return s == RecordActive || s == RecordInactive
}

const AvailabilityOpen = "available"

type Patient struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	NationalID string     `json:"national_id"`
	BirthDate  *time.Time `json:"birth_date,omitempty"`
	Phone      string     `json:"phone"`
	Email      string     `json:"email"`

	PrimaryDiagnosis   string   `json:"primary_diagnosis"`
	SecondaryDiagnoses []string `json:"secondary_diagnoses"`
	Medications        []string `json:"medications"`
	Allergies          []string `json:"allergies"`

	TherapyType          string   `json:"therapy_type"`
	RecommendedFrequency string   `json:"recommended_frequency"`
	Preferences          []string `json:"preferences"`
	Triggers             []string `json:"triggers"`
	EffectiveStrategies  []string `json:"effective_strategies"`

	Notes     string       `json:"notes"`
	Status    RecordStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// TimeRange is a [Start, End) pair of wall clock times formatted HH:MM.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// WorkingHours maps lower case weekday names to the therapist's hours on
// that day. Days without an entry are not worked.
type WorkingHours map[string]TimeRange

type Therapist struct {
	ID             uuid.UUID    `json:"id"`
	Name           string       `json:"name"`
	Email          string       `json:"email"`
	Phone          string       `json:"phone"`
	RegistrationID string       `json:"registration_id"`
	Specialties    []string     `json:"specialties"`
	WorkingHours   WorkingHours `json:"working_hours"`
	PasswordHash   string       `json:"-"`
	Status         RecordStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

type Supervisor struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Availability is an open, bookable slot.
type Availability struct {
	ID              uuid.UUID `json:"id"`
	TherapistID     uuid.UUID `json:"therapist_id"`
	StartsAt        time.Time `json:"starts_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

type Appointment struct {
	ID              uuid.UUID         `json:"id"`
	PatientID       uuid.UUID         `json:"patient_id"`
	TherapistID     uuid.UUID         `json:"therapist_id"`
	StartsAt        time.Time         `json:"starts_at"`
	DurationMinutes int               `json:"duration_minutes"`
	SlotMinutes     int               `json:"slot_minutes"` // length of the availability consumed by the booking
	TherapyType     string            `json:"therapy_type"`
	Location        string            `json:"location"`
	Notes           string            `json:"notes"`
	Status          AppointmentStatus `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	TherapistID   *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// SlotKey normalises a date-time so that (therapist, instant) comparisons
// are exact: minute precision, UTC.
func SlotKey(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}
