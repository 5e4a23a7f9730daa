package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/therapy-clinic-scheduling/internal/authz"
)

// PatientInput carries every writable patient field. Updates replace the
// whole record.
type PatientInput struct {
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

	Notes  string       `json:"notes"`
	Status RecordStatus `json:"status,omitempty"`
}

type TherapistInput struct {
	Name           string       `json:"name"`
	Email          string       `json:"email"`
	Phone          string       `json:"phone"`
	RegistrationID string       `json:"registration_id"`
	Specialties    []string     `json:"specialties"`
	WorkingHours   WorkingHours `json:"working_hours"`
	Status         RecordStatus `json:"status,omitempty"`

	// PasswordHash is produced by the auth package; empty on update keeps
	// the stored hash.
	PasswordHash string `json:"-"`
}

var weekdays = map[string]bool{
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
}

// ValidateWorkingHours checks weekday keys and that every range is a
// non-empty HH:MM interval.
func ValidateWorkingHours(h WorkingHours) error {
	for day, r := range h {
		if !weekdays[day] {
			return fmt.Errorf("%w: unknown weekday %q", ErrInvalidInput, day)
		}
		start, err := time.Parse("15:04", r.Start)
		if err != nil {
			return fmt.Errorf("%w: %s start %q", ErrInvalidInput, day, r.Start)
		}
		end, err := time.Parse("15:04", r.End)
		if err != nil {
			return fmt.Errorf("%w: %s end %q", ErrInvalidInput, day, r.End)
		}
		if !start.Before(end) {
			return fmt.Errorf("%w: %s starts after it ends", ErrInvalidInput, day)
		}
	}
	return nil
}

func normaliseStatus(s RecordStatus, def RecordStatus) (RecordStatus, error) {
	if s == "" {
		return def, nil
	}
	if !s.Valid() {
		return "", fmt.Errorf("%w: status %q", ErrInvalidInput, s)
	}
	return s, nil
}

func (in PatientInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.NationalID) == "" {
		return fmt.Errorf("%w: national_id is required", ErrInvalidInput)
	}
	return nil
}

func (in PatientInput) apply(p *Patient) {
	p.Name = strings.TrimSpace(in.Name)
	p.NationalID = strings.TrimSpace(in.NationalID)
	p.BirthDate = in.BirthDate
	p.Phone = in.Phone
	p.Email = in.Email
	p.PrimaryDiagnosis = in.PrimaryDiagnosis
	p.SecondaryDiagnoses = nonNilStrings(in.SecondaryDiagnoses)
	p.Medications = nonNilStrings(in.Medications)
	p.Allergies = nonNilStrings(in.Allergies)
	p.TherapyType = in.TherapyType
	p.RecommendedFrequency = in.RecommendedFrequency
	p.Preferences = nonNilStrings(in.Preferences)
	p.Triggers = nonNilStrings(in.Triggers)
	p.EffectiveStrategies = nonNilStrings(in.EffectiveStrategies)
	p.Notes = in.Notes
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// nationalIDTaken reports whether another patient, active or not, already
// holds nationalID.
func nationalIDTaken(ctx context.Context, q Queries, nationalID string, self uuid.UUID) error {
	other, err := q.GetPatientByNationalID(ctx, nationalID)
	if errors.Is(err, ErrPatientNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if other.ID != self {
		return ErrDuplicateIdentifier
	}
	return nil
}

func (s *Service) CreatePatient(ctx context.Context, caller authz.Caller, in PatientInput) (*Patient, error) {
	if err := authz.Authorize(caller, authz.ManagePatients, uuid.Nil); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	status, err := normaliseStatus(in.Status, RecordActive)
	if err != nil {
		return nil, err
	}

	p := &Patient{ID: uuid.New(), Status: status}
	in.apply(p)

	err = s.store.InTx(ctx, func(q Queries) error {
		if err := nationalIDTaken(ctx, q, p.NationalID, uuid.Nil); err != nil {
			return err
		}
		return q.InsertPatient(ctx, p)
	})
	if err != nil {
		return nil, s.fail("create patient", err)
	}

	s.log.Info().Str("patient_id", p.ID.String()).Msg("patient created")
	return p, nil
}

func (s *Service) UpdatePatient(ctx context.Context, caller authz.Caller, id uuid.UUID, in PatientInput) (*Patient, error) {
	if err := authz.Authorize(caller, authz.ManagePatients, uuid.Nil); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	var updated *Patient
	err := s.store.InTx(ctx, func(q Queries) error {
		p, err := q.GetPatient(ctx, id)
		if err != nil {
			return err
		}
		status, err := normaliseStatus(in.Status, p.Status)
		if err != nil {
			return err
		}
		in.apply(p)
		p.Status = status

		if err := nationalIDTaken(ctx, q, p.NationalID, p.ID); err != nil {
			return err
		}
		if err := q.UpdatePatient(ctx, p); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, s.fail("update patient", err)
	}
	return updated, nil
}

// DeactivatePatient is the only way a patient leaves the active list.
// Patients are never hard deleted.
func (s *Service) DeactivatePatient(ctx context.Context, caller authz.Caller, id uuid.UUID) (*Patient, error) {
	if err := authz.Authorize(caller, authz.ManagePatients, uuid.Nil); err != nil {
		return nil, err
	}

	var updated *Patient
	err := s.store.InTx(ctx, func(q Queries) error {
		p, err := q.GetPatient(ctx, id)
		if err != nil {
			return err
		}
		p.Status = RecordInactive
		if err := q.UpdatePatient(ctx, p); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, s.fail("deactivate patient", err)
	}

	s.log.Info().Str("patient_id", id.String()).Msg("patient deactivated")
	return updated, nil
}

func (s *Service) GetPatient(ctx context.Context, caller authz.Caller, id uuid.UUID) (*Patient, error) {
	if err := authz.Authorize(caller, authz.ViewPatients, uuid.Nil); err != nil {
		return nil, err
	}
	p, err := s.store.GetPatient(ctx, id)
	if err != nil {
		return nil, s.fail("get patient", err)
	}
	return p, nil
}

func (s *Service) ListPatients(ctx context.Context, caller authz.Caller, f PatientFilter) ([]Patient, error) {
	if err := authz.Authorize(caller, authz.ViewPatients, uuid.Nil); err != nil {
		return nil, err
	}
	if f.Status != nil && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidInput, *f.Status)
	}
	list, err := s.store.ListPatients(ctx, f)
	if err != nil {
		return nil, s.fail("list patients", err)
	}
	return list, nil
}

func (in TherapistInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Email) == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.RegistrationID) == "" {
		return fmt.Errorf("%w: registration_id is required", ErrInvalidInput)
	}
	return ValidateWorkingHours(in.WorkingHours)
}

func (in TherapistInput) apply(t *Therapist) {
	t.Name = strings.TrimSpace(in.Name)
	t.Email = strings.ToLower(strings.TrimSpace(in.Email))
	t.Phone = in.Phone
	t.RegistrationID = strings.TrimSpace(in.RegistrationID)
	t.Specialties = nonNilStrings(in.Specialties)
	t.WorkingHours = in.WorkingHours
	if t.WorkingHours == nil {
		t.WorkingHours = WorkingHours{}
	}
	if in.PasswordHash != "" {
		t.PasswordHash = in.PasswordHash
	}
}

func (s *Service) CreateTherapist(ctx context.Context, caller authz.Caller, in TherapistInput) (*Therapist, error) {
	if err := authz.Authorize(caller, authz.ManageTherapists, uuid.Nil); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	status, err := normaliseStatus(in.Status, RecordActive)
	if err != nil {
		return nil, err
	}

	t := &Therapist{ID: uuid.New(), Status: status}
	in.apply(t)

	if err := s.store.InsertTherapist(ctx, t); err != nil {
		return nil, s.fail("create therapist", err)
	}

	s.log.Info().Str("therapist_id", t.ID.String()).Msg("therapist created")
	return t, nil
}

func (s *Service) UpdateTherapist(ctx context.Context, caller authz.Caller, id uuid.UUID, in TherapistInput) (*Therapist, error) {
	if err := authz.Authorize(caller, authz.ManageTherapists, uuid.Nil); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	var updated *Therapist
	err := s.store.InTx(ctx, func(q Queries) error {
		t, err := q.GetTherapist(ctx, id)
		if err != nil {
			return err
		}
		status, err := normaliseStatus(in.Status, t.Status)
		if err != nil {
			return err
		}
		in.apply(t)
		t.Status = status

		if err := q.UpdateTherapist(ctx, t); err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, s.fail("update therapist", err)
	}
	return updated, nil
}

func (s *Service) GetTherapist(ctx context.Context, caller authz.Caller, id uuid.UUID) (*Therapist, error) {
	if err := authz.Authorize(caller, authz.ViewTherapists, uuid.Nil); err != nil {
		return nil, err
	}
	t, err := s.store.GetTherapist(ctx, id)
	if err != nil {
		return nil, s.fail("get therapist", err)
	}
	return t, nil
}

func (s *Service) ListTherapists(ctx context.Context, caller authz.Caller, f TherapistFilter) ([]Therapist, error) {
	if err := authz.Authorize(caller, authz.ViewTherapists, uuid.Nil); err != nil {
		return nil, err
	}
	if f.Status != nil && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidInput, *f.Status)
	}
	list, err := s.store.ListTherapists(ctx, f)
	if err != nil {
		return nil, s.fail("list therapists", err)
	}
	return list, nil
}
