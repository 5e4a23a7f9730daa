package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// queryable is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PgStore struct {
	pool       *pgxpool.Pool
	q          queryable
	maxRetries int
}

func NewPgStore(pool *pgxpool.Pool, maxRetries int) *PgStore {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &PgStore{pool: pool, q: pool, maxRetries: maxRetries}
}

// InTx runs fn in a SERIALIZABLE transaction. Serialization failures and
// deadlocks roll back and re-run fn from scratch, up to maxRetries times.
func (s *PgStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*10) * time.Millisecond):
			}
		}

		err = s.runTx(ctx, fn)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return fmt.Errorf("transaction retries exhausted: %w", err)
}

func (s *PgStore) runTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&PgStore{pool: s.pool, q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// classify converts driver errors into the package's error kinds.
func classify(err error, notFound error) error {
	if err == nil {
		return nil
	}
	if notFound != nil && errors.Is(err, pgx.ErrNoRows) {
		return notFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case "availability_therapist_slot_key", "appointments_live_slot_key":
			return ErrTimeConflict
		case "patients_national_id_key", "therapists_email_key", "therapists_registration_id_key":
			return ErrDuplicateIdentifier
		}
	}
	return err
}

type whereBuilder struct {
	clauses []string
	args    []any
}

// add appends a predicate; every %[1]d in clause is replaced by the
// placeholder number of arg.
func (w *whereBuilder) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

func (w *whereBuilder) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Patients

const patientCols = `id, name, national_id, birth_date, phone, email,
	primary_diagnosis, secondary_diagnoses, medications, allergies,
	therapy_type, recommended_frequency, preferences, triggers, effective_strategies,
	notes, status, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID, &p.Name, &p.NationalID, &p.BirthDate, &p.Phone, &p.Email,
		&p.PrimaryDiagnosis, &p.SecondaryDiagnoses, &p.Medications, &p.Allergies,
		&p.TherapyType, &p.RecommendedFrequency, &p.Preferences, &p.Triggers, &p.EffectiveStrategies,
		&p.Notes, &p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, classify(err, ErrPatientNotFound)
	}
	return &p, nil
}

func (s *PgStore) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(s.q.QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
}

func (s *PgStore) GetPatientByNationalID(ctx context.Context, nationalID string) (*Patient, error) {
	return scanPatient(s.q.QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE national_id = $1`, nationalID))
}

func (s *PgStore) InsertPatient(ctx context.Context, p *Patient) error {
	row := s.q.QueryRow(ctx, `
		INSERT INTO patients (id, name, national_id, birth_date, phone, email,
			primary_diagnosis, secondary_diagnoses, medications, allergies,
			therapy_type, recommended_frequency, preferences, triggers, effective_strategies,
			notes, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,now(),now())
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.NationalID, p.BirthDate, p.Phone, p.Email,
		p.PrimaryDiagnosis, nonNil(p.SecondaryDiagnoses), nonNil(p.Medications), nonNil(p.Allergies),
		p.TherapyType, p.RecommendedFrequency, nonNil(p.Preferences), nonNil(p.Triggers), nonNil(p.EffectiveStrategies),
		p.Notes, p.Status,
	)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return classify(err, nil)
	}
	return nil
}

func (s *PgStore) UpdatePatient(ctx context.Context, p *Patient) error {
	row := s.q.QueryRow(ctx, `
		UPDATE patients SET name=$2, national_id=$3, birth_date=$4, phone=$5, email=$6,
			primary_diagnosis=$7, secondary_diagnoses=$8, medications=$9, allergies=$10,
			therapy_type=$11, recommended_frequency=$12, preferences=$13, triggers=$14,
			effective_strategies=$15, notes=$16, status=$17, updated_at=now()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.Name, p.NationalID, p.BirthDate, p.Phone, p.Email,
		p.PrimaryDiagnosis, nonNil(p.SecondaryDiagnoses), nonNil(p.Medications), nonNil(p.Allergies),
		p.TherapyType, p.RecommendedFrequency, nonNil(p.Preferences), nonNil(p.Triggers), nonNil(p.EffectiveStrategies),
		p.Notes, p.Status,
	)
	if err := row.Scan(&p.UpdatedAt); err != nil {
		return classify(err, ErrPatientNotFound)
	}
	return nil
}

func (s *PgStore) ListPatients(ctx context.Context, f PatientFilter) ([]Patient, error) {
	var w whereBuilder
	if f.Status != nil {
		w.add(`status = $%d`, *f.Status)
	}
	if f.Search != "" {
		w.add(`(name ILIKE $%[1]d OR national_id ILIKE $%[1]d)`, "%"+f.Search+"%")
	}

	rows, err := s.q.Query(ctx, `SELECT `+patientCols+` FROM patients`+w.String()+` ORDER BY name`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (s *PgStore) CountPatients(ctx context.Context, status RecordStatus) (int, error) {
	var n int
	err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM patients WHERE status = $1`, status).Scan(&n)
	return n, err
}

// Therapists

const therapistCols = `id, name, email, phone, registration_id, specialties, working_hours,
	password_hash, status, created_at, updated_at`

func scanTherapist(row pgx.Row) (*Therapist, error) {
	var t Therapist
	var hours []byte
	err := row.Scan(
		&t.ID, &t.Name, &t.Email, &t.Phone, &t.RegistrationID, &t.Specialties, &hours,
		&t.PasswordHash, &t.Status, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, classify(err, ErrTherapistNotFound)
	}
	if len(hours) > 0 {
		if err := json.Unmarshal(hours, &t.WorkingHours); err != nil {
			return nil, fmt.Errorf("decode working hours for %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func encodeHours(h WorkingHours) ([]byte, error) {
	if h == nil {
		h = WorkingHours{}
	}
	return json.Marshal(h)
}

func (s *PgStore) GetTherapist(ctx context.Context, id uuid.UUID) (*Therapist, error) {
	return scanTherapist(s.q.QueryRow(ctx, `SELECT `+therapistCols+` FROM therapists WHERE id = $1`, id))
}

func (s *PgStore) InsertTherapist(ctx context.Context, t *Therapist) error {
	hours, err := encodeHours(t.WorkingHours)
	if err != nil {
		return err
	}
	row := s.q.QueryRow(ctx, `
		INSERT INTO therapists (id, name, email, phone, registration_id, specialties, working_hours,
			password_hash, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now(),now())
		RETURNING created_at, updated_at`,
		t.ID, t.Name, t.Email, t.Phone, t.RegistrationID, nonNil(t.Specialties), hours,
		t.PasswordHash, t.Status,
	)
	if err := row.Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		return classify(err, nil)
	}
	return nil
}

func (s *PgStore) UpdateTherapist(ctx context.Context, t *Therapist) error {
	hours, err := encodeHours(t.WorkingHours)
	if err != nil {
		return err
	}
	row := s.q.QueryRow(ctx, `
		UPDATE therapists SET name=$2, email=$3, phone=$4, registration_id=$5, specialties=$6,
			working_hours=$7, password_hash=$8, status=$9, updated_at=now()
		WHERE id = $1
		RETURNING updated_at`,
		t.ID, t.Name, t.Email, t.Phone, t.RegistrationID, nonNil(t.Specialties), hours,
		t.PasswordHash, t.Status,
	)
	if err := row.Scan(&t.UpdatedAt); err != nil {
		return classify(err, ErrTherapistNotFound)
	}
	return nil
}

func (s *PgStore) ListTherapists(ctx context.Context, f TherapistFilter) ([]Therapist, error) {
	var w whereBuilder
	if f.Status != nil {
		w.add(`status = $%d`, *f.Status)
	}

	rows, err := s.q.Query(ctx, `SELECT `+therapistCols+` FROM therapists`+w.String()+` ORDER BY name`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Therapist
	for rows.Next() {
		t, err := scanTherapist(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

func (s *PgStore) CountTherapists(ctx context.Context, status RecordStatus) (int, error) {
	var n int
	err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM therapists WHERE status = $1`, status).Scan(&n)
	return n, err
}

// Availability

const availabilityCols = `id, therapist_id, starts_at, duration_minutes, status, created_at`

func scanAvailability(row pgx.Row) (*Availability, error) {
	var a Availability
	err := row.Scan(&a.ID, &a.TherapistID, &a.StartsAt, &a.DurationMinutes, &a.Status, &a.CreatedAt)
	if err != nil {
		return nil, classify(err, ErrAvailabilityNotFound)
	}
	a.StartsAt = a.StartsAt.UTC()
	return &a, nil
}

func (s *PgStore) GetAvailability(ctx context.Context, id uuid.UUID) (*Availability, error) {
	return scanAvailability(s.q.QueryRow(ctx, `SELECT `+availabilityCols+` FROM availability WHERE id = $1`, id))
}

func (s *PgStore) FindAvailabilityAt(ctx context.Context, therapistID uuid.UUID, at time.Time) (*Availability, error) {
	return scanAvailability(s.q.QueryRow(ctx, `
		SELECT `+availabilityCols+`
		FROM availability
		WHERE therapist_id = $1 AND starts_at = $2
	`, therapistID, at))
}

func (s *PgStore) InsertAvailability(ctx context.Context, a *Availability) error {
	row := s.q.QueryRow(ctx, `
		INSERT INTO availability (id, therapist_id, starts_at, duration_minutes, status, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING created_at
	`, a.ID, a.TherapistID, a.StartsAt, a.DurationMinutes, a.Status)
	if err := row.Scan(&a.CreatedAt); err != nil {
		return classify(err, nil)
	}
	return nil
}

func (s *PgStore) InsertAvailabilityIfAbsent(ctx context.Context, a *Availability) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO availability (id, therapist_id, starts_at, duration_minutes, status, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (therapist_id, starts_at) DO NOTHING
	`, a.ID, a.TherapistID, a.StartsAt, a.DurationMinutes, a.Status)
	if err != nil {
		return false, classify(err, nil)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) DeleteAvailability(ctx context.Context, id uuid.UUID) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM availability WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAvailabilityNotFound
	}
	return nil
}

func availabilityWhere(f AvailabilityFilter) *whereBuilder {
	var w whereBuilder
	if f.TherapistID != nil {
		w.add(`therapist_id = $%d`, *f.TherapistID)
	}
	if f.From != nil {
		w.add(`starts_at >= $%d`, *f.From)
	}
	if f.To != nil {
		w.add(`starts_at < $%d`, *f.To)
	}
	return &w
}

func (s *PgStore) ListAvailability(ctx context.Context, f AvailabilityFilter) ([]Availability, error) {
	w := availabilityWhere(f)
	rows, err := s.q.Query(ctx, `SELECT `+availabilityCols+` FROM availability`+w.String()+` ORDER BY starts_at, therapist_id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Availability
	for rows.Next() {
		a, err := scanAvailability(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func (s *PgStore) CountAvailability(ctx context.Context, f AvailabilityFilter) (int, error) {
	w := availabilityWhere(f)
	var n int
	err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM availability`+w.String(), w.args...).Scan(&n)
	return n, err
}

// Appointments

const appointmentCols = `id, patient_id, therapist_id, starts_at, duration_minutes, slot_minutes,
	therapy_type, location, notes, status, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID, &a.PatientID, &a.TherapistID, &a.StartsAt, &a.DurationMinutes, &a.SlotMinutes,
		&a.TherapyType, &a.Location, &a.Notes, &a.Status, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, classify(err, ErrAppointmentNotFound)
	}
	a.StartsAt = a.StartsAt.UTC()
	return &a, nil
}

func (s *PgStore) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(s.q.QueryRow(ctx, `SELECT `+appointmentCols+` FROM appointments WHERE id = $1`, id))
}

func (s *PgStore) FindLiveAppointmentAt(ctx context.Context, therapistID uuid.UUID, at time.Time, exclude uuid.UUID) (*Appointment, error) {
	return scanAppointment(s.q.QueryRow(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE therapist_id = $1
		  AND starts_at = $2
		  AND status <> 'cancelado'
		  AND id <> $3
		LIMIT 1
	`, therapistID, at, exclude))
}

func (s *PgStore) InsertAppointment(ctx context.Context, a *Appointment) error {
	row := s.q.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, therapist_id, starts_at, duration_minutes, slot_minutes,
			therapy_type, location, notes, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.TherapistID, a.StartsAt, a.DurationMinutes, a.SlotMinutes,
		a.TherapyType, a.Location, a.Notes, a.Status,
	)
	if err := row.Scan(&a.CreatedAt, &a.UpdatedAt); err != nil {
		return classify(err, nil)
	}
	return nil
}

func (s *PgStore) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus, at time.Time) (*Appointment, error) {
	return scanAppointment(s.q.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = $3
		WHERE id = $1
		RETURNING `+appointmentCols,
		id, status, at))
}

func appointmentWhere(f AppointmentFilter) *whereBuilder {
	var w whereBuilder
	if f.TherapistID != nil {
		w.add(`therapist_id = $%d`, *f.TherapistID)
	}
	if f.PatientID != nil {
		w.add(`patient_id = $%d`, *f.PatientID)
	}
	if f.Status != nil {
		w.add(`status = $%d`, *f.Status)
	}
	if f.From != nil {
		w.add(`starts_at >= $%d`, *f.From)
	}
	if f.To != nil {
		w.add(`starts_at < $%d`, *f.To)
	}
	return &w
}

func (s *PgStore) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	w := appointmentWhere(f)
	query := `SELECT ` + appointmentCols + ` FROM appointments` + w.String() + ` ORDER BY starts_at, id`
	args := w.args
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func (s *PgStore) CountAppointments(ctx context.Context, f AppointmentFilter) (int, error) {
	w := appointmentWhere(f)
	var n int
	err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM appointments`+w.String(), w.args...).Scan(&n)
	return n, err
}

// Events

func (s *PgStore) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, therapist_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.AppointmentID, ev.TherapistID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
