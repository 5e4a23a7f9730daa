package scheduling

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a Store kept in process memory. Transactions work on a
// cloned state that replaces the live one only when fn succeeds, and every
// uniqueness constraint of the Postgres schema is enforced. It backs unit
// tests and `serve --memory`; it is not shared between processes.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

type memState struct {
	patients     map[uuid.UUID]Patient
	therapists   map[uuid.UUID]Therapist
	availability map[uuid.UUID]Availability
	appointments map[uuid.UUID]Appointment
	events       []EventLog
	nextEventID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			patients:     make(map[uuid.UUID]Patient),
			therapists:   make(map[uuid.UUID]Therapist),
			availability: make(map[uuid.UUID]Availability),
			appointments: make(map[uuid.UUID]Appointment),
		},
		now: time.Now,
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		patients:     make(map[uuid.UUID]Patient, len(s.patients)),
		therapists:   make(map[uuid.UUID]Therapist, len(s.therapists)),
		availability: make(map[uuid.UUID]Availability, len(s.availability)),
		appointments: make(map[uuid.UUID]Appointment, len(s.appointments)),
		events:       append([]EventLog(nil), s.events...),
		nextEventID:  s.nextEventID,
	}
	for k, v := range s.patients {
		c.patients[k] = clonePatient(v)
	}
	for k, v := range s.therapists {
		c.therapists[k] = cloneTherapist(v)
	}
	for k, v := range s.availability {
		c.availability[k] = v
	}
	for k, v := range s.appointments {
		c.appointments[k] = v
	}
	return c
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func clonePatient(p Patient) Patient {
	p.SecondaryDiagnoses = cloneStrings(p.SecondaryDiagnoses)
	p.Medications = cloneStrings(p.Medications)
	p.Allergies = cloneStrings(p.Allergies)
	p.Preferences = cloneStrings(p.Preferences)
	p.Triggers = cloneStrings(p.Triggers)
	p.EffectiveStrategies = cloneStrings(p.EffectiveStrategies)
	if p.BirthDate != nil {
		d := *p.BirthDate
		p.BirthDate = &d
	}
	return p
}

func cloneTherapist(t Therapist) Therapist {
	t.Specialties = cloneStrings(t.Specialties)
	if t.WorkingHours != nil {
		h := make(WorkingHours, len(t.WorkingHours))
		for k, v := range t.WorkingHours {
			h[k] = v
		}
		t.WorkingHours = h
	}
	return t
}

// InTx runs fn against a private copy of the state and publishes the copy
// only if fn returns nil. Transactions are serialised by the store mutex.
func (s *MemoryStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	draft := s.state.clone()
	if err := fn(&memQueries{state: draft, now: s.now}); err != nil {
		return err
	}
	s.state = draft
	return nil
}

// Events returns a copy of the outbox rows written so far.
func (s *MemoryStore) Events() []EventLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EventLog(nil), s.state.events...)
}

func (s *MemoryStore) live() *memQueries {
	return &memQueries{state: s.state, now: s.now}
}

func (s *MemoryStore) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().GetPatient(ctx, id)
}

func (s *MemoryStore) GetPatientByNationalID(ctx context.Context, nationalID string) (*Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().GetPatientByNationalID(ctx, nationalID)
}

func (s *MemoryStore) InsertPatient(ctx context.Context, p *Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().InsertPatient(ctx, p)
}

func (s *MemoryStore) UpdatePatient(ctx context.Context, p *Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().UpdatePatient(ctx, p)
}

func (s *MemoryStore) ListPatients(ctx context.Context, f PatientFilter) ([]Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().ListPatients(ctx, f)
}

func (s *MemoryStore) CountPatients(ctx context.Context, status RecordStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().CountPatients(ctx, status)
}

func (s *MemoryStore) GetTherapist(ctx context.Context, id uuid.UUID) (*Therapist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().GetTherapist(ctx, id)
}

func (s *MemoryStore) InsertTherapist(ctx context.Context, t *Therapist) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().InsertTherapist(ctx, t)
}

func (s *MemoryStore) UpdateTherapist(ctx context.Context, t *Therapist) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().UpdateTherapist(ctx, t)
}

func (s *MemoryStore) ListTherapists(ctx context.Context, f TherapistFilter) ([]Therapist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().ListTherapists(ctx, f)
}

func (s *MemoryStore) CountTherapists(ctx context.Context, status RecordStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().CountTherapists(ctx, status)
}

func (s *MemoryStore) GetAvailability(ctx context.Context, id uuid.UUID) (*Availability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().GetAvailability(ctx, id)
}

func (s *MemoryStore) FindAvailabilityAt(ctx context.Context, therapistID uuid.UUID, at time.Time) (*Availability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().FindAvailabilityAt(ctx, therapistID, at)
}

func (s *MemoryStore) InsertAvailability(ctx context.Context, a *Availability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().InsertAvailability(ctx, a)
}

func (s *MemoryStore) InsertAvailabilityIfAbsent(ctx context.Context, a *Availability) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().InsertAvailabilityIfAbsent(ctx, a)
}

func (s *MemoryStore) DeleteAvailability(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().DeleteAvailability(ctx, id)
}

func (s *MemoryStore) ListAvailability(ctx context.Context, f AvailabilityFilter) ([]Availability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().ListAvailability(ctx, f)
}

func (s *MemoryStore) CountAvailability(ctx context.Context, f AvailabilityFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().CountAvailability(ctx, f)
}

func (s *MemoryStore) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().GetAppointment(ctx, id)
}

func (s *MemoryStore) FindLiveAppointmentAt(ctx context.Context, therapistID uuid.UUID, at time.Time, exclude uuid.UUID) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().FindLiveAppointmentAt(ctx, therapistID, at, exclude)
}

func (s *MemoryStore) InsertAppointment(ctx context.Context, a *Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().InsertAppointment(ctx, a)
}

func (s *MemoryStore) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus, at time.Time) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().UpdateAppointmentStatus(ctx, id, status, at)
}

func (s *MemoryStore) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().ListAppointments(ctx, f)
}

func (s *MemoryStore) CountAppointments(ctx context.Context, f AppointmentFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().CountAppointments(ctx, f)
}

func (s *MemoryStore) InsertEvent(ctx context.Context, ev EventLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live().InsertEvent(ctx, ev)
}

// memQueries operates on one state without locking; the owner holds the
// store mutex.
type memQueries struct {
	state *memState
	now   func() time.Time
}

func (q *memQueries) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := q.state.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	p = clonePatient(p)
	return &p, nil
}

func (q *memQueries) GetPatientByNationalID(_ context.Context, nationalID string) (*Patient, error) {
	for _, p := range q.state.patients {
		if p.NationalID == nationalID {
			p = clonePatient(p)
			return &p, nil
		}
	}
	return nil, ErrPatientNotFound
}

func (q *memQueries) nationalIDTaken(nationalID string, except uuid.UUID) bool {
	for id, p := range q.state.patients {
		if id != except && p.NationalID == nationalID {
			return true
		}
	}
	return false
}

func (q *memQueries) InsertPatient(_ context.Context, p *Patient) error {
	if q.nationalIDTaken(p.NationalID, uuid.Nil) {
		return ErrDuplicateIdentifier
	}
	now := q.now()
	p.CreatedAt, p.UpdatedAt = now, now
	q.state.patients[p.ID] = clonePatient(*p)
	return nil
}

func (q *memQueries) UpdatePatient(_ context.Context, p *Patient) error {
	existing, ok := q.state.patients[p.ID]
	if !ok {
		return ErrPatientNotFound
	}
	if q.nationalIDTaken(p.NationalID, p.ID) {
		return ErrDuplicateIdentifier
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = q.now()
	q.state.patients[p.ID] = clonePatient(*p)
	return nil
}

func (q *memQueries) ListPatients(_ context.Context, f PatientFilter) ([]Patient, error) {
	search := strings.ToLower(f.Search)
	var result []Patient
	for _, p := range q.state.patients {
		if f.Status != nil && p.Status != *f.Status {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(p.Name), search) &&
			!strings.Contains(strings.ToLower(p.NationalID), search) {
			continue
		}
		result = append(result, clonePatient(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (q *memQueries) CountPatients(_ context.Context, status RecordStatus) (int, error) {
	n := 0
	for _, p := range q.state.patients {
		if p.Status == status {
			n++
		}
	}
	return n, nil
}

func (q *memQueries) GetTherapist(_ context.Context, id uuid.UUID) (*Therapist, error) {
	t, ok := q.state.therapists[id]
	if !ok {
		return nil, ErrTherapistNotFound
	}
	t = cloneTherapist(t)
	return &t, nil
}

func (q *memQueries) therapistIdentifiersTaken(t *Therapist) bool {
	for id, other := range q.state.therapists {
		if id == t.ID {
			continue
		}
		if other.Email == t.Email || other.RegistrationID == t.RegistrationID {
			return true
		}
	}
	return false
}

func (q *memQueries) InsertTherapist(_ context.Context, t *Therapist) error {
	if q.therapistIdentifiersTaken(t) {
		return ErrDuplicateIdentifier
	}
	now := q.now()
	t.CreatedAt, t.UpdatedAt = now, now
	q.state.therapists[t.ID] = cloneTherapist(*t)
	return nil
}

func (q *memQueries) UpdateTherapist(_ context.Context, t *Therapist) error {
	existing, ok := q.state.therapists[t.ID]
	if !ok {
		return ErrTherapistNotFound
	}
	if q.therapistIdentifiersTaken(t) {
		return ErrDuplicateIdentifier
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = q.now()
	q.state.therapists[t.ID] = cloneTherapist(*t)
	return nil
}

func (q *memQueries) ListTherapists(_ context.Context, f TherapistFilter) ([]Therapist, error) {
	var result []Therapist
	for _, t := range q.state.therapists {
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		result = append(result, cloneTherapist(t))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (q *memQueries) CountTherapists(_ context.Context, status RecordStatus) (int, error) {
	n := 0
	for _, t := range q.state.therapists {
		if t.Status == status {
			n++
		}
	}
	return n, nil
}

func (q *memQueries) GetAvailability(_ context.Context, id uuid.UUID) (*Availability, error) {
	a, ok := q.state.availability[id]
	if !ok {
		return nil, ErrAvailabilityNotFound
	}
	return &a, nil
}

func (q *memQueries) FindAvailabilityAt(_ context.Context, therapistID uuid.UUID, at time.Time) (*Availability, error) {
	for _, a := range q.state.availability {
		if a.TherapistID == therapistID && a.StartsAt.Equal(at) {
			return &a, nil
		}
	}
	return nil, ErrAvailabilityNotFound
}

func (q *memQueries) InsertAvailability(ctx context.Context, a *Availability) error {
	if _, err := q.FindAvailabilityAt(ctx, a.TherapistID, a.StartsAt); err == nil {
		return ErrTimeConflict
	}
	a.CreatedAt = q.now()
	q.state.availability[a.ID] = *a
	return nil
}

func (q *memQueries) InsertAvailabilityIfAbsent(ctx context.Context, a *Availability) (bool, error) {
	if _, err := q.FindAvailabilityAt(ctx, a.TherapistID, a.StartsAt); err == nil {
		return false, nil
	}
	a.CreatedAt = q.now()
	q.state.availability[a.ID] = *a
	return true, nil
}

func (q *memQueries) DeleteAvailability(_ context.Context, id uuid.UUID) error {
	if _, ok := q.state.availability[id]; !ok {
		return ErrAvailabilityNotFound
	}
	delete(q.state.availability, id)
	return nil
}

func inRange(t time.Time, from, to *time.Time) bool {
	if from != nil && t.Before(*from) {
		return false
	}
	if to != nil && !t.Before(*to) {
		return false
	}
	return true
}

func (q *memQueries) ListAvailability(_ context.Context, f AvailabilityFilter) ([]Availability, error) {
	var result []Availability
	for _, a := range q.state.availability {
		if f.TherapistID != nil && a.TherapistID != *f.TherapistID {
			continue
		}
		if !inRange(a.StartsAt, f.From, f.To) {
			continue
		}
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartsAt.Equal(result[j].StartsAt) {
			return result[i].StartsAt.Before(result[j].StartsAt)
		}
		return result[i].TherapistID.String() < result[j].TherapistID.String()
	})
	return result, nil
}

func (q *memQueries) CountAvailability(ctx context.Context, f AvailabilityFilter) (int, error) {
	list, err := q.ListAvailability(ctx, f)
	return len(list), err
}

func (q *memQueries) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := q.state.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (q *memQueries) FindLiveAppointmentAt(_ context.Context, therapistID uuid.UUID, at time.Time, exclude uuid.UUID) (*Appointment, error) {
	for id, a := range q.state.appointments {
		if id == exclude || !a.Status.Live() {
			continue
		}
		if a.TherapistID == therapistID && a.StartsAt.Equal(at) {
			return &a, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (q *memQueries) InsertAppointment(ctx context.Context, a *Appointment) error {
	if a.Status.Live() {
		if _, err := q.FindLiveAppointmentAt(ctx, a.TherapistID, a.StartsAt, uuid.Nil); err == nil {
			return ErrTimeConflict
		}
	}
	now := q.now()
	a.CreatedAt, a.UpdatedAt = now, now
	q.state.appointments[a.ID] = *a
	return nil
}

func (q *memQueries) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus, at time.Time) (*Appointment, error) {
	a, ok := q.state.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if status.Live() {
		if _, err := q.FindLiveAppointmentAt(ctx, a.TherapistID, a.StartsAt, id); err == nil {
			return nil, ErrTimeConflict
		}
	}
	a.Status = status
	a.UpdatedAt = at
	q.state.appointments[id] = a
	return &a, nil
}

func (q *memQueries) ListAppointments(_ context.Context, f AppointmentFilter) ([]Appointment, error) {
	var result []Appointment
	for _, a := range q.state.appointments {
		if f.TherapistID != nil && a.TherapistID != *f.TherapistID {
			continue
		}
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		if !inRange(a.StartsAt, f.From, f.To) {
			continue
		}
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartsAt.Equal(result[j].StartsAt) {
			return result[i].StartsAt.Before(result[j].StartsAt)
		}
		return result[i].ID.String() < result[j].ID.String()
	})

	if f.Offset > 0 {
		if f.Offset >= len(result) {
			return nil, nil
		}
		result = result[f.Offset:]
	}
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (q *memQueries) CountAppointments(ctx context.Context, f AppointmentFilter) (int, error) {
	f.Limit, f.Offset = 0, 0
	list, err := q.ListAppointments(ctx, f)
	return len(list), err
}

func (q *memQueries) InsertEvent(_ context.Context, ev EventLog) error {
	q.state.nextEventID++
	ev.ID = q.state.nextEventID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = q.now()
	}
	q.state.events = append(q.state.events, ev)
	return nil
}
