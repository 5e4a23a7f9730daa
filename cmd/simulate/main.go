package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/hackgods/therapy-clinic-scheduling/internal/auth"
	"github.com/hackgods/therapy-clinic-scheduling/internal/authz"
	"github.com/hackgods/therapy-clinic-scheduling/internal/config"
	"github.com/hackgods/therapy-clinic-scheduling/internal/db"
	"github.com/hackgods/therapy-clinic-scheduling/internal/logger"
)

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	BookingRatio  float64
	CancelRatio   float64
	CompleteRatio float64
	ReadRatio     float64
	PatientLimit  int
	SlotLimit     int
	PostgresDSN   string
	JWTSecret     string
}

// Slot identifies an open availability row by its natural key.
type Slot struct {
	TherapistID uuid.UUID
	StartsAt    time.Time
}

type DataPool struct {
	Patients   []uuid.UUID
	Slots      []Slot
	Therapists []uuid.UUID

	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	token   string
	log     zerolog.Logger
	metrics Metrics
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		boot := logger.New("simulate", "prod", "info")
		boot.Fatal().Err(err).Msg("invalid config")
	}
	log := logger.New("simulate", "dev", "info")
	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("booking", cfg.BookingRatio).
		Float64("cancel", cfg.CancelRatio).
		Float64("complete", cfg.CompleteRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 4, MinConns: 1, AppName: "simulate"})
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, supervisorID, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("load data pool")
	}
	log.Info().Int("patients", len(dataPool.Patients)).Int("slots", len(dataPool.Slots)).Msg("data pool loaded")

	// The simulator talks to the API as the supervisor, so a token is minted
	// directly instead of going through /auth/login.
	token, _, err := auth.NewTokens(cfg.JWTSecret, cfg.Duration+time.Hour).
		Issue(authz.Caller{ID: supervisorID, Role: authz.RoleSupervisor})
	if err != nil {
		log.Fatal().Err(err).Msg("issue token")
	}

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		token:  token,
		log:    log,
	}
	sim.Run()
	sim.PrintReport()

	auditCtx, cancelAudit := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelAudit()
	report, err := Audit(auditCtx, pgPool)
	if err != nil {
		log.Fatal().Err(err).Msg("audit")
	}
	report.Print()
	if !report.OK() {
		log.Fatal().Msg("slot invariants violated")
	}
}

func loadConfig() (SimConfig, error) {
	baseCfg, err := config.Load()
	if err != nil {
		return SimConfig{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("SIM")
	v.AutomaticEnv()
	v.SetDefault("API_BASE_URL", "http://localhost:8080")
	v.SetDefault("DURATION", "30s")
	v.SetDefault("WORKERS", 10)
	v.SetDefault("BOOKING_RATIO", 0.5)
	v.SetDefault("CANCEL_RATIO", 0.15)
	v.SetDefault("COMPLETE_RATIO", 0.05)
	v.SetDefault("READ_RATIO", 0.3)
	v.SetDefault("PATIENT_LIMIT", 4000)
	v.SetDefault("SLOT_LIMIT", 2400)

	cfg := SimConfig{
		APIBaseURL:    v.GetString("API_BASE_URL"),
		Duration:      v.GetDuration("DURATION"),
		Workers:       v.GetInt("WORKERS"),
		BookingRatio:  v.GetFloat64("BOOKING_RATIO"),
		CancelRatio:   v.GetFloat64("CANCEL_RATIO"),
		CompleteRatio: v.GetFloat64("COMPLETE_RATIO"),
		ReadRatio:     v.GetFloat64("READ_RATIO"),
		PatientLimit:  v.GetInt("PATIENT_LIMIT"),
		SlotLimit:     v.GetInt("SLOT_LIMIT"),
		PostgresDSN:   baseCfg.PostgresDSN,
		JWTSecret:     baseCfg.JWTSecret,
	}

	total := cfg.BookingRatio + cfg.CancelRatio + cfg.CompleteRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.CancelRatio /= total
		cfg.CompleteRatio /= total
		cfg.ReadRatio /= total
	}

	switch {
	case cfg.PostgresDSN == "":
		return cfg, errors.New("POSTGRES_DSN is required (set in .env or environment)")
	case cfg.Workers <= 0:
		return cfg, errors.New("SIM_WORKERS must be > 0")
	case cfg.Duration <= 0:
		return cfg, errors.New("SIM_DURATION must be > 0")
	}
	return cfg, nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, uuid.UUID, error) {
	dp := &DataPool{}

	var supervisorID uuid.UUID
	if err := pool.QueryRow(ctx, `SELECT id FROM supervisors ORDER BY created_at LIMIT 1`).Scan(&supervisorID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, uuid.Nil, errors.New("no supervisor found; run cmd/seed first")
		}
		return nil, uuid.Nil, fmt.Errorf("load supervisor: %w", err)
	}

	rows, err := pool.Query(ctx, `SELECT id FROM patients WHERE status = 'active' LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("load patients: %w", err)
	}
	dp.Patients, err = pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("load patients: %w", err)
	}

	rows, err = pool.Query(ctx, `
		SELECT a.therapist_id, a.starts_at
		FROM availability a
		JOIN therapists t ON t.id = a.therapist_id AND t.status = 'active'
		WHERE a.starts_at > now()
		ORDER BY a.starts_at
		LIMIT $1
	`, cfg.SlotLimit)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("load slots: %w", err)
	}
	dp.Slots, err = pgx.CollectRows(rows, pgx.RowToStructByPos[Slot])
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("load slots: %w", err)
	}

	seen := map[uuid.UUID]bool{}
	for _, s := range dp.Slots {
		if !seen[s.TherapistID] {
			seen[s.TherapistID] = true
			dp.Therapists = append(dp.Therapists, s.TherapistID)
		}
	}

	if len(dp.Patients) == 0 {
		return nil, uuid.Nil, errors.New("no patients loaded")
	}
	if len(dp.Slots) == 0 {
		return nil, uuid.Nil, errors.New("no open slots loaded")
	}
	return dp, supervisorID, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info().Msg("simulation running")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()

	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	c := s.config

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < c.BookingRatio:
			s.doBooking(ctx, rng)
		case r < c.BookingRatio+c.CancelRatio:
			s.doStatusChange(ctx, rng, "cancelado", &s.metrics.Cancel)
		case r < c.BookingRatio+c.CancelRatio+c.CompleteRatio:
			s.doStatusChange(ctx, rng, "realizado", &s.metrics.Complete)
		default:
			switch rng.Intn(3) {
			case 0:
				s.doReadByID(ctx, rng)
			case 1:
				s.doListByTherapist(ctx, rng)
			case 2:
				s.doListOpenSlots(ctx, rng)
			}
		}
	}
}

// send performs one authenticated request. A nil response means a
// transport error.
func (s *Simulator) send(ctx context.Context, method, path string, body any) (*http.Response, time.Duration) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, 0
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return nil, 0
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return nil, latency
	}
	return resp, latency
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	resp, latency := s.send(ctx, http.MethodPost, "/appointments", map[string]any{
		"patient_id":   patientID,
		"therapist_id": slot.TherapistID,
		"starts_at":    slot.StartsAt.UTC().Format(time.RFC3339),
		"therapy_type": "individual",
	})
	if ctx.Err() != nil {
		return
	}

	success, conflict := false, false
	if resp != nil {
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusCreated:
			success = true
			var appt struct {
				ID uuid.UUID `json:"id"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&appt); err == nil && appt.ID != uuid.Nil {
				s.pool.AddAppointment(appt.ID)
			}
		case http.StatusConflict:
			conflict = true
		}
	}
	s.metrics.Booking.Record(latency, success, conflict)
}

func (s *Simulator) doStatusChange(ctx context.Context, rng *rand.Rand, status string, om *OperationMetrics) {
	apptID, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	resp, latency := s.send(ctx, http.MethodPatch, fmt.Sprintf("/appointments/%s/status", apptID), map[string]string{"status": status})
	if ctx.Err() != nil {
		return
	}

	success, conflict := false, false
	if resp != nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
		conflict = resp.StatusCode == http.StatusConflict
	}
	om.Record(latency, success, conflict)
}

func (s *Simulator) doGet(ctx context.Context, path string, om *OperationMetrics) {
	resp, latency := s.send(ctx, http.MethodGet, path, nil)
	if ctx.Err() != nil {
		return
	}

	success := false
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		success = resp.StatusCode == http.StatusOK
	}
	om.Record(latency, success, false)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	s.doGet(ctx, "/appointments/"+apptID.String(), &s.metrics.ReadByID)
}

func (s *Simulator) doListByTherapist(ctx context.Context, rng *rand.Rand) {
	therapistID := s.pool.Therapists[rng.Intn(len(s.pool.Therapists))]
	s.doGet(ctx, fmt.Sprintf("/appointments?therapist_id=%s&limit=20&offset=0", therapistID), &s.metrics.ListByTherapist)
}

func (s *Simulator) doListOpenSlots(ctx context.Context, rng *rand.Rand) {
	therapistID := s.pool.Therapists[rng.Intn(len(s.pool.Therapists))]
	s.doGet(ctx, "/availability?therapist_id="+therapistID.String(), &s.metrics.ListOpenSlots)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + rule())
	fmt.Println("SIMULATION REPORT")
	fmt.Println(rule())
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Complete", &s.metrics.Complete)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List by Therapist", &s.metrics.ListByTherapist)
	printOperationReport("List open slots", &s.metrics.ListOpenSlots)
}
