package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/therapy-clinic-scheduling/internal/auth"
	"github.com/hackgods/therapy-clinic-scheduling/internal/authz"
	"github.com/hackgods/therapy-clinic-scheduling/internal/config"
	"github.com/hackgods/therapy-clinic-scheduling/internal/db"
	"github.com/hackgods/therapy-clinic-scheduling/internal/logger"
	"github.com/hackgods/therapy-clinic-scheduling/internal/scheduling"
)

var (
	specialties = []string{
		"ABA",
		"Speech Therapy",
		"Occupational Therapy",
		"Psychology",
		"Psychopedagogy",
		"Physiotherapy",
		"Music Therapy",
	}
	therapyTypes = []string{"individual", "group", "family", "parent training"}
	frequencies  = []string{"weekly", "twice weekly", "biweekly", "monthly"}
)

type seedOptions struct {
	supervisorEmail    string
	supervisorPassword string
	therapists         int
	patients           int
	days               int
	therapistPassword  string
}

func main() {
	var opts seedOptions
	flag.StringVar(&opts.supervisorEmail, "supervisor-email", "admin@clinic.local", "supervisor login")
	flag.StringVar(&opts.supervisorPassword, "supervisor-password", "admin", "supervisor password")
	flag.IntVar(&opts.therapists, "therapists", 20, "therapists to create")
	flag.IntVar(&opts.patients, "patients", 500, "patients to create")
	flag.IntVar(&opts.days, "days", 10, "working days of availability to open per therapist")
	flag.StringVar(&opts.therapistPassword, "therapist-password", "therapist", "password shared by seeded therapists")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		boot := logger.New("seed", "prod", "info")
		boot.Fatal().Err(err).Msg("config load error")
	}
	log := logger.New("seed", cfg.Env, cfg.LogLevel)
	if err := cfg.RequirePostgres(); err != nil {
		log.Fatal().Err(err).Msg("seed needs a database")
	}
	log.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns, AppName: "seed"})
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	bg := context.Background()
	supervisorID, err := seedSupervisor(bg, pool, opts.supervisorEmail, opts.supervisorPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("seed supervisor")
	}
	log.Info().Str("email", opts.supervisorEmail).Msg("supervisor ready")

	// Seeding goes through the service so every row passes the same checks
	// as an API request.
	svc := scheduling.NewService(scheduling.NewPgStore(pool, cfg.TxMaxRetries), zerolog.Nop(), cfg)
	supervisor := authz.Caller{ID: supervisorID, Role: authz.RoleSupervisor}

	therapists, err := seedTherapists(bg, svc, supervisor, opts.therapists, opts.therapistPassword, log)
	if err != nil {
		log.Fatal().Err(err).Msg("seed therapists")
	}
	if err := seedPatients(bg, svc, supervisor, opts.patients, log); err != nil {
		log.Fatal().Err(err).Msg("seed patients")
	}
	if err := seedAvailability(bg, svc, supervisor, therapists, opts.days, cfg.ClinicLocation, log); err != nil {
		log.Fatal().Err(err).Msg("seed availability")
	}

	log.Info().Msg("seed complete")
}

// seedSupervisor upserts the supervisor account. Supervisors have no
// management endpoint, so this is the only way one is created.
func seedSupervisor(ctx context.Context, pool *pgxpool.Pool, email, password string) (uuid.UUID, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return uuid.Nil, err
	}

	var id uuid.UUID
	err = pool.QueryRow(ctx, `
		INSERT INTO supervisors (id, name, email, password_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO UPDATE SET password_hash = EXCLUDED.password_hash
		RETURNING id
	`, uuid.New(), "Clinic Supervisor", email, hash).Scan(&id)
	return id, err
}

func seedTherapists(ctx context.Context, svc *scheduling.Service, caller authz.Caller, count int, password string, log zerolog.Logger) ([]scheduling.Therapist, error) {
	log.Info().Int("count", count).Msg("seeding therapists")

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	out := make([]scheduling.Therapist, 0, count)
	for i := 0; i < count; i++ {
		first, last := gofakeit.FirstName(), gofakeit.LastName()
		t, err := svc.CreateTherapist(ctx, caller, scheduling.TherapistInput{
			Name:           first + " " + last,
			Email:          fmt.Sprintf("%s.%s.%d@clinic.local", first, last, i),
			Phone:          gofakeit.Phone(),
			RegistrationID: fmt.Sprintf("CRP-%s", gofakeit.Numerify("######")),
			Specialties:    pick(specialties, gofakeit.Number(1, 3)),
			WorkingHours: scheduling.WorkingHours{
				"monday":    {Start: "08:00", End: "17:00"},
				"tuesday":   {Start: "08:00", End: "17:00"},
				"wednesday": {Start: "08:00", End: "17:00"},
				"thursday":  {Start: "08:00", End: "17:00"},
				"friday":    {Start: "08:00", End: "12:00"},
			},
			PasswordHash: hash,
		})
		if errors.Is(err, scheduling.ErrDuplicateIdentifier) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}

	log.Info().Int("created", len(out)).Msg("therapists seeded")
	return out, nil
}

func seedPatients(ctx context.Context, svc *scheduling.Service, caller authz.Caller, count int, log zerolog.Logger) error {
	log.Info().Int("count", count).Msg("seeding patients")

	created := 0
	for i := 0; i < count; i++ {
		birth := gofakeit.DateRange(time.Now().AddDate(-17, 0, 0), time.Now().AddDate(-2, 0, 0))
		_, err := svc.CreatePatient(ctx, caller, scheduling.PatientInput{
			Name:                 gofakeit.Name(),
			NationalID:           gofakeit.Numerify("###########"),
			BirthDate:            &birth,
			Phone:                gofakeit.Phone(),
			Email:                gofakeit.Email(),
			PrimaryDiagnosis:     "F84.0",
			Medications:          []string{},
			Allergies:            pick([]string{"lactose", "gluten", "penicillin", "peanuts"}, gofakeit.Number(0, 1)),
			TherapyType:          therapyTypes[gofakeit.Number(0, len(therapyTypes)-1)],
			RecommendedFrequency: frequencies[gofakeit.Number(0, len(frequencies)-1)],
			Preferences:          []string{gofakeit.Hobby()},
			Notes:                fmt.Sprintf("Responds well to %s.", gofakeit.Hobby()),
		})
		if errors.Is(err, scheduling.ErrDuplicateIdentifier) {
			continue
		}
		if err != nil {
			return err
		}
		created++
		if created%100 == 0 {
			log.Info().Int("created", created).Int("total", count).Msg("patients seeded")
		}
	}

	log.Info().Int("created", created).Msg("patients seeded")
	return nil
}

// seedAvailability opens hourly slots inside each therapist's working hours
// for the next working days. Slots that already exist are skipped.
func seedAvailability(ctx context.Context, svc *scheduling.Service, caller authz.Caller, therapists []scheduling.Therapist, days int, loc *time.Location, log zerolog.Logger) error {
	if loc == nil {
		loc = time.UTC
	}
	log.Info().Int("therapists", len(therapists)).Int("days", days).Msg("seeding availability")

	today := time.Now().In(loc)
	start := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)

	created := 0
	for _, t := range therapists {
		for d, worked := 0, 0; worked < days; d++ {
			day := start.AddDate(0, 0, d)
			hours, ok := t.WorkingHours[weekdayKey(day)]
			if !ok {
				continue
			}
			worked++

			from, to, err := hourBounds(day, hours)
			if err != nil {
				return err
			}
			for slot := from; slot.Before(to); slot = slot.Add(time.Hour) {
				_, err := svc.CreateAvailability(ctx, caller, scheduling.CreateAvailabilityInput{
					TherapistID:     t.ID,
					StartsAt:        slot,
					DurationMinutes: 60,
				})
				if errors.Is(err, scheduling.ErrTimeConflict) {
					continue
				}
				if err != nil {
					return err
				}
				created++
			}
		}
	}

	log.Info().Int("created", created).Msg("availability seeded")
	return nil
}

func weekdayKey(t time.Time) string {
	return strings.ToLower(t.Weekday().String())
}

func hourBounds(day time.Time, r scheduling.TimeRange) (time.Time, time.Time, error) {
	parse := func(hhmm string) (time.Time, error) {
		t, err := time.Parse("15:04", hhmm)
		if err != nil {
			return time.Time{}, err
		}
		return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, day.Location()), nil
	}
	from, err := parse(r.Start)
	if err != nil {
		return from, from, err
	}
	to, err := parse(r.End)
	return from, to, err
}

func pick(from []string, n int) []string {
	out := append([]string(nil), from...)
	gofakeit.ShuffleStrings(out)
	return out[:n]
}
