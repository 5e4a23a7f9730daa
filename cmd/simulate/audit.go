package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditReport counts slot states that must never be observed after a run.
type AuditReport struct {
	DoubleHeld     int // slot has an availability row and a live appointment
	DoubleBooked   int // slot has more than one live appointment
	LostSlots      int // slot only has cancelled appointments and no availability
	Appointments   int
	OpenSlots      int
	EventsInOutbox int
}

// OK ignores LostSlots: an availability row may be deleted on purpose
// after its appointment was cancelled.
func (r AuditReport) OK() bool {
	return r.DoubleHeld == 0 && r.DoubleBooked == 0
}

func Audit(ctx context.Context, pool *pgxpool.Pool) (AuditReport, error) {
	var r AuditReport
	queries := []struct {
		dst *int
		sql string
	}{
		{&r.DoubleHeld, `
			SELECT count(*) FROM availability a
			JOIN appointments ap
			  ON ap.therapist_id = a.therapist_id AND ap.starts_at = a.starts_at
			WHERE ap.status <> 'cancelado'`},
		{&r.DoubleBooked, `
			SELECT count(*) FROM (
				SELECT 1 FROM appointments
				WHERE status <> 'cancelado'
				GROUP BY therapist_id, starts_at
				HAVING count(*) > 1
			) d`},
		{&r.LostSlots, `
			SELECT count(DISTINCT (c.therapist_id, c.starts_at)) FROM appointments c
			WHERE c.status = 'cancelado'
			  AND NOT EXISTS (SELECT 1 FROM availability a
			                  WHERE a.therapist_id = c.therapist_id AND a.starts_at = c.starts_at)
			  AND NOT EXISTS (SELECT 1 FROM appointments l
			                  WHERE l.therapist_id = c.therapist_id AND l.starts_at = c.starts_at
			                    AND l.status <> 'cancelado')`},
		{&r.Appointments, `SELECT count(*) FROM appointments`},
		{&r.OpenSlots, `SELECT count(*) FROM availability`},
		{&r.EventsInOutbox, `SELECT count(*) FROM event_logs WHERE published_at IS NULL`},
	}

	for _, q := range queries {
		if err := pool.QueryRow(ctx, q.sql).Scan(q.dst); err != nil {
			return r, fmt.Errorf("audit query: %w", err)
		}
	}
	return r, nil
}

func (r AuditReport) Print() {
	fmt.Println(rule())
	fmt.Println("SLOT AUDIT")
	fmt.Println(rule())
	fmt.Printf("Appointments: %d\n", r.Appointments)
	fmt.Printf("Open slots: %d\n", r.OpenSlots)
	fmt.Printf("Unpublished events: %d\n", r.EventsInOutbox)
	fmt.Printf("Slots both open and booked: %d\n", r.DoubleHeld)
	fmt.Printf("Slots booked twice: %d\n", r.DoubleBooked)
	fmt.Printf("Cancelled slots not restored: %d\n", r.LostSlots)
	if r.OK() {
		fmt.Println("RESULT: OK")
	} else {
		fmt.Println("RESULT: VIOLATED")
	}
}
