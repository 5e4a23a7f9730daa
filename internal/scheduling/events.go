package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outbox event types. Rows are written in the same transaction as the
// change they describe and shipped later by the event relay.
const (
	EventAppointmentBooked        = "APPOINTMENT_BOOKED"
	EventAppointmentStatusChanged = "APPOINTMENT_STATUS_CHANGED"
	EventAvailabilityRestored     = "AVAILABILITY_RESTORED"
)

func (s *Service) logEvent(ctx context.Context, q Queries, eventType string, appt *Appointment, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	apptID := appt.ID
	therapistID := appt.TherapistID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		TherapistID:   &therapistID,
		Payload:       data,
		CreatedAt:     s.now(),
	}
	if err := q.InsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("insert event %s: %w", eventType, err)
	}
	return nil
}

func slotPayload(startsAt time.Time, duration int) map[string]any {
	return map[string]any{
		"starts_at":        startsAt.Format(time.RFC3339),
		"duration_minutes": duration,
	}
}

func idString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}
