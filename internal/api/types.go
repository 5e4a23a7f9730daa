package api

import (
	"github.com/hackgods/therapy-clinic-scheduling/internal/scheduling"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TherapistRequest is the therapist payload plus an optional plain text
// password, hashed before it reaches the service.
type TherapistRequest struct {
	scheduling.TherapistInput
	Password string `json:"password,omitempty"`
}

type UpdateStatusRequest struct {
	Status scheduling.AppointmentStatus `json:"status"`
}

type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
	// Set only for paged listings.
	Total      *int `json:"total,omitempty"`
	NextOffset *int `json:"next_offset,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
