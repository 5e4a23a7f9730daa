package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/therapy-clinic-scheduling/internal/auth"
	"github.com/hackgods/therapy-clinic-scheduling/internal/scheduling"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON: "+err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// statusClientClosedRequest is the non-standard 499 used by nginx when the
// client goes away before the response is written.
const statusClientClosedRequest = 499

// handleServiceError maps service errors to status codes. Store failures
// are reported as 503 with a generic message.
func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduling.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, scheduling.ErrTherapistNotFound):
		writeError(w, http.StatusNotFound, "therapist_not_found", err.Error())
	case errors.Is(err, scheduling.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, scheduling.ErrAvailabilityNotFound):
		writeError(w, http.StatusNotFound, "availability_not_found", err.Error())
	case errors.Is(err, scheduling.ErrTimeNotAvailable):
		writeError(w, http.StatusConflict, "time_not_available", err.Error())
	case errors.Is(err, scheduling.ErrTimeConflict):
		writeError(w, http.StatusConflict, "time_conflict", err.Error())
	case errors.Is(err, scheduling.ErrDuplicateIdentifier):
		writeError(w, http.StatusConflict, "duplicate_identifier", err.Error())
	case errors.Is(err, scheduling.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
	case errors.Is(err, scheduling.ErrInvalidInput):
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", err.Error())
	case errors.Is(err, scheduling.ErrInsufficientPermissions):
		writeError(w, http.StatusForbidden, "insufficient_permissions", err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "timeout", "the request timed out, retry it")
	case errors.Is(err, context.Canceled):
		writeError(w, statusClientClosedRequest, "request_canceled", "the request was canceled")
	case scheduling.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "temporarily unavailable, retry the request")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected error")
	}
}

func loginHandler(authn *auth.Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Email == "" || req.Password == "" {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "email and password are required")
			return
		}

		session, err := authn.Login(r.Context(), req.Email, req.Password)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	}
}

// query helpers return false after writing a 400.

func queryUUID(w http.ResponseWriter, r *http.Request, name string) (*uuid.UUID, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", name+" must be a valid UUID")
		return nil, false
	}
	return &id, true
}

func queryTime(w http.ResponseWriter, r *http.Request, name string) (*time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", name+" must be an RFC 3339 timestamp")
		return nil, false
	}
	t = t.UTC()
	return &t, true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid_query", name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func queryRecordStatus(w http.ResponseWriter, r *http.Request) (*scheduling.RecordStatus, bool) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		return nil, true
	}
	s := scheduling.RecordStatus(raw)
	if !s.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_query", "status must be active or inactive")
		return nil, false
	}
	return &s, true
}
