package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/therapy-clinic-scheduling/internal/auth"
	"github.com/hackgods/therapy-clinic-scheduling/internal/authz"
	"github.com/hackgods/therapy-clinic-scheduling/internal/config"
	redisclient "github.com/hackgods/therapy-clinic-scheduling/internal/redis"
	"github.com/hackgods/therapy-clinic-scheduling/internal/scheduling"
)

type testServer struct {
	handler         http.Handler
	store           *scheduling.MemoryStore
	tokens          *auth.Tokens
	supervisorToken string
	therapist       *scheduling.Therapist
	therapistToken  string
	patient         *scheduling.Patient
}

func newTestServer(t *testing.T, idem IdempotencyStore) *testServer {
	t.Helper()
	ctx := context.Background()

	store := scheduling.NewMemoryStore()
	svc := scheduling.NewService(store, zerolog.Nop(), config.Config{ClinicLocation: time.UTC})
	tokens := auth.NewTokens("test-secret", time.Hour)

	hash, err := auth.HashPassword("pw")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	supervisor := auth.Account{ID: uuid.New(), Name: "Sup", Email: "sup@clinic.test", Role: authz.RoleSupervisor, PasswordHash: hash, Active: true}
	authn := auth.NewAuthenticator(auth.NewStaticCredentials(supervisor), tokens)

	th := &scheduling.Therapist{ID: uuid.New(), Name: "T", Email: "t@clinic.test", RegistrationID: "CRP-1", Status: scheduling.RecordActive}
	if err := store.InsertTherapist(ctx, th); err != nil {
		t.Fatalf("insert therapist: %v", err)
	}
	p := &scheduling.Patient{ID: uuid.New(), Name: "P", NationalID: "123", Status: scheduling.RecordActive}
	if err := store.InsertPatient(ctx, p); err != nil {
		t.Fatalf("insert patient: %v", err)
	}

	ts := &testServer{store: store, tokens: tokens, therapist: th, patient: p}
	ts.supervisorToken = ts.issue(t, authz.Caller{ID: supervisor.ID, Role: authz.RoleSupervisor})
	ts.therapistToken = ts.issue(t, authz.Caller{ID: th.ID, Role: authz.RoleTherapist})

	ts.handler = NewRouter(RouterConfig{
		Service:     svc,
		Auth:        authn,
		Idempotency: idem,
		Health:      NewHealthHandler("test", "v0"),
		Log:         zerolog.Nop(),
	})
	return ts
}

func (ts *testServer) issue(t *testing.T, c authz.Caller) string {
	t.Helper()
	tok, _, err := ts.tokens.Issue(c)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func TestBookingFlow(t *testing.T) {
	ts := newTestServer(t, nil)
	at := "2025-06-01T10:00:00Z"

	rec := ts.do(t, http.MethodPost, "/availability", ts.therapistToken, map[string]any{
		"therapist_id": ts.therapist.ID, "starts_at": at, "duration_minutes": 60,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create availability: %d %s", rec.Code, rec.Body)
	}

	booking := map[string]any{
		"patient_id": ts.patient.ID, "therapist_id": ts.therapist.ID, "starts_at": at, "therapy_type": "ABA",
	}
	rec = ts.do(t, http.MethodPost, "/appointments", ts.supervisorToken, booking)
	if rec.Code != http.StatusCreated {
		t.Fatalf("book: %d %s", rec.Code, rec.Body)
	}
	appt := decode[scheduling.Appointment](t, rec)
	if appt.Status != scheduling.StatusScheduled {
		t.Fatalf("unexpected status %q", appt.Status)
	}

	rec = ts.do(t, http.MethodPost, "/appointments", ts.supervisorToken, booking)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second booking: %d %s", rec.Code, rec.Body)
	}
	if e := decode[ErrorResponse](t, rec); e.Error != "time_not_available" {
		t.Fatalf("unexpected error code %q", e.Error)
	}

	rec = ts.do(t, http.MethodPatch, "/appointments/"+appt.ID.String()+"/status", ts.therapistToken,
		map[string]string{"status": "cancelado"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body)
	}

	rec = ts.do(t, http.MethodGet, "/availability?therapist_id="+ts.therapist.ID.String(), ts.supervisorToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list availability: %d %s", rec.Code, rec.Body)
	}
	if list := decode[ListResponse[scheduling.Availability]](t, rec); list.Count != 1 {
		t.Fatalf("expected restored slot, got %+v", list)
	}

	rec = ts.do(t, http.MethodGet, "/stats", ts.supervisorToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: %d %s", rec.Code, rec.Body)
	}
	if st := decode[scheduling.Statistics](t, rec); st.Cancelled != 1 || st.FreeSlots != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/auth/login", "", LoginRequest{Email: "sup@clinic.test", Password: "pw"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body)
	}
	session := decode[auth.Session](t, rec)

	rec = ts.do(t, http.MethodGet, "/patients", session.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list patients with session token: %d %s", rec.Code, rec.Body)
	}

	rec = ts.do(t, http.MethodPost, "/auth/login", "", LoginRequest{Email: "sup@clinic.test", Password: "bad"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: %d", rec.Code)
	}
}

func TestAuthAndPermissions(t *testing.T) {
	ts := newTestServer(t, nil)

	if rec := ts.do(t, http.MethodGet, "/appointments", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/appointments", "garbage", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", rec.Code)
	}

	rec := ts.do(t, http.MethodPost, "/patients", ts.therapistToken, scheduling.PatientInput{Name: "X", NationalID: "9"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("therapist creating patient: %d %s", rec.Code, rec.Body)
	}

	rec = ts.do(t, http.MethodGet, "/appointments/not-a-uuid", ts.supervisorToken, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/appointments?from=yesterday", ts.supervisorToken, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad query: %d", rec.Code)
	}
}

func TestDuplicatePatientIsConflict(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/patients", ts.supervisorToken, scheduling.PatientInput{Name: "Dup", NationalID: ts.patient.NationalID})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", rec.Code, rec.Body)
	}
	if e := decode[ErrorResponse](t, rec); e.Error != "duplicate_identifier" {
		t.Fatalf("unexpected error code %q", e.Error)
	}
}

func TestIdempotencyKeyReplaysResponse(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ts := newTestServer(t, redisclient.NewIdempotencyStore(client, time.Minute, time.Hour))

	body := scheduling.PatientInput{Name: "Once", NationalID: "once-1"}
	first := ts.do(t, http.MethodPost, "/patients", ts.supervisorToken, body, "Idempotency-Key", "abc")
	if first.Code != http.StatusCreated {
		t.Fatalf("first: %d %s", first.Code, first.Body)
	}

	second := ts.do(t, http.MethodPost, "/patients", ts.supervisorToken, body, "Idempotency-Key", "abc")
	if second.Code != http.StatusCreated {
		t.Fatalf("replay: %d %s", second.Code, second.Body)
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatal("replay header missing")
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("replayed body differs:\n%s\n%s", first.Body, second.Body)
	}

	patients, err := ts.store.ListPatients(context.Background(), scheduling.PatientFilter{Search: "once-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(patients) != 1 {
		t.Fatalf("expected one patient, got %d", len(patients))
	}

	third := ts.do(t, http.MethodPost, "/patients", ts.supervisorToken, body, "Idempotency-Key", "other")
	if third.Code != http.StatusConflict {
		t.Fatalf("new key must run again and hit the duplicate: %d", third.Code)
	}
}

func TestIdempotencyDropsCanceledResponses(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := redisclient.NewIdempotencyStore(client, time.Minute, time.Hour)

	calls := 0
	h := Idempotency(store, zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			handleServiceError(w, fmt.Errorf("create patient: %w", context.Canceled))
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": "p1"})
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/patients", nil)
		req.Header.Set("Idempotency-Key", "gone")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if first := send(); first.Code != statusClientClosedRequest {
		t.Fatalf("first: %d %s", first.Code, first.Body)
	}
	second := send()
	if second.Code != http.StatusCreated {
		t.Fatalf("retry must run again: %d %s", second.Code, second.Body)
	}
	if second.Header().Get("Idempotent-Replayed") != "" {
		t.Fatal("canceled response was replayed")
	}
	if calls != 2 {
		t.Fatalf("handler ran %d times, want 2", calls)
	}
}

func TestHealth(t *testing.T) {
	down := func(context.Context) error { return errors.New("down") }
	up := func(context.Context) error { return nil }

	tests := []struct {
		name   string
		checks []Check
		code   int
		status string
	}{
		{"all up", []Check{{Name: "postgres", Required: true, Probe: up}, {Name: "redis", Probe: up}}, http.StatusOK, "ok"},
		{"optional down", []Check{{Name: "postgres", Required: true, Probe: up}, {Name: "redis", Probe: down}}, http.StatusOK, "degraded"},
		{"required down", []Check{{Name: "postgres", Required: true, Probe: down}, {Name: "redis", Probe: up}}, http.StatusServiceUnavailable, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler("test", "v0", tt.checks...)
			rec := httptest.NewRecorder()
			h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			if rec.Code != tt.code {
				t.Fatalf("code = %d, want %d", rec.Code, tt.code)
			}
			if resp := decode[ReadinessResponse](t, rec); resp.Status != tt.status {
				t.Fatalf("status = %q, want %q", resp.Status, tt.status)
			}
		})
	}
}

func TestHandleServiceError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{scheduling.ErrPatientNotFound, http.StatusNotFound},
		{scheduling.ErrAvailabilityNotFound, http.StatusNotFound},
		{scheduling.ErrTimeNotAvailable, http.StatusConflict},
		{scheduling.ErrTimeConflict, http.StatusConflict},
		{scheduling.ErrInvalidStatus, http.StatusBadRequest},
		{fmt.Errorf("%w: bad day", scheduling.ErrInvalidInput), http.StatusUnprocessableEntity},
		{scheduling.ErrInsufficientPermissions, http.StatusForbidden},
		{fmt.Errorf("list: %w", scheduling.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("list appointments: %w", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{context.Canceled, statusClientClosedRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		handleServiceError(rec, tt.err)
		if rec.Code != tt.code {
			t.Errorf("%v: code = %d, want %d", tt.err, rec.Code, tt.code)
		}
	}
}
