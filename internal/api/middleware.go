package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/therapy-clinic-scheduling/internal/authz"
	redisclient "github.com/hackgods/therapy-clinic-scheduling/internal/redis"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	callerKey    contextKey = "caller"
)

// RequestIDMiddleware adds a unique request ID to each request context
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs method, path, status, duration and request ID.
func LoggingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			var ev *zerolog.Event
			switch {
			case wrapped.statusCode >= 500:
				ev = log.Error()
			case wrapped.statusCode >= 400:
				ev = log.Warn()
			default:
				ev = log.Info()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.statusCode).
				Dur("duration", time.Since(start)).
				Str("request_id", GetRequestID(r.Context())).
				Msg("request")
		})
	}
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

type TokenVerifier interface {
	Verify(raw string) (authz.Caller, error)
}

// Authenticate resolves the bearer token into a caller and rejects the
// request with 401 when it is missing or invalid.
func Authenticate(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}

			caller, err := verifier.Verify(strings.TrimSpace(token))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), callerKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func callerFrom(ctx context.Context) authz.Caller {
	c, _ := ctx.Value(callerKey).(authz.Caller)
	return c
}

// IdempotencyStore is satisfied by redisclient.IdempotencyStore.
type IdempotencyStore interface {
	Begin(ctx context.Context, key string) (string, *redisclient.StoredResponse, error)
	Complete(ctx context.Context, key, token string, resp redisclient.StoredResponse) error
	Release(ctx context.Context, key, token string) error
}

const idempotencyHeader = "Idempotency-Key"

// Idempotency replays the stored response of a mutating request that is
// retried with the same Idempotency-Key. Responses of 500 and above and
// canceled requests are not kept, so a retry after ErrStoreUnavailable or a
// dropped connection runs again. When the store
// itself fails the request proceeds without the guarantee.
func Idempotency(store IdempotencyStore, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(idempotencyHeader)
			if store == nil || key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			scoped := strings.Join([]string{callerFrom(r.Context()).ID.String(), r.Method, r.URL.Path, key}, ":")
			token, replay, err := store.Begin(r.Context(), scoped)
			switch {
			case errors.Is(err, redisclient.ErrRequestInFlight):
				writeError(w, http.StatusConflict, "request_in_flight", err.Error())
				return
			case err != nil:
				log.Warn().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("idempotency store unavailable")
				next.ServeHTTP(w, r)
				return
			case replay != nil:
				if replay.ContentType != "" {
					w.Header().Set("Content-Type", replay.ContentType)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(replay.Status)
				_, _ = w.Write(replay.Body)
				return
			}

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// the request context may already be cancelled by now
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
			defer cancel()

			if rec.status >= http.StatusInternalServerError || rec.status == statusClientClosedRequest {
				err = store.Release(ctx, scoped, token)
			} else {
				err = store.Complete(ctx, scoped, token, redisclient.StoredResponse{
					Status:      rec.status,
					ContentType: rec.Header().Get("Content-Type"),
					Body:        rec.body.Bytes(),
				})
			}
			if err != nil {
				log.Warn().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("idempotency bookkeeping failed")
			}
		})
	}
}

// recordingWriter passes the response through and keeps a copy.
type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rw *recordingWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recordingWriter) Write(p []byte) (int, error) {
	rw.body.Write(p)
	return rw.ResponseWriter.Write(p)
}
