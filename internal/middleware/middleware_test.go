package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zentra/beacon/pkg/auth"
)

const testSecret = "test-secret"

func echoUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		w.WriteHeader(http.StatusTeapot)
		return
	}
	w.Write([]byte(userID.String()))
}

func TestAuthMiddleware(t *testing.T) {
	user := uuid.New()
	token, err := auth.GenerateAccessToken(user, testSecret, time.Minute)
	require.NoError(t, err)

	handler := AuthMiddleware(testSecret)(http.HandlerFunc(echoUser))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"garbage token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, user.String(), rec.Body.String())
			}
		})
	}
}

type checkerFunc func(ctx context.Context, userID uuid.UUID, permission string) (bool, error)

func (f checkerFunc) HasPermission(ctx context.Context, userID uuid.UUID, permission string) (bool, error) {
	return f(ctx, userID, permission)
}

func TestRequirePermission(t *testing.T) {
	admin, member, broken := uuid.New(), uuid.New(), uuid.New()
	checker := checkerFunc(func(_ context.Context, userID uuid.UUID, permission string) (bool, error) {
		assert.Equal(t, "manage_events", permission)
		if userID == broken {
			return false, errors.New("db down")
		}
		return userID == admin, nil
	})
	handler := RequirePermission(checker, "manage_events")(http.HandlerFunc(echoUser))

	serve := func(ctx context.Context) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, serve(WithUserID(context.Background(), admin)))
	assert.Equal(t, http.StatusForbidden, serve(WithUserID(context.Background(), member)))
	assert.Equal(t, http.StatusInternalServerError, serve(WithUserID(context.Background(), broken)))
	assert.Equal(t, http.StatusUnauthorized, serve(context.Background()))
}

func TestRateLimitMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	handler := RateLimitMiddleware(client, 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.1:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	handler := RateLimitMiddleware(client, 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	assert.Equal(t, "198.51.100.7", ClientIP(req))

	req.Header.Set("X-Real-IP", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	assert.Equal(t, "10.0.0.1", ClientIP(req))
}

func TestLoggingMiddleware_CarriesRequestAnnotations(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	user := uuid.New()
	r := chi.NewRouter()
	r.Use(RequestIDMiddleware, LoggingMiddleware)
	r.Post("/events/trigger", func(w http.ResponseWriter, req *http.Request) {
		AnnotateRequest(req.Context(), "event", "invoice_paid")
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodPost, "/events/trigger", nil)
	req = req.WithContext(WithUserID(req.Context(), user))
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line), buf.String())
	assert.Equal(t, "HTTP request", line["message"])
	assert.Equal(t, "req-1", line["requestId"])
	assert.Equal(t, "invoice_paid", line["event"])
	assert.Equal(t, "/events/trigger", line["route"])
	assert.Equal(t, user.String(), line["userId"])
	assert.EqualValues(t, http.StatusNoContent, line["status"])
}

func TestAnnotateRequest_WithoutLoggerIsNoop(t *testing.T) {
	assert.NotPanics(t, func() { AnnotateRequest(context.Background(), "event", "x") })
}
