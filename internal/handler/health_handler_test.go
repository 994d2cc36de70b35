package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mifumohq/dispatch/internal/models"
	"github.com/mifumohq/dispatch/internal/queue"
)

type stubPinger struct {
	err error
}

func (p stubPinger) PingContext(context.Context) error { return p.err }

type stubQueue struct {
	healthErr error
}

func (q stubQueue) Publish(context.Context, *models.SendTask) error { return nil }
func (q stubQueue) PublishIn(context.Context, *models.SendTask, time.Duration) error {
	return nil
}
func (q stubQueue) PromoteDue(context.Context) (int64, error) { return 0, nil }
func (q stubQueue) Consume(context.Context, queue.TaskHandler, int) error {
	return nil
}
func (q stubQueue) Close() error                 { return nil }
func (q stubQueue) Health(context.Context) error { return q.healthErr }

func healthRequest(t *testing.T, h *HealthHandler) (*httptest.ResponseRecorder, HealthResponse) {
	t.Helper()
	recorder := httptest.NewRecorder()
	h.Health(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))

	var response HealthResponse
	raw := recorder.Body.Bytes()
	if err := json.Unmarshal(raw, &response); err != nil {
		t.Fatalf("failed to decode health response %s: %v", raw, err)
	}
	return recorder, response
}

func TestHealthHandler_AllStoresHealthy(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHealthHandler(stubPinger{}, stubQueue{}, logger)

	recorder, response := healthRequest(t, h)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", recorder.Code, http.StatusOK)
	}
	if response.Status != "healthy" {
		t.Errorf("status = %q, want healthy", response.Status)
	}
	if response.Stores["database"] != "healthy" || response.Stores["queue"] != "healthy" {
		t.Errorf("stores = %v, want both healthy", response.Stores)
	}
}

func TestHealthHandler_QueueDown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHealthHandler(stubPinger{}, stubQueue{healthErr: errors.New("connection refused")}, logger)

	recorder, response := healthRequest(t, h)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("status code = %d, want %d", recorder.Code, http.StatusServiceUnavailable)
	}
	if response.Status != "unhealthy" {
		t.Errorf("status = %q, want unhealthy", response.Status)
	}
	if response.Stores["database"] != "healthy" {
		t.Errorf("database store = %q, want healthy", response.Stores["database"])
	}
	if response.Stores["queue"] != "unhealthy" {
		t.Errorf("queue store = %q, want unhealthy", response.Stores["queue"])
	}
}
