package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mifumohq/dispatch/internal/queue"
)

const healthCheckTimeout = 5 * time.Second

// DBPinger is the subset of *sql.DB the health check needs.
type DBPinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler checks the dispatch engine's backing stores: the Postgres
// pool holding campaign and message state, and the Redis queue carrying
// send tasks and rate-limit windows.
type HealthHandler struct {
	db     DBPinger
	queue  queue.Client
	logger *slog.Logger
}

func NewHealthHandler(db DBPinger, queueClient queue.Client, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		db:     db,
		queue:  queueClient,
		logger: logger,
	}
}

// HealthResponse reports the overall status and the per-store breakdown.
type HealthResponse struct {
	Status string            `json:"status"`
	Stores map[string]string `json:"stores"`
}

// Health handles GET /health. Any failing store degrades the overall status
// to unhealthy and the endpoint answers 503.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	response := HealthResponse{
		Status: "healthy",
		Stores: make(map[string]string),
	}

	h.checkStore(ctx, &response, "database", h.db.PingContext)
	h.checkStore(ctx, &response, "queue", h.queue.Health)

	if response.Status != "healthy" {
		respondJSON(w, http.StatusServiceUnavailable, response)
		return
	}
	respondSuccess(w, response)
}

func (h *HealthHandler) checkStore(ctx context.Context, response *HealthResponse, store string, check func(context.Context) error) {
	if err := check(ctx); err != nil {
		h.logger.Error("health check failed",
			slog.String("store", store),
			slog.String("error", err.Error()),
		)
		response.Status = "unhealthy"
		response.Stores[store] = "unhealthy"
		return
	}
	response.Stores[store] = "healthy"
}
