package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mifumohq/dispatch/internal/models"
	"github.com/mifumohq/dispatch/internal/service"
)

// SegmentHandler handles segment HTTP requests
type SegmentHandler struct {
	segmentService *service.SegmentService
	logger         *slog.Logger
}

// NewSegmentHandler creates a new segment handler
func NewSegmentHandler(segmentService *service.SegmentService, logger *slog.Logger) *SegmentHandler {
	return &SegmentHandler{
		segmentService: segmentService,
		logger:         logger,
	}
}

// CreateSegment handles POST /segments
func (h *SegmentHandler) CreateSegment(w http.ResponseWriter, r *http.Request) {
	var segment models.Segment
	if err := json.NewDecoder(r.Body).Decode(&segment); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON format")
		return
	}
	segment.TenantID = tenantID(r)

	created, err := h.segmentService.Create(r.Context(), &segment)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondCreated(w, created)
}

// ListSegments handles GET /segments
func (h *SegmentHandler) ListSegments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, _ := strconv.Atoi(query.Get("page"))
	pageSize, _ := strconv.Atoi(query.Get("page_size"))

	filter := models.SegmentListFilter{
		TenantID: tenantID(r),
		Page:     page,
		PageSize: pageSize,
	}

	segments, pagination, err := h.segmentService.List(r.Context(), filter)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondSuccess(w, ListResponse{Data: segments, Pagination: pagination})
}

// GetSegment handles GET /segments/{id}
func (h *SegmentHandler) GetSegment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Invalid segment ID")
		return
	}

	segment, err := h.segmentService.Get(r.Context(), id)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondSuccess(w, segment)
}

// UpdateSegment handles PUT /segments/{id}
func (h *SegmentHandler) UpdateSegment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Invalid segment ID")
		return
	}

	var segment models.Segment
	if err := json.NewDecoder(r.Body).Decode(&segment); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON format")
		return
	}
	segment.ID = id
	segment.TenantID = tenantID(r)

	updated, err := h.segmentService.Update(r.Context(), &segment)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondSuccess(w, updated)
}

// DeleteSegment handles DELETE /segments/{id}
func (h *SegmentHandler) DeleteSegment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Invalid segment ID")
		return
	}

	if err := h.segmentService.Delete(r.Context(), id); err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

// RecountSegment handles POST /segments/{id}/recount
func (h *SegmentHandler) RecountSegment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Invalid segment ID")
		return
	}

	count, err := h.segmentService.Recount(r.Context(), id)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondSuccess(w, map[string]int64{"contact_count": count})
}
