package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mifumohq/dispatch/internal/models"
	"github.com/mifumohq/dispatch/internal/service"
)

// CampaignHandler handles campaign HTTP requests
type CampaignHandler struct {
	campaignService *service.CampaignService
	logger          *slog.Logger
}

// NewCampaignHandler creates a new campaign handler
func NewCampaignHandler(campaignService *service.CampaignService, logger *slog.Logger) *CampaignHandler {
	return &CampaignHandler{
		campaignService: campaignService,
		logger:          logger,
	}
}

func pathID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}

// CreateCampaign handles POST /campaigns
func (h *CampaignHandler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var input service.CreateCampaignInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON format")
		return
	}
	input.TenantID = tenantID(r)
	input.OwnerID = userID(r)

	campaign, err := h.campaignService.Create(r.Context(), input)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondCreated(w, campaign)
}

// ListCampaigns handles GET /campaigns
func (h *CampaignHandler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, _ := strconv.Atoi(query.Get("page"))
	pageSize, _ := strconv.Atoi(query.Get("page_size"))

	filter := models.CampaignFilter{
		TenantID: tenantID(r),
		Channel:  query.Get("channel"),
		Status:   query.Get("status"),
		Page:     page,
		PageSize: pageSize,
	}

	campaigns, pagination, err := h.campaignService.List(r.Context(), filter)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondSuccess(w, ListResponse{Data: campaigns, Pagination: pagination})
}

// GetCampaign handles GET /campaigns/{id}
func (h *CampaignHandler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Invalid campaign ID")
		return
	}

	campaign, err := h.campaignService.Get(r.Context(), id)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondSuccess(w, campaign)
}

// UpdateCampaign handles PUT /campaigns/{id}
func (h *CampaignHandler) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Invalid campaign ID")
		return
	}

	var input service.UpdateCampaignInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON format")
		return
	}

	campaign, err := h.campaignService.Update(r.Context(), id, input)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondSuccess(w, campaign)
}

// DeleteCampaign handles DELETE /campaigns/{id}
func (h *CampaignHandler) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Invalid campaign ID")
		return
	}

	if err := h.campaignService.Delete(r.Context(), id); err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

// StartCampaign handles POST /campaigns/{id}/start
func (h *CampaignHandler) StartCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Invalid campaign ID")
		return
	}

	campaign, err := h.campaignService.Start(r.Context(), id)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondSuccess(w, campaign)
}

// PauseCampaign handles POST /campaigns/{id}/pause
func (h *CampaignHandler) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Invalid campaign ID")
		return
	}

	campaign, err := h.campaignService.Pause(r.Context(), id)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondSuccess(w, campaign)
}

// CancelCampaign handles POST /campaigns/{id}/cancel
func (h *CampaignHandler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Invalid campaign ID")
		return
	}

	campaign, err := h.campaignService.Cancel(r.Context(), id)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondSuccess(w, campaign)
}

// DuplicateCampaign handles POST /campaigns/{id}/duplicate
func (h *CampaignHandler) DuplicateCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Invalid campaign ID")
		return
	}

	campaign, err := h.campaignService.Duplicate(r.Context(), id)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondCreated(w, campaign)
}

// CampaignAnalytics handles GET /campaigns/{id}/analytics
func (h *CampaignHandler) CampaignAnalytics(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Invalid campaign ID")
		return
	}

	analytics, err := h.campaignService.Analytics(r.Context(), id)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondSuccess(w, analytics)
}
