package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mifumohq/dispatch/internal/models"
	"github.com/mifumohq/dispatch/internal/service"
)

// ContactHandler handles contact HTTP requests
type ContactHandler struct {
	contactService *service.ContactService
	logger         *slog.Logger
}

// NewContactHandler creates a new contact handler
func NewContactHandler(contactService *service.ContactService, logger *slog.Logger) *ContactHandler {
	return &ContactHandler{
		contactService: contactService,
		logger:         logger,
	}
}

// CreateContact handles POST /contacts
func (h *ContactHandler) CreateContact(w http.ResponseWriter, r *http.Request) {
	var contact models.Contact
	if err := json.NewDecoder(r.Body).Decode(&contact); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON format")
		return
	}
	contact.TenantID = tenantID(r)

	created, err := h.contactService.Create(r.Context(), &contact)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondCreated(w, created)
}

// ListContacts handles GET /contacts
func (h *ContactHandler) ListContacts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, _ := strconv.Atoi(query.Get("page"))
	pageSize, _ := strconv.Atoi(query.Get("page_size"))

	filter := models.ContactListFilter{
		TenantID: tenantID(r),
		Phone:    query.Get("phone"),
		Tag:      query.Get("tag"),
		Page:     page,
		PageSize: pageSize,
	}

	contacts, pagination, err := h.contactService.List(r.Context(), filter)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondSuccess(w, ListResponse{Data: contacts, Pagination: pagination})
}

// GetContact handles GET /contacts/{id}
func (h *ContactHandler) GetContact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Invalid contact ID")
		return
	}

	contact, err := h.contactService.Get(r.Context(), id)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondSuccess(w, contact)
}

// UpdateContact handles PUT /contacts/{id}
func (h *ContactHandler) UpdateContact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Invalid contact ID")
		return
	}

	var contact models.Contact
	if err := json.NewDecoder(r.Body).Decode(&contact); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON format")
		return
	}
	contact.ID = id
	contact.TenantID = tenantID(r)

	updated, err := h.contactService.Update(r.Context(), &contact)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondSuccess(w, updated)
}

// DeleteContact handles DELETE /contacts/{id}
func (h *ContactHandler) DeleteContact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Invalid contact ID")
		return
	}

	if err := h.contactService.Delete(r.Context(), id); err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

// OptInContact handles POST /contacts/{id}/opt-in
func (h *ContactHandler) OptInContact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Invalid contact ID")
		return
	}

	contact, err := h.contactService.OptIn(r.Context(), id)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondSuccess(w, contact)
}

// OptOutContact handles POST /contacts/{id}/opt-out
func (h *ContactHandler) OptOutContact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Invalid contact ID")
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	// Body is optional; an empty reason is fine.
	_ = json.NewDecoder(r.Body).Decode(&body)

	contact, err := h.contactService.OptOut(r.Context(), id, body.Reason)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondSuccess(w, contact)
}
