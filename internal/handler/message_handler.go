package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/mifumohq/dispatch/internal/models"
	"github.com/mifumohq/dispatch/internal/service"
)

// MessageHandler handles outbound message HTTP requests and the provider
// delivery-status webhook.
type MessageHandler struct {
	messageService *service.MessageService
	logger         *slog.Logger
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(messageService *service.MessageService, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{
		messageService: messageService,
		logger:         logger,
	}
}

// SendMessage handles POST /messages
func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var input service.SendMessageInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON format")
		return
	}
	input.TenantID = tenantID(r)
	input.SenderID = userID(r)

	message, err := h.messageService.Send(r.Context(), input)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondCreated(w, message)
}

// ListMessages handles GET /messages
func (h *MessageHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, _ := strconv.Atoi(query.Get("page"))
	pageSize, _ := strconv.Atoi(query.Get("page_size"))

	filter := models.OutboundMessageFilter{
		TenantID: tenantID(r),
		Status:   query.Get("status"),
		Page:     page,
		PageSize: pageSize,
	}
	if campaignID, err := uuid.Parse(query.Get("campaign_id")); err == nil {
		filter.CampaignID = campaignID
	}
	if contactID, err := uuid.Parse(query.Get("contact_id")); err == nil {
		filter.ContactID = contactID
	}

	messages, pagination, err := h.messageService.List(r.Context(), filter)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondSuccess(w, ListResponse{Data: messages, Pagination: pagination})
}

// GetMessage handles GET /messages/{id}
func (h *MessageHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "Invalid message ID")
		return
	}

	message, err := h.messageService.Get(r.Context(), id)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}
	respondSuccess(w, message)
}

// DeliveryStatusWebhook handles POST /webhooks/delivery-status. The provider
// calls this with delivered/read/failed receipts; duplicates and unknown ids
// must not error the provider into retry storms, so both answer 200.
func (h *MessageHandler) DeliveryStatusWebhook(w http.ResponseWriter, r *http.Request) {
	var update service.DeliveryStatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON format")
		return
	}

	if err := h.messageService.SyncDeliveryStatus(r.Context(), update); err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) && appErr.Code == "NOT_FOUND" {
			h.logger.Warn("delivery callback for unknown provider id",
				slog.String("provider_message_id", update.ProviderMessageID),
			)
			respondSuccess(w, map[string]string{"status": "ignored"})
			return
		}
		handleError(w, err, h.logger)
		return
	}
	respondSuccess(w, map[string]string{"status": "ok"})
}
