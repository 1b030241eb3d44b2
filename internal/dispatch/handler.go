package dispatch

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/nartey/smsflow/internal/domain"
	"github.com/nartey/smsflow/internal/pkg/httputil"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrMessageNotFound, Status: http.StatusNotFound, Message: "message not found"},
	{Error: ErrRateLimited, Status: http.StatusTooManyRequests},
	{Error: ErrScheduleInPast, Status: http.StatusBadRequest, Message: "scheduled_at must be in the future"},
}

// Handler exposes the producer-facing dispatch API over HTTP.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a dispatch handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers dispatch routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/messages", func(r chi.Router) {
		r.Post("/", h.SendMessage)
		r.Post("/schedule", h.ScheduleMessage)
		r.Post("/bulk", h.SendBulk)
		r.Get("/{id}", h.GetMessage)
	})

	r.Get("/deliveries/{externalID}", h.GetDeliveryStatus)
	r.Get("/statistics", h.GetStatistics)
	r.Get("/dispatch/health", h.GetHealth)
}

// SendMessageRequest represents request body for sending a message.
type SendMessageRequest struct {
	Destination  string            `json:"destination" validate:"required"`
	Message      string            `json:"message" validate:"required_without=TemplateName"`
	TemplateName string            `json:"template_name"`
	Variables    map[string]string `json:"variables"`
	Priority     string            `json:"priority" validate:"omitempty,oneof=immediate high normal low bulk"`
	EventID      string            `json:"event_id" validate:"omitempty,uuid"`
}

// SendMessage handles POST /messages.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	receipt, err := h.service.Send(r.Context(), SendInput{
		Destination:  req.Destination,
		Message:      req.Message,
		TemplateName: req.TemplateName,
		Variables:    req.Variables,
		Priority:     domain.Priority(req.Priority),
		EventID:      req.EventID,
	})
	if err != nil {
		// An immediate send may fail at the provider after the record was
		// persisted; surface the receipt so the caller can poll it.
		if receipt != nil {
			httputil.JSON(w, http.StatusBadGateway, map[string]any{
				"data":  receipt,
				"error": map[string]string{"message": "send failed, see record status"},
			})
			return
		}
		h.handleError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if receipt.Status == domain.StatusSent {
		status = http.StatusCreated
	}
	httputil.Success(w, status, receipt)
}

// ScheduleMessageRequest represents request body for scheduling a message.
type ScheduleMessageRequest struct {
	Destination  string            `json:"destination" validate:"required"`
	Message      string            `json:"message" validate:"required_without=TemplateName"`
	TemplateName string            `json:"template_name"`
	Variables    map[string]string `json:"variables"`
	ScheduledAt  time.Time         `json:"scheduled_at" validate:"required"`
	EventID      string            `json:"event_id" validate:"omitempty,uuid"`
}

// ScheduleMessage handles POST /messages/schedule.
func (h *Handler) ScheduleMessage(w http.ResponseWriter, r *http.Request) {
	var req ScheduleMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	receipt, err := h.service.Schedule(r.Context(), ScheduleInput{
		Destination:  req.Destination,
		Message:      req.Message,
		TemplateName: req.TemplateName,
		Variables:    req.Variables,
		ScheduledAt:  req.ScheduledAt,
		EventID:      req.EventID,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusAccepted, receipt)
}

// BulkRecipient is one destination in a bulk request.
type BulkRecipient struct {
	Destination string            `json:"destination" validate:"required"`
	Variables   map[string]string `json:"variables"`
}

// SendBulkRequest represents request body for a bulk campaign.
type SendBulkRequest struct {
	Recipients   []BulkRecipient   `json:"recipients" validate:"required,min=1,dive"`
	Template     string            `json:"template" validate:"required_without=TemplateName"`
	TemplateName string            `json:"template_name"`
	CampaignID   string            `json:"campaign_id" validate:"omitempty,uuid"`
	Metadata     map[string]string `json:"metadata"`
}

// SendBulk handles POST /messages/bulk.
func (h *Handler) SendBulk(w http.ResponseWriter, r *http.Request) {
	var req SendBulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	recipients := make([]domain.CampaignRecipient, 0, len(req.Recipients))
	for _, rcpt := range req.Recipients {
		recipients = append(recipients, domain.CampaignRecipient{
			Destination: rcpt.Destination,
			Variables:   rcpt.Variables,
		})
	}

	receipt, err := h.service.SendBulk(r.Context(), BulkInput{
		Recipients:   recipients,
		Template:     req.Template,
		TemplateName: req.TemplateName,
		CampaignID:   req.CampaignID,
		Metadata:     req.Metadata,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusAccepted, receipt)
}

// GetMessage handles GET /messages/{id}.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.service.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, msg)
}

// GetDeliveryStatus handles GET /deliveries/{externalID}.
func (h *Handler) GetDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.DeliveryStatus(r.Context(), chi.URLParam(r, "externalID"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, result)
}

// GetStatistics handles GET /statistics?days=N.
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 30 {
			httputil.Error(w, http.StatusBadRequest, "days must be between 1 and 30")
			return
		}
		days = parsed
	}

	stats, err := h.service.Statistics(r.Context(), days)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, stats)
}

// GetHealth handles GET /dispatch/health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.service.HealthStatus(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, health)
}

// handleError maps domain errors onto HTTP responses. Validation errors
// carry their own message; everything else goes through the mapping table.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		httputil.Error(w, http.StatusBadRequest, verr.Error())
		return
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		httputil.Error(w, http.StatusBadGateway, perr.Error())
		return
	}
	httputil.HandleError(r.Context(), w, err, errorMappings)
}
