// Package handlers contains the HTTP handler implementations for the
// uplift-notify API. It covers the notification composer endpoints (create,
// list, fetch, reschedule) and the manual "send now" trigger, which keeps the
// legacy admin-dashboard wire contract.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"uplift/internal/core"
	"uplift/internal/dispatch"
	"uplift/internal/observability"
	"uplift/internal/types"
)

// NotificationStore defines the data access contract for notification
// records. The params type mirrors the repository's filter to avoid coupling
// the handler layer to the db package.
type NotificationStore interface {
	Create(ctx context.Context, n *types.Notification) error
	GetByID(ctx context.Context, id string) (*types.Notification, error)
	List(ctx context.Context, params ListParams) ([]*types.Notification, string, error)
	Reschedule(ctx context.Context, id string, scheduledFor time.Time) (*types.Notification, error)
}

// ListParams filters and paginates the notification list.
type ListParams struct {
	Status types.NotificationStatus
	Limit  int
	Cursor string
}

// DispatchRunner triggers a single notification send.
type DispatchRunner interface {
	Dispatch(ctx context.Context, id string) (dispatch.Outcome, error)
}

// --- Request/Response Models ---

// CreateNotificationRequest is the request body for POST /v1/notifications.
type CreateNotificationRequest struct {
	Title        string     `json:"title" validate:"required,max=200"`
	Message      string     `json:"message" validate:"required,max=2000"`
	Target       string     `json:"target" validate:"required,oneof=all users"`
	RecipientIDs []string   `json:"recipient_ids" validate:"omitempty,max=10000"`
	ScheduledFor *time.Time `json:"scheduled_for"`
}

// RescheduleRequest is the request body for POST /v1/notifications/{id}/reschedule.
type RescheduleRequest struct {
	ScheduledFor *time.Time `json:"scheduled_for" validate:"required"`
}

// NotificationResponse is the JSON view of a notification record.
type NotificationResponse struct {
	ID                     string     `json:"id"`
	Title                  string     `json:"title"`
	Message                string     `json:"message"`
	Target                 string     `json:"target"`
	RecipientIDs           []string   `json:"recipient_ids,omitempty"`
	ScheduledFor           *time.Time `json:"scheduled_for,omitempty"`
	Status                 string     `json:"status"`
	SentAt                 *time.Time `json:"sent_at,omitempty"`
	ProviderNotificationID string     `json:"provider_notification_id,omitempty"`
	FailureReason          string     `json:"failure_reason,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// ListNotificationsResponse is the paginated list payload.
type ListNotificationsResponse struct {
	Items      []NotificationResponse `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

// SendResponse is the legacy wire contract of the manual send endpoint. The
// admin dashboard predates the envelope used by the rest of the API and
// still reads these exact fields.
type SendResponse struct {
	Success        bool                  `json:"success"`
	Message        string                `json:"message"`
	NotificationID string                `json:"notificationId,omitempty"`
	Item           *NotificationResponse `json:"item,omitempty"`
}

func toResponse(n *types.Notification) NotificationResponse {
	return NotificationResponse{
		ID:                     n.ID,
		Title:                  n.Title,
		Message:                n.Message,
		Target:                 string(n.Target),
		RecipientIDs:           n.RecipientIDs,
		ScheduledFor:           n.ScheduledFor,
		Status:                 string(n.Status),
		SentAt:                 n.SentAt,
		ProviderNotificationID: n.ProviderNotificationID,
		FailureReason:          n.FailureReason,
		CreatedAt:              n.CreatedAt,
		UpdatedAt:              n.UpdatedAt,
	}
}

// --- Handler ---

// NotificationHandler serves the notification composer and send endpoints.
type NotificationHandler struct {
	store      NotificationStore
	dispatcher DispatchRunner
	validator  *core.Validator
	metrics    *observability.Metrics
	clock      types.Clock
	logger     *slog.Logger
}

// NewNotificationHandler creates a NotificationHandler with the provided
// dependencies.
func NewNotificationHandler(
	store NotificationStore,
	dispatcher DispatchRunner,
	validator *core.Validator,
	metrics *observability.Metrics,
	clock types.Clock,
	logger *slog.Logger,
) *NotificationHandler {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationHandler{
		store:      store,
		dispatcher: dispatcher,
		validator:  validator,
		metrics:    metrics,
		clock:      clock,
		logger:     logger,
	}
}

// RegisterRoutes mounts the notification endpoints on the given router.
// Intended to be used under the /v1 group as r.Route("/notifications", ...).
func (h *NotificationHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/send", h.Send)
	r.Post("/{id}/reschedule", h.Reschedule)
}

// Create handles POST /v1/notifications. A scheduled_for timestamp makes the
// record scheduled; without one it stays a draft until sent manually.
func (h *NotificationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateNotificationRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	target := types.TargetMode(req.Target)
	if target == types.TargetUsers && len(req.RecipientIDs) == 0 {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"recipient_ids is required when target is users",
			nil,
		))
		return
	}
	if req.ScheduledFor != nil && !req.ScheduledFor.After(h.clock.Now()) {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidField,
			"scheduled_for must be in the future",
			nil,
		))
		return
	}

	n := &types.Notification{
		Title:        req.Title,
		Message:      req.Message,
		Target:       target,
		RecipientIDs: req.RecipientIDs,
		Status:       types.StatusDraft,
	}
	if req.ScheduledFor != nil {
		utc := req.ScheduledFor.UTC()
		n.ScheduledFor = &utc
		n.Status = types.StatusScheduled
	}

	if err := h.store.Create(r.Context(), n); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "notification created",
		"notification_id", n.ID,
		"status", string(n.Status),
		"target", string(n.Target),
	)

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: toResponse(n)})
}

// List handles GET /v1/notifications with status filter and cursor
// pagination.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	params := ListParams{
		Cursor: r.URL.Query().Get("cursor"),
	}

	if raw := r.URL.Query().Get("status"); raw != "" {
		status := types.NotificationStatus(raw)
		if !status.Valid() {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationInvalidField,
				"invalid status filter: "+raw,
				nil,
			))
			return
		}
		params.Status = status
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationInvalidField,
				"limit must be a positive integer",
				nil,
			))
			return
		}
		params.Limit = limit
	}

	items, nextCursor, err := h.store.List(r.Context(), params)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := ListNotificationsResponse{
		Items:      make([]NotificationResponse, 0, len(items)),
		NextCursor: nextCursor,
	}
	for _, n := range items {
		resp.Items = append(resp.Items, toResponse(n))
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}

// Get handles GET /v1/notifications/{id}.
func (h *NotificationHandler) Get(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: toResponse(n)})
}

// Send handles POST /v1/notifications/{id}/send, the manual trigger. All
// responses use the legacy {success, message, ...} shape, including errors;
// the dashboard reads success/message rather than the error envelope.
func (h *NotificationHandler) Send(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	out, err := h.dispatcher.Dispatch(r.Context(), id)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundNotification {
			core.JSON(w, r, http.StatusNotFound, SendResponse{
				Success: false,
				Message: "notification not found",
			})
			return
		}

		h.logger.ErrorContext(r.Context(), "manual dispatch failed",
			"notification_id", id,
			"error", err,
		)
		core.JSON(w, r, http.StatusInternalServerError, SendResponse{
			Success: false,
			Message: "failed to dispatch notification",
		})
		return
	}

	if h.metrics != nil {
		h.metrics.DispatchOutcomes.WithLabelValues(string(out.Result), "manual").Inc()
	}

	switch out.Result {
	case types.OutcomeSent:
		item := toResponse(out.Record)
		core.JSON(w, r, http.StatusOK, SendResponse{
			Success:        true,
			Message:        "notification sent",
			NotificationID: out.ProviderNotificationID,
			Item:           &item,
		})

	case types.OutcomeRefused:
		status := http.StatusConflict
		if out.RefusalCode == types.ErrCodeConflictAlreadySent {
			// The dashboard treats a repeated send as a client mistake.
			status = http.StatusBadRequest
		}
		core.JSON(w, r, status, SendResponse{
			Success: false,
			Message: out.Reason,
		})

	default:
		core.JSON(w, r, http.StatusInternalServerError, SendResponse{
			Success: false,
			Message: out.Reason,
		})
	}
}

// Reschedule handles POST /v1/notifications/{id}/reschedule. It moves a
// draft, scheduled or failed record back to scheduled with a new time; this
// is the only retry path for failed records.
func (h *NotificationHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req RescheduleRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if !req.ScheduledFor.After(h.clock.Now()) {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidField,
			"scheduled_for must be in the future",
			nil,
		))
		return
	}

	// Distinguish a missing record (404) from an ineligible one (409).
	if _, err := h.store.GetByID(r.Context(), id); err != nil {
		core.Error(w, r, err)
		return
	}

	n, err := h.store.Reschedule(r.Context(), id, req.ScheduledFor.UTC())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "notification rescheduled",
		"notification_id", n.ID,
		"scheduled_for", n.ScheduledFor,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: toResponse(n)})
}
