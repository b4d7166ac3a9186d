package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/amakihi/fanpush/internal/category"
	"github.com/amakihi/fanpush/internal/db"
	"github.com/amakihi/fanpush/internal/dedup"
	"github.com/amakihi/fanpush/internal/engine"
	"github.com/amakihi/fanpush/internal/metrics"
)

// SubscriptionStore is the registry surface the handlers need.
type SubscriptionStore interface {
	Upsert(ctx context.Context, sub *db.Subscription) error
	Get(ctx context.Context, clientID string) (*db.Subscription, error)
	UpdateSettings(ctx context.Context, clientID string, partial db.Settings) error
	UpdateDisplayName(ctx context.Context, clientID, name string) error
	Remove(ctx context.Context, clientID string) error
}

// HistoryStore serves the UI's notification history pages.
type HistoryStore interface {
	Page(ctx context.Context, limit, offset int) (*db.HistoryPage, error)
}

// ScheduledStore accepts deferred one-shot reminders.
type ScheduledStore interface {
	Create(ctx context.Context, sched *db.ScheduledNotification) error
}

// Dispatcher is the delivery engine surface the handlers call.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *engine.Event) (*engine.DeliveryReport, error)
	SendTo(ctx context.Context, sub *db.Subscription, event *engine.Event) error
}

// NoveltyGate decides whether an event carrying source identity is new.
// Its verdict is authoritative: a not-new event never reaches delivery.
type NoveltyGate interface {
	IsNewID(ctx context.Context, sourceKey string, candidateID int64) (bool, error)
	IsNewLiveState(ctx context.Context, sourceKey string, state dedup.LiveState) (bool, error)
}

// ErrorResponse is the problem+json error envelope.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for the API handlers.
type Handler struct {
	logger         *zap.Logger
	validate       *validator.Validate
	subs           SubscriptionStore
	history        HistoryStore
	scheduled      ScheduledStore
	dispatcher     Dispatcher
	gate           NoveltyGate
	notifyToken    string
	vapidPublicKey string
}

// NewHandler creates the API handler. notifyToken is the shared secret
// watchers present on intake; an empty token means intake is disabled
// (fail closed, never open).
func NewHandler(
	logger *zap.Logger,
	subs SubscriptionStore,
	history HistoryStore,
	scheduled ScheduledStore,
	dispatcher Dispatcher,
	gate NoveltyGate,
	notifyToken string,
	vapidPublicKey string,
) *Handler {
	return &Handler{
		logger:         logger,
		validate:       validator.New(),
		subs:           subs,
		history:        history,
		scheduled:      scheduled,
		dispatcher:     dispatcher,
		gate:           gate,
		notifyToken:    notifyToken,
		vapidPublicKey: vapidPublicKey,
	}
}

type notifyData struct {
	Title     string `json:"title" validate:"required"`
	Body      string `json:"body"`
	URL       string `json:"url" validate:"omitempty,url"`
	Icon      string `json:"icon"`
	Published string `json:"published"`
}

// notifySource carries the source identity for the novelty check.
// Exactly one of candidateId or live must be present.
type notifySource struct {
	Key         string `json:"key" validate:"required"`
	CandidateID *int64 `json:"candidateId"`
	Live        *struct {
		Status      string `json:"status" validate:"required,oneof=offline live private"`
		BroadcastID string `json:"broadcastId"`
	} `json:"live"`
}

type notifyRequest struct {
	Type       string        `json:"type" validate:"required"`
	SettingKey string        `json:"settingKey"`
	Source     *notifySource `json:"source"`
	Data       notifyData    `json:"data"`
}

// Notify handles POST /api/notify — the boundary watchers call with a
// normalized candidate event.
func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Auth comes first, before any body or database work.
	if h.notifyToken == "" {
		h.writeError(w, http.StatusForbidden, "intake_disabled",
			"Notification intake is not configured", "")
		return
	}
	token := r.Header.Get("X-Notify-Token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.notifyToken)) != 1 {
		h.writeError(w, http.StatusUnauthorized, "invalid_token",
			"Missing or invalid notify token", "")
		return
	}

	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid event payload", err.Error())
		return
	}

	if req.Source != nil {
		if (req.Source.CandidateID == nil) == (req.Source.Live == nil) {
			h.writeError(w, http.StatusBadRequest, "invalid_request",
				"Invalid source identity", "source requires exactly one of candidateId or live")
			return
		}
		if h.gate != nil {
			isNew, err := h.checkNovelty(ctx, req.Source)
			if err != nil {
				// Fail closed: the watcher polls again next cycle.
				h.writeError(w, http.StatusServiceUnavailable, "dedup_unavailable",
					"Novelty check unavailable, event not dispatched", "")
				return
			}
			if !isNew {
				h.writeJSON(w, http.StatusOK, map[string]any{
					"status": "skipped",
					"new":    false,
				})
				return
			}
		}
	}

	settingKey := req.SettingKey
	if settingKey == "" {
		settingKey = category.Classify(req.Type)
	}

	event := &engine.Event{
		Title:      req.Data.Title,
		Body:       req.Data.Body,
		URL:        req.Data.URL,
		Icon:       req.Data.Icon,
		Platform:   req.Type,
		SettingKey: settingKey,
		EventKey:   eventKey(req),
	}

	metrics.RecordEventAccepted(settingKey)

	report, err := h.dispatcher.Dispatch(ctx, event)
	if err != nil && report == nil {
		h.logger.Error("dispatch failed",
			zap.Error(err),
			zap.String("platform", req.Type),
		)
		h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Failed to dispatch notification", "")
		return
	}
	if err != nil {
		// The attempt was recorded with its failure status; intake still
		// acknowledges receipt so the watcher does not re-post.
		h.logger.Warn("dispatch completed with error",
			zap.Error(err),
			zap.String("platform", req.Type),
		)
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":      report.Status,
		"duplicate":   report.Duplicate,
		"subscribers": report.Subscribers,
		"delivered":   report.Delivered,
	})
}

func (h *Handler) checkNovelty(ctx context.Context, src *notifySource) (bool, error) {
	if src.CandidateID != nil {
		return h.gate.IsNewID(ctx, src.Key, *src.CandidateID)
	}
	return h.gate.IsNewLiveState(ctx, src.Key, dedup.LiveState{
		Status:      dedup.LiveStatus(src.Live.Status),
		BroadcastID: src.Live.BroadcastID,
	})
}

// eventKey derives a content-based identity for duplicate suppression
// when the watcher re-posts the same payload within a retry window.
func eventKey(req notifyRequest) string {
	sum := sha256.Sum256([]byte(req.Type + "\x00" + req.Data.Title + "\x00" + req.Data.URL + "\x00" + req.Data.Published))
	return hex.EncodeToString(sum[:])
}

type saveSettingsRequest struct {
	ClientID     string `json:"clientId" validate:"required"`
	Subscription struct {
		Endpoint string `json:"endpoint" validate:"required,url"`
		Keys     struct {
			P256dh string `json:"p256dh" validate:"required"`
			Auth   string `json:"auth" validate:"required"`
		} `json:"keys"`
	} `json:"subscription"`
	Settings db.Settings `json:"settings"`
	Name     string      `json:"name"`
}

// SavePlatformSettings handles POST /api/save-platform-settings —
// create or replace a device subscription with its preferences.
func (h *Handler) SavePlatformSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req saveSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid subscription payload", err.Error())
		return
	}

	sub := &db.Subscription{
		ClientID: req.ClientID,
		Endpoint: req.Subscription.Endpoint,
		P256dh:   req.Subscription.Keys.P256dh,
		Auth:     req.Subscription.Keys.Auth,
		Settings: req.Settings,
	}
	if req.Name != "" {
		sub.DisplayName = &req.Name
	}

	if err := h.subs.Upsert(ctx, sub); err != nil {
		if errors.Is(err, db.ErrInvalidPushKeys) {
			h.writeError(w, http.StatusBadRequest, "invalid_keys", "Invalid push subscription keys", err.Error())
			return
		}
		h.logger.Error("failed to save subscription",
			zap.Error(err),
			zap.String("client_id", req.ClientID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to save subscription", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// UnsubscribePlatformSettings handles DELETE /api/save-platform-settings.
// Deleting an unknown client is not an error.
func (h *Handler) UnsubscribePlatformSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		ClientID string `json:"clientId" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing clientId", err.Error())
		return
	}

	if err := h.subs.Remove(ctx, req.ClientID); err != nil {
		h.logger.Error("failed to remove subscription",
			zap.Error(err),
			zap.String("client_id", req.ClientID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to remove subscription", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetPlatformSettings handles GET /api/get-platform-settings?clientId=.
func (h *Handler) GetPlatformSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing clientId", "clientId query parameter is required")
		return
	}

	sub, err := h.subs.Get(ctx, clientID)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Subscription not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get subscription",
			zap.Error(err),
			zap.String("client_id", clientID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get subscription", "")
		return
	}

	resp := map[string]any{"settings": sub.Settings}
	if sub.DisplayName != nil {
		resp["name"] = *sub.DisplayName
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// UpdatePlatformSettings handles PATCH /api/save-platform-settings —
// shallow-merge of a partial settings map.
func (h *Handler) UpdatePlatformSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		ClientID string      `json:"clientId" validate:"required"`
		Settings db.Settings `json:"settings" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing clientId or settings", err.Error())
		return
	}

	err := h.subs.UpdateSettings(ctx, req.ClientID, req.Settings)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Subscription not found", "")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update settings", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SaveName handles POST /api/save-name.
func (h *Handler) SaveName(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		ClientID string `json:"clientId" validate:"required"`
		Name     string `json:"name" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing clientId or name", err.Error())
		return
	}

	err := h.subs.UpdateDisplayName(ctx, req.ClientID, req.Name)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Subscription not found", "")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to save name", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetName handles GET /api/get-name?clientId=.
func (h *Handler) GetName(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing clientId", "clientId query parameter is required")
		return
	}

	sub, err := h.subs.Get(ctx, clientID)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Subscription not found", "")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get name", "")
		return
	}

	name := ""
	if sub.DisplayName != nil {
		name = *sub.DisplayName
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

// History handles GET /api/history?limit=&offset=. Pages are served
// over the unfiltered record set; the UI filters by its own preferences
// and requests further pages to fill its visual quota.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 20
	offset := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	page, err := h.history.Page(ctx, limit, offset)
	if err != nil {
		h.logger.Error("failed to page history", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load history", "")
		return
	}

	h.writeJSON(w, http.StatusOK, page)
}

// SendTest handles POST /api/send-test — one synthetic notification to
// the requesting device only, bypassing category filtering.
func (h *Handler) SendTest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		ClientID string `json:"clientId" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing clientId", err.Error())
		return
	}

	sub, err := h.subs.Get(ctx, req.ClientID)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Subscription not found", "")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get subscription", "")
		return
	}

	event := &engine.Event{
		Title:    "Test notification",
		Body:     "Push delivery to this device is working.",
		Platform: "test",
	}
	if err := h.dispatcher.SendTo(ctx, sub, event); err != nil {
		h.logger.Warn("test send failed",
			zap.Error(err),
			zap.String("client_id", req.ClientID),
		)
		h.writeError(w, http.StatusBadGateway, "send_failed", "Test notification could not be delivered", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Schedule handles POST /api/schedule — register a deferred one-shot
// reminder dispatched by the scheduler when runAt passes.
func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		RunAt string       `json:"runAt" validate:"required"`
		Event engine.Event `json:"event"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing runAt", err.Error())
		return
	}
	if req.Event.Title == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing event title", "")
		return
	}

	runAt, err := time.Parse(time.RFC3339, req.RunAt)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid runAt", "runAt must be RFC 3339")
		return
	}

	payload, err := json.Marshal(req.Event)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid event", err.Error())
		return
	}

	sched := &db.ScheduledNotification{
		RunAt:   runAt,
		Payload: payload,
	}
	if err := h.scheduled.Create(ctx, sched); err != nil {
		h.logger.Error("failed to schedule notification", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to schedule notification", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{"id": sched.ID.String()})
}

// VAPIDPublicKey handles GET /api/vapid-public-key — the browser needs
// this to create its push subscription.
func (h *Handler) VAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"publicKey": h.vapidPublicKey})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
