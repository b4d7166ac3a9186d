// Package engine is the delivery core: it resolves the opted-in
// subscriber set for an event, fans Web Push sends out with bounded
// parallelism, prunes endpoints the push service reports gone, and
// records exactly one history entry per dispatch attempt.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amakihi/fanpush/internal/category"
	"github.com/amakihi/fanpush/internal/db"
	"github.com/amakihi/fanpush/internal/metrics"
	"github.com/amakihi/fanpush/internal/push"
)

// Event is a normalized "new content detected" notification.
type Event struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
	Icon  string `json:"icon"`

	// Platform is the watcher's free-text source tag, preserved
	// verbatim for history display.
	Platform string `json:"platform"`

	// SettingKey is the canonical category gating delivery. When empty
	// the engine classifies Platform itself.
	SettingKey string `json:"settingKey"`

	// EventKey optionally identifies the logical event for duplicate
	// suppression across double invocations.
	EventKey string `json:"-"`
}

// SendResult is the outcome of one per-subscriber send.
type SendResult struct {
	ClientID string       `json:"client_id"`
	Outcome  push.Outcome `json:"outcome"`
	Err      error        `json:"-"`
}

// DeliveryReport summarizes one dispatch: attempt-level status plus the
// per-subscriber results. Individual send failures never flip Status.
type DeliveryReport struct {
	ID          uuid.UUID    `json:"id"`
	Category    string       `json:"category"`
	Status      string       `json:"status"`
	Duplicate   bool         `json:"duplicate"`
	Subscribers int          `json:"subscribers"`
	Delivered   int          `json:"delivered"`
	Failed      int          `json:"failed"`
	Pruned      int          `json:"pruned"`
	Results     []SendResult `json:"results,omitempty"`
}

// SubscriberSource is the registry contract the engine resolves and
// self-heals through. Implemented by db.SubscriptionRepository.
type SubscriberSource interface {
	ListForCategory(ctx context.Context, category string, defaultEnabled bool) ([]*db.Subscription, error)
	RemoveByEndpoint(ctx context.Context, endpoint string) error
}

// HistoryAppender records dispatch attempts. Implemented by
// db.HistoryRepository.
type HistoryAppender interface {
	Append(ctx context.Context, rec *db.NotificationRecord) error
}

// Pusher sends one payload to one subscriber. Implemented by push.Client.
type Pusher interface {
	Send(ctx context.Context, sub *db.Subscription, payload []byte) push.Result
}

// EventMarker suppresses double dispatch of the same logical event.
// Optional; a nil marker disables suppression.
type EventMarker interface {
	MarkDispatched(ctx context.Context, eventKey string) (bool, error)
}

// Config tunes the fan-out.
type Config struct {
	// MaxConcurrency bounds simultaneous outbound push sends.
	MaxConcurrency int
	// StorageTimeout bounds each registry/history call.
	StorageTimeout time.Duration
}

// Engine is the delivery engine.
type Engine struct {
	subscribers SubscriberSource
	history     HistoryAppender
	pusher      Pusher
	marker      EventMarker // nil when Redis is not configured
	config      Config
	logger      *zap.Logger
}

// New creates a delivery engine.
func New(subscribers SubscriberSource, history HistoryAppender, pusher Pusher, cfg Config, logger *zap.Logger) *Engine {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = 5 * time.Second
	}

	return &Engine{
		subscribers: subscribers,
		history:     history,
		pusher:      pusher,
		config:      cfg,
		logger:      logger,
	}
}

// WithEventMarker enables duplicate-event suppression on dispatch.
func (e *Engine) WithEventMarker(marker EventMarker) *Engine {
	e.marker = marker
	return e
}

// Dispatch fans one event out to every opted-in subscriber and records
// the attempt. The attempt-level status is fail only when the subscriber
// set could not be resolved; per-subscriber send failures are isolated
// and reported in the per-subscriber results.
func (e *Engine) Dispatch(ctx context.Context, event *Event) (*DeliveryReport, error) {
	start := time.Now()
	defer func() { metrics.ObserveDispatch(time.Since(start)) }()

	report := &DeliveryReport{
		ID:     uuid.New(),
		Status: db.StatusSuccess,
	}

	if e.marker != nil && event.EventKey != "" {
		first, err := e.marker.MarkDispatched(ctx, event.EventKey)
		if err != nil {
			// Suppression is an enhancement; never block delivery on it.
			e.logger.Warn("event marker unavailable, dispatching anyway",
				zap.Error(err),
				zap.String("event_key", event.EventKey),
			)
		} else if !first {
			e.logger.Info("duplicate event suppressed",
				zap.String("event_key", event.EventKey),
				zap.String("platform", event.Platform),
			)
			report.Duplicate = true
			return report, nil
		}
	}

	cat := event.SettingKey
	if cat == "" {
		cat = category.Classify(event.Platform)
	}
	report.Category = cat

	listCtx, cancel := context.WithTimeout(ctx, e.config.StorageTimeout)
	subs, err := e.subscribers.ListForCategory(listCtx, cat, category.DefaultEnabled(cat))
	cancel()
	if err != nil {
		e.logger.Error("failed to resolve subscriber set",
			zap.Error(err),
			zap.String("category", cat),
			zap.String("platform", event.Platform),
		)
		report.Status = db.StatusFail
		if recErr := e.record(ctx, event, report.Status); recErr != nil {
			e.logger.Error("failed to record failed dispatch", zap.Error(recErr))
		}
		return report, fmt.Errorf("resolve subscribers: %w", err)
	}
	report.Subscribers = len(subs)

	payload, err := json.Marshal(map[string]string{
		"title": event.Title,
		"body":  event.Body,
		"url":   event.URL,
		"icon":  event.Icon,
	})
	if err != nil {
		report.Status = db.StatusFail
		return report, fmt.Errorf("marshal push payload: %w", err)
	}

	report.Results = e.fanOut(ctx, subs, payload)
	for _, res := range report.Results {
		switch res.Outcome {
		case push.OutcomeDelivered:
			report.Delivered++
		case push.OutcomeGone:
			report.Pruned++
		default:
			report.Failed++
		}
	}

	if err := e.record(ctx, event, report.Status); err != nil {
		e.logger.Error("failed to record dispatch", zap.Error(err))
		return report, fmt.Errorf("record dispatch: %w", err)
	}

	e.logger.Info("event dispatched",
		zap.String("report_id", report.ID.String()),
		zap.String("category", cat),
		zap.String("platform", event.Platform),
		zap.Int("subscribers", report.Subscribers),
		zap.Int("delivered", report.Delivered),
		zap.Int("failed", report.Failed),
		zap.Int("pruned", report.Pruned),
	)

	return report, nil
}

// fanOut sends to every subscriber concurrently under a semaphore. One
// slow or failing subscriber never blocks the others past its own
// timeout; the pusher bounds each send itself.
func (e *Engine) fanOut(ctx context.Context, subs []*db.Subscription, payload []byte) []SendResult {
	results := make([]SendResult, len(subs))
	sem := make(chan struct{}, e.config.MaxConcurrency)
	var wg sync.WaitGroup

	for i, sub := range subs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, sub *db.Subscription) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.sendOne(ctx, sub, payload)
		}(i, sub)
	}
	wg.Wait()

	return results
}

func (e *Engine) sendOne(ctx context.Context, sub *db.Subscription, payload []byte) SendResult {
	res := e.pusher.Send(ctx, sub, payload)
	metrics.RecordPushSend(string(res.Outcome))

	switch res.Outcome {
	case push.OutcomeGone:
		// Self-heal the registry; the endpoint will never work again.
		pruneCtx, cancel := context.WithTimeout(ctx, e.config.StorageTimeout)
		defer cancel()
		if err := e.subscribers.RemoveByEndpoint(pruneCtx, sub.Endpoint); err != nil {
			e.logger.Error("failed to prune gone subscription",
				zap.Error(err),
				zap.String("client_id", sub.ClientID),
			)
		} else {
			metrics.RecordSubscriptionPruned()
		}

	case push.OutcomeTransient:
		e.logger.Warn("push send failed",
			zap.String("client_id", sub.ClientID),
			zap.Int("status", res.StatusCode),
			zap.Error(res.Err),
		)
	}

	return SendResult{
		ClientID: sub.ClientID,
		Outcome:  res.Outcome,
		Err:      res.Err,
	}
}

// SendTo delivers a single synthetic notification to one subscriber,
// bypassing category filtering. Used by the test-delivery endpoint; no
// history record is written.
func (e *Engine) SendTo(ctx context.Context, sub *db.Subscription, event *Event) error {
	payload, err := json.Marshal(map[string]string{
		"title": event.Title,
		"body":  event.Body,
		"url":   event.URL,
		"icon":  event.Icon,
	})
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	res := e.sendOne(ctx, sub, payload)
	if res.Outcome != push.OutcomeDelivered {
		if res.Err != nil {
			return res.Err
		}
		return fmt.Errorf("push send failed: %s", res.Outcome)
	}
	return nil
}

func (e *Engine) record(ctx context.Context, event *Event, status string) error {
	recCtx, cancel := context.WithTimeout(ctx, e.config.StorageTimeout)
	defer cancel()

	return e.history.Append(recCtx, &db.NotificationRecord{
		Title:    event.Title,
		Body:     event.Body,
		URL:      event.URL,
		Icon:     event.Icon,
		Platform: event.Platform,
		Status:   status,
	})
}
