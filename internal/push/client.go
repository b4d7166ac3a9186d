// Package push wraps the Web Push transport. Every send runs under an
// explicit timeout and its result is classified so the delivery engine
// can tell "gone forever, prune it" from "try again next event".
package push

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"github.com/amakihi/fanpush/internal/circuitbreaker"
	"github.com/amakihi/fanpush/internal/db"
)

// Outcome classifies a single push send.
type Outcome string

const (
	// OutcomeDelivered means the push service accepted the message.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeGone means the endpoint is permanently invalid and the
	// subscription should be pruned.
	OutcomeGone Outcome = "gone"
	// OutcomeTransient covers timeouts, 5xx and everything else worth
	// a fresh attempt on the next event. Never retried within a dispatch.
	OutcomeTransient Outcome = "transient"
)

// Result is the outcome of one per-subscriber send.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Err        error
}

// Config holds VAPID material and send behavior.
type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Subscriber is the contact address required by the VAPID spec;
	// webpush-go prepends mailto: itself.
	Subscriber string
	// TTL is how long the push service may hold an undelivered message,
	// in seconds.
	TTL int
	// SendTimeout bounds each individual send.
	SendTimeout time.Duration
}

// Client sends Web Push messages with VAPID authentication.
type Client struct {
	config  Config
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewClient creates a push client. VAPID keys are required; without them
// no push service will accept our messages.
func NewClient(cfg Config, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) (*Client, error) {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, fmt.Errorf("push: VAPID key pair is required")
	}
	if cfg.Subscriber == "" {
		return nil, fmt.Errorf("push: VAPID subscriber contact is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * 60 * 60
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	return &Client{
		config:  cfg,
		http:    &http.Client{Timeout: cfg.SendTimeout},
		breaker: breaker,
		logger:  logger,
	}, nil
}

// VAPIDPublicKey returns the public half the browser needs to subscribe.
func (c *Client) VAPIDPublicKey() string {
	return c.config.VAPIDPublicKey
}

// Send pushes one encrypted payload to one subscriber endpoint.
func (c *Client) Send(ctx context.Context, sub *db.Subscription, payload []byte) Result {
	if c.breaker != nil && !c.breaker.Allow() {
		return Result{Outcome: OutcomeTransient, Err: circuitbreaker.ErrCircuitOpen}
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.SendTimeout)
	defer cancel()

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      c.http,
		Subscriber:      c.config.Subscriber,
		VAPIDPublicKey:  c.config.VAPIDPublicKey,
		VAPIDPrivateKey: c.config.VAPIDPrivateKey,
		TTL:             c.config.TTL,
	})
	if err != nil {
		if c.breaker != nil {
			c.breaker.RecordFailure()
		}
		return Result{Outcome: OutcomeTransient, Err: fmt.Errorf("push send: %w", err)}
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused; the body is only useful
	// for diagnosing unexpected statuses.
	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	result := classifyStatus(resp.StatusCode)
	switch result.Outcome {
	case OutcomeDelivered:
		if c.breaker != nil {
			c.breaker.RecordSuccess()
		}
	case OutcomeGone:
		// The service answered; only this endpoint is dead.
		if c.breaker != nil {
			c.breaker.RecordSuccess()
		}
	default:
		if c.breaker != nil {
			c.breaker.RecordFailure()
		}
		c.logger.Warn("push service returned unexpected status",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", preview),
		)
	}

	return result
}

// classifyStatus maps a push service HTTP status to a send outcome.
// 404/410 is the permanently-gone class that triggers registry pruning.
func classifyStatus(code int) Result {
	switch {
	case code >= 200 && code < 300:
		return Result{Outcome: OutcomeDelivered, StatusCode: code}
	case code == http.StatusNotFound || code == http.StatusGone:
		return Result{
			Outcome:    OutcomeGone,
			StatusCode: code,
			Err:        fmt.Errorf("endpoint gone: status %d", code),
		}
	default:
		return Result{
			Outcome:    OutcomeTransient,
			StatusCode: code,
			Err:        fmt.Errorf("push rejected: status %d", code),
		}
	}
}
